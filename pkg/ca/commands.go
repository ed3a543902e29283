package ca

import (
	"net/netip"
	"time"

	"github.com/cuemby/rpkid/pkg/resources"
)

const (
	cmdInit                = "ca.init"
	cmdInitTA              = "ca.init_ta"
	cmdAddParent           = "ca.add_parent"
	cmdUpdateEntitlements  = "ca.update_entitlements"
	cmdCertificateReceived = "ca.certificate_received"
	cmdAddChild            = "ca.add_child"
	cmdIssue               = "ca.issue"
	cmdRevokeChildCert     = "ca.revoke_child_cert"
	cmdAddRoa              = "ca.add_roa"
	cmdRemoveRoa           = "ca.remove_roa"
	cmdStartKeyRoll        = "ca.start_key_roll"
	cmdActivateKeyRoll     = "ca.activate_key_roll"
	cmdFinishKeyRoll       = "ca.finish_key_roll"
	cmdRepublish           = "ca.republish"
)

// DefaultValidFor is the lifetime assigned to freshly issued resource
// certificates when no override is supplied.
const DefaultValidFor = 365 * 24 * time.Hour

// DefaultMFTCRLValidity is the default nextUpdate - thisUpdate window
// for manifests and CRLs.
const DefaultMFTCRLValidity = 24 * time.Hour

// DefaultKeyRollMinStage is the minimum time since a pending key was
// generated before ActivateKeyRoll may promote it (the key must also
// hold a certificate by then), RFC 6489's "at least 24 hours".
const DefaultKeyRollMinStage = 24 * time.Hour

// DefaultKeyRollQuiet is the minimum time a staged-for-revocation key
// must sit idle before FinishKeyRoll may revoke it.
const DefaultKeyRollQuiet = 24 * time.Hour

// Init creates a CA handle that is not (yet) a trust anchor: it
// generates only an identity key and self-signed identity
// certificate, awaiting AddParent/UpdateEntitlements to populate
// resource classes.
type Init struct{}

func (Init) CommandType() string { return cmdInit }

// InitTA creates a CA handle as a trust anchor: in addition to the
// identity key, it self-certifies a "default" resource class over
// Resources and immediately publishes manifestNumber=1/crlNumber=1,
// matching the TA bootstrap seed scenario.
type InitTA struct {
	Resources resources.Set
	ValidFor  time.Duration // certificate and MFT/CRL validity; 0 selects defaults
}

func (InitTA) CommandType() string { return cmdInitTA }

// AddParent registers a new parent relationship, triggering (outside
// this command, via the scheduler/up-down client) a first
// list-entitlements exchange.
type AddParent struct {
	ParentHandle  string
	ContactURI    string
	MyChildHandle string
	ParentIDCert  []byte
}

func (AddParent) CommandType() string { return cmdAddParent }

// UpdateEntitlements upserts a resource class's certified resources as
// reported by a parent, generating a key (and requesting a
// certificate for it, via the returned ClassKeyGenerated event) for
// any class that does not yet have an active key.
type UpdateEntitlements struct {
	ParentHandle string
	Class        string
	Entitlements resources.Set
}

func (UpdateEntitlements) CommandType() string { return cmdUpdateEntitlements }

// CertificateReceived installs a certificate a parent returned for a
// pending or active key awaiting one.
type CertificateReceived struct {
	ParentHandle string
	Class        string
	KI           resources.KI
	CertDER      []byte
}

func (CertificateReceived) CommandType() string { return cmdCertificateReceived }

// AddChild records a new child CA authorized for a set of resources.
type AddChild struct {
	ChildHandle string
	IDCert      []byte
	Resources   resources.Set
}

func (AddChild) CommandType() string { return cmdAddChild }

// Issue signs a child's certificate for resources within one resource
// class, which must be a subset of both the child's authorized
// resources and the class's certified resources.
type Issue struct {
	ChildHandle       string
	Class             string
	ChildPublicKeyDER []byte
	Resources         resources.Set
	ValidFor          time.Duration
}

func (Issue) CommandType() string { return cmdIssue }

// RevokeChildCert adds a child's certificate to its issuing key's CRL
// backlog and, in the same command, re-signs that key's CRL and
// manifest and records a publication intent for them.
type RevokeChildCert struct {
	ChildHandle string
	Class       string
	KI          resources.KI
}

func (RevokeChildCert) CommandType() string { return cmdRevokeChildCert }

// AddRoa signs a new route origin authorization.
type AddRoa struct {
	Class     string
	ASN       uint32
	Prefix    netip.Prefix
	MaxLength int
	ValidFor  time.Duration
}

func (AddRoa) CommandType() string { return cmdAddRoa }

// RemoveRoa withdraws an existing ROA.
type RemoveRoa struct {
	Class     string
	ASN       uint32
	Prefix    netip.Prefix
	MaxLength int
}

func (RemoveRoa) CommandType() string { return cmdRemoveRoa }

// StartKeyRoll generates a new pending key for a resource class that
// does not already have one.
type StartKeyRoll struct {
	Class string
}

func (StartKeyRoll) CommandType() string { return cmdStartKeyRoll }

// ActivateKeyRoll promotes a resource class's pending key (which must
// already hold a certificate and have stood for at least MinStage)
// to active, demoting the current active key to staged-for-revocation.
type ActivateKeyRoll struct {
	Class    string
	MinStage time.Duration
}

func (ActivateKeyRoll) CommandType() string { return cmdActivateKeyRoll }

// FinishKeyRoll revokes a resource class's staged key once it has sat
// quiet for at least Quiet and withdraws its objects. The command does
// not touch the key store: the caller destroys the private material
// after the revocation has committed.
type FinishKeyRoll struct {
	Class string
	Quiet time.Duration
}

func (FinishKeyRoll) CommandType() string { return cmdFinishKeyRoll }

// Republish re-signs a resource class key's manifest and CRL,
// listing every currently published object and still-unexpired
// revoked serial.
type Republish struct {
	Class    string
	ValidFor time.Duration
}

func (Republish) CommandType() string { return cmdRepublish }
