package ca

import (
	"time"

	"github.com/cuemby/rpkid/pkg/resources"
)

const (
	evCAInitialized        = "ca.initialized"
	evParentAdded          = "ca.parent_added"
	evEntitlementsUpdated  = "ca.entitlements_updated"
	evClassKeyGenerated    = "ca.class_key_generated"
	evCertificateInstalled = "ca.certificate_installed"
	evKeyPromoted          = "ca.key_roll_activated"
	evKeyRevoked           = "ca.key_roll_finished"
	evChildAdded           = "ca.child_added"
	evCertIssued           = "ca.certificate_issued"
	evChildCertRevoked     = "ca.child_cert_revoked"
	evROAAdded             = "ca.roa_added"
	evROARemoved           = "ca.roa_removed"
	evRepublished          = "ca.republished"
	evKeyRollStarted       = "ca.key_roll_started"
)

// CAInitialized records the identity key and self-signed identity
// certificate generated for a newly created CA handle.
type CAInitialized struct {
	IDKeyKI       string
	IDCertDER     []byte
	IsTrustAnchor bool
}

func (CAInitialized) EventType() string { return evCAInitialized }

// ParentAdded records a new parent relationship.
type ParentAdded struct {
	ParentHandle  string
	ContactURI    string
	MyChildHandle string
	ParentIDCert  []byte
}

func (ParentAdded) EventType() string { return evParentAdded }

// EntitlementsUpdated upserts (creating if absent) a resource class's
// certified resources, as reported by a parent's list_response or
// self-assigned at trust-anchor init.
type EntitlementsUpdated struct {
	ParentHandle string
	Class        string
	Entitlements resources.Set
}

func (EntitlementsUpdated) EventType() string { return evEntitlementsUpdated }

// ClassKeyGenerated records a freshly generated resource class key,
// awaiting a certificate from the parent (or, for a trust anchor,
// immediately self-certified — see CertificateInstalled in the same
// command's event batch).
type ClassKeyGenerated struct {
	Class string
	KI    string
}

func (ClassKeyGenerated) EventType() string { return evClassKeyGenerated }

// CertificateInstalled installs a certificate for a resource class
// key. PromoteToActive is set when the class had no active key yet
// (first certificate for a brand new class, or a trust anchor's
// self-certification), skipping the separate key-roll promotion step.
type CertificateInstalled struct {
	Class           string
	KI              string
	CertDER         []byte
	SIARepository   string
	SIAManifest     string
	PromoteToActive bool
}

func (CertificateInstalled) EventType() string { return evCertificateInstalled }

// KeyRollStarted records a new pending key generated for a resource
// class already holding an active key.
type KeyRollStarted struct {
	Class       string
	KI          string
	GeneratedAt time.Time
}

func (KeyRollStarted) EventType() string { return evKeyRollStarted }

// KeyPromoted promotes a resource class's pending key to active,
// demoting the previous active key to staged-for-revocation.
type KeyPromoted struct {
	Class string
	KI    string
	Now   time.Time
}

func (KeyPromoted) EventType() string { return evKeyPromoted }

// KeyRevoked finalizes a resource class's staged key: it is removed
// from state (its private material destroyed by the caller) and its
// last serial is added to the CRL backlog of whichever key remains
// active.
type KeyRevoked struct {
	Class     string
	KI        string
	Serial    string
	RevokedAt time.Time
}

func (KeyRevoked) EventType() string { return evKeyRevoked }

// ChildAdded records a new child CA authorized for a set of resources.
type ChildAdded struct {
	ChildHandle         string
	IDCert              []byte
	AuthorizedResources resources.Set
}

func (ChildAdded) EventType() string { return evChildAdded }

// CertIssued records a certificate issued to a child within one
// resource class.
type CertIssued struct {
	ChildHandle string
	Class       string
	KI          string
	CertDER     []byte
	Resources   resources.Set
}

func (CertIssued) EventType() string { return evCertIssued }

// ChildCertRevoked adds a child's certificate serial to its issuing
// key's CRL backlog.
type ChildCertRevoked struct {
	ChildHandle string
	Class       string
	KI          string
	Serial      string
	RevokedAt   time.Time
}

func (ChildCertRevoked) EventType() string { return evChildCertRevoked }

// ROAAdded records a newly signed ROA.
type ROAAdded struct {
	Class     string
	ASN       uint32
	Prefix    string
	MaxLength int
	EESerial  string
	FileName  string
	ObjectDER []byte
}

func (ROAAdded) EventType() string { return evROAAdded }

// ROARemoved records a ROA's withdrawal; its EE certificate's serial
// joins the issuing key's CRL backlog.
type ROARemoved struct {
	Class     string
	ASN       uint32
	Prefix    string
	MaxLength int
	EESerial  string
	RevokedAt time.Time
}

func (ROARemoved) EventType() string { return evROARemoved }

// Republished records a freshly signed manifest and CRL for one
// resource class key.
type Republished struct {
	Class          string
	KI             string
	ManifestNumber uint64
	CRLNumber      uint64
	ThisUpdate     time.Time
	NextUpdate     time.Time
	ManifestDER    []byte
	ManifestEECert []byte
	CRLDER         []byte
}

func (Republished) EventType() string { return evRepublished }
