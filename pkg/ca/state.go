// Package ca implements the CA aggregate: the state and event model
// for a resource certificate authority's parent links, resource
// classes, children, and ROAs, built on pkg/aggregate.
package ca

import (
	"strconv"
	"time"

	"github.com/cuemby/rpkid/pkg/resources"
)

// KeyState is the three-slot key rollover state of one resource class
// key, per RFC 6489.
type KeyState string

const (
	KeyPending               KeyState = "pending"
	KeyActive                KeyState = "active"
	KeyStagedForRevocation   KeyState = "staged-for-revocation"
)

// Key is one resource class key and everything signed under it.
type Key struct {
	KI              resources.KI
	State           KeyState
	Cert            []byte // DER; nil until CertificateReceived installs it
	SIARepository   string
	SIAManifest     string
	ManifestNumber  uint64
	CRLNumber       uint64
	ThisUpdate      time.Time
	NextUpdate      time.Time
	PendingSince    time.Time // when this key entered the pending state
	StagedSince     time.Time // when this key entered staged-for-revocation
	RevokedSerials  []RevokedSerial

	// Last signed manifest and CRL, kept so the publication client can
	// re-derive the full desired object set from state alone after a
	// crash, without re-signing.
	ManifestDER    []byte
	ManifestEECert []byte
	CRLDER         []byte
}

// RevokedSerial is one entry in a key's CRL backlog: a child EE cert
// or object EE cert revoked but not yet past its own expiry.
type RevokedSerial struct {
	Serial    string // decimal big.Int, for stable JSON round-tripping
	RevokedAt time.Time
}

// ResourceClass groups a parent-assigned name with the keys and
// signed objects certified under it.
type ResourceClass struct {
	Name         string
	Entitlements resources.Set
	Current      *Key
	Pending      *Key
	Old          *Key
	ROAs         map[string]*ROA
}

// ROA is one route origin authorization signed under a resource
// class's current key.
type ROA struct {
	ASN       uint32
	Prefix    string // canonical netip.Prefix.String()
	MaxLength int
	EESerial  string
	FileName  string
	ObjectDER []byte // CMS-signed bytes, re-listed (not re-signed) on every Republish
}

func roaKey(asn uint32, prefix string, maxLength int) string {
	return prefix + "/" + strconv.Itoa(maxLength) + "-AS" + strconv.Itoa(int(asn))
}

// ParentInfo is what a CA remembers about one of its parents.
type ParentInfo struct {
	ContactURI    string
	ParentHandle  string
	MyChildHandle string
	IDCert        []byte // parent's identity certificate, used to verify up-down responses
}

// IssuedCert is a certificate this CA has issued to one of its
// children within one resource class.
type IssuedCert struct {
	Class     string
	KI        resources.KI
	Cert      []byte
	Resources resources.Set
	Revoked   bool
}

// ChildInfo is what a CA remembers about one of its children.
type ChildInfo struct {
	Handle               string
	IDCert               []byte
	AuthorizedResources  resources.Set
	IssuedCerts          map[string]*IssuedCert // keyed by KI.String()
}

// State is the CA aggregate's in-memory model: a handle's parents,
// resource classes (each with up to three keys mid-rollover),
// children, and the ROAs signed under each class. Validate and Apply
// never perform I/O directly against the network or the key store's
// disk files; signing is delegated to the injected *signer.Signer,
// which only ever touches in-memory key material or the already-open
// key store — there is no remote call on this path.
type State struct {
	Handle          string
	Initialized     bool
	IsTrustAnchor   bool
	IDKey           resources.KI
	IDCert          []byte
	Parents         map[string]*ParentInfo
	ResourceClasses map[string]*ResourceClass
	Children        map[string]*ChildInfo

	// PendingIntents are publication intents recorded but not yet
	// confirmed by a completed round-trip to the repository. The
	// scheduler retries them until a ConfirmPublication command clears
	// them, which is what makes a crash between signing and publishing
	// recoverable.
	PendingIntents map[string]*PublicationIntent

	deps *Deps
}

func newState(handle string, deps *Deps) *State {
	return &State{
		Handle:          handle,
		Parents:         make(map[string]*ParentInfo),
		ResourceClasses: make(map[string]*ResourceClass),
		Children:        make(map[string]*ChildInfo),
		PendingIntents:  make(map[string]*PublicationIntent),
		deps:            deps,
	}
}

// PublishedObjects returns the full desired publication set for this
// CA: for every resource class key holding a certificate and a signed
// manifest, the manifest and CRL at the key's SIA, plus (for the
// active key) every ROA object and issued child certificate. The map
// key is the publication URI.
func (s *State) PublishedObjects() map[string][]byte {
	objects := make(map[string][]byte)
	for _, class := range s.ResourceClasses {
		for _, key := range []*Key{class.Current, class.Old} {
			if key == nil || key.Cert == nil || key.ManifestDER == nil {
				continue
			}
			objects[key.SIARepository+key.KI.String()+".mft"] = key.ManifestDER
			objects[key.SIARepository+key.KI.String()+".crl"] = key.CRLDER
		}
		if class.Current == nil || class.Current.ManifestDER == nil {
			continue
		}
		base := class.Current.SIARepository
		for _, roa := range class.ROAs {
			objects[base+roa.FileName] = roa.ObjectDER
		}
		for _, child := range s.Children {
			for _, issued := range child.IssuedCerts {
				if issued.Class != class.Name || issued.Revoked {
					continue
				}
				objects[base+issued.KI.String()+".cer"] = issued.Cert
			}
		}
	}
	return objects
}
