// Package signer is the object signer: given a resource class's
// certified resources and current key, it produces fully signed,
// publishable manifests, CRLs, and ROAs with consistent serials and
// validity windows. It is the only package that bridges pkg/keystore
// (which never releases private key bytes) and pkg/rpki (which builds
// and signs the DER/CMS encodings).
package signer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/cuemby/rpkid/pkg/keystore"
	"github.com/cuemby/rpkid/pkg/metrics"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpki"
)

// SIA carries the publication point URIs a resource class's key signs
// objects under: the rsync directory holding every product of the key,
// and the specific URI the manifest or a signed object will be
// published at.
type SIA struct {
	Repository string
	Manifest   string
}

// Signer produces signed RPKI objects on behalf of resource class
// keys held in a keystore.Store. Serial numbers are drawn from
// crypto/rand per object; manifestNumber/crlNumber are supplied by
// the caller (the CA aggregate owns those monotonic counters in its
// own state).
type Signer struct {
	store *keystore.Store
}

// New creates a Signer backed by store.
func New(store *keystore.Store) *Signer {
	return &Signer{store: store}
}

// GenerateClassKey creates a new resource-class key in the key store
// and returns its identifier, used both for a fresh resource class and
// for StartKeyRoll's pending key.
func (s *Signer) GenerateClassKey() (resources.KI, error) {
	return s.store.Create()
}

// PublicKey returns the public half of a stored key, used to build
// up-down certificate requests for a pending key. Private material
// never leaves the store.
func (s *Signer) PublicKey(ki resources.KI) (*rsa.PublicKey, error) {
	return s.store.PublicKey(ki)
}

// DestroyKey removes a key's private material, called only once a
// rolled key's final revocation has been committed to the CA.
func (s *Signer) DestroyKey(ki resources.KI) error {
	return s.store.Destroy(ki)
}

// SelfSignedTA issues a self-signed trust anchor certificate for the
// CA's own identity key, certifying exactly resources.
func (s *Signer) SelfSignedTA(ki resources.KI, commonName string, set resources.Set, notBefore, notAfter time.Time) (*x509.Certificate, error) {
	signer, err := s.store.Signer(ki)
	if err != nil {
		return nil, fmt.Errorf("load trust anchor key: %w", err)
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SigningDuration, "ta-cert")

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	return rpki.IssueCertificate(rpki.CertRequest{
		Subject:      pkix.Name{CommonName: commonName},
		SerialNumber: serial,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IsCA:         true,
		Resources:    set,
		PublicKey:    signer.Public(),
	}, nil, signer)
}

// IssueResourceClassCert issues a CA certificate for a resource
// class's key (the cert a parent hands back in CertificateReceived),
// signed by the issuer's key (the parent's active key, or the CA's
// own identity key for a self-managed trust anchor).
func (s *Signer) IssueResourceClassCert(issuerKI resources.KI, issuerCert *x509.Certificate, subjectPub *rsa.PublicKey, set resources.Set, sia SIA, notBefore, notAfter time.Time) (*x509.Certificate, error) {
	signer, err := s.store.Signer(issuerKI)
	if err != nil {
		return nil, fmt.Errorf("load issuer key %s: %w", issuerKI, err)
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SigningDuration, "resource-cert")

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	ki, err := resources.KIFromPublicKey(subjectPub)
	if err != nil {
		return nil, fmt.Errorf("derive subject key identifier: %w", err)
	}
	return rpki.IssueCertificate(rpki.CertRequest{
		Subject:       pkix.Name{CommonName: ki.String()},
		SerialNumber:  serial,
		NotBefore:     notBefore,
		NotAfter:      notAfter,
		IsCA:          true,
		Resources:     set,
		PublicKey:     subjectPub,
		SIARepository: sia.Repository,
		SIAManifest:   sia.Manifest,
	}, issuerCert, signer)
}

// IssueChildCert signs a child CA's certificate for a subset of the
// resource class's certified resources, per the Issue command.
func (s *Signer) IssueChildCert(classKI resources.KI, classCert *x509.Certificate, childPub *rsa.PublicKey, set resources.Set, sia SIA, notBefore, notAfter time.Time) (*x509.Certificate, error) {
	return s.IssueResourceClassCert(classKI, classCert, childPub, set, sia, notBefore, notAfter)
}

// ManifestResult bundles the signed CMS manifest with the one-shot EE
// certificate used to produce it, so the caller can publish both.
type ManifestResult struct {
	Signed *rpki.SignedObject
	EECert *x509.Certificate
}

// SignManifest signs a new manifest over entries for a resource
// class's current key, generating and discarding a one-shot EE key
// for the CMS signature per RFC 6486.
func (s *Signer) SignManifest(classKI resources.KI, classCert *x509.Certificate, sia SIA, manifestNumber uint64, thisUpdate, nextUpdate time.Time, entries []rpki.ManifestFileEntry, now time.Time) (*ManifestResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SigningDuration, "manifest")

	eeKey, eeCert, err := s.issueOneShotEE(classKI, classCert, resources.Set{}, true, sia.Manifest, thisUpdate, nextUpdate)
	if err != nil {
		return nil, fmt.Errorf("issue manifest EE cert: %w", err)
	}
	signed, err := rpki.SignManifest(manifestNumber, thisUpdate, nextUpdate, entries, eeCert, eeKey, now)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	return &ManifestResult{Signed: signed, EECert: eeCert}, nil
}

// ROAResult bundles the signed CMS ROA with its one-shot EE
// certificate.
type ROAResult struct {
	Signed *rpki.SignedObject
	EECert *x509.Certificate
}

// SignROA signs a new ROA over prefixes for asn, failing if any prefix
// falls outside the resource class's certified resources.
func (s *Signer) SignROA(classKI resources.KI, classCert *x509.Certificate, sia SIA, asn uint32, prefixes []rpki.ROAPrefix, certified resources.Set, notBefore, notAfter, now time.Time) (*ROAResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SigningDuration, "roa")

	var claimed resources.Set
	for _, p := range prefixes {
		claimed.AddPrefix(p.Prefix)
	}
	claimed.Canonicalize()

	eeKey, eeCert, err := s.issueOneShotEE(classKI, classCert, claimed, false, sia.Manifest, notBefore, notAfter)
	if err != nil {
		return nil, fmt.Errorf("issue ROA EE cert: %w", err)
	}
	signed, err := rpki.SignROA(asn, prefixes, certified, eeCert, eeKey, now)
	if err != nil {
		return nil, fmt.Errorf("sign ROA: %w", err)
	}
	return &ROAResult{Signed: signed, EECert: eeCert}, nil
}

// SignCRL signs a new CRL directly with the resource class's key
// (CRLs are not CMS-wrapped, and carry no one-shot EE certificate).
func (s *Signer) SignCRL(classKI resources.KI, classCert *x509.Certificate, crlNumber uint64, thisUpdate, nextUpdate time.Time, revoked []rpki.RevokedSerial) ([]byte, error) {
	signer, err := s.store.Signer(classKI)
	if err != nil {
		return nil, fmt.Errorf("load class key %s: %w", classKI, err)
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SigningDuration, "crl")

	return rpki.BuildCRL(crlNumber, thisUpdate, nextUpdate, revoked, classCert, signer)
}

// issueOneShotEE generates an in-memory RSA-2048 key, used once to
// sign a single manifest or ROA and then discarded: it never touches
// the key store, per the boundary design note.
func (s *Signer) issueOneShotEE(issuerKI resources.KI, issuerCert *x509.Certificate, resourceSet resources.Set, inheritAll bool, siaSignedObject string, notBefore, notAfter time.Time) (*rsa.PrivateKey, *x509.Certificate, error) {
	issuerSigner, err := s.store.Signer(issuerKI)
	if err != nil {
		return nil, nil, fmt.Errorf("load issuer key %s: %w", issuerKI, err)
	}

	eeKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate one-shot EE key: %w", err)
	}
	ki, err := resources.KIFromPublicKey(&eeKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("derive EE key identifier: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	eeCert, err := rpki.IssueCertificate(rpki.CertRequest{
		Subject:         pkix.Name{CommonName: ki.String()},
		SerialNumber:    serial,
		NotBefore:       notBefore,
		NotAfter:        notAfter,
		IsCA:            false,
		Resources:       resourceSet,
		InheritAll:      inheritAll,
		PublicKey:       &eeKey.PublicKey,
		SIASignedObject: siaSignedObject,
	}, issuerCert, issuerSigner)
	if err != nil {
		return nil, nil, fmt.Errorf("issue EE cert: %w", err)
	}
	return eeKey, eeCert, nil
}

func randomSerial() (*big.Int, error) {
	// 128-bit serials, enough entropy that collisions within an
	// issuer are not a practical concern.
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
