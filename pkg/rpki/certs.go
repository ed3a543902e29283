// Package rpki implements the cryptographic primitives and ASN.1
// object encoders RPKI needs: resource certificates carrying RFC 3779
// extensions, manifests, CRLs, and ROAs, plus the RFC 5652 CMS
// SignedData profile, encoded directly with encoding/asn1.
package rpki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/cuemby/rpkid/pkg/resources"
)

// Subject information access and certificate policy OIDs rpkid's
// certificates carry, per RFC 6487.
var (
	oidSIA            = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 11}
	oidCertPolicies   = asn1.ObjectIdentifier{2, 5, 29, 32}
	oidRPKICertPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 14, 2}
)

// CertRequest describes a resource certificate to be issued. It
// covers both CA certificates (IsCA true) and one-shot EE
// certificates used to sign a single manifest or ROA.
type CertRequest struct {
	Subject      pkix.Name
	SerialNumber *big.Int
	NotBefore    time.Time
	NotAfter     time.Time
	IsCA         bool
	Resources    resources.Set
	InheritAll   bool // RFC 3779 "inherit" marker: certify whatever the issuer has
	PublicKey    *rsa.PublicKey

	SIARepository         string // rsync URI for published products, CA certs only
	SIAManifest           string // rsync URI of the manifest, CA certs only
	SIASignedObject       string // rsync URI of the signed object itself, EE certs only
	CRLDistributionPoint  string
	AIACAIssuers          string
}

// IssueCertificate signs a resource certificate with issuerKey,
// embedding RFC 3779 extensions for req.Resources (or the "inherit"
// marker when InheritAll is set, used for EE certs that are entitled
// to everything their issuing CA key holds). issuerKey never exposes
// private key material: for a resource class's long-lived key it is
// backed by the key store, for a one-shot EE key it wraps the key
// directly (see WrapKey).
func IssueCertificate(req CertRequest, issuerCert *x509.Certificate, issuerKey Signer) (*x509.Certificate, error) {
	keyUsage := x509.KeyUsageDigitalSignature
	if req.IsCA {
		keyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}

	template := &x509.Certificate{
		SerialNumber:          req.SerialNumber,
		Subject:               req.Subject,
		NotBefore:             req.NotBefore,
		NotAfter:              req.NotAfter,
		KeyUsage:              keyUsage,
		IsCA:                  req.IsCA,
		BasicConstraintsValid: true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	if req.CRLDistributionPoint != "" {
		template.CRLDistributionPoints = []string{req.CRLDistributionPoint}
	}
	if req.AIACAIssuers != "" {
		template.IssuingCertificateURL = []string{req.AIACAIssuers}
	}

	extraExts, err := resourceExtensions(req)
	if err != nil {
		return nil, fmt.Errorf("build resource extensions: %w", err)
	}
	template.ExtraExtensions = append(template.ExtraExtensions, extraExts...)

	sia, err := siaExtension(req)
	if err != nil {
		return nil, fmt.Errorf("build SIA extension: %w", err)
	}
	if sia != nil {
		template.ExtraExtensions = append(template.ExtraExtensions, *sia)
	}

	template.ExtraExtensions = append(template.ExtraExtensions, certPolicyExtension())

	parent := issuerCert
	if parent == nil {
		parent = template // self-signed: the trust anchor certifies itself
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, req.PublicKey, cryptoSignerAdapter{issuerKey})
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse created certificate: %w", err)
	}
	return cert, nil
}

// inheritMarker is the ASN.1 NULL used for an RFC 3779 extension's
// "inherit" choice: the certified resources are whatever the issuer
// holds, not an explicit list.
var inheritMarker = asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagNull, IsCompound: false}

func resourceExtensions(req CertRequest) ([]pkix.Extension, error) {
	var exts []pkix.Extension

	if req.InheritAll {
		inherit, err := asn1.Marshal(inheritMarker)
		if err != nil {
			return nil, err
		}
		exts = append(exts,
			pkix.Extension{Id: oidIPAddrBlocks, Critical: true, Value: inherit},
			pkix.Extension{Id: oidASNBlocks, Critical: true, Value: inherit},
		)
		return exts, nil
	}

	if len(req.Resources.IPv4) > 0 || len(req.Resources.IPv6) > 0 {
		val, err := EncodeIPAddrBlocksExtension(req.Resources)
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{Id: oidIPAddrBlocks, Critical: true, Value: val})
	}
	if len(req.Resources.ASNs) > 0 {
		val, err := EncodeASIdentifiersExtension(req.Resources)
		if err != nil {
			return nil, err
		}
		exts = append(exts, pkix.Extension{Id: oidASNBlocks, Critical: true, Value: val})
	}
	return exts, nil
}

type sia struct {
	AccessDescriptions []accessDescription
}

type accessDescription struct {
	Method   asn1.ObjectIdentifier
	Location asn1.RawValue
}

var (
	oidADCARepository = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 5}
	oidADManifest     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 10}
	oidADSignedObject = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 11}
)

func siaExtension(req CertRequest) (*pkix.Extension, error) {
	var ads []accessDescription
	if req.SIARepository != "" {
		ads = append(ads, accessDescription{Method: oidADCARepository, Location: uriGeneralName(req.SIARepository)})
	}
	if req.SIAManifest != "" {
		ads = append(ads, accessDescription{Method: oidADManifest, Location: uriGeneralName(req.SIAManifest)})
	}
	if req.SIASignedObject != "" {
		ads = append(ads, accessDescription{Method: oidADSignedObject, Location: uriGeneralName(req.SIASignedObject)})
	}
	if len(ads) == 0 {
		return nil, nil
	}
	val, err := asn1.Marshal(sia{AccessDescriptions: ads})
	if err != nil {
		return nil, err
	}
	return &pkix.Extension{Id: oidSIA, Critical: false, Value: val}, nil
}

func uriGeneralName(uri string) asn1.RawValue {
	// GeneralName [6] IA5String (uniformResourceIdentifier), context tag 6.
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 6, IsCompound: false, Bytes: []byte(uri)}
}

func certPolicyExtension() pkix.Extension {
	type policyInformation struct {
		PolicyIdentifier asn1.ObjectIdentifier
	}
	val, _ := asn1.Marshal([]policyInformation{{PolicyIdentifier: oidRPKICertPolicy}})
	return pkix.Extension{Id: oidCertPolicies, Critical: true, Value: val}
}

// ExtractResources parses the RFC 3779 extensions from a parsed
// certificate, used when validating that a child's requested
// resources are a subset of what its issuing key actually certifies.
func ExtractResources(cert *x509.Certificate) (resources.Set, error) {
	var set resources.Set
	for _, ext := range cert.Extensions {
		switch {
		case ext.Id.Equal(oidIPAddrBlocks):
			ipSet, err := DecodeIPAddrBlocksExtension(ext.Value)
			if err != nil {
				return resources.Set{}, err
			}
			set.IPv4 = ipSet.IPv4
			set.IPv6 = ipSet.IPv6
		case ext.Id.Equal(oidASNBlocks):
			asSet, err := DecodeASIdentifiersExtension(ext.Value)
			if err != nil {
				return resources.Set{}, err
			}
			set.ASNs = asSet.ASNs
		}
	}
	set.Canonicalize()
	return set, nil
}

// Fingerprint returns the SHA-256 digest of a certificate's DER
// encoding, used as the manifest/ROA content hash and as the KI-like
// reference some RPKI objects carry.
func Fingerprint(der []byte) [32]byte {
	return sha256.Sum256(der)
}
