// RFC 5652 Cryptographic Message Syntax, the CMS SignedData profile
// RPKI signed objects (manifests, ROAs) and the up-down/publication
// protocols wrap their payloads in. Only the narrow slice RFC 6488
// needs is implemented: one RSA/SHA-256 signer (the RFC 7935 suite),
// signed attributes, a single embedded certificate.
package rpki

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"
)

var (
	oidSignedData      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidContentTypeAttr = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidSigningTime     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
	oidSHA256          = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}

	// RPKI signed objects (RFC 6488) carry an eContentType identifying
	// which object type the payload is.
	OIDManifest         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 26}
	OIDRouteOriginAuthz = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 24}

	// OIDProtocolXML is id-ct-xml, the eContentType both the up-down
	// (RFC 6492) and publication (RFC 8181) protocols wrap their XML
	// messages under.
	OIDProtocolXML = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 28}
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte `asn1:"explicit,optional,tag:0"`
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type signerInfo struct {
	Version            int
	Sid                []byte `asn1:"tag:0"` // SubjectKeyIdentifier, [0] IMPLICIT
	DigestAlgorithm    algorithmIdentifier
	SignedAttrs        []attribute `asn1:"optional,tag:0,set"`
	SignatureAlgorithm algorithmIdentifier
	Signature          []byte
}

type signedData struct {
	Version          int
	DigestAlgorithms []algorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfo
	Certificates     []asn1.RawValue `asn1:"optional,tag:0,set"`
	SignerInfos      []signerInfo    `asn1:"set"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

// SignedObject is the result of wrapping a payload in CMS SignedData:
// the encoded bytes ready to publish, plus the signing time used so
// callers (tests, audit logs) can assert determinism.
type SignedObject struct {
	DER         []byte
	SigningTime time.Time
}

// CMSWrap produces an RFC 6488 RPKI signed object: a CMS SignedData
// structure over payload, signed by signerKey, carrying eeCert (the
// one-shot EE certificate whose public key matches signerKey) as its
// only certificate.
func CMSWrap(contentType asn1.ObjectIdentifier, payload []byte, eeCert *x509.Certificate, signerKey *rsa.PrivateKey, signingTime time.Time) (*SignedObject, error) {
	return CMSWrapWithSigner(contentType, payload, eeCert, WrapKey(signerKey), signingTime)
}

// CMSWrapWithSigner is CMSWrap for keys that live behind the key
// store boundary: the up-down and publication protocol engines sign
// their messages with long-lived identity keys whose private material
// never leaves the store.
func CMSWrapWithSigner(contentType asn1.ObjectIdentifier, payload []byte, signerCert *x509.Certificate, signerKey Signer, signingTime time.Time) (*SignedObject, error) {
	eeCert := signerCert
	digest := sha256.Sum256(payload)

	signedAttrs := []attribute{
		{Type: oidContentTypeAttr, Values: []asn1.RawValue{rawOID(contentType)}},
		{Type: oidMessageDigest, Values: []asn1.RawValue{rawOctetString(digest[:])}},
		{Type: oidSigningTime, Values: []asn1.RawValue{rawUTCTime(signingTime)}},
	}

	// RFC 5652 §5.4: the signature covers the DER encoding of
	// signedAttrs as a (universal) SET OF, not the [0] IMPLICIT form
	// that goes on the wire. Marshaling the same slice without the
	// tag override gives byte-identical contents under a different
	// outer tag, since DER SET OF ordering depends only on content.
	toSign, err := asn1.MarshalWithParams(signedAttrs, "set")
	if err != nil {
		return nil, fmt.Errorf("marshal signed attributes for signing: %w", err)
	}
	attrsDigest := sha256.Sum256(toSign)
	sig, err := signerKey.Sign(attrsDigest[:])
	if err != nil {
		return nil, fmt.Errorf("sign attributes: %w", err)
	}

	info := signerInfo{
		Version:            3,
		Sid:                subjectKeyID(eeCert),
		DigestAlgorithm:    algorithmIdentifier{Algorithm: oidSHA256},
		SignedAttrs:        signedAttrs,
		SignatureAlgorithm: algorithmIdentifier{Algorithm: oidSHA256WithRSA, Parameters: asn1.NullRawValue},
		Signature:          sig,
	}

	sd := signedData{
		Version:          3,
		DigestAlgorithms: []algorithmIdentifier{{Algorithm: oidSHA256}},
		EncapContentInfo: encapsulatedContentInfo{EContentType: contentType, EContent: payload},
		Certificates:     []asn1.RawValue{{FullBytes: eeCert.Raw}},
		SignerInfos:      []signerInfo{info},
	}

	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("marshal SignedData: %w", err)
	}

	outer := contentInfo{
		ContentType: oidSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdDER},
	}
	der, err := asn1.Marshal(outer)
	if err != nil {
		return nil, fmt.Errorf("marshal ContentInfo: %w", err)
	}
	return &SignedObject{DER: der, SigningTime: signingTime}, nil
}

// CMSUnwrap verifies and extracts the payload from an RFC 6488 signed
// object. trustAnchors are the certificates the embedded EE
// certificate must chain to; verification fails closed if the chain,
// the message digest, or the signature does not check out. A nil
// trustAnchors skips chain validation, for callers that only need the
// payload and will validate the chain separately.
func CMSUnwrap(der []byte, trustAnchors *x509.CertPool) ([]byte, *x509.Certificate, error) {
	var outer contentInfo
	if _, err := asn1.Unmarshal(der, &outer); err != nil {
		return nil, nil, fmt.Errorf("unmarshal ContentInfo: %w", err)
	}
	if !outer.ContentType.Equal(oidSignedData) {
		return nil, nil, fmt.Errorf("unexpected content type %s", outer.ContentType)
	}

	var sd signedData
	if _, err := asn1.Unmarshal(outer.Content.Bytes, &sd); err != nil {
		return nil, nil, fmt.Errorf("unmarshal SignedData: %w", err)
	}
	if len(sd.SignerInfos) != 1 {
		return nil, nil, fmt.Errorf("expected exactly one signer, got %d", len(sd.SignerInfos))
	}
	if len(sd.Certificates) == 0 {
		return nil, nil, fmt.Errorf("no embedded signer certificate")
	}

	signerCert, err := x509.ParseCertificate(sd.Certificates[0].FullBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse embedded certificate: %w", err)
	}

	if trustAnchors != nil {
		opts := x509.VerifyOptions{Roots: trustAnchors, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}
		if _, err := signerCert.Verify(opts); err != nil {
			return nil, nil, fmt.Errorf("signer certificate chain invalid: %w", err)
		}
	}

	info := sd.SignerInfos[0]

	gotDigest, ok := findOctetStringAttr(info.SignedAttrs, oidMessageDigest)
	if !ok {
		return nil, nil, fmt.Errorf("missing messageDigest attribute")
	}
	wantDigest := sha256.Sum256(sd.EncapContentInfo.EContent)
	if !bytes.Equal(gotDigest, wantDigest[:]) {
		return nil, nil, fmt.Errorf("content digest mismatch")
	}

	if signingTime, ok := findTimeAttr(info.SignedAttrs, oidSigningTime); ok {
		skew := time.Since(signingTime)
		if skew > time.Hour || skew < -time.Hour {
			return nil, nil, fmt.Errorf("signing time %s outside +/-1h replay window", signingTime)
		}
	}

	toVerify, err := asn1.MarshalWithParams(info.SignedAttrs, "set")
	if err != nil {
		return nil, nil, fmt.Errorf("re-marshal signed attributes: %w", err)
	}
	digest := sha256.Sum256(toVerify)

	pub, ok := signerCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("signer public key is not RSA")
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], info.Signature); err != nil {
		return nil, nil, fmt.Errorf("signature verification failed: %w", err)
	}

	return sd.EncapContentInfo.EContent, signerCert, nil
}

func subjectKeyID(cert *x509.Certificate) []byte {
	if len(cert.SubjectKeyId) > 0 {
		return cert.SubjectKeyId
	}
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return sum[:]
}

func rawOID(oid asn1.ObjectIdentifier) asn1.RawValue {
	b, _ := asn1.Marshal(oid)
	return asn1.RawValue{FullBytes: b}
}

func rawOctetString(data []byte) asn1.RawValue {
	b, _ := asn1.Marshal(data)
	return asn1.RawValue{FullBytes: b}
}

func rawUTCTime(t time.Time) asn1.RawValue {
	b, _ := asn1.MarshalWithParams(t.UTC(), "utc")
	return asn1.RawValue{FullBytes: b}
}

func findOctetStringAttr(attrs []attribute, oid asn1.ObjectIdentifier) ([]byte, bool) {
	for _, a := range attrs {
		if !a.Type.Equal(oid) || len(a.Values) == 0 {
			continue
		}
		var octets []byte
		if _, err := asn1.Unmarshal(a.Values[0].FullBytes, &octets); err != nil {
			return nil, false
		}
		return octets, true
	}
	return nil, false
}

func findTimeAttr(attrs []attribute, oid asn1.ObjectIdentifier) (time.Time, bool) {
	for _, a := range attrs {
		if !a.Type.Equal(oid) || len(a.Values) == 0 {
			continue
		}
		var t time.Time
		if _, err := asn1.Unmarshal(a.Values[0].FullBytes, &t); err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}
