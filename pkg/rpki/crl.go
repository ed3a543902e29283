package rpki

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// RevokedSerial is one entry in a resource class's CRL backlog.
type RevokedSerial struct {
	Serial     *big.Int
	RevokedAt  time.Time
}

// BuildCRL signs a CRL listing revoked, over issuerCert/issuerKey,
// with crlNumber monotonically increasing per RFC 6487 the same way
// manifestNumber does. crypto/x509.CreateRevocationList already
// embeds the CRL number and AKI extensions RFC 5280 requires; RPKI
// adds nothing beyond what Go's stdlib CRL builder produces.
func BuildCRL(crlNumber uint64, thisUpdate, nextUpdate time.Time, revoked []RevokedSerial, issuerCert *x509.Certificate, issuerKey Signer) ([]byte, error) {
	entries := make([]x509.RevocationListEntry, len(revoked))
	for i, r := range revoked {
		entries[i] = x509.RevocationListEntry{
			SerialNumber:   r.Serial,
			RevocationTime: r.RevokedAt.UTC(),
		}
	}

	template := &x509.RevocationList{
		Number:                    new(big.Int).SetUint64(crlNumber),
		ThisUpdate:                thisUpdate.UTC(),
		NextUpdate:                nextUpdate.UTC(),
		RevokedCertificateEntries: entries,
		Issuer:                    issuerCert.Subject,
		SignatureAlgorithm:        x509.SHA256WithRSA,
	}

	der, err := x509.CreateRevocationList(rand.Reader, template, issuerCert, cryptoSignerAdapter{issuerKey})
	if err != nil {
		return nil, fmt.Errorf("create CRL: %w", err)
	}
	return der, nil
}

// ParseCRL parses a DER-encoded CRL, used by tests to read back a
// CRL's number and revoked entries.
func ParseCRL(der []byte) (*x509.RevocationList, error) {
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("parse CRL: %w", err)
	}
	return crl, nil
}

// CRLIssuerName builds the pkix.Name a CA's CRL issuer field carries;
// kept as a small helper so callers don't reach into x509 internals.
func CRLIssuerName(commonName string) pkix.Name {
	return pkix.Name{CommonName: commonName}
}
