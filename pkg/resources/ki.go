package resources

import (
	"crypto/sha1" //nolint:gosec // RFC 6487 mandates SHA-1 key identifiers
	"crypto/x509"
	"encoding/hex"
	"fmt"
)

// KI is a Key Identifier: the SHA-1 digest of a SubjectPublicKeyInfo,
// 20 bytes, used throughout the RPKI protocols to name a key without
// exposing its material.
type KI [20]byte

// KIFromPublicKey derives the Key Identifier of a public key by
// re-marshaling it to its SubjectPublicKeyInfo DER encoding and
// hashing that with SHA-1, per RFC 6487 §4.8.2.
func KIFromPublicKey(pub any) (KI, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return KI{}, fmt.Errorf("marshal public key: %w", err)
	}
	return sha1.Sum(der), nil
}

func (k KI) String() string { return hex.EncodeToString(k[:]) }

// ParseKI parses the hex form produced by KI.String.
func ParseKI(s string) (KI, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return KI{}, fmt.Errorf("parse key identifier: %w", err)
	}
	if len(b) != 20 {
		return KI{}, fmt.Errorf("parse key identifier: want 20 bytes, got %d", len(b))
	}
	var ki KI
	copy(ki[:], b)
	return ki, nil
}
