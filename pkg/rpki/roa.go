package rpki

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"net/netip"
	"time"

	"github.com/cuemby/rpkid/pkg/resources"
)

// ROAPrefix is one prefix (with an optional max length, defaulting to
// the prefix's own length when zero) a ROA attests.
type ROAPrefix struct {
	Prefix    netip.Prefix
	MaxLength int
}

type roaIPAddress struct {
	Address   asn1.BitString
	MaxLength int `asn1:"optional,default:0"`
}

type roaIPAddressFamily struct {
	AddressFamily []byte
	Addresses     []roaIPAddress
}

type routeOriginAttestation struct {
	Version     int `asn1:"optional,default:0,tag:0,explicit"`
	ASID        int64
	IPAddrBlocks []roaIPAddressFamily
}

// BuildROA produces the eContent of a ROA (RFC 6482) for one AS
// number over a set of prefixes, grouped by address family the way
// RFC 6482's ROAIPAddressFamily requires.
func BuildROA(asn uint32, prefixes []ROAPrefix) ([]byte, error) {
	var v4, v6 []roaIPAddress
	for _, p := range prefixes {
		maxLen := p.MaxLength
		if maxLen == 0 {
			maxLen = p.Prefix.Bits()
		}
		addr := roaIPAddress{
			Address:   prefixBitString(p.Prefix),
			MaxLength: maxLen,
		}
		if p.Prefix.Addr().Is4() {
			v4 = append(v4, addr)
		} else {
			v6 = append(v6, addr)
		}
	}

	var families []roaIPAddressFamily
	if len(v4) > 0 {
		families = append(families, roaIPAddressFamily{AddressFamily: []byte{0x00, 0x01}, Addresses: v4})
	}
	if len(v6) > 0 {
		families = append(families, roaIPAddressFamily{AddressFamily: []byte{0x00, 0x02}, Addresses: v6})
	}

	roa := routeOriginAttestation{
		ASID:         int64(asn),
		IPAddrBlocks: families,
	}
	return asn1.Marshal(roa)
}

func prefixBitString(p netip.Prefix) asn1.BitString {
	p = p.Masked()
	buf := p.Addr().AsSlice()
	bits := p.Bits()
	usedBytes := (bits + 7) / 8
	return asn1.BitString{Bytes: buf[:usedBytes], BitLength: bits}
}

// SignROA wraps a ROA's eContent in CMS SignedData using a freshly
// issued one-shot EE certificate, failing if any prefix in prefixes is
// not a subset of the issuing key's certified resources.
func SignROA(asn uint32, prefixes []ROAPrefix, certified resources.Set, eeCert *x509.Certificate, signerKey *rsa.PrivateKey, signingTime time.Time) (*SignedObject, error) {
	var claimed resources.Set
	for _, p := range prefixes {
		claimed.AddPrefix(p.Prefix)
	}
	claimed.Canonicalize()
	if !claimed.Subset(certified) {
		return nil, fmt.Errorf("roa prefixes %s are not a subset of certified resources %s", claimed, certified)
	}

	content, err := BuildROA(asn, prefixes)
	if err != nil {
		return nil, fmt.Errorf("build ROA content: %w", err)
	}
	return CMSWrap(OIDRouteOriginAuthz, content, eeCert, signerKey, signingTime)
}
