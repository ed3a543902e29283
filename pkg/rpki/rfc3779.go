// RFC 3779 IP address and AS number delegation extensions, encoded by
// hand with encoding/asn1 since crypto/x509 has no support for either
// extension: Go's certificate package only knows the extensions it
// ships constants for, and 3779 is not among them.
package rpki

import (
	"encoding/asn1"
	"fmt"
	"net/netip"

	"github.com/cuemby/rpkid/pkg/resources"
)

// OIDs from RFC 3779 §3.
var (
	oidIPAddrBlocks = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 7}
	oidASNBlocks    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 8}

	// afiIPv4/afiIPv6 are the IANA address family numbers RFC 3779
	// embeds in the addressFamily field of each IPAddressFamily.
	afiIPv4 = []byte{0x00, 0x01}
	afiIPv6 = []byte{0x00, 0x02}
)

// asn1IPAddressRange is the addressRange arm of the ASN.1 CHOICE
// IPAddressOrRange; only that arm is emitted — canonical minimal-SET-OF covers the
// prefix case via IPAddress (a BIT STRING), but rpkid always emits
// ranges so a single arm keeps the encoder and decoder small.
type asn1IPAddressRange struct {
	Min asn1.BitString
	Max asn1.BitString
}

type asn1IPAddressFamily struct {
	AddressFamily []byte // OCTET STRING but AFI is 2-3 bytes
	Ranges        []asn1IPAddressRange
}

type asn1IPAddrBlocks struct {
	Families []asn1IPAddressFamily
}

type asn1ASIdOrRange struct {
	Min int64
	Max int64
}

type asn1ASIdentifierChoice struct {
	AsNum []asn1ASIdOrRange
}

type asn1ASIdentifiers struct {
	ASnum asn1ASIdentifierChoice `asn1:"explicit,tag:0"`
}

// EncodeIPAddrBlocksExtension encodes a resources.Set's IPv4/IPv6
// ranges as the RFC 3779 IPAddrBlocks certificate extension value.
func EncodeIPAddrBlocksExtension(set resources.Set) ([]byte, error) {
	var families []asn1IPAddressFamily
	if len(set.IPv4) > 0 {
		f, err := encodeFamily(afiIPv4, set.IPv4, 32)
		if err != nil {
			return nil, err
		}
		families = append(families, f)
	}
	if len(set.IPv6) > 0 {
		f, err := encodeFamily(afiIPv6, set.IPv6, 128)
		if err != nil {
			return nil, err
		}
		families = append(families, f)
	}
	return asn1.Marshal(asn1IPAddrBlocks{Families: families})
}

func encodeFamily(afi []byte, ranges []resources.AddrRange, bits int) (asn1IPAddressFamily, error) {
	out := asn1IPAddressFamily{AddressFamily: afi}
	for _, r := range ranges {
		minBytes := r.Min.AsSlice()
		maxBytes := r.Max.AsSlice()
		out.Ranges = append(out.Ranges, asn1IPAddressRange{
			Min: asn1.BitString{Bytes: minBytes, BitLength: bits},
			Max: asn1.BitString{Bytes: maxBytes, BitLength: bits},
		})
	}
	return out, nil
}

// DecodeIPAddrBlocksExtension parses an IPAddrBlocks extension value
// back into a resources.Set (AS numbers left empty).
func DecodeIPAddrBlocksExtension(der []byte) (resources.Set, error) {
	var parsed asn1IPAddrBlocks
	if _, err := asn1.Unmarshal(der, &parsed); err != nil {
		return resources.Set{}, fmt.Errorf("decode IPAddrBlocks: %w", err)
	}

	var set resources.Set
	for _, fam := range parsed.Families {
		isV6 := len(fam.AddressFamily) >= 2 && fam.AddressFamily[1] == 0x02
		for _, r := range fam.Ranges {
			min, ok1 := addrFromBits(r.Min, isV6)
			max, ok2 := addrFromBits(r.Max, isV6)
			if !ok1 || !ok2 {
				return resources.Set{}, fmt.Errorf("decode IPAddrBlocks: malformed address range")
			}
			if isV6 {
				set.IPv6 = append(set.IPv6, resources.AddrRange{Min: min, Max: max})
			} else {
				set.IPv4 = append(set.IPv4, resources.AddrRange{Min: min, Max: max})
			}
		}
	}
	set.Canonicalize()
	return set, nil
}

func addrFromBits(bs asn1.BitString, isV6 bool) (netip.Addr, bool) {
	width := 4
	if isV6 {
		width = 16
	}
	b := make([]byte, width)
	copy(b, bs.Bytes)
	if isV6 {
		addr, ok := netip.AddrFromSlice(b)
		return addr, ok
	}
	var a4 [4]byte
	copy(a4[:], b)
	return netip.AddrFrom4(a4), true
}

// EncodeASIdentifiersExtension encodes a resources.Set's AS ranges as
// the RFC 3779 ASIdentifiers certificate extension value.
func EncodeASIdentifiersExtension(set resources.Set) ([]byte, error) {
	ids := asn1ASIdentifiers{}
	for _, r := range set.ASNs {
		ids.ASnum.AsNum = append(ids.ASnum.AsNum, asn1ASIdOrRange{Min: int64(r.Min), Max: int64(r.Max)})
	}
	return asn1.Marshal(ids)
}

// DecodeASIdentifiersExtension parses an ASIdentifiers extension
// value back into a resources.Set (IP ranges left empty).
func DecodeASIdentifiersExtension(der []byte) (resources.Set, error) {
	var parsed asn1ASIdentifiers
	if _, err := asn1.Unmarshal(der, &parsed); err != nil {
		return resources.Set{}, fmt.Errorf("decode ASIdentifiers: %w", err)
	}
	var set resources.Set
	for _, r := range parsed.ASnum.AsNum {
		if r.Min < 0 || r.Max < 0 || r.Max > int64(^uint32(0)) {
			return resources.Set{}, fmt.Errorf("decode ASIdentifiers: AS number out of range")
		}
		set.AddASRange(uint32(r.Min), uint32(r.Max))
	}
	set.Canonicalize()
	return set, nil
}

// IPAddrBlocksOID returns the OID used for the IPAddrBlocks extension.
func IPAddrBlocksOID() asn1.ObjectIdentifier { return oidIPAddrBlocks }

// ASIdentifiersOID returns the OID used for the ASIdentifiers extension.
func ASIdentifiersOID() asn1.ObjectIdentifier { return oidASNBlocks }
