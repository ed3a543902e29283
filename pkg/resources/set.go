package resources

import (
	"fmt"
	"net/netip"
	"sort"
)

// ASRange is an inclusive range of AS numbers.
type ASRange struct {
	Min, Max uint32
}

// AddrRange is an inclusive range of addresses of one IP family. RPKI
// resource certificates carry both CIDR prefixes and arbitrary address
// ranges (RFC 3779 §2.2.3); canonicalizing to ranges lets prefix and
// range inputs merge uniformly.
type AddrRange struct {
	Min, Max netip.Addr
}

// PrefixRange converts a CIDR prefix to its equivalent address range.
func PrefixRange(p netip.Prefix) AddrRange {
	p = p.Masked()
	return AddrRange{Min: p.Addr(), Max: lastAddr(p)}
}

func lastAddr(p netip.Prefix) netip.Addr {
	addr := p.Addr()
	bits := addr.BitLen()
	buf := addr.AsSlice()
	hostBits := bits - p.Bits()
	for i := len(buf) - 1; hostBits > 0; i-- {
		if hostBits >= 8 {
			buf[i] = 0xff
			hostBits -= 8
		} else {
			buf[i] |= (1 << hostBits) - 1
			hostBits = 0
		}
	}
	out, _ := netip.AddrFromSlice(buf)
	if addr.Is4() {
		out = out.Unmap()
	}
	return out
}

func incr(a netip.Addr) (netip.Addr, bool) {
	buf := a.AsSlice()
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i]++
		if buf[i] != 0 {
			out, _ := netip.AddrFromSlice(buf)
			if a.Is4() {
				out = out.Unmap()
			}
			return out, true
		}
	}
	return a, false // overflowed past the top of the address space
}

// Set is a canonical union of IPv4 ranges, IPv6 ranges, and AS number
// ranges: sorted, merged, non-overlapping. Two sets with equal contents
// always produce equal Set values, so Set can be compared with
// reflect.DeepEqual or re-encoded deterministically.
type Set struct {
	IPv4 []AddrRange
	IPv6 []AddrRange
	ASNs []ASRange
}

// AddPrefix adds a CIDR prefix to the set. Call Canonicalize after all
// additions to merge and sort.
func (s *Set) AddPrefix(p netip.Prefix) {
	r := PrefixRange(p)
	if p.Addr().Is4() {
		s.IPv4 = append(s.IPv4, r)
	} else {
		s.IPv6 = append(s.IPv6, r)
	}
}

// AddASRange adds an inclusive AS number range.
func (s *Set) AddASRange(min, max uint32) {
	s.ASNs = append(s.ASNs, ASRange{Min: min, Max: max})
}

// Canonicalize sorts and merges overlapping or adjacent ranges in
// place, producing the canonical form required for equality and
// subset comparisons.
func (s *Set) Canonicalize() {
	s.IPv4 = mergeAddrRanges(s.IPv4)
	s.IPv6 = mergeAddrRanges(s.IPv6)
	s.ASNs = mergeASRanges(s.ASNs)
}

func mergeAddrRanges(in []AddrRange) []AddrRange {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool {
		if in[i].Min != in[j].Min {
			return in[i].Min.Less(in[j].Min)
		}
		return in[i].Max.Less(in[j].Max)
	})
	out := []AddrRange{in[0]}
	for _, r := range in[1:] {
		last := &out[len(out)-1]
		nextAfterLast, ok := incr(last.Max)
		if r.Min.Compare(last.Max) <= 0 || (ok && r.Min == nextAfterLast) {
			if r.Max.Compare(last.Max) > 0 {
				last.Max = r.Max
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func mergeASRanges(in []ASRange) []ASRange {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool {
		if in[i].Min != in[j].Min {
			return in[i].Min < in[j].Min
		}
		return in[i].Max < in[j].Max
	})
	out := []ASRange{in[0]}
	for _, r := range in[1:] {
		last := &out[len(out)-1]
		if r.Min <= last.Max+1 {
			if r.Max > last.Max {
				last.Max = r.Max
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Equal reports whether two canonical sets contain exactly the same
// resources.
func (s Set) Equal(o Set) bool {
	return addrRangesEqual(s.IPv4, o.IPv4) &&
		addrRangesEqual(s.IPv6, o.IPv6) &&
		asRangesEqual(s.ASNs, o.ASNs)
}

func addrRangesEqual(a, b []AddrRange) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func asRangesEqual(a, b []ASRange) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Subset reports whether every resource in s is contained in o. Both
// sets must already be canonical.
func (s Set) Subset(o Set) bool {
	return addrSubset(s.IPv4, o.IPv4) && addrSubset(s.IPv6, o.IPv6) && asSubset(s.ASNs, o.ASNs)
}

func addrSubset(inner, outer []AddrRange) bool {
	for _, r := range inner {
		if !coveredByAddr(r, outer) {
			return false
		}
	}
	return true
}

func coveredByAddr(r AddrRange, outer []AddrRange) bool {
	for _, o := range outer {
		if r.Min.Compare(o.Min) >= 0 && r.Max.Compare(o.Max) <= 0 {
			return true
		}
	}
	return false
}

func asSubset(inner, outer []ASRange) bool {
	for _, r := range inner {
		if !coveredByAS(r, outer) {
			return false
		}
	}
	return true
}

func coveredByAS(r ASRange, outer []ASRange) bool {
	for _, o := range outer {
		if r.Min >= o.Min && r.Max <= o.Max {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the set carries no resources at all.
func (s Set) IsEmpty() bool {
	return len(s.IPv4) == 0 && len(s.IPv6) == 0 && len(s.ASNs) == 0
}

// String renders the set in a stable, human-readable form, used for
// logging and in error messages.
func (s Set) String() string {
	out := ""
	for _, r := range s.IPv4 {
		out += fmt.Sprintf("%s-%s,", r.Min, r.Max)
	}
	for _, r := range s.IPv6 {
		out += fmt.Sprintf("%s-%s,", r.Min, r.Max)
	}
	for _, r := range s.ASNs {
		out += fmt.Sprintf("AS%d-AS%d,", r.Min, r.Max)
	}
	return out
}
