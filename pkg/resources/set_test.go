package resources

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetCanonicalizeMergesAdjacentAndOverlapping(t *testing.T) {
	var s Set
	s.AddPrefix(netip.MustParsePrefix("10.0.0.0/9"))
	s.AddPrefix(netip.MustParsePrefix("10.128.0.0/9"))
	s.AddASRange(64496, 64500)
	s.AddASRange(64501, 64510)
	s.Canonicalize()

	require.Len(t, s.IPv4, 1)
	assert.Equal(t, netip.MustParseAddr("10.0.0.0"), s.IPv4[0].Min)
	assert.Equal(t, netip.MustParseAddr("10.255.255.255"), s.IPv4[0].Max)

	require.Len(t, s.ASNs, 1)
	assert.Equal(t, ASRange{Min: 64496, Max: 64510}, s.ASNs[0])
}

func TestSetSubset(t *testing.T) {
	var parent Set
	parent.AddPrefix(netip.MustParsePrefix("10.0.0.0/8"))
	parent.Canonicalize()

	var child Set
	child.AddPrefix(netip.MustParsePrefix("10.0.0.0/16"))
	child.Canonicalize()

	assert.True(t, child.Subset(parent))
	assert.False(t, parent.Subset(child))
}

func TestSetSubsetRejectsWiderRequest(t *testing.T) {
	var parent Set
	parent.AddPrefix(netip.MustParsePrefix("10.0.0.0/8"))
	parent.Canonicalize()

	var tooWide Set
	tooWide.AddPrefix(netip.MustParsePrefix("10.0.0.0/7"))
	tooWide.Canonicalize()

	assert.False(t, tooWide.Subset(parent))
}

func TestSetEqualIndependentOfInsertionOrder(t *testing.T) {
	var a, b Set
	a.AddPrefix(netip.MustParsePrefix("192.0.2.0/24"))
	a.AddPrefix(netip.MustParsePrefix("198.51.100.0/24"))
	b.AddPrefix(netip.MustParsePrefix("198.51.100.0/24"))
	b.AddPrefix(netip.MustParsePrefix("192.0.2.0/24"))
	a.Canonicalize()
	b.Canonicalize()

	assert.True(t, a.Equal(b))
}

func TestHandleValidate(t *testing.T) {
	assert.NoError(t, Handle("ta").Validate())
	assert.NoError(t, Handle("child-1_ok").Validate())
	assert.Error(t, Handle("").Validate())
	assert.Error(t, Handle("has a space").Validate())
}

func TestKIRoundTrip(t *testing.T) {
	var ki KI
	for i := range ki {
		ki[i] = byte(i)
	}
	parsed, err := ParseKI(ki.String())
	require.NoError(t, err)
	assert.Equal(t, ki, parsed)
}
