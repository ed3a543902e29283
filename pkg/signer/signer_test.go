package signer

import (
	"net/netip"
	"testing"
	"time"

	"github.com/cuemby/rpkid/pkg/keystore"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) (*Signer, *keystore.Store) {
	t.Helper()
	ks, err := keystore.Open(t.TempDir(), keystore.DeriveMasterKey([]byte("seed")))
	require.NoError(t, err)
	return New(ks), ks
}

func TestSelfSignedTAHasExpectedResources(t *testing.T) {
	s, ks := newTestSigner(t)
	ki, err := ks.Create()
	require.NoError(t, err)

	var set resources.Set
	set.AddPrefix(netip.MustParsePrefix("0.0.0.0/0"))
	set.AddASRange(0, 4294967295)
	set.Canonicalize()

	now := time.Now()
	cert, err := s.SelfSignedTA(ki, "ta", set, now, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, cert.IsCA)

	got, err := rpki.ExtractResources(cert)
	require.NoError(t, err)
	assert.True(t, got.Equal(set))
}

func TestSignManifestAndROARoundTrip(t *testing.T) {
	s, ks := newTestSigner(t)
	classKI, err := ks.Create()
	require.NoError(t, err)

	var certified resources.Set
	certified.AddPrefix(netip.MustParsePrefix("10.0.0.0/8"))
	certified.Canonicalize()

	now := time.Now()
	classCert, err := s.SelfSignedTA(classKI, "class", certified, now, now.Add(24*time.Hour))
	require.NoError(t, err)

	sia := SIA{Repository: "rsync://repo/ca/", Manifest: "rsync://repo/ca/ca.mft"}

	mft, err := s.SignManifest(classKI, classCert, sia, 1, now, now.Add(24*time.Hour), nil, now)
	require.NoError(t, err)
	assert.NotNil(t, mft.Signed.DER)

	roaResult, err := s.SignROA(classKI, classCert, sia, 64496,
		[]rpki.ROAPrefix{{Prefix: netip.MustParsePrefix("10.0.0.0/16")}},
		certified, now, now.Add(24*time.Hour), now)
	require.NoError(t, err)
	assert.NotNil(t, roaResult.Signed.DER)

	payload, signerCert, err := rpki.CMSUnwrap(roaResult.Signed.DER, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, payload)
	assert.Equal(t, roaResult.EECert.SerialNumber, signerCert.SerialNumber)
}

func TestSignROARejectsResourcesOutsideCertified(t *testing.T) {
	s, ks := newTestSigner(t)
	classKI, err := ks.Create()
	require.NoError(t, err)

	var certified resources.Set
	certified.AddPrefix(netip.MustParsePrefix("10.0.0.0/8"))
	certified.Canonicalize()

	now := time.Now()
	classCert, err := s.SelfSignedTA(classKI, "class", certified, now, now.Add(24*time.Hour))
	require.NoError(t, err)
	sia := SIA{Repository: "rsync://repo/ca/", Manifest: "rsync://repo/ca/ca.mft"}

	_, err = s.SignROA(classKI, classCert, sia, 64496,
		[]rpki.ROAPrefix{{Prefix: netip.MustParsePrefix("192.0.2.0/24")}},
		certified, now, now.Add(24*time.Hour), now)
	assert.Error(t, err)
}

func TestSignCRLCarriesGivenNumber(t *testing.T) {
	s, ks := newTestSigner(t)
	classKI, err := ks.Create()
	require.NoError(t, err)
	now := time.Now()
	classCert, err := s.SelfSignedTA(classKI, "class", resources.Set{}, now, now.Add(24*time.Hour))
	require.NoError(t, err)

	der, err := s.SignCRL(classKI, classCert, 1, now, now.Add(24*time.Hour), nil)
	require.NoError(t, err)
	crl, err := rpki.ParseCRL(der)
	require.NoError(t, err)
	assert.Equal(t, int64(1), crl.Number.Int64())
}
