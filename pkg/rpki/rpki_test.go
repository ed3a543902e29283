package rpki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"net/netip"
	"testing"
	"time"

	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func selfSignedTA(t *testing.T, key *rsa.PrivateKey, set resources.Set) *x509.Certificate {
	t.Helper()
	cert, err := IssueCertificate(CertRequest{
		Subject:      pkix.Name{CommonName: "test TA"},
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		IsCA:         true,
		Resources:    set,
		PublicKey:    &key.PublicKey,
	}, nil, WrapKey(key))
	require.NoError(t, err)
	return cert
}

func TestResourceExtensionRoundTrip(t *testing.T) {
	key := genKey(t)
	var set resources.Set
	set.AddPrefix(netip.MustParsePrefix("192.0.2.0/24"))
	set.AddPrefix(netip.MustParsePrefix("2001:db8::/32"))
	set.AddASRange(64496, 64511)
	set.Canonicalize()

	cert := selfSignedTA(t, key, set)

	got, err := ExtractResources(cert)
	require.NoError(t, err)
	assert.True(t, got.Equal(set), "extracted resources %s != issued %s", got, set)
}

func TestInheritAllEmitsCriticalExtensions(t *testing.T) {
	key := genKey(t)
	eeKey := genKey(t)

	cert, err := IssueCertificate(CertRequest{
		Subject:      pkix.Name{CommonName: "ee"},
		SerialNumber: big.NewInt(2),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		InheritAll:   true,
		PublicKey:    &eeKey.PublicKey,
	}, selfSignedTA(t, key, resources.Set{}), WrapKey(key))
	require.NoError(t, err)

	foundIP, foundAS := false, false
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidIPAddrBlocks) {
			foundIP = true
			assert.True(t, ext.Critical)
		}
		if ext.Id.Equal(oidASNBlocks) {
			foundAS = true
			assert.True(t, ext.Critical)
		}
	}
	assert.True(t, foundIP)
	assert.True(t, foundAS)
}

func TestCMSWrapUnwrapRoundTrip(t *testing.T) {
	taKey := genKey(t)
	var set resources.Set
	set.AddPrefix(netip.MustParsePrefix("192.0.2.0/24"))
	set.Canonicalize()
	ta := selfSignedTA(t, taKey, set)

	eeKey := genKey(t)
	ee, err := IssueCertificate(CertRequest{
		Subject:      pkix.Name{CommonName: "ee"},
		SerialNumber: big.NewInt(3),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		Resources:    set,
		PublicKey:    &eeKey.PublicKey,
	}, ta, WrapKey(taKey))
	require.NoError(t, err)

	payload := []byte("hello RPKI")
	signed, err := CMSWrap(OIDManifest, payload, ee, eeKey, time.Now())
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(ta)

	got, signer, err := CMSUnwrap(signed.DER, pool)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, ee.SerialNumber, signer.SerialNumber)
}

func TestCMSUnwrapRejectsStaleSigningTime(t *testing.T) {
	taKey := genKey(t)
	ta := selfSignedTA(t, taKey, resources.Set{})
	eeKey := genKey(t)
	ee, err := IssueCertificate(CertRequest{
		Subject:      pkix.Name{CommonName: "ee"},
		SerialNumber: big.NewInt(4),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		InheritAll:   true,
		PublicKey:    &eeKey.PublicKey,
	}, ta, WrapKey(taKey))
	require.NoError(t, err)

	signed, err := CMSWrap(OIDManifest, []byte("stale"), ee, eeKey, time.Now().Add(-3*time.Hour))
	require.NoError(t, err)

	_, _, err = CMSUnwrap(signed.DER, nil)
	assert.Error(t, err)
}

func TestBuildManifestOrdersFilesLexicographically(t *testing.T) {
	entries := []ManifestFileEntry{
		{Name: "z.roa", Hash: FileHash([]byte("z"))},
		{Name: "a.crl", Hash: FileHash([]byte("a"))},
	}
	content, err := BuildManifest(1, time.Now(), time.Now().Add(time.Hour), entries)
	require.NoError(t, err)
	assert.NotEmpty(t, content)

	var parsed manifestContent
	_, err = asn1.Unmarshal(content, &parsed)
	require.NoError(t, err)
	require.Len(t, parsed.FileList, 2)
	assert.Equal(t, "a.crl", parsed.FileList[0].File)
	assert.Equal(t, "z.roa", parsed.FileList[1].File)
}

func TestSignROARejectsPrefixOutsideCertifiedResources(t *testing.T) {
	taKey := genKey(t)
	var certified resources.Set
	certified.AddPrefix(netip.MustParsePrefix("192.0.2.0/24"))
	certified.Canonicalize()
	ta := selfSignedTA(t, taKey, certified)

	eeKey := genKey(t)
	ee, err := IssueCertificate(CertRequest{
		Subject:      pkix.Name{CommonName: "ee"},
		SerialNumber: big.NewInt(5),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		Resources:    certified,
		PublicKey:    &eeKey.PublicKey,
	}, ta, WrapKey(taKey))
	require.NoError(t, err)

	_, err = SignROA(64496, []ROAPrefix{{Prefix: netip.MustParsePrefix("198.51.100.0/24")}}, certified, ee, eeKey, time.Now())
	assert.Error(t, err)
}

func TestBuildCRLRoundTrip(t *testing.T) {
	taKey := genKey(t)
	ta := selfSignedTA(t, taKey, resources.Set{})

	der, err := BuildCRL(1, time.Now(), time.Now().Add(time.Hour), []RevokedSerial{
		{Serial: big.NewInt(42), RevokedAt: time.Now()},
	}, ta, WrapKey(taKey))
	require.NoError(t, err)

	crl, err := ParseCRL(der)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), crl.Number)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, big.NewInt(42), crl.RevokedCertificateEntries[0].SerialNumber)
}
