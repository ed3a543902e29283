package updown

import (
	"context"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rpkid/pkg/aggregate"
	"github.com/cuemby/rpkid/pkg/ca"
	"github.com/cuemby/rpkid/pkg/events"
	"github.com/cuemby/rpkid/pkg/eventstore"
	"github.com/cuemby/rpkid/pkg/keystore"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpki"
	"github.com/cuemby/rpkid/pkg/signer"
)

type fixture struct {
	cas      *aggregate.Processor[*ca.State]
	keys     *keystore.Store
	ts       *httptest.Server
	child    *Requester
	childKI  resources.KI
	childKey rpki.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := eventstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ks, err := keystore.Open(t.TempDir(), keystore.DeriveMasterKey([]byte("test")))
	require.NoError(t, err)

	deps := &ca.Deps{Signer: signer.New(ks), RepositoryBaseURI: "rsync://repo.example.net/repo/"}
	cas := aggregate.NewProcessor[*ca.State]("ca", store, ca.Codec{Deps: deps}, events.NewBroker(), 5)

	now := time.Now()
	var parentSet resources.Set
	parentSet.AddPrefix(netip.MustParsePrefix("10.0.0.0/8"))
	parentSet.Canonicalize()
	_, _, err = cas.Process(context.Background(), "ta", ca.InitTA{Resources: parentSet}, now)
	require.NoError(t, err)

	// The child's identity pair, self-signed the same way a remote
	// child CA's Init would produce it.
	childIDKI, err := ks.Create()
	require.NoError(t, err)
	childIDCert, err := signer.New(ks).SelfSignedTA(childIDKI, "c1", resources.Set{}, now, now.Add(24*time.Hour))
	require.NoError(t, err)
	childIDSigner, err := ks.Signer(childIDKI)
	require.NoError(t, err)

	var childSet resources.Set
	childSet.AddPrefix(netip.MustParsePrefix("10.0.0.0/16"))
	childSet.Canonicalize()
	_, _, err = cas.Process(context.Background(), "ta", ca.AddChild{
		ChildHandle: "c1", IDCert: childIDCert.Raw, Resources: childSet,
	}, now)
	require.NoError(t, err)

	responder := NewResponder(cas, ks, nil)
	mux := http.NewServeMux()
	mux.Handle("/rfc6492/", responder)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	parentState, _, err := cas.Load("ta")
	require.NoError(t, err)
	parentIDCert, err := x509.ParseCertificate(parentState.IDCert)
	require.NoError(t, err)

	requester := NewRequester(ts.URL+"/rfc6492/ta", "c1", "ta", childIDCert, childIDSigner, parentIDCert, nil)

	// The child's resource class key, awaiting certification.
	childClassKI, err := ks.Create()
	require.NoError(t, err)
	childClassSigner, err := ks.Signer(childClassKI)
	require.NoError(t, err)

	return &fixture{cas: cas, keys: ks, ts: ts, child: requester, childKI: childClassKI, childKey: childClassSigner}
}

func TestListReturnsEntitlements(t *testing.T) {
	f := newFixture(t)

	entitlements, err := f.child.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entitlements, 1)
	assert.Equal(t, "default", entitlements[0].ClassName)

	var want resources.Set
	want.AddPrefix(netip.MustParsePrefix("10.0.0.0/16"))
	want.Canonicalize()
	assert.True(t, entitlements[0].Resources.Equal(want))
	assert.NotEmpty(t, entitlements[0].Issuer)
	assert.Equal(t, RequestState(StateIdle), f.child.State())
}

func TestIssueReturnsCertificateWithAuthorizedResources(t *testing.T) {
	f := newFixture(t)

	certDER, err := f.child.RequestCertificate(context.Background(), "default", f.childKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)
	got, err := rpki.ExtractResources(cert)
	require.NoError(t, err)

	var want resources.Set
	want.AddPrefix(netip.MustParsePrefix("10.0.0.0/16"))
	want.Canonicalize()
	assert.True(t, got.Equal(want), "issued certificate must carry exactly the authorized resources")

	// The parent now lists the child certificate on its manifest.
	state, _, err := f.cas.Load("ta")
	require.NoError(t, err)
	require.Len(t, state.Children["c1"].IssuedCerts, 1)
}

func TestIssueUnknownClassReturnsError(t *testing.T) {
	f := newFixture(t)

	_, err := f.child.RequestCertificate(context.Background(), "nonexistent", f.childKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1201")
}

func TestRevokeRoundTrip(t *testing.T) {
	f := newFixture(t)

	certDER, err := f.child.RequestCertificate(context.Background(), "default", f.childKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)

	ki, err := resources.KIFromPublicKey(cert.PublicKey)
	require.NoError(t, err)

	require.NoError(t, f.child.Revoke(context.Background(), "default", ki))

	state, _, err := f.cas.Load("ta")
	require.NoError(t, err)
	assert.True(t, state.Children["c1"].IssuedCerts[ki.String()].Revoked)

	// Revoking again reports an error_response.
	err = f.child.Revoke(context.Background(), "default", ki)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error_response")
}

func TestStaleSigningTimeRejected(t *testing.T) {
	f := newFixture(t)

	stale := NewRequester(f.ts.URL+"/rfc6492/ta", "c1", "ta",
		f.child.idCert, f.child.idKey, f.child.parentIDCert,
		func() time.Time { return time.Now().Add(-2 * time.Hour) })

	_, err := stale.List(context.Background())
	require.Error(t, err, "signing time outside the replay window must be rejected")
}

func TestForeignSignerRejected(t *testing.T) {
	f := newFixture(t)

	intruderKI, err := f.keys.Create()
	require.NoError(t, err)
	now := time.Now()
	intruderCert, err := signer.New(f.keys).SelfSignedTA(intruderKI, "intruder", resources.Set{}, now, now.Add(time.Hour))
	require.NoError(t, err)
	intruderSigner, err := f.keys.Signer(intruderKI)
	require.NoError(t, err)

	bad := NewRequester(f.ts.URL+"/rfc6492/ta", "c1", "ta", intruderCert, intruderSigner, nil, nil)
	_, err = bad.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match child")
}

func TestResourceSetEncodingRoundTrip(t *testing.T) {
	var set resources.Set
	set.AddPrefix(netip.MustParsePrefix("10.0.0.0/8"))
	set.AddPrefix(netip.MustParsePrefix("2001:db8::/32"))
	set.AddASRange(64496, 64511)
	set.AddASRange(65000, 65000)
	set.Canonicalize()

	asn, v4, v6 := EncodeSet(set)
	got, err := ParseSet(asn, v4, v6)
	require.NoError(t, err)
	assert.True(t, got.Equal(set))
}
