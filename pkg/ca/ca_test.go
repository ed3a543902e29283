package ca

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rpkid/pkg/aggregate"
	"github.com/cuemby/rpkid/pkg/events"
	"github.com/cuemby/rpkid/pkg/eventstore"
	"github.com/cuemby/rpkid/pkg/keystore"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/signer"
)

func newTestProcessor(t *testing.T) *aggregate.Processor[*State] {
	t.Helper()
	store, err := eventstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ks, err := keystore.Open(t.TempDir(), keystore.DeriveMasterKey([]byte("test")))
	require.NoError(t, err)

	deps := &Deps{Signer: signer.New(ks), RepositoryBaseURI: "rsync://repo.example.net/repo/"}
	return aggregate.NewProcessor[*State]("ca", store, Codec{Deps: deps}, events.NewBroker(), 5)
}

func allResources(t *testing.T) resources.Set {
	t.Helper()
	var set resources.Set
	set.AddPrefix(netip.MustParsePrefix("0.0.0.0/0"))
	set.AddPrefix(netip.MustParsePrefix("::/0"))
	set.AddASRange(0, 4294967295)
	set.Canonicalize()
	return set
}

func initTA(t *testing.T, proc *aggregate.Processor[*State], handle string, set resources.Set, now time.Time) *State {
	t.Helper()
	_, _, err := proc.Process(context.Background(), handle, InitTA{Resources: set}, now)
	require.NoError(t, err)
	state, _, err := proc.Load(handle)
	require.NoError(t, err)
	return state
}

func TestTrustAnchorBootstrap(t *testing.T) {
	proc := newTestProcessor(t)
	now := time.Now()

	state := initTA(t, proc, "ta", allResources(t), now)

	assert.True(t, state.Initialized)
	assert.True(t, state.IsTrustAnchor)
	require.Len(t, state.ResourceClasses, 1)

	class := state.ResourceClasses["default"]
	require.NotNil(t, class)
	require.NotNil(t, class.Current)
	assert.Equal(t, KeyActive, class.Current.State)
	assert.NotNil(t, class.Current.Cert)
	assert.Equal(t, uint64(1), class.Current.ManifestNumber)
	assert.Equal(t, uint64(1), class.Current.CRLNumber)
	assert.Empty(t, class.ROAs)

	objects := state.PublishedObjects()
	var haveMFT, haveCRL bool
	for uri := range objects {
		if strings.HasSuffix(uri, ".mft") {
			haveMFT = true
		}
		if strings.HasSuffix(uri, ".crl") {
			haveCRL = true
		}
	}
	assert.True(t, haveMFT)
	assert.True(t, haveCRL)
	assert.Len(t, state.PendingIntents, 1)
}

func TestReplayIsDeterministic(t *testing.T) {
	proc := newTestProcessor(t)
	now := time.Now()
	initTA(t, proc, "ta", allResources(t), now)

	_, _, err := proc.Process(context.Background(), "ta", AddRoa{
		Class: "default", ASN: 64496, Prefix: netip.MustParsePrefix("10.0.0.0/16"), MaxLength: 16,
	}, now)
	require.NoError(t, err)

	first, v1, err := proc.Load("ta")
	require.NoError(t, err)
	second, v2, err := proc.Load("ta")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestAddRoaRepublishesManifest(t *testing.T) {
	proc := newTestProcessor(t)
	now := time.Now()
	initTA(t, proc, "ta", allResources(t), now)

	evs, _, err := proc.Process(context.Background(), "ta", AddRoa{
		Class: "default", ASN: 64496, Prefix: netip.MustParsePrefix("10.0.0.0/16"), MaxLength: 16,
	}, now)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.IsType(t, ROAAdded{}, evs[0])
	assert.IsType(t, Republished{}, evs[1])
	assert.IsType(t, PublicationIntentRecorded{}, evs[2])

	state, _, err := proc.Load("ta")
	require.NoError(t, err)
	class := state.ResourceClasses["default"]
	require.Len(t, class.ROAs, 1)
	assert.Equal(t, uint64(2), class.Current.ManifestNumber)
	assert.Equal(t, uint64(2), class.Current.CRLNumber)

	var haveROA bool
	for uri := range state.PublishedObjects() {
		if strings.HasSuffix(uri, ".roa") {
			haveROA = true
		}
	}
	assert.True(t, haveROA)
}

func TestAddRoaOutsideCertifiedResourcesFails(t *testing.T) {
	proc := newTestProcessor(t)
	now := time.Now()

	var set resources.Set
	set.AddPrefix(netip.MustParsePrefix("10.0.0.0/8"))
	set.Canonicalize()
	initTA(t, proc, "ta", set, now)

	_, before, err := proc.Load("ta")
	require.NoError(t, err)

	_, _, err = proc.Process(context.Background(), "ta", AddRoa{
		Class: "default", ASN: 64496, Prefix: netip.MustParsePrefix("192.0.2.0/24"), MaxLength: 24,
	}, now)
	require.Error(t, err)
	var de *aggregate.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, aggregate.ErrKindInput, de.Kind)

	_, after, err := proc.Load("ta")
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed command must write no events")
}

func TestRemoveRoaRevokesAndWithdraws(t *testing.T) {
	proc := newTestProcessor(t)
	now := time.Now()
	initTA(t, proc, "ta", allResources(t), now)

	prefix := netip.MustParsePrefix("10.0.0.0/16")
	_, _, err := proc.Process(context.Background(), "ta", AddRoa{Class: "default", ASN: 64496, Prefix: prefix, MaxLength: 16}, now)
	require.NoError(t, err)

	state, _, err := proc.Load("ta")
	require.NoError(t, err)
	roa := state.ResourceClasses["default"].ROAs[roaKey(64496, prefix.String(), 16)]
	require.NotNil(t, roa)

	_, _, err = proc.Process(context.Background(), "ta", RemoveRoa{Class: "default", ASN: 64496, Prefix: prefix, MaxLength: 16}, now)
	require.NoError(t, err)

	state, _, err = proc.Load("ta")
	require.NoError(t, err)
	class := state.ResourceClasses["default"]
	assert.Empty(t, class.ROAs)

	var revoked bool
	for _, r := range class.Current.RevokedSerials {
		if r.Serial == roa.EESerial {
			revoked = true
		}
	}
	assert.True(t, revoked, "removed ROA's EE serial must join the CRL backlog")

	for uri := range state.PublishedObjects() {
		assert.False(t, strings.HasSuffix(uri, ".roa"), "withdrawn ROA still published at %s", uri)
	}
}

func TestChildIssuanceEnforcesSubset(t *testing.T) {
	proc := newTestProcessor(t)
	now := time.Now()

	var set resources.Set
	set.AddPrefix(netip.MustParsePrefix("10.0.0.0/8"))
	set.Canonicalize()
	initTA(t, proc, "ta", set, now)

	var childSet resources.Set
	childSet.AddPrefix(netip.MustParsePrefix("10.0.0.0/16"))
	childSet.Canonicalize()

	_, _, err := proc.Process(context.Background(), "ta", AddChild{ChildHandle: "c1", Resources: childSet}, now)
	require.NoError(t, err)

	childKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	childPubDER, err := x509.MarshalPKIXPublicKey(&childKey.PublicKey)
	require.NoError(t, err)

	// Too broad: 10.0.0.0/7 exceeds both the child's authorization and
	// the class certification.
	var tooBroad resources.Set
	tooBroad.AddPrefix(netip.MustParsePrefix("10.0.0.0/7"))
	tooBroad.Canonicalize()
	_, before, err := proc.Load("ta")
	require.NoError(t, err)
	_, _, err = proc.Process(context.Background(), "ta", Issue{
		ChildHandle: "c1", Class: "default", ChildPublicKeyDER: childPubDER, Resources: tooBroad,
	}, now)
	require.Error(t, err)
	_, after, err := proc.Load("ta")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	evs, _, err := proc.Process(context.Background(), "ta", Issue{
		ChildHandle: "c1", Class: "default", ChildPublicKeyDER: childPubDER, Resources: childSet,
	}, now)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	issued, ok := evs[0].(CertIssued)
	require.True(t, ok)

	cert, err := x509.ParseCertificate(issued.CertDER)
	require.NoError(t, err)
	assert.True(t, cert.IsCA)

	state, _, err := proc.Load("ta")
	require.NoError(t, err)
	child := state.Children["c1"]
	require.NotNil(t, child)
	require.Len(t, child.IssuedCerts, 1)
}

func TestKeyRollLifecycle(t *testing.T) {
	proc := newTestProcessor(t)
	t0 := time.Now()
	initTA(t, proc, "ta", allResources(t), t0)

	_, _, err := proc.Process(context.Background(), "ta", AddRoa{
		Class: "default", ASN: 64496, Prefix: netip.MustParsePrefix("10.0.0.0/16"), MaxLength: 16,
	}, t0)
	require.NoError(t, err)

	_, _, err = proc.Process(context.Background(), "ta", StartKeyRoll{Class: "default"}, t0)
	require.NoError(t, err)

	state, _, err := proc.Load("ta")
	require.NoError(t, err)
	class := state.ResourceClasses["default"]
	require.NotNil(t, class.Pending)
	assert.Equal(t, KeyPending, class.Pending.State)
	oldKI := class.Current.KI

	// The parent (here: the TA itself) certifies the pending key.
	deps := state.deps
	pendingPub, err := deps.Signer.PublicKey(class.Pending.KI)
	require.NoError(t, err)
	currentCert, err := x509.ParseCertificate(class.Current.Cert)
	require.NoError(t, err)
	sia := state.siaFor("default", class.Pending.KI)
	pendingCert, err := deps.Signer.IssueResourceClassCert(class.Current.KI, currentCert, pendingPub, class.Entitlements, sia, t0, t0.Add(365*24*time.Hour))
	require.NoError(t, err)

	_, _, err = proc.Process(context.Background(), "ta", CertificateReceived{
		ParentHandle: "self", Class: "default", KI: class.Pending.KI, CertDER: pendingCert.Raw,
	}, t0)
	require.NoError(t, err)

	// Not staged long enough yet.
	_, _, err = proc.Process(context.Background(), "ta", ActivateKeyRoll{Class: "default"}, t0.Add(time.Hour))
	require.Error(t, err)

	t1 := t0.Add(25 * time.Hour)
	_, _, err = proc.Process(context.Background(), "ta", ActivateKeyRoll{Class: "default"}, t1)
	require.NoError(t, err)

	state, _, err = proc.Load("ta")
	require.NoError(t, err)
	class = state.ResourceClasses["default"]
	require.NotNil(t, class.Current)
	require.NotNil(t, class.Old)
	assert.Nil(t, class.Pending)
	assert.NotEqual(t, oldKI, class.Current.KI)
	assert.Equal(t, oldKI, class.Old.KI)
	assert.Equal(t, KeyStagedForRevocation, class.Old.State)

	// Both keys keep a live manifest during the staged period.
	mftCount := 0
	for uri := range state.PublishedObjects() {
		if strings.HasSuffix(uri, ".mft") {
			mftCount++
		}
	}
	assert.Equal(t, 2, mftCount)

	oldCert, err := x509.ParseCertificate(class.Old.Cert)
	require.NoError(t, err)

	t2 := t1.Add(25 * time.Hour)
	_, _, err = proc.Process(context.Background(), "ta", FinishKeyRoll{Class: "default"}, t2)
	require.NoError(t, err)

	state, _, err = proc.Load("ta")
	require.NoError(t, err)
	class = state.ResourceClasses["default"]
	assert.Nil(t, class.Old)

	var revoked bool
	for _, r := range class.Current.RevokedSerials {
		if r.Serial == oldCert.SerialNumber.String() {
			revoked = true
		}
	}
	assert.True(t, revoked, "revoked key's certificate serial must join the CRL backlog")

	for uri := range state.PublishedObjects() {
		assert.NotContains(t, uri, oldKI.String(), "old key's objects must be withdrawn")
	}
}

func TestConfirmPublicationClearsIntents(t *testing.T) {
	proc := newTestProcessor(t)
	now := time.Now()
	state := initTA(t, proc, "ta", allResources(t), now)
	require.Len(t, state.PendingIntents, 1)

	var ids []string
	for id := range state.PendingIntents {
		ids = append(ids, id)
	}
	_, _, err := proc.Process(context.Background(), "ta", ConfirmPublication{IntentIDs: ids}, now)
	require.NoError(t, err)

	state, _, err = proc.Load("ta")
	require.NoError(t, err)
	assert.Empty(t, state.PendingIntents)

	// Confirming again is a no-op, not an error.
	evs, _, err := proc.Process(context.Background(), "ta", ConfirmPublication{IntentIDs: ids}, now)
	require.NoError(t, err)
	assert.Empty(t, evs)
}
