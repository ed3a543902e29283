package publication

import (
	"context"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rpkid/pkg/aggregate"
	"github.com/cuemby/rpkid/pkg/events"
	"github.com/cuemby/rpkid/pkg/eventstore"
	"github.com/cuemby/rpkid/pkg/keystore"
	"github.com/cuemby/rpkid/pkg/pubserver"
	"github.com/cuemby/rpkid/pkg/resources"
	"github.com/cuemby/rpkid/pkg/rpki"
	"github.com/cuemby/rpkid/pkg/signer"
)

type identity struct {
	cert *x509.Certificate
	key  rpki.Signer
}

func newIdentity(t *testing.T, ks *keystore.Store, name string) identity {
	t.Helper()
	ki, err := ks.Create()
	require.NoError(t, err)
	now := time.Now()
	cert, err := signer.New(ks).SelfSignedTA(ki, name, resources.Set{}, now, now.Add(24*time.Hour))
	require.NoError(t, err)
	keySigner, err := ks.Signer(ki)
	require.NoError(t, err)
	return identity{cert: cert, key: keySigner}
}

func newTestSetup(t *testing.T) (*aggregate.Processor[*pubserver.State], *httptest.Server, *Client, identity) {
	t.Helper()
	store, err := eventstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ks, err := keystore.Open(t.TempDir(), keystore.DeriveMasterKey([]byte("test")))
	require.NoError(t, err)

	repoID := newIdentity(t, ks, "repo")
	caID := newIdentity(t, ks, "ca1")

	repo := aggregate.NewProcessor[*pubserver.State]("pubd", store, pubserver.Codec{Deps: &pubserver.Deps{}}, events.NewBroker(), 10)
	_, _, err = repo.Process(context.Background(), "repo", pubserver.Init{}, time.Now())
	require.NoError(t, err)
	_, _, err = repo.Process(context.Background(), "repo", pubserver.AddPublisher{
		Handle: "ca1", IDCert: caID.cert.Raw, BaseURI: "rsync://repo.example.net/repo/ca1/",
	}, time.Now())
	require.NoError(t, err)

	srv := NewServer(repo, "repo", repoID.cert, repoID.key, nil)
	mux := http.NewServeMux()
	mux.Handle("/rfc8181/", srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client := NewClient(ts.URL+"/rfc8181/ca1", caID.cert, caID.key, repoID.cert, nil)
	return repo, ts, client, caID
}

func TestPublishThenListRoundTrip(t *testing.T) {
	repo, _, client, _ := newTestSetup(t)

	uri := "rsync://repo.example.net/repo/ca1/a.roa"
	err := client.Publish(context.Background(), Delta{
		Publish: []DeltaPublish{{URI: uri, Data: []byte("roa-bytes")}},
	})
	require.NoError(t, err)

	state, _, err := repo.Load("repo")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Serial)

	listed, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, pubserver.HashBytes([]byte("roa-bytes")), listed[uri])
}

func TestWithdrawWrongHashReturnsErrorCode(t *testing.T) {
	repo, _, client, _ := newTestSetup(t)

	uri := "rsync://repo.example.net/repo/ca1/o.roa"
	require.NoError(t, client.Publish(context.Background(), Delta{
		Publish: []DeltaPublish{{URI: uri, Data: []byte("object")}},
	}))

	err := client.Publish(context.Background(), Delta{
		Withdraw: []DeltaWithdraw{{URI: uri, Hash: strings.Repeat("ab", 32)}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_object_matching_hash")

	state, _, err := repo.Load("repo")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Serial, "rejected delta must not advance the serial")
}

func TestUnauthorizedPathReturnsPermissionFailure(t *testing.T) {
	_, _, client, _ := newTestSetup(t)

	err := client.Publish(context.Background(), Delta{
		Publish: []DeltaPublish{{URI: "rsync://repo.example.net/repo/other/x.roa", Data: []byte("x")}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission_failure")
}

func TestForeignSignerRejected(t *testing.T) {
	_, ts, _, _ := newTestSetup(t)

	ks, err := keystore.Open(t.TempDir(), keystore.DeriveMasterKey([]byte("other")))
	require.NoError(t, err)
	intruder := newIdentity(t, ks, "intruder")

	badClient := NewClient(ts.URL+"/rfc8181/ca1", intruder.cert, intruder.key, nil, nil)
	err = badClient.Publish(context.Background(), Delta{
		Publish: []DeltaPublish{{URI: "rsync://repo.example.net/repo/ca1/x.roa", Data: []byte("x")}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match publisher")
}

func TestEmptyDeltaIsNotSent(t *testing.T) {
	_, _, client, _ := newTestSetup(t)
	// No server round-trip, no error.
	require.NoError(t, client.Publish(context.Background(), Delta{}))
}
