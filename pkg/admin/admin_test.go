package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rpkid/pkg/aggregate"
	"github.com/cuemby/rpkid/pkg/ca"
	"github.com/cuemby/rpkid/pkg/events"
	"github.com/cuemby/rpkid/pkg/eventstore"
	"github.com/cuemby/rpkid/pkg/health"
	"github.com/cuemby/rpkid/pkg/keystore"
	"github.com/cuemby/rpkid/pkg/pubserver"
	"github.com/cuemby/rpkid/pkg/signer"
)

const testToken = "secret-token"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := eventstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ks, err := keystore.Open(t.TempDir(), keystore.DeriveMasterKey([]byte("test")))
	require.NoError(t, err)

	broker := events.NewBroker()
	caDeps := &ca.Deps{Signer: signer.New(ks), RepositoryBaseURI: "rsync://repo.example.net/repo/"}
	cas := aggregate.NewProcessor[*ca.State]("ca", store, ca.Codec{Deps: caDeps}, broker, 5)
	repo := aggregate.NewProcessor[*pubserver.State]("pubd", store, pubserver.Codec{Deps: &pubserver.Deps{}}, broker, 10)

	_, _, err = repo.Process(context.Background(), "repo", pubserver.Init{}, time.Now())
	require.NoError(t, err)

	registry := health.NewRegistry(health.DefaultConfig(), map[string]health.Checker{
		"event_store": health.EventStoreChecker(func(context.Context) error { return store.Ping() }),
	})

	srv := New(cas, repo, "repo", testToken, registry, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/cas", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/cas", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/cas", nil, testToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInitTACommandAndSummary(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/cas/ta", CommandRequest{
		Type:      "init_ta",
		Resources: []string{"0.0.0.0/0", "::/0", "AS0-AS4294967295"},
	}, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cmdResp CommandResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cmdResp))
	assert.NotZero(t, cmdResp.Version)
	assert.Contains(t, cmdResp.Events, "ca.initialized")
	assert.Contains(t, cmdResp.Events, "ca.republished")

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/cas/ta", nil, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary CASummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.True(t, summary.TrustAnchor)
	require.Contains(t, summary.Classes, "default")
	require.NotNil(t, summary.Classes["default"].CurrentKey)
	assert.Equal(t, uint64(1), summary.Classes["default"].CurrentKey.ManifestNumber)
}

func TestRejectedCommandWritesNoEvents(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/cas/ta", CommandRequest{
		Type:      "init_ta",
		Resources: []string{"10.0.0.0/8"},
	}, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// ROA outside certified space: structured input error, no state
	// change.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/cas/ta", CommandRequest{
		Type: "add_roa", Class: "default", ASN: 64496, Prefix: "192.0.2.0/24", MaxLength: 24,
	}, testToken)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "input", errResp.Kind)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/cas/ta", nil, testToken)
	var summary CASummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Empty(t, summary.Classes["default"].ROAs)
}

func TestUnknownCAReturns404(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/cas/nope", nil, testToken)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRepoSummaryAndPublisherCommands(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/pubd", CommandRequest{
		Type: "add_publisher", PublisherHandle: "ca1", BaseURI: "rsync://repo.example.net/repo/ca1/",
	}, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/pubd", nil, testToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary RepoSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.NotEmpty(t, summary.SessionID)
	assert.Contains(t, summary.Publishers, "ca1")
}

func TestHealthEndpointNeedsNoToken(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, http.MethodGet, ts.URL+"/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestParseResources(t *testing.T) {
	set, err := parseResources([]string{"10.0.0.0/8", "2001:db8::/32", "AS64496", "AS65000-AS65010"})
	require.NoError(t, err)
	assert.Len(t, set.IPv4, 1)
	assert.Len(t, set.IPv6, 1)
	assert.Len(t, set.ASNs, 2)

	_, err = parseResources([]string{"not-a-prefix"})
	require.Error(t, err)
}
