package pubserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rpkid/pkg/aggregate"
	"github.com/cuemby/rpkid/pkg/events"
	"github.com/cuemby/rpkid/pkg/eventstore"
)

const repoHandle = "repo"

func newTestRepo(t *testing.T) *aggregate.Processor[*State] {
	t.Helper()
	store, err := eventstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	deps := &Deps{NewSessionID: func() string { return "11111111-2222-3333-4444-555555555555" }}
	proc := aggregate.NewProcessor[*State]("pubd", store, Codec{Deps: deps}, events.NewBroker(), 10)

	_, _, err = proc.Process(context.Background(), repoHandle, Init{}, time.Now())
	require.NoError(t, err)
	return proc
}

func addPublisher(t *testing.T, proc *aggregate.Processor[*State], handle, base string) {
	t.Helper()
	_, _, err := proc.Process(context.Background(), repoHandle, AddPublisher{Handle: handle, BaseURI: base}, time.Now())
	require.NoError(t, err)
}

func TestInitFixesSessionID(t *testing.T) {
	proc := newTestRepo(t)
	state, _, err := proc.Load(repoHandle)
	require.NoError(t, err)
	assert.True(t, state.Initialized)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", state.SessionID)
	assert.Equal(t, uint64(0), state.Serial)
}

func TestPublicationDeltaAllocatesSerials(t *testing.T) {
	proc := newTestRepo(t)
	addPublisher(t, proc, "ca1", "rsync://repo.example.net/repo/ca1/")

	evs, _, err := proc.Process(context.Background(), repoHandle, PublicationDelta{
		Publisher: "ca1",
		Publish:   []PublishElement{{URI: "rsync://repo.example.net/repo/ca1/a.roa", Data: []byte("one")}},
	}, time.Now())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(1), evs[0].(DeltaApplied).Serial)

	_, _, err = proc.Process(context.Background(), repoHandle, PublicationDelta{
		Publisher: "ca1",
		Update: []UpdateElement{{
			URI:  "rsync://repo.example.net/repo/ca1/a.roa",
			Hash: HashBytes([]byte("one")),
			Data: []byte("two"),
		}},
	}, time.Now())
	require.NoError(t, err)

	state, _, err := proc.Load(repoHandle)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.Serial)
	assert.Equal(t, []byte("two"), state.Publishers["ca1"].Objects["rsync://repo.example.net/repo/ca1/a.roa"].Data)
}

func TestPathAuthorizationRejectsForeignURIs(t *testing.T) {
	proc := newTestRepo(t)
	addPublisher(t, proc, "ca1", "rsync://repo.example.net/repo/ca1/")

	_, _, err := proc.Process(context.Background(), repoHandle, PublicationDelta{
		Publisher: "ca1",
		Publish:   []PublishElement{{URI: "rsync://repo.example.net/repo/ca2/evil.roa", Data: []byte("x")}},
	}, time.Now())
	require.Error(t, err)
	var de *aggregate.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, aggregate.ErrKindInput, de.Kind)

	state, _, err := proc.Load(repoHandle)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), state.Serial)
}

func TestBaseURINormalizedToSegmentBoundary(t *testing.T) {
	proc := newTestRepo(t)
	// Registered without a trailing slash; the aggregate adds one so
	// authorization is always a whole-segment prefix match.
	addPublisher(t, proc, "ca1", "rsync://repo.example.net/repo/ca1")

	state, _, err := proc.Load(repoHandle)
	require.NoError(t, err)
	assert.Equal(t, "rsync://repo.example.net/repo/ca1/", state.Publishers["ca1"].BaseURI)

	// A sibling namespace sharing the string prefix must stay off
	// limits.
	_, _, err = proc.Process(context.Background(), repoHandle, PublicationDelta{
		Publisher: "ca1",
		Publish:   []PublishElement{{URI: "rsync://repo.example.net/repo/ca10/evil.roa", Data: []byte("x")}},
	}, time.Now())
	require.Error(t, err)
	var de *aggregate.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "permission_failure", de.Code)

	// The publisher's own namespace still works.
	_, _, err = proc.Process(context.Background(), repoHandle, PublicationDelta{
		Publisher: "ca1",
		Publish:   []PublishElement{{URI: "rsync://repo.example.net/repo/ca1/a.roa", Data: []byte("x")}},
	}, time.Now())
	require.NoError(t, err)
}

func TestAddPublisherRejectsMalformedBaseURI(t *testing.T) {
	proc := newTestRepo(t)
	for _, base := range []string{"", "https://repo.example.net/repo/ca1/", "rsync://", "not a uri at all\x00"} {
		_, _, err := proc.Process(context.Background(), repoHandle, AddPublisher{Handle: "ca1", BaseURI: base}, time.Now())
		require.Error(t, err, "base URI %q must be rejected", base)
	}
}

func TestUnderBaseRespectsSegmentBoundary(t *testing.T) {
	// Even an unnormalized base (as stored by an older repository)
	// must not authorize a sibling prefix.
	assert.True(t, underBase("rsync://repo/ca1", "rsync://repo/ca1/x.roa"))
	assert.False(t, underBase("rsync://repo/ca1", "rsync://repo/ca10/x.roa"))
	assert.False(t, underBase("rsync://repo/ca1", "rsync://repo/ca1"))
	assert.True(t, underBase("rsync://repo/ca1/", "rsync://repo/ca1/sub/x.roa"))
	assert.False(t, underBase("rsync://repo/ca1/", "rsync://repo/ca1/"))
}

func TestWithdrawHashMismatchIsAtomic(t *testing.T) {
	proc := newTestRepo(t)
	addPublisher(t, proc, "ca1", "rsync://repo.example.net/repo/ca1/")

	uri := "rsync://repo.example.net/repo/ca1/o.roa"
	_, _, err := proc.Process(context.Background(), repoHandle, PublicationDelta{
		Publisher: "ca1",
		Publish:   []PublishElement{{URI: uri, Data: []byte("object")}},
	}, time.Now())
	require.NoError(t, err)

	// A wrong withdraw hash fails the whole delta, including the
	// valid publish bundled with it.
	_, _, err = proc.Process(context.Background(), repoHandle, PublicationDelta{
		Publisher: "ca1",
		Publish:   []PublishElement{{URI: "rsync://repo.example.net/repo/ca1/new.roa", Data: []byte("new")}},
		Withdraw:  []WithdrawElement{{URI: uri, Hash: "deadbeef"}},
	}, time.Now())
	require.Error(t, err)

	state, _, err := proc.Load(repoHandle)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Serial, "failed delta must not advance the serial")
	assert.Len(t, state.Publishers["ca1"].Objects, 1)
	_, stillThere := state.Publishers["ca1"].Objects[uri]
	assert.True(t, stillThere)
}

func TestPublishExistingURIFails(t *testing.T) {
	proc := newTestRepo(t)
	addPublisher(t, proc, "ca1", "rsync://repo.example.net/repo/ca1/")

	uri := "rsync://repo.example.net/repo/ca1/o.roa"
	_, _, err := proc.Process(context.Background(), repoHandle, PublicationDelta{
		Publisher: "ca1", Publish: []PublishElement{{URI: uri, Data: []byte("a")}},
	}, time.Now())
	require.NoError(t, err)

	_, _, err = proc.Process(context.Background(), repoHandle, PublicationDelta{
		Publisher: "ca1", Publish: []PublishElement{{URI: uri, Data: []byte("b")}},
	}, time.Now())
	require.Error(t, err)
}

func TestSessionResetRotatesAndRestartsSerial(t *testing.T) {
	store, err := eventstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ids := []string{"session-one", "session-two"}
	deps := &Deps{NewSessionID: func() string { id := ids[0]; ids = ids[1:]; return id }}
	proc := aggregate.NewProcessor[*State]("pubd", store, Codec{Deps: deps}, events.NewBroker(), 10)

	_, _, err = proc.Process(context.Background(), repoHandle, Init{}, time.Now())
	require.NoError(t, err)
	_, _, err = proc.Process(context.Background(), repoHandle, AddPublisher{Handle: "ca1", BaseURI: "rsync://r/ca1/"}, time.Now())
	require.NoError(t, err)
	_, _, err = proc.Process(context.Background(), repoHandle, PublicationDelta{
		Publisher: "ca1", Publish: []PublishElement{{URI: "rsync://r/ca1/a.roa", Data: []byte("a")}},
	}, time.Now())
	require.NoError(t, err)

	_, _, err = proc.Process(context.Background(), repoHandle, ResetSession{}, time.Now())
	require.NoError(t, err)

	state, _, err := proc.Load(repoHandle)
	require.NoError(t, err)
	assert.Equal(t, "session-two", state.SessionID)
	assert.Equal(t, uint64(1), state.Serial)
	// Content survives a session reset; only the delta chain restarts.
	assert.Len(t, state.Publishers["ca1"].Objects, 1)
}

func TestRemovePublisherWithdrawsObjects(t *testing.T) {
	proc := newTestRepo(t)
	addPublisher(t, proc, "ca1", "rsync://r/ca1/")
	_, _, err := proc.Process(context.Background(), repoHandle, PublicationDelta{
		Publisher: "ca1", Publish: []PublishElement{{URI: "rsync://r/ca1/a.roa", Data: []byte("a")}},
	}, time.Now())
	require.NoError(t, err)

	_, _, err = proc.Process(context.Background(), repoHandle, RemovePublisher{Handle: "ca1"}, time.Now())
	require.NoError(t, err)

	state, _, err := proc.Load(repoHandle)
	require.NoError(t, err)
	assert.Empty(t, state.Publishers)
	assert.Empty(t, state.AllObjects())
	assert.Equal(t, uint64(2), state.Serial, "implicit withdrawal consumes a serial")
}
