package eventstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	err := s.Append("ca", "alice", 0, []StoredEvent{
		{Type: "ca.initialized", Data: json.RawMessage(`{"handle":"alice"}`)},
	})
	require.NoError(t, err)

	err = s.Append("ca", "alice", 1, []StoredEvent{
		{Type: "ca.parent_added", Data: json.RawMessage(`{"parent":"bob"}`)},
	})
	require.NoError(t, err)

	snap, events, err := s.Load("ca", "alice")
	require.NoError(t, err)
	assert.Nil(t, snap)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Version)
	assert.Equal(t, uint64(2), events[1].Version)
	assert.Equal(t, "ca.initialized", events[0].Type)
}

func TestAppendRejectsStaleExpectedVersion(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Append("ca", "alice", 0, []StoredEvent{
		{Type: "ca.initialized", Data: json.RawMessage(`{}`)},
	}))

	err := s.Append("ca", "alice", 0, []StoredEvent{
		{Type: "ca.parent_added", Data: json.RawMessage(`{}`)},
	})
	require.Error(t, err)
	var conflict *ErrConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, uint64(0), conflict.ExpectedVer)
	assert.Equal(t, uint64(1), conflict.ActualVer)
}

func TestLoadUnknownHandleReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.Load("ca", "nobody")
	require.Error(t, err)
	var nf *ErrNotFound
	require.ErrorAs(t, err, &nf)
}

func TestSnapshotSkipsReplayedEvents(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Append("ca", "alice", 0, []StoredEvent{
		{Type: "ca.initialized", Data: json.RawMessage(`{}`)},
		{Type: "ca.parent_added", Data: json.RawMessage(`{}`)},
	}))
	require.NoError(t, s.PutSnapshot("ca", "alice", Snapshot{Version: 2, State: json.RawMessage(`{"parents":1}`)}))

	require.NoError(t, s.Append("ca", "alice", 2, []StoredEvent{
		{Type: "ca.roa_added", Data: json.RawMessage(`{}`)},
	}))

	snap, events, err := s.Load("ca", "alice")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(2), snap.Version)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Version)
}

func TestListHandles(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append("ca", "alice", 0, []StoredEvent{{Type: "x", Data: json.RawMessage(`{}`)}}))
	require.NoError(t, s.Append("ca", "bob", 0, []StoredEvent{{Type: "x", Data: json.RawMessage(`{}`)}}))

	handles, err := s.ListHandles("ca")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, handles)
}
