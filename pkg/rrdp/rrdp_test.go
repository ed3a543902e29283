package rrdp

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const session = "9df4b597-af9e-4dca-bdda-719cce2c4e28"

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	base := t.TempDir()
	return NewWriter(filepath.Join(base, "rrdp"), filepath.Join(base, "rsync"), "https://repo.example.net/rrdp")
}

func TestApplyDeltaWritesAllDocuments(t *testing.T) {
	w := newTestWriter(t)

	full := map[string][]byte{
		"rsync://repo.example.net/repo/ca1/a.roa": []byte("roa-bytes"),
	}
	err := w.ApplyDelta(session, 1, full, DeltaContent{
		Publish: []PublishElement{{URI: "rsync://repo.example.net/repo/ca1/a.roa", Data: []byte("roa-bytes")}},
	})
	require.NoError(t, err)

	notifData, err := os.ReadFile(w.NotificationPath())
	require.NoError(t, err)
	notif, err := parseNotification(notifData)
	require.NoError(t, err)
	assert.Equal(t, session, notif.SessionID)
	assert.Equal(t, uint64(1), notif.Serial)
	require.Len(t, notif.Deltas, 1)
	assert.Equal(t, "https://repo.example.net/rrdp/"+session+"/1/delta.xml", notif.Deltas[0].URI)

	snapData, err := os.ReadFile(filepath.Join(w.rrdpDir, session, "1", "snapshot.xml"))
	require.NoError(t, err)
	assert.Equal(t, HashHex(snapData), notif.Snapshot.Hash)

	var snap xmlSnapshot
	require.NoError(t, xml.Unmarshal(snapData, &snap))
	require.Len(t, snap.Publish, 1)

	// rsync mirror holds the object at its URI-derived path.
	mirrored, err := os.ReadFile(filepath.Join(w.rsyncDir, "repo", "ca1", "a.roa"))
	require.NoError(t, err)
	assert.Equal(t, []byte("roa-bytes"), mirrored)
}

func TestSerialAdvancesAndDeltasAccumulate(t *testing.T) {
	w := newTestWriter(t)

	full := map[string][]byte{}
	for serial := uint64(1); serial <= 3; serial++ {
		uri := "rsync://repo.example.net/repo/ca1/" + string(rune('a'+serial)) + ".roa"
		full[uri] = []byte("object")
		err := w.ApplyDelta(session, serial, full, DeltaContent{
			Publish: []PublishElement{{URI: uri, Data: []byte("object")}},
		})
		require.NoError(t, err)
	}

	notifData, err := os.ReadFile(w.NotificationPath())
	require.NoError(t, err)
	notif, err := parseNotification(notifData)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), notif.Serial)
	require.NotEmpty(t, notif.Deltas)
	assert.Equal(t, uint64(3), notif.Deltas[0].Serial, "newest delta listed first")
	for i := 1; i < len(notif.Deltas); i++ {
		assert.Equal(t, notif.Deltas[i-1].Serial-1, notif.Deltas[i].Serial, "deltas must be contiguous")
	}
}

func TestDeltaRetentionBoundedBySnapshotSize(t *testing.T) {
	w := newTestWriter(t)

	// Small snapshot, big deltas: publishing then withdrawing large
	// objects leaves the final snapshot tiny while each delta stays
	// large, so older deltas must fall off.
	big := make([]byte, 64*1024)
	full := map[string][]byte{}

	uri := "rsync://repo.example.net/repo/ca1/big.roa"
	full[uri] = big
	require.NoError(t, w.ApplyDelta(session, 1, full, DeltaContent{
		Publish: []PublishElement{{URI: uri, Data: big}},
	}))

	delete(full, uri)
	require.NoError(t, w.ApplyDelta(session, 2, full, DeltaContent{
		Withdraw: []WithdrawElement{{URI: uri, Hash: HashHex(big)}},
	}))

	notifData, err := os.ReadFile(w.NotificationPath())
	require.NoError(t, err)
	notif, err := parseNotification(notifData)
	require.NoError(t, err)
	require.Len(t, notif.Deltas, 1, "oversized old delta must be dropped")
	assert.Equal(t, uint64(2), notif.Deltas[0].Serial)
}

func TestWithdrawRemovesFromRsyncTree(t *testing.T) {
	w := newTestWriter(t)

	uri := "rsync://repo.example.net/repo/ca1/a.roa"
	full := map[string][]byte{uri: []byte("x")}
	require.NoError(t, w.ApplyDelta(session, 1, full, DeltaContent{
		Publish: []PublishElement{{URI: uri, Data: []byte("x")}},
	}))

	require.NoError(t, w.ApplyDelta(session, 2, map[string][]byte{}, DeltaContent{
		Withdraw: []WithdrawElement{{URI: uri, Hash: HashHex([]byte("x"))}},
	}))

	_, err := os.Stat(filepath.Join(w.rsyncDir, "repo", "ca1", "a.roa"))
	assert.True(t, os.IsNotExist(err))
}

func TestSessionRotationStartsFreshChain(t *testing.T) {
	w := newTestWriter(t)

	uri := "rsync://repo.example.net/repo/ca1/a.roa"
	full := map[string][]byte{uri: []byte("x")}
	require.NoError(t, w.ApplyDelta(session, 1, full, DeltaContent{
		Publish: []PublishElement{{URI: uri, Data: []byte("x")}},
	}))

	const newSession = "0f9bebc7-2d85-478c-9c62-0b4f99b1296c"
	require.NoError(t, w.WriteSnapshot(newSession, 1, full))
	require.NoError(t, w.PruneSessions(newSession))

	notifData, err := os.ReadFile(w.NotificationPath())
	require.NoError(t, err)
	notif, err := parseNotification(notifData)
	require.NoError(t, err)
	assert.Equal(t, newSession, notif.SessionID)
	assert.Equal(t, uint64(1), notif.Serial)
	assert.Empty(t, notif.Deltas, "a rotated session forces a snapshot refetch")

	_, err = os.Stat(filepath.Join(w.rrdpDir, session))
	assert.True(t, os.IsNotExist(err), "old session tree pruned")
}

func TestCleanPartialFiles(t *testing.T) {
	w := newTestWriter(t)
	require.NoError(t, os.MkdirAll(w.rrdpDir, 0o755))
	partial := filepath.Join(w.rrdpDir, tempPrefix+"notification.xml-123")
	require.NoError(t, os.WriteFile(partial, []byte("partial"), 0o644))

	require.NoError(t, w.CleanPartialFiles())
	_, err := os.Stat(partial)
	assert.True(t, os.IsNotExist(err))
}
