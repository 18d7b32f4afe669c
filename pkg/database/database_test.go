package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestOpenAppliesMigrations(t *testing.T) {
	j, _ := openTestJournal(t)

	version, err := j.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	conn, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer conn.Close()

	var rows int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&rows))
	assert.Equal(t, len(migrations), rows)
}

func TestRecordAndFlush(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()

	at := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, j.Record(Event{Kind: EventRegister, SessionID: "id-1", Name: "alice", Transport: "udp", Address: "127.0.0.1:5000", At: at}))
	require.NoError(t, j.Record(Event{Kind: EventRemove, SessionID: "id-1", Name: "alice", Transport: "udp", Address: "127.0.0.1:5000", Reason: "voluntary", At: at.Add(time.Second)}))
	require.NoError(t, j.Record(Event{Kind: EventRegister, SessionID: "id-2", Name: "bob", Transport: "udp", Address: "127.0.0.1:5001"}))
	require.NoError(t, j.Flush(ctx))

	events, err := j.SessionEvents("id-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRegister, events[0].Kind)
	assert.Equal(t, "alice", events[0].Name)
	assert.Equal(t, at, events[0].At)
	assert.Equal(t, EventRemove, events[1].Kind)
	assert.Equal(t, "voluntary", events[1].Reason)

	n, err := j.CountByKind(EventRegister)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRecentEventsOrderAndLimit(t *testing.T) {
	j, _ := openTestJournal(t)

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, j.Record(Event{Kind: EventRegister, SessionID: id, Name: id, Transport: "udp", Address: "x"}))
	}
	require.NoError(t, j.Flush(context.Background()))

	events, err := j.RecentEvents(2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "c", events[0].SessionID)
	assert.Equal(t, "d", events[1].SessionID)
}

func TestPrune(t *testing.T) {
	j, _ := openTestJournal(t)
	now := time.Now()

	require.NoError(t, j.Record(Event{Kind: EventRegister, SessionID: "old", Name: "old", Transport: "udp", Address: "x", At: now.Add(-48 * time.Hour)}))
	require.NoError(t, j.Record(Event{Kind: EventRegister, SessionID: "new", Name: "new", Transport: "udp", Address: "x", At: now}))
	require.NoError(t, j.Flush(context.Background()))

	removed, err := j.Prune(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	events, err := j.RecentEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "new", events[0].SessionID)
}

func TestRetentionPrunesInBackground(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenWithOptions(path, Options{Retention: time.Hour, PruneInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer j.Close()

	now := time.Now()
	require.NoError(t, j.Record(Event{Kind: EventRegister, SessionID: "old", Name: "old", Transport: "udp", Address: "x", At: now.Add(-2 * time.Hour)}))
	require.NoError(t, j.Record(Event{Kind: EventRegister, SessionID: "new", Name: "new", Transport: "udp", Address: "x", At: now}))
	require.NoError(t, j.Flush(context.Background()))

	require.Eventually(t, func() bool {
		events, err := j.SessionEvents("old")
		return err == nil && len(events) == 0
	}, 2*time.Second, 10*time.Millisecond)

	events, err := j.SessionEvents("new")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestOpenRejectsNegativeRetention(t *testing.T) {
	_, err := OpenWithOptions(filepath.Join(t.TempDir(), "journal.db"), Options{Retention: -time.Hour})
	assert.Error(t, err)
}

func TestCloseFlushesPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, j.Record(Event{Kind: EventRegister, SessionID: "id", Name: "n", Transport: "websocket", Address: "x"}))
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.Record(Event{Kind: EventRegister}), ErrJournalClosed)
	assert.ErrorIs(t, j.Flush(context.Background()), ErrJournalClosed)

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	n, err := j.CountByKind(EventRegister)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
