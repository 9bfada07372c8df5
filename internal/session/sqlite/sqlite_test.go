package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisr/internal/session"
	"github.com/loykin/botvisr/internal/session/sessiontest"
)

func TestSQLiteStore(t *testing.T) {
	db, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	sessiontest.Run(t, db)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	ctx := context.Background()

	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))
	started := time.Now().UTC()
	require.NoError(t, db.CreateSession(ctx, session.Session{ID: "s1", BotID: "b", BotName: "B", StartedAt: started}))
	require.NoError(t, db.Append(ctx, session.LogEntry{BotID: "b", SessionID: "s1", Seq: 1, Timestamp: started, Level: "warn", Message: "m", RawLine: "m", Stream: session.Stderr}))
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(ctx))

	// a crash leaves s1 open; recovery closes it
	n, err := db.CloseDangling(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := db.GetEntries(ctx, "s1", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, session.Stderr, got[0].Stream)
	assert.True(t, got[0].Timestamp.Equal(started))
}

func TestSQLiteEmptyPath(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
