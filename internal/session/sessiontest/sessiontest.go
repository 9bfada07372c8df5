// Package sessiontest holds the behavioural checks every session.Store
// backend must pass.
package sessiontest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisr/internal/classify"
	"github.com/loykin/botvisr/internal/session"
)

// Run exercises st. The store must be empty and have its schema ensured.
func Run(t *testing.T, st session.Store) {
	t.Helper()
	t.Run("lifecycle", func(t *testing.T) { testLifecycle(t, st) })
	t.Run("ordering", func(t *testing.T) { testOrdering(t, st) })
	t.Run("pagination", func(t *testing.T) { testPagination(t, st) })
	t.Run("concurrent sessions", func(t *testing.T) { testConcurrentSessions(t, st) })
	t.Run("dangling", func(t *testing.T) { testDangling(t, st) })
}

func entry(botID, sessionID string, seq int64) session.LogEntry {
	return session.LogEntry{
		BotID:     botID,
		SessionID: sessionID,
		Seq:       seq,
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Level:     classify.LevelInfo,
		Message:   fmt.Sprintf("line %d", seq),
		RawLine:   fmt.Sprintf("line %d", seq),
		Stream:    session.Stdout,
	}
}

func testLifecycle(t *testing.T, st session.Store) {
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Microsecond)
	s := session.Session{ID: "life-1", BotID: "life", BotName: "Life Bot", StartedAt: start}
	require.NoError(t, st.CreateSession(ctx, s))

	act, err := st.IsActive(ctx, "life")
	require.NoError(t, err)
	assert.True(t, act.Active)
	assert.Equal(t, "life-1", act.SessionID)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, st.Append(ctx, entry("life", "life-1", i)))
	}
	assert.ErrorIs(t, st.Append(ctx, entry("life", "life-1", 2)), session.ErrDuplicateSeq)
	assert.ErrorIs(t, st.Append(ctx, entry("life", "missing", 1)), session.ErrNotFound)

	end := start.Add(time.Second)
	require.NoError(t, st.CloseSession(ctx, "life-1", end))
	require.NoError(t, st.CloseSession(ctx, "life-1", end.Add(time.Hour)), "second close is a no-op")
	assert.ErrorIs(t, st.Append(ctx, entry("life", "life-1", 4)), session.ErrSessionClosed)

	got, err := st.GetSession(ctx, "life-1")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(end), "ended_at kept from first close, got %v", got.EndedAt)
	assert.Equal(t, "Life Bot", got.BotName)

	act, err = st.IsActive(ctx, "life")
	require.NoError(t, err)
	assert.False(t, act.Active)

	entries, err := st.GetEntries(ctx, "life-1", 0, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, classify.LevelInfo, e.Level)
		assert.Equal(t, session.Stdout, e.Stream)
	}

	_, err = st.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func testOrdering(t *testing.T, st session.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	for i := 0; i < 3; i++ {
		s := session.Session{
			ID:        fmt.Sprintf("ord-%d", i),
			BotID:     "ord",
			BotName:   "Ord",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, st.CreateSession(ctx, s))
		if i < 2 {
			require.NoError(t, st.CloseSession(ctx, s.ID, s.StartedAt.Add(time.Second)))
		}
	}
	list, err := st.ListSessionsForBot(ctx, "ord")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"ord-2", "ord-1", "ord-0"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.True(t, list[0].Active())

	all, err := st.ListSessions(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].StartedAt.After(all[i-1].StartedAt), "sessions not sorted descending")
	}

	act, err := st.IsActive(ctx, "ord")
	require.NoError(t, err)
	assert.Equal(t, session.Active{Active: true, SessionID: "ord-2"}, act)
	require.NoError(t, st.CloseSession(ctx, "ord-2", time.Now()))
}

func testPagination(t *testing.T, st session.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, session.Session{ID: "page-1", BotID: "page", StartedAt: time.Now().UTC()}))
	const n = 25
	for i := int64(1); i <= n; i++ {
		require.NoError(t, st.Append(ctx, entry("page", "page-1", i)))
	}
	first, err := st.GetEntries(ctx, "page-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, first, 10)
	assert.Equal(t, int64(1), first[0].Seq)

	mid, err := st.GetEntries(ctx, "page-1", 10, 10)
	require.NoError(t, err)
	require.Len(t, mid, 10)
	assert.Equal(t, int64(11), mid[0].Seq)

	rest, err := st.GetEntries(ctx, "page-1", 20, 0)
	require.NoError(t, err)
	require.Len(t, rest, 5)
	assert.Equal(t, int64(n), rest[4].Seq)

	none, err := st.GetEntries(ctx, "page-1", 100, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	huge, err := st.GetEntries(ctx, "page-1", 1, math.MaxInt)
	require.NoError(t, err)
	require.Len(t, huge, n-1)
	assert.Equal(t, int64(2), huge[0].Seq)
	require.NoError(t, st.CloseSession(ctx, "page-1", time.Now()))
}

func testConcurrentSessions(t *testing.T, st session.Store) {
	ctx := context.Background()
	const sessions, lines = 4, 30
	for i := 0; i < sessions; i++ {
		require.NoError(t, st.CreateSession(ctx, session.Session{
			ID: fmt.Sprintf("conc-%d", i), BotID: fmt.Sprintf("conc-bot-%d", i), StartedAt: time.Now().UTC(),
		}))
	}
	var wg sync.WaitGroup
	errs := make(chan error, sessions*lines)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conc-%d", i)
			for seq := int64(1); seq <= lines; seq++ {
				if err := st.Append(ctx, entry(fmt.Sprintf("conc-bot-%d", i), id, seq)); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}
	for i := 0; i < sessions; i++ {
		got, err := st.GetEntries(ctx, fmt.Sprintf("conc-%d", i), 0, 0)
		require.NoError(t, err)
		require.Len(t, got, lines)
		for j, e := range got {
			assert.Equal(t, int64(j+1), e.Seq)
		}
	}
}

func testDangling(t *testing.T, st session.Store) {
	ctx := context.Background()
	require.NoError(t, st.CreateSession(ctx, session.Session{ID: "dang-1", BotID: "dang", StartedAt: time.Now().UTC()}))
	n, err := st.CloseDangling(ctx, time.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	act, err := st.IsActive(ctx, "dang")
	require.NoError(t, err)
	assert.False(t, act.Active)
}
