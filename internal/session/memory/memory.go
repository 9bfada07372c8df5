// Package memory is an in-process session.Store. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loykin/botvisr/internal/session"
)

type record struct {
	s       session.Session
	order   int
	entries []session.LogEntry
}

// Store keeps sessions and entries in maps guarded by a single RWMutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*record
	next     int
}

func New() *Store {
	return &Store{sessions: make(map[string]*record)}
}

func (m *Store) EnsureSchema(_ context.Context) error { return nil }

func (m *Store) Close() error { return nil }

func (m *Store) CreateSession(_ context.Context, s session.Session) error {
	if s.ID == "" {
		return fmt.Errorf("session id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.next++
	s.StartedAt = s.StartedAt.UTC()
	m.sessions[s.ID] = &record{s: s, order: m.next}
	return nil
}

func (m *Store) CloseSession(_ context.Context, id string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if r.s.EndedAt == nil {
		t := endedAt.UTC()
		r.s.EndedAt = &t
	}
	return nil
}

func (m *Store) CloseDangling(_ context.Context, endedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.sessions {
		if r.s.EndedAt == nil {
			t := endedAt.UTC()
			r.s.EndedAt = &t
			n++
		}
	}
	return n, nil
}

func (m *Store) Append(_ context.Context, e session.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[e.SessionID]
	if !ok {
		return session.ErrNotFound
	}
	if r.s.EndedAt != nil {
		return session.ErrSessionClosed
	}
	// entries are kept sorted; the common case is an append at the tail
	n := len(r.entries)
	if n > 0 && r.entries[n-1].Seq >= e.Seq {
		i := sort.Search(n, func(i int) bool { return r.entries[i].Seq >= e.Seq })
		if i < n && r.entries[i].Seq == e.Seq {
			return session.ErrDuplicateSeq
		}
		r.entries = append(r.entries, session.LogEntry{})
		copy(r.entries[i+1:], r.entries[i:])
		r.entries[i] = e
		return nil
	}
	r.entries = append(r.entries, e)
	return nil
}

func (m *Store) GetSession(_ context.Context, id string) (session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return copySession(r.s), nil
}

func (m *Store) ListSessions(_ context.Context) ([]session.Session, error) {
	return m.list(func(*record) bool { return true }), nil
}

func (m *Store) ListSessionsForBot(_ context.Context, botID string) ([]session.Session, error) {
	return m.list(func(r *record) bool { return r.s.BotID == botID }), nil
}

func (m *Store) GetEntries(_ context.Context, sessionID string, offset, limit int) ([]session.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.sessions[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(r.entries) {
		return []session.LogEntry{}, nil
	}
	end := len(r.entries)
	if limit > 0 && limit < end-offset {
		end = offset + limit
	}
	out := make([]session.LogEntry, end-offset)
	copy(out, r.entries[offset:end])
	return out, nil
}

func (m *Store) IsActive(_ context.Context, botID string) (session.Active, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *record
	for _, r := range m.sessions {
		if r.s.BotID != botID || r.s.EndedAt != nil {
			continue
		}
		if best == nil || r.order > best.order {
			best = r
		}
	}
	if best == nil {
		return session.Active{}, nil
	}
	return session.Active{Active: true, SessionID: best.s.ID}, nil
}

func (m *Store) list(keep func(*record) bool) []session.Session {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.sessions))
	for _, r := range m.sessions {
		if keep(r) {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].s.StartedAt.Equal(recs[j].s.StartedAt) {
			return recs[i].s.StartedAt.After(recs[j].s.StartedAt)
		}
		return recs[i].order > recs[j].order
	})
	out := make([]session.Session, 0, len(recs))
	for _, r := range recs {
		out = append(out, copySession(r.s))
	}
	m.mu.RUnlock()
	return out
}

func copySession(s session.Session) session.Session {
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}
