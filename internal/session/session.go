package session

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/botvisr/internal/classify"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when appending to a session that has ended.
	ErrSessionClosed = errors.New("session closed")
	// ErrDuplicateSeq is returned when a sequence number was already appended.
	ErrDuplicateSeq = errors.New("duplicate sequence number")
)

// Stream names the child pipe a line was read from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Session is one execution lifetime of a bot process.
// EndedAt is nil while the session is active.
type Session struct {
	ID        string     `json:"id"`
	BotID     string     `json:"bot_id"`
	BotName   string     `json:"bot_name"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the session has not been closed yet.
func (s Session) Active() bool { return s.EndedAt == nil }

// LogEntry is a classified output line. Seq starts at 1 and increases by one
// per session.
type LogEntry struct {
	BotID     string         `json:"bot_id"`
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Level     classify.Level `json:"level"`
	Message   string         `json:"message"`
	RawLine   string         `json:"raw_line"`
	Stream    Stream         `json:"stream"`
}

// Active is the result of an active-session lookup for a bot.
type Active struct {
	Active    bool   `json:"active"`
	SessionID string `json:"session_id,omitempty"`
}

// Store is the append-only persistence of sessions and their log entries.
// Entries of a closed session are never modified or deleted.
// Implementations must be safe for concurrent use.
type Store interface {
	EnsureSchema(ctx context.Context) error

	CreateSession(ctx context.Context, s Session) error
	// CloseSession sets EndedAt. Closing an already closed session keeps the
	// original EndedAt and returns nil.
	CloseSession(ctx context.Context, id string, endedAt time.Time) error
	// CloseDangling closes every session still open, e.g. after the control
	// plane crashed. It returns the number of sessions closed.
	CloseDangling(ctx context.Context, endedAt time.Time) (int64, error)

	Append(ctx context.Context, e LogEntry) error

	GetSession(ctx context.Context, id string) (Session, error)
	// ListSessions and ListSessionsForBot order by StartedAt descending.
	ListSessions(ctx context.Context) ([]Session, error)
	ListSessionsForBot(ctx context.Context, botID string) ([]Session, error)
	// GetEntries returns entries in ascending Seq order. limit <= 0 means no limit.
	GetEntries(ctx context.Context, sessionID string, offset, limit int) ([]LogEntry, error)
	IsActive(ctx context.Context, botID string) (Active, error)

	Close() error
}
