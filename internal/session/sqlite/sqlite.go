package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/botvisr/internal/classify"
	"github.com/loykin/botvisr/internal/session"
)

// DB implements session.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Timestamps are stored as UTC unix nanoseconds.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path. Use ":memory:" for an in-memory database.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	if p != ":memory:" && !strings.HasPrefix(p, "file:") {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection: keeps :memory: a single database and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks from other processes
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA journal_mode=WAL;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bot_sessions(
			pk INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			bot_id TEXT NOT NULL,
			bot_name TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			ended_at INTEGER NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bot_sessions_bot ON bot_sessions(bot_id, started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_bot_sessions_open ON bot_sessions(ended_at);`,
		`CREATE TABLE IF NOT EXISTS bot_log_entries(
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			bot_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			raw_line TEXT NOT NULL,
			stream TEXT NOT NULL,
			UNIQUE(session_id, seq)
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) CreateSession(ctx context.Context, sess session.Session) error {
	if sess.ID == "" {
		return errors.New("session id required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_sessions(id, bot_id, bot_name, started_at, ended_at)
		VALUES(?, ?, ?, ?, NULL);`,
		sess.ID, sess.BotID, sess.BotName, sess.StartedAt.UTC().UnixNano())
	return err
}

func (s *DB) CloseSession(ctx context.Context, id string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bot_sessions SET ended_at=? WHERE id=? AND ended_at IS NULL;`,
		endedAt.UTC().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// either already closed or unknown
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	return nil
}

func (s *DB) CloseDangling(ctx context.Context, endedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE bot_sessions SET ended_at=? WHERE ended_at IS NULL;`,
		endedAt.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *DB) Append(ctx context.Context, e session.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var ended sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT ended_at FROM bot_sessions WHERE id=?;`, e.SessionID).Scan(&ended)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ErrNotFound
	}
	if err != nil {
		return err
	}
	if ended.Valid {
		return session.ErrSessionClosed
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bot_log_entries(session_id, seq, bot_id, ts, level, message, raw_line, stream)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.SessionID, e.Seq, e.BotID, e.Timestamp.UTC().UnixNano(), string(e.Level), e.Message, e.RawLine, string(e.Stream))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return session.ErrDuplicateSeq
		}
		return err
	}
	return tx.Commit()
}

const sessionCols = `id, bot_id, bot_name, started_at, ended_at`

func (s *DB) GetSession(ctx context.Context, id string) (session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM bot_sessions WHERE id=?;`, id)
	if err != nil {
		return session.Session{}, err
	}
	defer func() { _ = rows.Close() }()
	out, err := scanSessions(rows)
	if err != nil {
		return session.Session{}, err
	}
	if len(out) == 0 {
		return session.Session{}, session.ErrNotFound
	}
	return out[0], nil
}

func (s *DB) ListSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionCols+` FROM bot_sessions ORDER BY started_at DESC, pk DESC;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

func (s *DB) ListSessionsForBot(ctx context.Context, botID string) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionCols+` FROM bot_sessions WHERE bot_id=? ORDER BY started_at DESC, pk DESC;`, botID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

func (s *DB) GetEntries(ctx context.Context, sessionID string, offset, limit int) ([]session.LogEntry, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, bot_id, ts, level, message, raw_line, stream
		FROM bot_log_entries
		WHERE session_id=?
		ORDER BY seq ASC
		LIMIT ? OFFSET ?;`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []session.LogEntry{}
	for rows.Next() {
		var (
			e             session.LogEntry
			ts            int64
			level, stream string
		)
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.BotID, &ts, &level, &e.Message, &e.RawLine, &stream); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Level = classify.Level(level)
		e.Stream = session.Stream(stream)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *DB) IsActive(ctx context.Context, botID string) (session.Active, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM bot_sessions
		WHERE bot_id=? AND ended_at IS NULL
		ORDER BY started_at DESC, pk DESC
		LIMIT 1;`, botID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Active{}, nil
	}
	if err != nil {
		return session.Active{}, err
	}
	return session.Active{Active: true, SessionID: id}, nil
}

func scanSessions(rows *sql.Rows) ([]session.Session, error) {
	out := []session.Session{}
	for rows.Next() {
		var (
			sess    session.Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &sess.BotID, &sess.BotName, &started, &ended); err != nil {
			return nil, err
		}
		sess.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
