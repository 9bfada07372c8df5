package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/botvisr/internal/classify"
	"github.com/loykin/botvisr/internal/session"
)

const uniqueViolation = "23505"

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(16)
	d.SetMaxIdleConns(4)
	d.SetConnMaxLifetime(30 * time.Minute)
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bot_sessions(
			pk BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			bot_id TEXT NOT NULL,
			bot_name TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bot_sessions_bot ON bot_sessions(bot_id, started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_bot_sessions_open ON bot_sessions(bot_id) WHERE ended_at IS NULL;`,
		`CREATE TABLE IF NOT EXISTS bot_log_entries(
			session_id TEXT NOT NULL REFERENCES bot_sessions(id),
			seq BIGINT NOT NULL,
			bot_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			raw_line TEXT NOT NULL,
			stream TEXT NOT NULL,
			PRIMARY KEY(session_id, seq)
		);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) CreateSession(ctx context.Context, s session.Session) error {
	if s.ID == "" {
		return errors.New("session id required")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bot_sessions(id, bot_id, bot_name, started_at, ended_at)
		VALUES($1, $2, $3, $4, NULL);`,
		s.ID, s.BotID, s.BotName, s.StartedAt.UTC())
	return err
}

func (p *DB) CloseSession(ctx context.Context, id string, endedAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bot_sessions SET ended_at=$1 WHERE id=$2 AND ended_at IS NULL;`,
		endedAt.UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = p.GetSession(ctx, id)
	return err
}

func (p *DB) CloseDangling(ctx context.Context, endedAt time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE bot_sessions SET ended_at=$1 WHERE ended_at IS NULL;`, endedAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *DB) Append(ctx context.Context, e session.LogEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// FOR SHARE blocks a concurrent CloseSession until this entry is in
	var ended sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT ended_at FROM bot_sessions WHERE id=$1 FOR SHARE;`, e.SessionID).Scan(&ended)
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
		VALUES($1, $2, $3, $4, $5, $6, $7, $8);`,
		e.SessionID, e.Seq, e.BotID, e.Timestamp.UTC(), string(e.Level), e.Message, e.RawLine, string(e.Stream))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return session.ErrDuplicateSeq
		}
		return err
	}
	return tx.Commit()
}

const sessionCols = `id, bot_id, bot_name, started_at, ended_at`

func (p *DB) GetSession(ctx context.Context, id string) (session.Session, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM bot_sessions WHERE id=$1;`, id)
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

func (p *DB) ListSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionCols+` FROM bot_sessions ORDER BY started_at DESC, pk DESC;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

func (p *DB) ListSessionsForBot(ctx context.Context, botID string) ([]session.Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionCols+` FROM bot_sessions WHERE bot_id=$1 ORDER BY started_at DESC, pk DESC;`, botID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSessions(rows)
}

func (p *DB) GetEntries(ctx context.Context, sessionID string, offset, limit int) ([]session.LogEntry, error) {
	if _, err := p.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	q := `
		SELECT session_id, seq, bot_id, ts, level, message, raw_line, stream
		FROM bot_log_entries
		WHERE session_id=$1
		ORDER BY seq ASC
		OFFSET ` + strconv.Itoa(offset)
	if limit > 0 {
		q += ` LIMIT ` + strconv.Itoa(limit)
	}
	rows, err := p.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []session.LogEntry{}
	for rows.Next() {
		var (
			e             session.LogEntry
			level, stream string
		)
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.BotID, &e.Timestamp, &level, &e.Message, &e.RawLine, &stream); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		e.Level = classify.Level(level)
		e.Stream = session.Stream(stream)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *DB) IsActive(ctx context.Context, botID string) (session.Active, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `
		SELECT id FROM bot_sessions
		WHERE bot_id=$1 AND ended_at IS NULL
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
			s     session.Session
			ended sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.BotID, &s.BotName, &s.StartedAt, &ended); err != nil {
			return nil, err
		}
		s.StartedAt = s.StartedAt.UTC()
		if ended.Valid {
			t := ended.Time.UTC()
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
