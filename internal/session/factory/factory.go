package factory

import (
	"errors"
	"strings"

	"github.com/loykin/botvisr/internal/session"
	"github.com/loykin/botvisr/internal/session/memory"
	pg "github.com/loykin/botvisr/internal/session/postgres"
	sq "github.com/loykin/botvisr/internal/session/sqlite"
)

// NewFromDSN selects a session store implementation based on DSN.
// Supported:
//   - memory:   "memory://"
//   - sqlite:   "sqlite://<path>" or a bare filepath
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (session.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	switch {
	case strings.HasPrefix(ld, "memory://"):
		return memory.New(), nil
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(strings.TrimPrefix(d, d[:len("sqlite://")]))
	}
	return sq.New(d)
}
