package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start for a bot that is starting or running.
	ErrAlreadyRunning = errors.New("bot already running")
	// ErrShuttingDown is returned once Shutdown was called.
	ErrShuttingDown = errors.New("supervisor shutting down")
	// ErrNotRunning is returned for telemetry reported by a bot without a live process.
	ErrNotRunning = errors.New("bot not running")
)

// Kind classifies a Fault.
type Kind string

const (
	KindConfig  Kind = "config"
	KindSpawn   Kind = "spawn"
	KindRuntime Kind = "runtime"
	KindStorage Kind = "storage"
	KindTimeout Kind = "timeout"
)

// Fault is an error attributed to a bot.
type Fault struct {
	Kind  Kind
	BotID string
	Err   error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("bot %s: %s fault", f.BotID, f.Kind)
	}
	return fmt.Sprintf("bot %s: %s fault: %v", f.BotID, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// IsKind reports whether err is, or wraps, a Fault of the given kind.
func IsKind(err error, kind Kind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}

func newFault(kind Kind, botID string, err error) *Fault {
	return &Fault{Kind: kind, BotID: botID, Err: err}
}
