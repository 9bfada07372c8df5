package process

import (
	"fmt"
	"time"
)

// Stream names the pipe a line was read from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one complete line of child output with its trailing newline removed.
type Line struct {
	Text   string
	Stream Stream
	Time   time.Time
}

// Exit describes how a child terminated. Signal is empty when the process
// exited on its own; Code is -1 when it was killed by a signal.
type Exit struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Err    error  `json:"-"`
}

// Reason renders the exit as "code N" or "signal S".
func (e Exit) Reason() string {
	if e.Signal != "" {
		return "signal " + e.Signal
	}
	if e.Err != nil && e.Code < 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("code %d", e.Code)
}

// Status is a point-in-time view of a Handle.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	// ProcStart is the kernel's start time in unix seconds, used to tell our
	// child apart from a later process that reused its PID.
	ProcStart int64 `json:"proc_start,omitempty"`
	Lines     int64 `json:"lines"`
	Exit      *Exit `json:"exit,omitempty"`
}
