// Package history exports bot lifecycle transitions to analytics systems.
package history

import (
	"context"
	"time"

	"github.com/loykin/botvisr/internal/bot"
)

// DefaultTable is the table (or index) name sinks use when the DSN names none.
const DefaultTable = "bot_history"

// Event is one status transition of a bot.
type Event struct {
	OccurredAt time.Time `json:"occurred_at"`
	BotID      string    `json:"bot_id"`
	BotName    string    `json:"bot_name,omitempty"`
	State      bot.State `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	PID        int       `json:"pid,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
