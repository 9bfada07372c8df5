// Package bot holds the value types shared by the supervisor, the event bus
// and the transports.
package bot

import "time"

// State is the lifecycle state of a bot.
type State string

const (
	Idle     State = "idle"
	Starting State = "starting"
	Running  State = "running"
	Stopping State = "stopping"
	Stopped  State = "stopped"
	Error    State = "error"
)

// States lists every state in lifecycle order.
var States = []State{Idle, Starting, Running, Stopping, Stopped, Error}

// Live reports whether a process may exist in this state.
func (s State) Live() bool {
	return s == Starting || s == Running || s == Stopping
}

// Status is the externally visible state of a bot. Reason is only set for Error.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

func (s Status) String() string {
	if s.Reason == "" {
		return string(s.State)
	}
	return string(s.State) + ": " + s.Reason
}

// Process is a snapshot of the live process record of a bot.
type Process struct {
	BotID           string    `json:"bot_id"`
	BotName         string    `json:"bot_name"`
	PID             int       `json:"pid"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	SessionID       string    `json:"session_id"`
	Lines           int64     `json:"lines"`
}

// Position is the last reported location of a bot in its world.
type Position struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Z         float64   `json:"z"`
	Dimension string    `json:"dimension,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InventoryItem is one occupied inventory slot.
type InventoryItem struct {
	Slot  int    `json:"slot"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Telemetry is the latest side-channel data reported for a bot.
type Telemetry struct {
	Position    *Position       `json:"position,omitempty"`
	Inventory   []InventoryItem `json:"inventory,omitempty"`
	InventoryAt time.Time       `json:"inventory_at,omitempty"`
}
