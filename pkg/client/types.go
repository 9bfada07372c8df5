package client

import "time"

// Status is the lifecycle state of a bot as reported by the daemon.
type Status struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

func (s Status) String() string {
	if s.Reason == "" {
		return s.State
	}
	return s.State + ": " + s.Reason
}

// BotStatus pairs a bot id with its status.
type BotStatus struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// ProcessInfo is the process record of the latest run of a bot
type ProcessInfo struct {
	BotID           string    `json:"bot_id"`
	BotName         string    `json:"bot_name"`
	PID             int       `json:"pid"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	SessionID       string    `json:"session_id"`
	Lines           int64     `json:"lines"`
}

// BotDetail is returned by GET /bots/:id
type BotDetail struct {
	ID      string       `json:"id"`
	Status  Status       `json:"status"`
	Process *ProcessInfo `json:"process,omitempty"`
}

// Session is one recorded run of a bot.
type Session struct {
	ID        string     `json:"id"`
	BotID     string     `json:"bot_id"`
	BotName   string     `json:"bot_name"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// LogEntry is one classified output line of a session.
type LogEntry struct {
	BotID     string    `json:"bot_id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	RawLine   string    `json:"raw_line"`
	Stream    string    `json:"stream"`
}

// ActiveSession reports whether a bot has an open session.
type ActiveSession struct {
	Active    bool   `json:"active"`
	SessionID string `json:"session_id,omitempty"`
}

// Position is the last reported location of a bot.
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

// Telemetry is the latest side-channel data of a bot.
type Telemetry struct {
	Position    *Position       `json:"position,omitempty"`
	Inventory   []InventoryItem `json:"inventory,omitempty"`
	InventoryAt time.Time       `json:"inventory_at,omitempty"`
}

// EntriesQuery pages through the entries of a session. Zero Limit means all.
type EntriesQuery struct {
	Offset int
	Limit  int
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error  string  `json:"error"`
	Status *Status `json:"status,omitempty"`
}

// Event is one message of the daemon's websocket stream. Exactly one payload
// field is set, matching Type.
type Event struct {
	Type      string          `json:"type"`
	BotID     string          `json:"bot_id"`
	Time      time.Time       `json:"time"`
	Status    *Status         `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
	Entry     *LogEntry       `json:"entry,omitempty"`
	Position  *Position       `json:"position,omitempty"`
	Inventory []InventoryItem `json:"inventory,omitempty"`
}
