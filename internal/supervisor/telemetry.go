package supervisor

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/loykin/botvisr/internal/bot"
)

const (
	positionPrefix  = "@position "
	inventoryPrefix = "@inventory "
)

type telemetryKind string

const (
	telemetryPosition  telemetryKind = "position"
	telemetryInventory telemetryKind = "inventory"
)

// telemetryLine is a decoded "@position {...}" or "@inventory [...]" line.
type telemetryLine struct {
	kind      telemetryKind
	position  bot.Position
	inventory []bot.InventoryItem
}

// parseTelemetry decodes a telemetry line. ok is false for ordinary output
// and for telemetry lines with a malformed payload.
func parseTelemetry(text string, now time.Time) (telemetryLine, bool) {
	text = strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(text, positionPrefix):
		var p bot.Position
		payload := strings.TrimSpace(strings.TrimPrefix(text, positionPrefix))
		if !strings.HasPrefix(payload, "{") || json.Unmarshal([]byte(payload), &p) != nil {
			return telemetryLine{}, false
		}
		p.UpdatedAt = now
		return telemetryLine{kind: telemetryPosition, position: p}, true
	case strings.HasPrefix(text, inventoryPrefix):
		var items []bot.InventoryItem
		payload := strings.TrimSpace(strings.TrimPrefix(text, inventoryPrefix))
		if !strings.HasPrefix(payload, "[") || json.Unmarshal([]byte(payload), &items) != nil {
			return telemetryLine{}, false
		}
		if items == nil {
			items = []bot.InventoryItem{}
		}
		return telemetryLine{kind: telemetryInventory, inventory: items}, true
	}
	return telemetryLine{}, false
}
