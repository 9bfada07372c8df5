package supervisor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultKinds(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("start: %w", newFault(KindSpawn, "a", cause))

	assert.True(t, IsKind(err, KindSpawn))
	assert.False(t, IsKind(err, KindConfig))
	assert.False(t, IsKind(cause, KindSpawn))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "start: bot a: spawn fault: boom", err.Error())

	var f *Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "a", f.BotID)
}

func TestParseTelemetry(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		line string
		ok   bool
		kind telemetryKind
	}{
		{`@position {"x":1,"y":2,"z":3}`, true, telemetryPosition},
		{`  @position {"x":1,"dimension":"end"}  `, true, telemetryPosition},
		{`@inventory [{"slot":3,"name":"stone","count":64}]`, true, telemetryInventory},
		{`@inventory []`, true, telemetryInventory},
		{`@position [1,2,3]`, false, ""},
		{`@position {"x":`, false, ""},
		{`@inventory {"slot":1}`, false, ""},
		{`@positions {"x":1}`, false, ""},
		{`position {"x":1}`, false, ""},
		{`hello world`, false, ""},
	}
	for _, tt := range tests {
		got, ok := parseTelemetry(tt.line, now)
		assert.Equal(t, tt.ok, ok, tt.line)
		if ok {
			assert.Equal(t, tt.kind, got.kind, tt.line)
		}
	}

	got, _ := parseTelemetry(`@position {"x":1.5,"y":-2,"z":3,"dimension":"nether"}`, now)
	assert.Equal(t, 1.5, got.position.X)
	assert.Equal(t, -2.0, got.position.Y)
	assert.Equal(t, "nether", got.position.Dimension)
	assert.Equal(t, now, got.position.UpdatedAt)

	got, _ = parseTelemetry(`@inventory []`, now)
	assert.NotNil(t, got.inventory)
	assert.Empty(t, got.inventory)
}
