package classify

import (
	"log/slog"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Level
	}{
		{"error prefix", "ERROR: connection failed", LevelError},
		{"warn tag", "[WARN] low memory", LevelWarn},
		{"plain info", "Player moved to (10,20,30)", LevelInfo},
		{"exception inside identifier", "NullPointerException thrown", LevelInfo},
		{"exception standalone", "unhandled exception in tick loop", LevelError},
		{"err tag", "[err] socket closed", LevelError},
		{"fatal", "Fatal: out of memory", LevelError},
		{"critical", "CRITICAL disk full", LevelError},
		{"failure", "pathfinding failure near spawn", LevelError},
		{"warning word", "Warning: chunk not loaded", LevelWarn},
		{"caution", "caution, lava ahead", LevelWarn},
		{"error beats warn", "[WARN] request failed", LevelError},
		{"substring is not a word", "terrorist mob spawned", LevelInfo},
		{"warned is not warn", "bot was forewarned", LevelInfo},
		{"empty", "", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.line).Level; got != tt.want {
				t.Fatalf("Classify(%q) = %s, want %s", tt.line, got, tt.want)
			}
		})
	}
}

func TestClassifyANSIMatchesPlain(t *testing.T) {
	pairs := map[string]string{
		"\x1b[31mERROR\x1b[0m: connection failed":     "ERROR: connection failed",
		"\x1b[33m[WARN]\x1b[0m low memory":            "[WARN] low memory",
		"\x1b[1;32mPlayer moved to (10,20,30)\x1b[0m": "Player moved to (10,20,30)",
	}
	for colored, plain := range pairs {
		c := Classify(colored)
		p := Classify(plain)
		if c != p {
			t.Fatalf("colored %q classified as %+v, plain as %+v", colored, c, p)
		}
	}
}

func TestClassifyTrimsLineEndings(t *testing.T) {
	r := Classify("tick done\r\n")
	if r.Message != "tick done" {
		t.Fatalf("unexpected message %q", r.Message)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"warning": LevelWarn, "ERR": LevelError, "": LevelInfo, "debug": LevelDebug} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if LevelError.Slog() != slog.LevelError || LevelInfo.Slog() != slog.LevelInfo {
		t.Fatal("unexpected slog mapping")
	}
}
