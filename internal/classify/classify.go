// Package classify turns raw bot output lines into leveled log messages.
//
// Classification is line-local and heuristic so that bots do not need to emit
// structured logs: any third-party stdout is accepted.
package classify

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Level is the severity assigned to a log line.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) String() string { return string(l) }

// Slog maps the level onto the slog level scale.
func (l Level) Slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel parses a level name; it accepts "warning" and "err" as aliases.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error", "err":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Result is the classification of a single raw line.
type Result struct {
	Level   Level
	Message string
}

// Pattern sets are evaluated in order; the first set with a match wins.
var (
	errorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(error|exception|failed|failure|critical|fatal)\b`),
		regexp.MustCompile(`(?i)\[(error|err)\]`),
	}
	warnPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(warn|warning|caution)\b`),
		regexp.MustCompile(`(?i)\[(warn|warning)\]`),
	}
)

// Classify assigns a level to rawLine. ANSI escape sequences are stripped
// before matching and the stripped text is returned as the message.
func Classify(rawLine string) Result {
	msg := Strip(rawLine)
	switch {
	case matchAny(errorPatterns, msg):
		return Result{Level: LevelError, Message: msg}
	case matchAny(warnPatterns, msg):
		return Result{Level: LevelWarn, Message: msg}
	default:
		return Result{Level: LevelInfo, Message: msg}
	}
}

// Strip removes ANSI escape sequences and trailing line terminators.
func Strip(s string) string {
	return strings.TrimRight(ansi.Strip(s), "\r\n\t ")
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
