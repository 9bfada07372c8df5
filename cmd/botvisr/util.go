package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(from time.Time, to *time.Time) string {
	if from.IsZero() {
		return "-"
	}
	end := time.Now()
	if to != nil {
		end = *to
	}
	return end.Sub(from).Truncate(time.Second).String()
}
