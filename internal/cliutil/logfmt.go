package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/hostforge/gswarden/internal/supervisor"
)

// EventRecord represents a supervision event ready for JSON encoding.
type EventRecord struct {
	Timestamp time.Time `json:"ts"`
	Event     string    `json:"event"`
	ProcessID string    `json:"process"`
	ServerID  string    `json:"server"`
	Level     string    `json:"level"`
	Message   string    `json:"msg,omitempty"`
	Stream    string    `json:"stream,omitempty"`
	ExitCode  *int      `json:"exitCode,omitempty"`
}

// NewEventRecord converts a supervisor event into a structured record.
// Captured output lines pass through secret redaction before emission.
func NewEventRecord(event supervisor.Event) EventRecord {
	record := EventRecord{
		Timestamp: event.Timestamp,
		Event:     string(event.Type),
		ProcessID: event.ProcessID,
		ServerID:  event.ServerID,
		Level:     "info",
		ExitCode:  event.ExitCode,
	}
	switch event.Type {
	case supervisor.EventOutput:
		record.Message = RedactSecrets(event.Line)
		record.Stream = "stdout"
		if event.Stderr {
			record.Stream = "stderr"
		}
		if inferred := inferLogLevel(event.Line); inferred != "" {
			record.Level = inferred
		}
	case supervisor.EventEscalated:
		record.Level = "warn"
		record.Message = "grace period expired, terminating group"
	case supervisor.EventExited:
		record.Message = "process exited"
		if event.ExitCode != nil && *event.ExitCode != 0 {
			record.Level = "warn"
		}
	case supervisor.EventNotice:
		record.Level = "warn"
		record.Message = event.Line
	default:
		record.Message = event.Line
	}
	return record
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn":
		return "warn"
	case "info":
		return "info"
	default:
		return ""
	}
}

// EncodeEvent encodes a supervision event to JSON, reporting errors to stderr
// if needed.
func EncodeEvent(enc *json.Encoder, stderr io.Writer, event supervisor.Event) {
	if enc == nil {
		return
	}
	record := NewEventRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode event: %v\n", err)
	}
}
