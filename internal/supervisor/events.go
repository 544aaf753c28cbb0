package supervisor

import "time"

// EventType classifies lifecycle and output notifications emitted by the
// manager.
type EventType string

const (
	EventStarted   EventType = "started"
	EventOutput    EventType = "output"
	EventEscalated EventType = "escalated"
	EventExited    EventType = "exited"
	EventNotice    EventType = "notice"
)

// Event is a single notification. Output events carry Line and Stderr;
// exited events carry ExitCode and the exit timestamp in Timestamp.
type Event struct {
	Timestamp time.Time
	Type      EventType
	ProcessID string
	ServerID  string
	Line      string
	Stderr    bool
	ExitCode  *int
}
