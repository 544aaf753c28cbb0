package supervisor

import (
	"time"

	"github.com/hostforge/gswarden/internal/resgroup"
)

// State is the lifecycle state of a managed process.
type State int

const (
	// StateStarting - spawned but not yet assigned to its resource group.
	StateStarting State = iota
	// StateRunning - assigned and registered.
	StateRunning
	// StateStopping - a stop was requested and has not yet completed.
	StateStopping
	// StateTerminated - the process exited; terminal.
	StateTerminated
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// StartConfig describes a process to supervise.
type StartConfig struct {
	// ServerID names the logical workload the process belongs to. Multiple
	// processes may share a ServerID; each still gets its own group.
	ServerID string
	// Command is the executable path. Required.
	Command string
	Args    []string
	Dir     string
	// Env entries are appended to the supervisor's environment.
	Env map[string]string
	// Limits size the process's resource group.
	Limits resgroup.Limits
	// CaptureOutput streams stdout/stderr lines as events.
	CaptureOutput bool
}

// Handle identifies a started process to the caller.
type Handle struct {
	// ID is the engine-generated process identifier. Never reused, and
	// distinct from the OS pid.
	ID        string
	PID       int
	StartTime time.Time
}

// Process is a point-in-time snapshot of a supervised process.
type Process struct {
	ID        string
	ServerID  string
	PID       int
	State     State
	StartTime time.Time
	ExitCode  *int
	ExitTime  *time.Time
}

// StopResult reports the outcome of a stop request.
type StopResult struct {
	// Stopped is false when the process was already gone (idempotent
	// re-stop) and true when this call performed the stop.
	Stopped bool
	// Escalated reports that the grace period elapsed and the forceful
	// group-wide path ran. The stop still succeeded.
	Escalated bool
}
