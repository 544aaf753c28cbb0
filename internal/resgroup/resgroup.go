// Package resgroup places child processes inside an OS-level isolation
// boundary that bounds their CPU, memory and I/O consumption and allows the
// whole group, including any descendants forked after assignment, to be
// terminated and accounted as a unit.
//
// Three backends implement the same contract: a cgroup v2 backend on Linux, a
// job-object backend on Windows, and a best-effort process-group fallback on
// other unixes. Backend selection happens once at construction based on the
// build target; all OS-specific numeric translation stays inside the backend.
package resgroup

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Limits describes the resource ceilings requested for a group. Zero values
// leave the corresponding dimension unbounded.
type Limits struct {
	// CPUPercent caps CPU consumption as a percentage of one core (1-100).
	CPUPercent int
	// MemoryBytes is the hard memory ceiling for the whole group.
	MemoryBytes int64
	// IOBytesPerSec caps disk bandwidth. Best effort: backends that cannot
	// express it without device context record the gap instead of failing.
	IOBytesPerSec int64
}

// Validate reports whether the limits are expressible.
func (l Limits) Validate() error {
	if l.CPUPercent < 0 || l.CPUPercent > 100 {
		return fmt.Errorf("cpu percent %d out of range [0,100]", l.CPUPercent)
	}
	if l.MemoryBytes < 0 {
		return fmt.Errorf("memory limit %d must not be negative", l.MemoryBytes)
	}
	if l.IOBytesPerSec < 0 {
		return fmt.Errorf("io bandwidth limit %d must not be negative", l.IOBytesPerSec)
	}
	return nil
}

// IsZero reports whether no limit is set.
func (l Limits) IsZero() bool {
	return l.CPUPercent == 0 && l.MemoryBytes == 0 && l.IOBytesPerSec == 0
}

// Usage is a point-in-time read of a group's cumulative consumption. Values
// cover every process that is or was a member of the group.
type Usage struct {
	// CPUTime is cumulative CPU time consumed by the group.
	CPUTime time.Duration
	// MemoryBytes is the group's current memory footprint.
	MemoryBytes int64
}

// Handle is an opaque reference to a live isolation boundary. A handle is
// exclusively owned by one managed process and becomes invalid once the
// group is destroyed.
type Handle interface {
	// String identifies the boundary for logs (a path or object name).
	String() string
}

// Controller creates and manipulates isolation boundaries. Implementations
// are safe for concurrent use.
type Controller interface {
	// CreateGroup creates a new empty group sized for the provided limits.
	CreateGroup(serverID string, limits Limits) (Handle, error)

	// AssignProcess makes pid (and all its future descendants) a member of
	// the group. Callers must assign immediately after spawning; resource
	// enforcement is only guaranteed from the moment assignment returns.
	AssignProcess(h Handle, pid int) error

	// ApplyLimits mutates the limits of a live group without recreating it.
	ApplyLimits(h Handle, limits Limits) error

	// QueryUsage reads the group's cumulative usage counters.
	QueryUsage(h Handle) (Usage, error)

	// TerminateGroup forcibly ends every member process of the group.
	TerminateGroup(h Handle) error

	// DestroyGroup removes the boundary. The group must be empty; callers
	// terminate members first.
	DestroyGroup(h Handle) error
}

// Config carries construction parameters shared by all backends.
type Config struct {
	// Root names the shared parent boundary under which per-process groups
	// nest. On Linux this is a cgroupfs directory; on Windows it prefixes
	// job object names. Empty selects the backend default.
	Root string
	// Logger receives warnings about best-effort gaps. Nil discards.
	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// New constructs the controller backend for the current platform.
func New(cfg Config) (Controller, error) {
	return newController(cfg)
}

// errWrongHandle is returned when a handle from another backend is supplied.
var errWrongHandle = errors.New("resource group handle belongs to a different backend")
