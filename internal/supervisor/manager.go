package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hostforge/gswarden/internal/metrics"
	"github.com/hostforge/gswarden/internal/resgroup"
)

// Manager disposal states. The transition is one-way: Active → Disposing →
// Disposed.
const (
	stateActive int32 = iota
	stateDisposing
	stateDisposed
)

const defaultEventBuffer = 256

// Manager supervises native processes inside per-process resource groups.
// Start, Stop, Kill and the query operations are safe for concurrent use
// from multiple goroutines without external locking.
//
// Ordering note for callers: a process is assigned to its group immediately
// after spawn, before the start call returns. This minimizes, but cannot
// eliminate, the window in which the fresh process runs outside its limits;
// enforcement is guaranteed only from the moment Start returns.
type Manager struct {
	ctrl   resgroup.Controller
	reg    *registry
	logger *slog.Logger

	events      chan Event
	dropped     atomic.Int64
	eventClosed sync.Once

	state         atomic.Int32
	disposeCtx    context.Context
	disposeCancel context.CancelFunc
	disposedCh    chan struct{}
	disposeErr    error

	wg sync.WaitGroup
}

type procEntry struct {
	id        string
	serverID  string
	cmd       *exec.Cmd
	group     resgroup.Handle
	startTime time.Time

	mu       sync.Mutex
	state    State
	exitCode *int
	exitTime *time.Time

	// waitDone closes once the exit status has been recorded; cleanupDone
	// closes after deregistration and group destruction. Explicit stops wait
	// on cleanupDone so every return implies complete cleanup.
	waitDone    chan struct{}
	cleanupDone chan struct{}

	escalateOnce sync.Once
	escalateErr  error

	outputWG sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for supervision warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.events = make(chan Event, n)
		}
	}
}

// New constructs a Manager on top of the provided resource group controller.
func New(ctrl resgroup.Controller, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ctrl:          ctrl,
		reg:           newRegistry(),
		logger:        slog.New(slog.DiscardHandler),
		events:        make(chan Event, defaultEventBuffer),
		disposeCtx:    ctx,
		disposeCancel: cancel,
		disposedCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events exposes lifecycle and output notifications. The channel is closed
// once disposal completes. Slow consumers lose events; losses are counted
// and surfaced as a notice event and a metric, never by blocking
// supervision.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Start validates cfg, creates a resource group sized for its limits,
// spawns the process and assigns it to the group before returning. On any
// failure the partially created state is rolled back: no group outlives a
// failed start and no process escapes its group.
func (m *Manager) Start(ctx context.Context, cfg StartConfig) (*Handle, error) {
	if m.state.Load() != stateActive {
		return nil, ErrDisposed
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	group, err := m.ctrl.CreateGroup(cfg.ServerID, cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGroupCreate, err)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = buildEnv(cfg.Env)
	configureSysProcAttr(cmd)

	entry := &procEntry{
		id:          uuid.NewString(),
		serverID:    cfg.ServerID,
		cmd:         cmd,
		group:       group,
		startTime:   time.Now(),
		state:       StateStarting,
		waitDone:    make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	var stdoutPipe, stderrPipe io.ReadCloser
	if cfg.CaptureOutput {
		stdoutPipe, err = cmd.StdoutPipe()
		if err == nil {
			stderrPipe, err = cmd.StderrPipe()
		}
		if err != nil {
			_ = m.ctrl.DestroyGroup(group)
			return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
		}
	}

	if err := cmd.Start(); err != nil {
		_ = m.ctrl.DestroyGroup(group)
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	// Assignment happens before the process is given any chance to fork or
	// consume unbounded resources.
	if err := m.ctrl.AssignProcess(group, cmd.Process.Pid); err != nil {
		m.rollbackSpawn(entry)
		return nil, fmt.Errorf("%w: %w", ErrAssignFailed, err)
	}
	entry.setState(StateRunning)

	if cfg.CaptureOutput {
		entry.outputWG.Add(2)
		go m.pumpOutput(entry, stdoutPipe, false)
		go m.pumpOutput(entry, stderrPipe, true)
	}

	if !m.reg.put(entry) {
		// Disposal snapshotted the registry between our state check and
		// registration; this process is ours to tear down.
		m.rollbackSpawn(entry)
		return nil, ErrDisposed
	}

	m.wg.Add(1)
	go m.waitProcess(entry)

	metrics.AddStart()
	metrics.SetProcessesRunning(m.reg.len())
	m.publish(Event{
		Timestamp: entry.startTime,
		Type:      EventStarted,
		ProcessID: entry.id,
		ServerID:  entry.serverID,
	})

	return &Handle{ID: entry.id, PID: cmd.Process.Pid, StartTime: entry.startTime}, nil
}

// rollbackSpawn tears down a spawned-but-unregistered process and its group.
func (m *Manager) rollbackSpawn(e *procEntry) {
	_ = e.cmd.Process.Kill()
	_ = killProcessGroup(e.cmd.Process.Pid)
	e.outputWG.Wait()
	_ = e.cmd.Wait()
	if err := m.ctrl.DestroyGroup(e.group); err != nil {
		m.logger.Warn("destroy group during start rollback", "group", e.group.String(), "error", err)
	}
}

// Stop requests graceful termination and waits up to grace for the process
// to exit before escalating to forceful group-wide termination. Both paths
// converge on identical cleanup, and the call returns only after that
// cleanup completed. A missing id is an already-completed stop, not an
// error. A grace timeout is not a failure either; it is the escalation
// trigger. Once disposal has begun the call fails with ErrDisposed; disposal
// owns all remaining termination.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration) (StopResult, error) {
	if m.state.Load() != stateActive {
		return StopResult{}, ErrDisposed
	}
	entry := m.reg.get(id)
	if entry == nil {
		return StopResult{}, nil
	}
	entry.setState(StateStopping)

	if err := gracefulSignal(entry.cmd); err != nil {
		m.logger.Warn("graceful signal failed, escalating", "processID", id, "error", err)
	} else {
		select {
		case <-entry.waitDone:
			// Exited within the grace period: the forceful path never runs.
			if err := m.awaitCleanup(ctx, entry); err != nil {
				return StopResult{}, err
			}
			metrics.AddStop("graceful")
			return StopResult{Stopped: true}, nil
		case <-time.After(grace):
		case <-m.disposeCtx.Done():
			// Disposal owns the forceful path from here.
			return StopResult{}, ErrDisposed
		case <-ctx.Done():
			return StopResult{}, ctx.Err()
		}
	}

	if err := m.escalate(entry); err != nil {
		return StopResult{}, err
	}
	select {
	case <-entry.waitDone:
	case <-ctx.Done():
		return StopResult{}, ctx.Err()
	}
	if err := m.awaitCleanup(ctx, entry); err != nil {
		return StopResult{}, err
	}
	metrics.AddStop("escalated")
	return StopResult{Stopped: true, Escalated: true}, nil
}

// Kill skips the graceful phase and forces group-wide termination
// immediately. Cleanup is identical to the escalated stop path.
func (m *Manager) Kill(ctx context.Context, id string) (bool, error) {
	if m.state.Load() != stateActive {
		return false, ErrDisposed
	}
	entry := m.reg.get(id)
	if entry == nil {
		return false, nil
	}
	entry.setState(StateStopping)

	if err := m.escalate(entry); err != nil {
		return false, err
	}
	select {
	case <-entry.waitDone:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	if err := m.awaitCleanup(ctx, entry); err != nil {
		return false, err
	}
	metrics.AddStop("kill")
	return true, nil
}

// escalate terminates the whole group exactly once, regardless of how many
// stop and kill calls race.
func (m *Manager) escalate(e *procEntry) error {
	e.escalateOnce.Do(func() {
		m.publish(Event{
			Timestamp: time.Now(),
			Type:      EventEscalated,
			ProcessID: e.id,
			ServerID:  e.serverID,
		})
		e.escalateErr = m.ctrl.TerminateGroup(e.group)
	})
	return e.escalateErr
}

func (m *Manager) awaitCleanup(ctx context.Context, e *procEntry) error {
	select {
	case <-e.cleanupDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyLimits mutates the resource limits of a live process's group without
// recreating it. Other processes, including ones sharing the ServerID, are
// unaffected.
func (m *Manager) ApplyLimits(ctx context.Context, id string, limits resgroup.Limits) error {
	if m.state.Load() != stateActive {
		return ErrDisposed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := m.reg.get(id)
	if entry == nil {
		return ErrNotFound
	}
	return m.ctrl.ApplyLimits(entry.group, limits)
}

// Usage reads the group's cumulative usage counters. It remains usable
// while a stop is in progress and reports ErrNotFound only once the entry
// is gone, which strictly precedes destruction of its group.
func (m *Manager) Usage(ctx context.Context, id string) (resgroup.Usage, error) {
	if m.state.Load() != stateActive {
		return resgroup.Usage{}, ErrDisposed
	}
	if err := ctx.Err(); err != nil {
		return resgroup.Usage{}, err
	}
	entry := m.reg.get(id)
	if entry == nil {
		return resgroup.Usage{}, ErrNotFound
	}
	return m.ctrl.QueryUsage(entry.group)
}

// List returns a non-blocking point-in-time snapshot of every supervised
// process.
func (m *Manager) List() []Process {
	entries := m.reg.list()
	out := make([]Process, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// waitProcess is the exit observer: it reaps the process, records its exit,
// and runs the single cleanup path shared by voluntary exits, stops, kills
// and disposal. Registry removal always precedes group destruction so a
// concurrent query never observes a dangling handle.
func (m *Manager) waitProcess(e *procEntry) {
	defer m.wg.Done()

	e.outputWG.Wait()
	err := e.cmd.Wait()

	now := time.Now()
	e.mu.Lock()
	e.state = StateTerminated
	e.exitTime = &now
	if err == nil {
		code := 0
		e.exitCode = &code
	} else {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			e.exitCode = &code
		}
	}
	exitCode := e.exitCode
	e.mu.Unlock()
	close(e.waitDone)

	m.reg.remove(e.id)
	if err := m.ctrl.DestroyGroup(e.group); err != nil {
		m.logger.Warn("destroy resource group", "processID", e.id, "group", e.group.String(), "error", err)
	}
	metrics.AddProcessExit()
	metrics.SetProcessesRunning(m.reg.len())

	m.publish(Event{
		Timestamp: now,
		Type:      EventExited,
		ProcessID: e.id,
		ServerID:  e.serverID,
		ExitCode:  exitCode,
	})
	close(e.cleanupDone)
}

// Close disposes the manager: the disposed flag flips before any in-flight
// work is cancelled, every remaining process is force-terminated group-wide
// and every group destroyed. After Close returns no process survives and
// subsequent operations fail with ErrDisposed. Close is idempotent.
func (m *Manager) Close(ctx context.Context) error {
	if !m.state.CompareAndSwap(stateActive, stateDisposing) {
		select {
		case <-m.disposedCh:
			return m.disposeErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Flag first, then cancel: an operation that begins after the
	// cancellation starts has already observed the flag.
	m.disposeCancel()

	entries := m.reg.close()
	for _, e := range entries {
		if err := m.escalate(e); err != nil {
			// The process may already be gone; log, never fail disposal.
			m.logger.Warn("terminate group during disposal",
				"processID", e.id, "error", err)
		}
	}
	var failed bool
	for _, e := range entries {
		select {
		case <-e.cleanupDone:
		case <-ctx.Done():
			failed = true
		}
		if failed {
			break
		}
	}
	if failed {
		m.disposeErr = ctx.Err()
	} else {
		m.wg.Wait()
		m.eventClosed.Do(func() { close(m.events) })
	}
	m.state.Store(stateDisposed)
	close(m.disposedCh)
	return m.disposeErr
}

// publish delivers an event without ever blocking supervision. Losses are
// counted and reported on the next successful delivery.
func (m *Manager) publish(ev Event) {
	if n := m.dropped.Load(); n > 0 && ev.Type != EventNotice {
		notice := Event{
			Timestamp: time.Now(),
			Type:      EventNotice,
			ProcessID: ev.ProcessID,
			ServerID:  ev.ServerID,
			Line:      fmt.Sprintf("dropped %d events due to slow consumer", n),
		}
		select {
		case m.events <- notice:
			m.dropped.Add(-n)
		default:
		}
	}
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
		metrics.AddDroppedEvent()
	}
}

func (e *procEntry) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateTerminated {
		return
	}
	e.state = s
}

func (e *procEntry) snapshot() Process {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Process{
		ID:        e.id,
		ServerID:  e.serverID,
		PID:       e.cmd.Process.Pid,
		State:     e.state,
		StartTime: e.startTime,
		ExitCode:  e.exitCode,
		ExitTime:  e.exitTime,
	}
}

func validateConfig(cfg StartConfig) error {
	if cfg.Command == "" {
		return errors.New("command must not be empty")
	}
	if cfg.ServerID == "" {
		return errors.New("server id must not be empty")
	}
	return cfg.Limits.Validate()
}

func buildEnv(overrides map[string]string) []string {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
