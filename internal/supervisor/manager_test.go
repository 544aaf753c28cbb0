//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hostforge/gswarden/internal/resgroup"
)

// fakeController records every controller interaction and backs group-wide
// termination with a real process-group kill so escalation tests converge.
type fakeController struct {
	mu        sync.Mutex
	groups    []*fakeGroup
	createErr error
	assignErr error
}

type fakeGroup struct {
	serverID   string
	limits     resgroup.Limits
	pid        int
	terminated int
	destroyed  int
	usage      resgroup.Usage
}

type fakeHandle struct {
	name string
	g    *fakeGroup
}

func (h *fakeHandle) String() string { return h.name }

func (f *fakeController) CreateGroup(serverID string, limits resgroup.Limits) (resgroup.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	g := &fakeGroup{serverID: serverID, limits: limits}
	f.groups = append(f.groups, g)
	return &fakeHandle{name: fmt.Sprintf("fake-%d", len(f.groups)), g: g}, nil
}

func (f *fakeController) AssignProcess(h resgroup.Handle, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return f.assignErr
	}
	h.(*fakeHandle).g.pid = pid
	return nil
}

func (f *fakeController) ApplyLimits(h resgroup.Handle, limits resgroup.Limits) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h.(*fakeHandle).g.limits = limits
	return nil
}

func (f *fakeController) QueryUsage(h resgroup.Handle) (resgroup.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return h.(*fakeHandle).g.usage, nil
}

func (f *fakeController) TerminateGroup(h resgroup.Handle) error {
	f.mu.Lock()
	g := h.(*fakeHandle).g
	g.terminated++
	pid := g.pid
	f.mu.Unlock()
	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	return nil
}

func (f *fakeController) DestroyGroup(h resgroup.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h.(*fakeHandle).g.destroyed++
	return nil
}

func (f *fakeController) group(i int) fakeGroup {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.groups[i]
}

func (f *fakeController) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.groups)
}

func shellConfig(serverID, script string) StartConfig {
	return StartConfig{
		ServerID: serverID,
		Command:  "/bin/sh",
		Args:     []string{"-c", script},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeController) {
	t.Helper()
	fake := &fakeController{}
	mgr := New(fake)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return mgr, fake
}

func TestStartListsProcess(t *testing.T) {
	mgr, fake := newTestManager(t)
	ctx := context.Background()

	handle, err := mgr.Start(ctx, shellConfig("lobby", "sleep 30"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if handle.ID == "" || handle.PID <= 0 {
		t.Fatalf("handle incomplete: %+v", handle)
	}

	procs := mgr.List()
	if len(procs) != 1 {
		t.Fatalf("list returned %d processes, want 1", len(procs))
	}
	if procs[0].ID != handle.ID || procs[0].ServerID != "lobby" {
		t.Fatalf("snapshot mismatch: %+v", procs[0])
	}
	if procs[0].State != StateRunning {
		t.Fatalf("state = %v, want running", procs[0].State)
	}
	if fake.count() != 1 || fake.group(0).pid != handle.PID {
		t.Fatalf("process not assigned to its group")
	}
}

func TestStopGracefulSkipsForcefulPath(t *testing.T) {
	mgr, fake := newTestManager(t)
	ctx := context.Background()

	handle, err := mgr.Start(ctx, shellConfig("lobby", "sleep 30"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := mgr.Stop(ctx, handle.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !res.Stopped || res.Escalated {
		t.Fatalf("stop result = %+v, want stopped without escalation", res)
	}

	g := fake.group(0)
	if g.terminated != 0 {
		t.Fatalf("forceful path invoked %d times during graceful stop", g.terminated)
	}
	if g.destroyed != 1 {
		t.Fatalf("group destroyed %d times, want 1", g.destroyed)
	}
	if len(mgr.List()) != 0 {
		t.Fatal("process still listed after stop")
	}
}

func TestStopEscalatesExactlyOnce(t *testing.T) {
	mgr, fake := newTestManager(t)
	ctx := context.Background()

	script := `trap "" TERM; while :; do sleep 0.05; done`
	handle, err := mgr.Start(ctx, shellConfig("arena", script))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	res, err := mgr.Stop(ctx, handle.ID, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !res.Stopped || !res.Escalated {
		t.Fatalf("stop result = %+v, want escalated stop", res)
	}

	g := fake.group(0)
	if g.terminated != 1 {
		t.Fatalf("forceful path invoked %d times, want exactly 1", g.terminated)
	}
	if g.destroyed != 1 {
		t.Fatalf("group destroyed %d times, want 1", g.destroyed)
	}
	if len(mgr.List()) != 0 {
		t.Fatal("process still listed after escalated stop")
	}
}

func TestStopMissingIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	handle, err := mgr.Start(ctx, shellConfig("lobby", "sleep 30"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := mgr.Stop(ctx, handle.ID, time.Second); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	res, err := mgr.Stop(ctx, handle.ID, time.Second)
	if err != nil {
		t.Fatalf("second stop must not error: %v", err)
	}
	if res.Stopped || res.Escalated {
		t.Fatalf("second stop result = %+v, want already-completed", res)
	}
}

func TestKillForcesImmediately(t *testing.T) {
	mgr, fake := newTestManager(t)
	ctx := context.Background()

	handle, err := mgr.Start(ctx, shellConfig("arena", "sleep 30"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	killed, err := mgr.Kill(ctx, handle.ID)
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if !killed {
		t.Fatal("kill reported nothing to do for a live process")
	}
	g := fake.group(0)
	if g.terminated != 1 || g.destroyed != 1 {
		t.Fatalf("kill cleanup mismatch: terminated=%d destroyed=%d", g.terminated, g.destroyed)
	}

	killed, err = mgr.Kill(ctx, handle.ID)
	if err != nil || killed {
		t.Fatalf("second kill = (%v, %v), want idempotent no-op", killed, err)
	}
}

func TestVoluntaryExitRunsSameCleanup(t *testing.T) {
	mgr, fake := newTestManager(t)
	ctx := context.Background()

	handle, err := mgr.Start(ctx, shellConfig("lobby", "exit 7"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	exited := waitForEvent(t, mgr.Events(), EventExited, 5*time.Second)
	if exited.ProcessID != handle.ID {
		t.Fatalf("exit event for %s, want %s", exited.ProcessID, handle.ID)
	}
	if exited.ExitCode == nil || *exited.ExitCode != 7 {
		t.Fatalf("exit code = %v, want 7", exited.ExitCode)
	}

	waitFor(t, 2*time.Second, func() bool { return len(mgr.List()) == 0 })
	g := fake.group(0)
	if g.destroyed != 1 {
		t.Fatalf("group destroyed %d times after voluntary exit, want 1", g.destroyed)
	}
	if g.terminated != 0 {
		t.Fatal("voluntary exit must not invoke the forceful path")
	}
}

func TestUsageReadableUntilGroupDestroyed(t *testing.T) {
	mgr, fake := newTestManager(t)
	ctx := context.Background()

	handle, err := mgr.Start(ctx, shellConfig("lobby", "sleep 30"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	fake.mu.Lock()
	fake.groups[0].usage = resgroup.Usage{CPUTime: 1500 * time.Millisecond, MemoryBytes: 42}
	fake.mu.Unlock()

	usage, err := mgr.Usage(ctx, handle.ID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.CPUTime != 1500*time.Millisecond || usage.MemoryBytes != 42 {
		t.Fatalf("usage = %+v", usage)
	}

	if _, err := mgr.Stop(ctx, handle.ID, time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := mgr.Usage(ctx, handle.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("usage after stop = %v, want ErrNotFound", err)
	}
}

func TestSameServerIDIndependentGroups(t *testing.T) {
	mgr, fake := newTestManager(t)
	ctx := context.Background()

	cfgA := shellConfig("arena", "sleep 30")
	cfgA.Limits = resgroup.Limits{CPUPercent: 50}
	cfgB := shellConfig("arena", "sleep 30")
	cfgB.Limits = resgroup.Limits{CPUPercent: 25}

	a, err := mgr.Start(ctx, cfgA)
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	if _, err := mgr.Start(ctx, cfgB); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if fake.count() != 2 {
		t.Fatalf("expected one group per process, got %d", fake.count())
	}

	if err := mgr.ApplyLimits(ctx, a.ID, resgroup.Limits{CPUPercent: 10}); err != nil {
		t.Fatalf("apply limits: %v", err)
	}
	if got := fake.group(0).limits.CPUPercent; got != 10 {
		t.Fatalf("group a cpu = %d, want 10", got)
	}
	if got := fake.group(1).limits.CPUPercent; got != 25 {
		t.Fatalf("group b cpu changed to %d", got)
	}
}

func TestAssignmentFailureRollsBack(t *testing.T) {
	mgr, fake := newTestManager(t)
	fake.assignErr = errors.New("assignment denied")
	ctx := context.Background()

	_, err := mgr.Start(ctx, shellConfig("lobby", "sleep 30"))
	if !errors.Is(err, ErrAssignFailed) {
		t.Fatalf("start = %v, want ErrAssignFailed", err)
	}
	if len(mgr.List()) != 0 {
		t.Fatal("failed start left a registry entry")
	}
	if g := fake.group(0); g.destroyed != 1 {
		t.Fatalf("group destroyed %d times after rollback, want 1", g.destroyed)
	}
}

func TestGroupCreationFailure(t *testing.T) {
	mgr, fake := newTestManager(t)
	fake.createErr = errors.New("no controllers")
	ctx := context.Background()

	_, err := mgr.Start(ctx, shellConfig("lobby", "sleep 30"))
	if !errors.Is(err, ErrGroupCreate) {
		t.Fatalf("start = %v, want ErrGroupCreate", err)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	cases := []StartConfig{
		{ServerID: "lobby"},
		{Command: "/bin/true"},
		{ServerID: "lobby", Command: "/bin/true", Limits: resgroup.Limits{CPUPercent: 200}},
		{ServerID: "lobby", Command: "/bin/true", Limits: resgroup.Limits{MemoryBytes: -1}},
	}
	for i, cfg := range cases {
		if _, err := mgr.Start(ctx, cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: start = %v, want ErrInvalidConfig", i, err)
		}
	}
}

func TestDisposalTerminatesEverything(t *testing.T) {
	fake := &fakeController{}
	mgr := New(fake)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := mgr.Start(ctx, shellConfig("lobby", "sleep 30")); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := mgr.Close(closeCtx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := len(mgr.List()); got != 0 {
		t.Fatalf("list reports %d processes after disposal", got)
	}
	for i := 0; i < 3; i++ {
		g := fake.group(i)
		if g.destroyed != 1 {
			t.Fatalf("group %d destroyed %d times, want 1", i, g.destroyed)
		}
	}

	if _, err := mgr.Start(ctx, shellConfig("lobby", "sleep 1")); !errors.Is(err, ErrDisposed) {
		t.Fatalf("start after close = %v, want ErrDisposed", err)
	}
	if _, err := mgr.Stop(ctx, "gone", time.Second); !errors.Is(err, ErrDisposed) {
		t.Fatalf("stop after close = %v, want ErrDisposed", err)
	}
	if _, err := mgr.Kill(ctx, "gone"); !errors.Is(err, ErrDisposed) {
		t.Fatalf("kill after close = %v, want ErrDisposed", err)
	}
	if _, err := mgr.Usage(ctx, "gone"); !errors.Is(err, ErrDisposed) {
		t.Fatalf("usage after close = %v, want ErrDisposed", err)
	}
	if err := mgr.ApplyLimits(ctx, "gone", resgroup.Limits{CPUPercent: 10}); !errors.Is(err, ErrDisposed) {
		t.Fatalf("apply limits after close = %v, want ErrDisposed", err)
	}
	if _, ok := <-drain(mgr.Events()); ok {
		t.Fatal("events channel must be closed after disposal")
	}

	// Close is idempotent.
	if err := mgr.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOutputEventsDelivered(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	cfg := shellConfig("lobby", `echo hello; echo oops >&2`)
	cfg.CaptureOutput = true
	handle, err := mgr.Start(ctx, cfg)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var stdout, stderr *Event
	deadline := time.After(5 * time.Second)
	for stdout == nil || stderr == nil {
		select {
		case ev, ok := <-mgr.Events():
			if !ok {
				t.Fatal("events channel closed early")
			}
			if ev.Type != EventOutput || ev.ProcessID != handle.ID {
				continue
			}
			captured := ev
			if ev.Stderr {
				stderr = &captured
			} else {
				stdout = &captured
			}
		case <-deadline:
			t.Fatal("timed out waiting for output events")
		}
	}
	if stdout.Line != "hello" {
		t.Fatalf("stdout line = %q", stdout.Line)
	}
	if stderr.Line != "oops" {
		t.Fatalf("stderr line = %q", stderr.Line)
	}
}

func waitForEvent(t *testing.T, events <-chan Event, typ EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed before %s event", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// drain consumes buffered events, returning the channel once empty or
// closed so callers can check the closed state.
func drain(events <-chan Event) <-chan Event {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return events
			}
		default:
			return events
		}
	}
}
