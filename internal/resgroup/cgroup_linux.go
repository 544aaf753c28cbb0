//go:build linux

package resgroup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const defaultCgroupRoot = "/sys/fs/cgroup/gswarden"

// destroyRetry bounds how long DestroyGroup waits for the kernel to release
// a killed group's bookkeeping before giving up on the directory removal.
const (
	destroyRetryInterval = 20 * time.Millisecond
	destroyRetryAttempts = 50
)

// cgroupController implements Controller on the cgroup v2 unified hierarchy.
// Each group is a leaf directory under a shared parent that is created
// lazily, exactly once, on first use.
type cgroupController struct {
	root   string
	logger *slog.Logger

	initOnce sync.Once
	initErr  error
}

type cgroupHandle struct {
	path string

	ioGapOnce sync.Once
}

func (h *cgroupHandle) String() string { return h.path }

func newController(cfg Config) (Controller, error) {
	root := cfg.Root
	if root == "" {
		root = defaultCgroupRoot
	}
	return &cgroupController{root: root, logger: cfg.logger()}, nil
}

// ensureRoot creates the shared parent group and enables the cpu, memory and
// io controllers for its children. Safe under concurrent first use from
// multiple starts.
func (c *cgroupController) ensureRoot() error {
	c.initOnce.Do(func() {
		c.initErr = c.initRoot()
	})
	return c.initErr
}

func (c *cgroupController) initRoot() error {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return fmt.Errorf("create cgroup root: %w", err)
	}

	available, err := readControllerSet(filepath.Join(c.root, "cgroup.controllers"))
	if err != nil {
		return fmt.Errorf("read cgroup controllers: %w", err)
	}
	enabled, err := readControllerSet(filepath.Join(c.root, "cgroup.subtree_control"))
	if err != nil {
		return fmt.Errorf("read cgroup subtree control: %w", err)
	}

	var toAdd []string
	for _, ctrl := range []string{"cpu", "memory", "io"} {
		if available[ctrl] && !enabled[ctrl] {
			toAdd = append(toAdd, "+"+ctrl)
		}
	}
	if len(toAdd) > 0 {
		path := filepath.Join(c.root, "cgroup.subtree_control")
		if err := writeControlFile(path, strings.Join(toAdd, " ")); err != nil {
			return fmt.Errorf("enable cgroup controllers: %w", err)
		}
	}
	return nil
}

func (c *cgroupController) CreateGroup(serverID string, limits Limits) (Handle, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if err := c.ensureRoot(); err != nil {
		return nil, err
	}

	path := filepath.Join(c.root, leafName(serverID))
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", path, err)
	}

	h := &cgroupHandle{path: path}
	if err := c.applyLimits(h, limits); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return h, nil
}

func (c *cgroupController) AssignProcess(h Handle, pid int) error {
	cg, ok := h.(*cgroupHandle)
	if !ok {
		return errWrongHandle
	}
	path := filepath.Join(cg.path, "cgroup.procs")
	if err := writeControlFile(path, strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("assign pid %d to %s: %w", pid, cg.path, err)
	}
	return nil
}

func (c *cgroupController) ApplyLimits(h Handle, limits Limits) error {
	cg, ok := h.(*cgroupHandle)
	if !ok {
		return errWrongHandle
	}
	if err := limits.Validate(); err != nil {
		return err
	}
	return c.applyLimits(cg, limits)
}

func (c *cgroupController) applyLimits(cg *cgroupHandle, limits Limits) error {
	cpuMax := "max " + strconv.Itoa(cpuPeriodMicros)
	if limits.CPUPercent > 0 {
		quota := cpuQuotaMicros(limits.CPUPercent)
		cpuMax = strconv.FormatInt(quota, 10) + " " + strconv.Itoa(cpuPeriodMicros)
	}
	if err := c.writeLimit(cg.path, "cpu.max", cpuMax); err != nil {
		return err
	}

	memMax := "max"
	memHigh := "max"
	if limits.MemoryBytes > 0 {
		memMax = strconv.FormatInt(limits.MemoryBytes, 10)
		memHigh = strconv.FormatInt(softMemoryLimit(limits.MemoryBytes), 10)
	}
	if err := c.writeLimit(cg.path, "memory.max", memMax); err != nil {
		return err
	}
	if err := c.writeLimit(cg.path, "memory.high", memHigh); err != nil {
		return err
	}

	if limits.IOBytesPerSec > 0 {
		// io.max needs a device major:minor which the start configuration
		// does not carry. Record the gap instead of failing the group.
		cg.ioGapOnce.Do(func() {
			c.logger.Warn("io bandwidth limit not enforced: no device context for io.max",
				"group", cg.path, "bytesPerSec", limits.IOBytesPerSec)
		})
	}
	return nil
}

// writeLimit skips control files the kernel did not expose, which happens
// when the matching controller is unavailable on the host.
func (c *cgroupController) writeLimit(dir, file, value string) error {
	path := filepath.Join(dir, file)
	err := writeControlFile(path, value)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("cgroup control file missing, limit not enforced", "file", path)
		return nil
	}
	return fmt.Errorf("write %s: %w", path, err)
}

func (c *cgroupController) QueryUsage(h Handle) (Usage, error) {
	cg, ok := h.(*cgroupHandle)
	if !ok {
		return Usage{}, errWrongHandle
	}
	return readUsage(cg.path)
}

func readUsage(dir string) (Usage, error) {
	var usage Usage

	data, err := os.ReadFile(filepath.Join(dir, "cpu.stat"))
	if err != nil {
		return Usage{}, fmt.Errorf("read cpu.stat: %w", err)
	}
	micros, err := parseCPUStatMicros(string(data))
	if err != nil {
		return Usage{}, fmt.Errorf("parse cpu.stat: %w", err)
	}
	usage.CPUTime = time.Duration(micros) * time.Microsecond

	data, err = os.ReadFile(filepath.Join(dir, "memory.current"))
	if err != nil {
		return Usage{}, fmt.Errorf("read memory.current: %w", err)
	}
	current, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return Usage{}, fmt.Errorf("parse memory.current: %w", err)
	}
	usage.MemoryBytes = current

	return usage, nil
}

func parseCPUStatMicros(stat string) (int64, error) {
	for _, line := range strings.Split(stat, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			return strconv.ParseInt(fields[1], 10, 64)
		}
	}
	return 0, errors.New("usage_usec not present")
}

func (c *cgroupController) TerminateGroup(h Handle) error {
	cg, ok := h.(*cgroupHandle)
	if !ok {
		return errWrongHandle
	}
	err := writeControlFile(filepath.Join(cg.path, "cgroup.kill"), "1")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("kill cgroup %s: %w", cg.path, err)
	}
	return nil
}

func (c *cgroupController) DestroyGroup(h Handle) error {
	cg, ok := h.(*cgroupHandle)
	if !ok {
		return errWrongHandle
	}
	// The kernel releases killed members asynchronously, so removal can
	// report EBUSY shortly after cgroup.kill.
	var err error
	for attempt := 0; attempt < destroyRetryAttempts; attempt++ {
		err = os.Remove(cg.path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if !errors.Is(err, syscall.EBUSY) {
			break
		}
		time.Sleep(destroyRetryInterval)
	}
	return fmt.Errorf("remove cgroup %s: %w", cg.path, err)
}

func leafName(serverID string) string {
	id := uuid.NewString()
	if serverID == "" {
		return "grp-" + id
	}
	return "srv-" + sanitizeLeaf(serverID) + "-" + id
}

func sanitizeLeaf(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func readControllerSet(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	for _, f := range strings.Fields(string(data)) {
		set[strings.TrimPrefix(f, "+")] = true
	}
	return set, nil
}

func writeControlFile(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}
