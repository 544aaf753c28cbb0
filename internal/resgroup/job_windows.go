//go:build windows

package resgroup

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/windows"
)

const defaultJobPrefix = "gswarden"

// CPU rate control flags from winnt.h. x/sys/windows carries the
// JobObjectCpuRateControlInformation info class but not these values.
const (
	jobCPURateControlEnable  uint32 = 0x1
	jobCPURateControlHardCap uint32 = 0x4
)

// jobCPURateControlInformation mirrors JOBOBJECT_CPU_RATE_CONTROL_INFORMATION.
// Value holds the cap in hundredths of a percent when the hard-cap flag is
// set.
type jobCPURateControlInformation struct {
	ControlFlags uint32
	Value        uint32
}

// jobBasicAccountingInformation mirrors
// JOBOBJECT_BASIC_ACCOUNTING_INFORMATION. Times are 100ns ticks.
type jobBasicAccountingInformation struct {
	TotalUserTime             int64
	TotalKernelTime           int64
	ThisPeriodTotalUserTime   int64
	ThisPeriodTotalKernelTime int64
	TotalPageFaultCount       uint32
	TotalProcesses            uint32
	ActiveProcesses           uint32
	TotalTerminatedProcesses  uint32
}

// jobController implements Controller with Windows job objects. Every group
// is one job object; assigning the process makes the whole descendant tree a
// member, and closing the handle with kill-on-close set guarantees no member
// survives a leaked or destroyed group.
type jobController struct {
	prefix string
	logger *slog.Logger
}

type jobHandle struct {
	name string

	mu     sync.Mutex
	job    windows.Handle
	closed bool
}

func (h *jobHandle) String() string { return h.name }

func newController(cfg Config) (Controller, error) {
	prefix := cfg.Root
	if prefix == "" {
		prefix = defaultJobPrefix
	}
	return &jobController{prefix: prefix, logger: cfg.logger()}, nil
}

func (c *jobController) CreateGroup(serverID string, limits Limits) (Handle, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	name := c.prefix + "-" + serverID + "-" + uuid.NewString()
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("job object name: %w", err)
	}
	job, err := windows.CreateJobObject(nil, namePtr)
	if err != nil {
		return nil, fmt.Errorf("create job object %s: %w", name, err)
	}

	h := &jobHandle{name: name, job: job}
	if err := c.applyLimits(h, limits); err != nil {
		_ = windows.CloseHandle(job)
		return nil, err
	}
	return h, nil
}

func (c *jobController) AssignProcess(h Handle, pid int) error {
	jh, ok := h.(*jobHandle)
	if !ok {
		return errWrongHandle
	}
	jh.mu.Lock()
	defer jh.mu.Unlock()
	if jh.closed {
		return fmt.Errorf("job object %s already destroyed", jh.name)
	}

	proc, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("open pid %d: %w", pid, err)
	}
	defer windows.CloseHandle(proc)

	if err := windows.AssignProcessToJobObject(jh.job, proc); err != nil {
		return fmt.Errorf("assign pid %d to job %s: %w", pid, jh.name, err)
	}
	return nil
}

func (c *jobController) ApplyLimits(h Handle, limits Limits) error {
	jh, ok := h.(*jobHandle)
	if !ok {
		return errWrongHandle
	}
	if err := limits.Validate(); err != nil {
		return err
	}
	jh.mu.Lock()
	defer jh.mu.Unlock()
	if jh.closed {
		return fmt.Errorf("job object %s already destroyed", jh.name)
	}
	return c.applyLimits(jh, limits)
}

// applyLimits expects jh.mu held (or exclusive ownership during creation).
func (c *jobController) applyLimits(jh *jobHandle, limits Limits) error {
	// Kill-on-close ties every member's lifetime to the handle, so a
	// destroyed or leaked group can never orphan processes.
	ext := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{}
	ext.BasicLimitInformation.LimitFlags = windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE
	if limits.MemoryBytes > 0 {
		ext.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_JOB_MEMORY
		ext.JobMemoryLimit = uintptr(limits.MemoryBytes)
	}
	_, err := windows.SetInformationJobObject(jh.job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&ext)), uint32(unsafe.Sizeof(ext)))
	if err != nil {
		return fmt.Errorf("set job %s memory limits: %w", jh.name, err)
	}
	// Job objects have no soft memory threshold; only the hard ceiling is
	// enforced on this backend.

	if limits.CPUPercent > 0 {
		rate := jobCPURateControlInformation{
			ControlFlags: jobCPURateControlEnable | jobCPURateControlHardCap,
			Value:        cpuRateHundredths(limits.CPUPercent),
		}
		_, err = windows.SetInformationJobObject(jh.job,
			windows.JobObjectCpuRateControlInformation,
			uintptr(unsafe.Pointer(&rate)), uint32(unsafe.Sizeof(rate)))
		if err != nil {
			return fmt.Errorf("set job %s cpu rate: %w", jh.name, err)
		}
	}

	if limits.IOBytesPerSec > 0 {
		// Job I/O rate control needs a volume handle this configuration
		// does not carry. Record the gap instead of failing the group.
		c.logger.Warn("io bandwidth limit not enforced: no volume context for io rate control",
			"group", jh.name, "bytesPerSec", limits.IOBytesPerSec)
	}
	return nil
}

func (c *jobController) QueryUsage(h Handle) (Usage, error) {
	jh, ok := h.(*jobHandle)
	if !ok {
		return Usage{}, errWrongHandle
	}
	jh.mu.Lock()
	defer jh.mu.Unlock()
	if jh.closed {
		return Usage{}, fmt.Errorf("job object %s already destroyed", jh.name)
	}

	var acct jobBasicAccountingInformation
	err := windows.QueryInformationJobObject(jh.job,
		windows.JobObjectBasicAccountingInformation,
		uintptr(unsafe.Pointer(&acct)), uint32(unsafe.Sizeof(acct)), nil)
	if err != nil {
		return Usage{}, fmt.Errorf("query job %s accounting: %w", jh.name, err)
	}

	var ext windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION
	err = windows.QueryInformationJobObject(jh.job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&ext)), uint32(unsafe.Sizeof(ext)), nil)
	if err != nil {
		return Usage{}, fmt.Errorf("query job %s memory: %w", jh.name, err)
	}

	// Accounting times are 100ns ticks.
	ticks := acct.TotalUserTime + acct.TotalKernelTime
	return Usage{
		CPUTime:     time.Duration(ticks) * 100 * time.Nanosecond,
		MemoryBytes: int64(ext.PeakJobMemoryUsed),
	}, nil
}

func (c *jobController) TerminateGroup(h Handle) error {
	jh, ok := h.(*jobHandle)
	if !ok {
		return errWrongHandle
	}
	jh.mu.Lock()
	defer jh.mu.Unlock()
	if jh.closed {
		return nil
	}
	if err := windows.TerminateJobObject(jh.job, 1); err != nil {
		return fmt.Errorf("terminate job %s: %w", jh.name, err)
	}
	return nil
}

func (c *jobController) DestroyGroup(h Handle) error {
	jh, ok := h.(*jobHandle)
	if !ok {
		return errWrongHandle
	}
	jh.mu.Lock()
	defer jh.mu.Unlock()
	if jh.closed {
		return nil
	}
	jh.closed = true
	if err := windows.CloseHandle(jh.job); err != nil {
		return fmt.Errorf("close job %s: %w", jh.name, err)
	}
	return nil
}
