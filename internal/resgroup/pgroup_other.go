//go:build !linux && !windows

package resgroup

import (
	"errors"
	"log/slog"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// pgroupController is the best-effort fallback for hosts with neither
// cgroups nor job objects. Processes are contained only by their process
// group: termination reaches the direct group, limits and usage accounting
// are unavailable.
type pgroupController struct {
	logger *slog.Logger

	gapOnce sync.Once
}

type pgroupHandle struct {
	name string

	mu        sync.Mutex
	pgid      int
	destroyed bool
}

func (h *pgroupHandle) String() string { return h.name }

func newController(cfg Config) (Controller, error) {
	return &pgroupController{logger: cfg.logger()}, nil
}

func (c *pgroupController) CreateGroup(serverID string, limits Limits) (Handle, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if !limits.IsZero() {
		c.gapOnce.Do(func() {
			c.logger.Warn("resource limits not enforced: process-group fallback backend in use")
		})
	}
	return &pgroupHandle{name: "pgrp-" + serverID + "-" + uuid.NewString()}, nil
}

func (c *pgroupController) AssignProcess(h Handle, pid int) error {
	ph, ok := h.(*pgroupHandle)
	if !ok {
		return errWrongHandle
	}
	ph.mu.Lock()
	defer ph.mu.Unlock()
	if ph.destroyed {
		return errors.New("process group already destroyed")
	}
	// The spawned process put itself in a fresh group via Setpgid, so its
	// pgid equals its pid.
	ph.pgid = pid
	return nil
}

func (c *pgroupController) ApplyLimits(h Handle, limits Limits) error {
	if _, ok := h.(*pgroupHandle); !ok {
		return errWrongHandle
	}
	if err := limits.Validate(); err != nil {
		return err
	}
	if !limits.IsZero() {
		c.gapOnce.Do(func() {
			c.logger.Warn("resource limits not enforced: process-group fallback backend in use")
		})
	}
	return nil
}

func (c *pgroupController) QueryUsage(h Handle) (Usage, error) {
	if _, ok := h.(*pgroupHandle); !ok {
		return Usage{}, errWrongHandle
	}
	// No per-group accounting without kernel support.
	return Usage{}, nil
}

func (c *pgroupController) TerminateGroup(h Handle) error {
	ph, ok := h.(*pgroupHandle)
	if !ok {
		return errWrongHandle
	}
	ph.mu.Lock()
	defer ph.mu.Unlock()
	if ph.destroyed || ph.pgid == 0 {
		return nil
	}
	if err := syscall.Kill(-ph.pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func (c *pgroupController) DestroyGroup(h Handle) error {
	ph, ok := h.(*pgroupHandle)
	if !ok {
		return errWrongHandle
	}
	ph.mu.Lock()
	defer ph.mu.Unlock()
	ph.destroyed = true
	return nil
}
