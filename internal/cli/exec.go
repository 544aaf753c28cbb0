package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostforge/gswarden/internal/cliutil"
	"github.com/hostforge/gswarden/internal/resgroup"
	"github.com/hostforge/gswarden/internal/resources"
	"github.com/hostforge/gswarden/internal/supervisor"
)

// exitCodeError carries a supervised process exit code to the caller without
// printing an extra error line.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// exitStatus extracts a supervised process's exit code from an error chain.
func exitStatus(err error) (int, bool) {
	var exitErr exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code, true
	}
	return 0, false
}

// execResult maps the awaited outcome onto the command's error. An interrupt
// is a clean exit; a non-zero process exit code surfaces as exitCodeError so
// the entrypoint can pass it through.
func execResult(exitCode int, err error) error {
	if err != nil {
		if errors.Is(err, stdcontext.Canceled) {
			return nil
		}
		return err
	}
	if exitCode != 0 {
		return exitCodeError{code: exitCode}
	}
	return nil
}

func newExecCmd(ctx *context) *cobra.Command {
	var (
		serverID  string
		workdir   string
		cpu       string
		memory    string
		ioRate    string
		grace     time.Duration
		noCapture bool
		groupRoot string
	)

	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Run a single command under supervision and resource limits",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limits, err := parseLimitFlags(cpu, memory, ioRate)
			if err != nil {
				return err
			}

			logger := ctx.logger()
			ctrl, err := resgroup.New(resgroup.Config{Root: groupRoot, Logger: logger})
			if err != nil {
				return fmt.Errorf("resource controller: %w", err)
			}
			mgr := supervisor.New(ctrl, supervisor.WithLogger(logger))

			runCtx := cmd.Context()
			handle, err := mgr.Start(runCtx, supervisor.StartConfig{
				ServerID:      serverID,
				Command:       args[0],
				Args:          args[1:],
				Dir:           workdir,
				Limits:        limits,
				CaptureOutput: !noCapture,
			})
			if err != nil {
				shutdown(mgr, grace, logger)
				return err
			}

			exitCode, err := awaitExit(runCtx, cmd, mgr, handle.ID, grace)
			shutdown(mgr, grace, logger)
			return execResult(exitCode, err)
		},
	}

	cmd.Flags().StringVar(&serverID, "server-id", "adhoc", "Logical server identity for the process")
	cmd.Flags().StringVarP(&workdir, "workdir", "w", "", "Working directory for the process")
	cmd.Flags().StringVar(&cpu, "cpu", "", "CPU limit as a percentage of one core (e.g. 50%, 0.5, 500m)")
	cmd.Flags().StringVar(&memory, "memory", "", "Memory limit (e.g. 512MiB)")
	cmd.Flags().StringVar(&ioRate, "io", "", "I/O bandwidth limit (e.g. 10MiB)")
	cmd.Flags().DurationVar(&grace, "grace", 10*time.Second, "Grace period before forceful termination")
	cmd.Flags().BoolVar(&noCapture, "no-capture", false, "Do not capture process output")
	cmd.Flags().StringVar(&groupRoot, "group-root", "", "Override the resource group root")
	return cmd
}

func parseLimitFlags(cpu, memory, ioRate string) (resgroup.Limits, error) {
	var limits resgroup.Limits

	percent, err := resources.ParseCPUPercent(cpu)
	if err != nil {
		return resgroup.Limits{}, fmt.Errorf("--cpu: %w", err)
	}
	limits.CPUPercent = percent

	memBytes, err := resources.ParseMemory(memory)
	if err != nil {
		return resgroup.Limits{}, fmt.Errorf("--memory: %w", err)
	}
	limits.MemoryBytes = memBytes

	ioBytes, err := resources.ParseBandwidth(ioRate)
	if err != nil {
		return resgroup.Limits{}, fmt.Errorf("--io: %w", err)
	}
	limits.IOBytesPerSec = ioBytes

	return limits, nil
}

// awaitExit streams events until the process exits or the context is
// cancelled. Cancellation triggers a graceful stop before returning.
func awaitExit(ctx stdcontext.Context, cmd *cobra.Command, mgr *supervisor.Manager, id string, grace time.Duration) (int, error) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), grace+shutdownTimeout)
			res, err := mgr.Stop(stopCtx, id, grace)
			cancel()
			if err != nil && !errors.Is(err, supervisor.ErrDisposed) {
				return 0, err
			}
			if res.Escalated {
				fmt.Fprintln(cmd.ErrOrStderr(), "process did not exit within the grace period; group terminated")
			}
			return 0, ctx.Err()
		case event, ok := <-mgr.Events():
			if !ok {
				return 0, nil
			}
			cliutil.EncodeEvent(enc, cmd.ErrOrStderr(), event)
			if event.Type == supervisor.EventExited && event.ProcessID == id {
				code := 0
				if event.ExitCode != nil {
					code = *event.ExitCode
				}
				return code, nil
			}
		}
	}
}
