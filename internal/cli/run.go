package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hostforge/gswarden/internal/cliutil"
	"github.com/hostforge/gswarden/internal/config"
	"github.com/hostforge/gswarden/internal/metrics"
	"github.com/hostforge/gswarden/internal/resgroup"
	"github.com/hostforge/gswarden/internal/supervisor"
	"github.com/hostforge/gswarden/internal/tui"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(ctx *context) *cobra.Command {
	var useTUI bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise the configured game servers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*ctx.configFile)
			if err != nil {
				return err
			}
			if len(cfg.Servers) == 0 {
				return fmt.Errorf("no servers defined in %s", *ctx.configFile)
			}
			if useTUI && !supportsInteractiveOutput(cmd) {
				return fmt.Errorf("tui requires an interactive terminal")
			}

			logger := ctx.logger()
			ctrl, err := resgroup.New(resgroup.Config{Root: cfg.GroupRoot, Logger: logger})
			if err != nil {
				return fmt.Errorf("resource controller: %w", err)
			}

			opts := []supervisor.Option{supervisor.WithLogger(logger)}
			if cfg.OutputBuffer > 0 {
				opts = append(opts, supervisor.WithEventBuffer(cfg.OutputBuffer))
			}
			mgr := supervisor.New(ctrl, opts...)

			runCtx := cmd.Context()
			stopMetrics, err := serveMetrics(cfg.Metrics.Listen, logger)
			if err != nil {
				return err
			}
			defer stopMetrics()

			if err := startServers(runCtx, mgr, cfg); err != nil {
				shutdown(mgr, cfg.Grace(), logger)
				return err
			}

			if useTUI {
				ui := tui.New()
				err = ui.Run(runCtx, mgr)
			} else {
				err = streamEvents(runCtx, cmd, mgr)
			}

			shutdown(mgr, cfg.Grace(), logger)
			if err != nil && !errors.Is(err, stdcontext.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&useTUI, "tui", false, "Show the interactive status interface instead of the event stream")
	return cmd
}

// startServers launches every configured server in name order so startup
// logs are deterministic. The first failure aborts the launch.
func startServers(ctx stdcontext.Context, mgr *supervisor.Manager, cfg *config.Config) error {
	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := cfg.Servers[name]
		limits, err := spec.Limits(cfg.Defaults)
		if err != nil {
			return fmt.Errorf("server %s: %w", name, err)
		}
		start := supervisor.StartConfig{
			ServerID:      name,
			Command:       spec.Command[0],
			Args:          spec.Command[1:],
			Dir:           spec.Workdir,
			Env:           spec.Env,
			Limits:        limits,
			CaptureOutput: spec.Capture(),
		}
		if _, err := mgr.Start(ctx, start); err != nil {
			return fmt.Errorf("server %s: %w", name, err)
		}
	}
	return nil
}

// streamEvents encodes supervision events as JSON lines until the context is
// cancelled or the event channel closes.
func streamEvents(ctx stdcontext.Context, cmd *cobra.Command, mgr *supervisor.Manager) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-mgr.Events():
			if !ok {
				return nil
			}
			cliutil.EncodeEvent(enc, cmd.ErrOrStderr(), event)
		}
	}
}

// shutdown stops every live process with the configured grace period, then
// disposes the manager. Escalations during shutdown are expected, not
// failures.
func shutdown(mgr *supervisor.Manager, grace time.Duration, logger *slog.Logger) {
	ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), grace+shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, proc := range mgr.List() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := mgr.Stop(ctx, id, grace); err != nil && !errors.Is(err, supervisor.ErrDisposed) {
				logger.Warn("stop during shutdown failed", "processID", id, "error", err)
			}
		}(proc.ID)
	}
	wg.Wait()

	if err := mgr.Close(ctx); err != nil {
		logger.Warn("manager disposal incomplete", "error", err)
	}
}

// serveMetrics exposes the Prometheus registry when a listen address is
// configured. The returned stop function is safe to call regardless.
func serveMetrics(addr string, logger *slog.Logger) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener failed", "addr", addr, "error", err)
		}
	}()

	return func() {
		ctx, cancel := stdcontext.WithTimeout(stdcontext.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}, nil
}
