package cli

import (
	stdcontext "context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	var configFile string
	logLevel := logLevelFromEnv()

	root := &cobra.Command{
		Use:   "gswarden",
		Short: "Game server process supervisor with resource isolation",
	}

	root.PersistentFlags().
		StringVarP(&configFile, "config", "c", "gswarden.yaml", "Path to agent configuration")
	root.PersistentFlags().
		StringVar(&logLevel, "log-level", logLevel, "Agent log level (debug, info, warn, error)")

	ctx := &context{configFile: &configFile, logLevel: &logLevel}
	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newExecCmd(ctx))
	root.AddCommand(newConfigCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		// A supervised process's own exit code passes straight through.
		if code, ok := exitStatus(err); ok {
			os.Exit(code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	configFile *string
	logLevel   *string
}

// logger builds the agent's own structured logger. Supervised process output
// never goes through it; captured lines flow through the event stream.
func (c *context) logger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(*c.logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func logLevelFromEnv() string {
	if value := os.Getenv("GSWARDEN_LOG_LEVEL"); value != "" {
		return value
	}
	return "info"
}
