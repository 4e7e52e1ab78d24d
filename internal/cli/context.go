package cli

import (
	"context"

	"github.com/spf13/cobra"

	"fleetd/internal/config"
)

// CLIContext carries the loaded configuration into command handlers.
type CLIContext struct {
	Config     *config.Config
	ConfigPath string
}

type contextKey struct{}

// WithCLIContext stores the CLI context on ctx.
func WithCLIContext(ctx context.Context, cliCtx *CLIContext) context.Context {
	return context.WithValue(ctx, contextKey{}, cliCtx)
}

// GetCLIContext returns the CLI context of cmd, nil when the root
// command's PersistentPreRunE did not run.
func GetCLIContext(cmd *cobra.Command) *CLIContext {
	cliCtx, _ := cmd.Context().Value(contextKey{}).(*CLIContext)
	return cliCtx
}

// watchConfig starts the hot reload watcher for long-running commands.
// Without a config file there is nothing to watch.
func watchConfig(cliCtx *CLIContext) func() {
	if cliCtx.ConfigPath == "" {
		return func() {}
	}
	w, err := config.NewWatcher(cliCtx.ConfigPath)
	if err != nil {
		return func() {}
	}
	if err := w.Start(); err != nil {
		return func() {}
	}
	return w.Stop
}
