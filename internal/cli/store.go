package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fleetd/internal/storage"
	"fleetd/internal/storeserver"
	"fleetd/pkg/logger"
)

// NewStoreCmd creates the store command.
func NewStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Run the object store server",
		Long: `Run the REST object store.

The store persists robots and missions in SQLite and serves them on two
listeners: the external API for operators and tools, and the controller
API reserved for the dispatcher.`,
		RunE: runStore,
	}

	cmd.Flags().String("address", "", "listen address (overrides config)")
	cmd.Flags().Int("port", 0, "external API port (overrides config)")
	cmd.Flags().Int("controller-port", 0, "controller API port (overrides config)")
	cmd.Flags().String("db-path", "", "SQLite database path (overrides config)")

	return cmd
}

func runStore(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}
	cfg := cliCtx.Config

	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.Store.Address = addr
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Store.Port = port
	}
	if port, _ := cmd.Flags().GetInt("controller-port"); port > 0 {
		cfg.Store.ControllerPort = port
	}
	if path, _ := cmd.Flags().GetString("db-path"); path != "" {
		cfg.Store.DBPath = path
	}

	stopWatch := watchConfig(cliCtx)
	defer stopWatch()

	db, err := storage.Open(cfg.Store.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	srv, err := storeserver.NewServer(db, storeserver.Options{
		ExternalAddr:   fmt.Sprintf("%s:%d", cfg.Store.Address, cfg.Store.Port),
		ControllerAddr: fmt.Sprintf("%s:%d", cfg.Store.Address, cfg.Store.ControllerPort),
		Retention:      cfg.Store.Retention,
		JanitorSpec:    cfg.Store.JanitorSpec,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("db", db.Path()).Msg("Starting store server")
	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Store server stopped")
		return err
	}
	logger.Info().Msg("Store server stopped")
	return nil
}
