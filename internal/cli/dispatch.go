package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"fleetd/internal/broker"
	"fleetd/internal/dispatch"
	"fleetd/internal/store"
	"fleetd/pkg/logger"
)

// NewDispatchCmd creates the dispatch command.
func NewDispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run the mission dispatcher",
		Long: `Run the mission dispatcher.

The dispatcher watches the store for robots and missions, drives each
robot through its mission queue, and exchanges VDA5050 orders and state
messages with the fleet over MQTT.`,
		Example: `  # Dispatch against a local broker and store
  fleetd dispatch

  # Point at a remote broker over websockets
  fleetd dispatch --mqtt-host broker.example.com --mqtt-transport websockets`,
		RunE: runDispatch,
	}

	cmd.Flags().String("mqtt-host", "", "MQTT broker host (overrides config)")
	cmd.Flags().Int("mqtt-port", 0, "MQTT broker port (overrides config)")
	cmd.Flags().String("mqtt-transport", "", "MQTT transport, tcp or websockets (overrides config)")
	cmd.Flags().String("mqtt-ws-path", "", "MQTT websocket path (overrides config)")
	cmd.Flags().String("mqtt-prefix", "", "VDA5050 topic prefix (overrides config)")
	cmd.Flags().String("database-url", "", "controller URL of the store API (overrides config)")
	cmd.Flags().String("mission-ctrl-url", "", "mission control base URL (overrides config)")

	return cmd
}

func runDispatch(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}
	cfg := cliCtx.Config

	if host, _ := cmd.Flags().GetString("mqtt-host"); host != "" {
		cfg.MQTT.Host = host
	}
	if port, _ := cmd.Flags().GetInt("mqtt-port"); port > 0 {
		cfg.MQTT.Port = port
	}
	if transport, _ := cmd.Flags().GetString("mqtt-transport"); transport != "" {
		cfg.MQTT.Transport = transport
	}
	if wsPath, _ := cmd.Flags().GetString("mqtt-ws-path"); wsPath != "" {
		cfg.MQTT.WSPath = wsPath
	}
	if prefix, _ := cmd.Flags().GetString("mqtt-prefix"); prefix != "" {
		cfg.MQTT.Prefix = prefix
	}
	if dbURL, _ := cmd.Flags().GetString("database-url"); dbURL != "" {
		cfg.Dispatch.DatabaseURL = dbURL
	}
	if ctrlURL, _ := cmd.Flags().GetString("mission-ctrl-url"); ctrlURL != "" {
		cfg.Dispatch.MissionControlURL = ctrlURL
	}
	if cfg.MQTT.Transport != "tcp" && cfg.MQTT.Transport != "websockets" {
		return fmt.Errorf("invalid mqtt transport %q, must be tcp or websockets", cfg.MQTT.Transport)
	}

	stopWatch := watchConfig(cliCtx)
	defer stopWatch()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	br, err := broker.Connect(ctx, broker.Options{
		Host:      cfg.MQTT.Host,
		Port:      cfg.MQTT.Port,
		Transport: cfg.MQTT.Transport,
		WSPath:    cfg.MQTT.WSPath,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
	})
	if err != nil {
		return err
	}
	defer br.Close()

	st := store.NewClient(cfg.Dispatch.DatabaseURL)
	d := dispatch.New(st, br, dispatch.Options{
		Prefix:     cfg.MQTT.Prefix,
		ControlURL: cfg.Dispatch.MissionControlURL,
	})

	logger.Info().
		Str("broker", cfg.MQTT.Host).
		Str("database", cfg.Dispatch.DatabaseURL).
		Str("prefix", cfg.MQTT.Prefix).
		Msg("Starting dispatcher")

	// A watch stream failing permanently is unrecoverable here; the
	// process exits nonzero and the supervisor restarts it with fresh
	// state from the store.
	if err := d.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Dispatcher stopped")
		return err
	}
	logger.Info().Msg("Dispatcher stopped")
	return nil
}
