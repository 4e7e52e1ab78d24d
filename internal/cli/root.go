// Package cli implements the fleetd command tree: the dispatch and
// store daemons plus the admin commands that talk to the store API.
package cli

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"fleetd/internal/config"
	"fleetd/pkg/logger"
)

// GlobalFlags are the flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
}

var globalFlags GlobalFlags

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetd",
		Short: "Fleetd - VDA5050 mission dispatcher",
		Long: `Fleetd dispatches behavior-tree missions to a fleet of VDA5050
robots over MQTT. It ships the dispatcher, the REST object store that
backs it, and admin commands for managing robots and missions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			// A .env in the working directory supplies FLEETD_ variables
			// without exporting them.
			if _, err := os.Stat(".env"); err == nil {
				if err := godotenv.Load(); err != nil {
					return err
				}
			}

			cfg, err := config.Load(globalFlags.ConfigPath)
			if err != nil {
				return err
			}

			logLevel := cfg.Log.Level
			if globalFlags.Verbose {
				logLevel = "debug"
			}
			if globalFlags.Quiet {
				logLevel = "error"
			}
			if err := logger.Init(logger.LogConfig{
				Level:  logLevel,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
			}); err != nil {
				return err
			}

			cmd.SetContext(WithCLIContext(cmd.Context(), &CLIContext{
				Config:     cfg,
				ConfigPath: globalFlags.ConfigPath,
			}))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "only log errors")

	rootCmd.AddCommand(
		NewDispatchCmd(),
		NewStoreCmd(),
		NewApplyCmd(),
		NewGetCmd(),
		NewCancelCmd(),
		NewDeleteCmd(),
		NewVersionCmd(),
	)
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	defer logger.Close()
	return NewRootCmd().Execute()
}
