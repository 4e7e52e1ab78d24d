package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCancelCmd creates the cancel command.
func NewCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cancel mission <name>",
		Short:   "Cancel a mission",
		Example: `  fleetd cancel mission inspection-7`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != "mission" {
				return fmt.Errorf("only missions can be canceled, got %q", args[0])
			}
			client, err := externalClient(cmd)
			if err != nil {
				return err
			}
			detail, err := client.CancelMission(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), detail)
			return nil
		},
	}

	cmd.Flags().String("server-url", "", "external URL of the store API (overrides config)")
	return cmd
}
