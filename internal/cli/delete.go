package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fleetd/internal/objects"
)

// NewDeleteCmd creates the delete command.
func NewDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete robot|mission <name>",
		Short: "Delete a robot or mission",
		Long: `Request deletion of an object.

Deletion is asynchronous: the object moves to PENDING_DELETE and the
dispatcher removes it once the robot is idle or the mission finished.`,
		Example: `  fleetd delete robot carrier-1`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := externalClient(cmd)
			if err != nil {
				return err
			}
			switch objects.Kind(args[0]) {
			case objects.KindRobot:
				err = client.DeleteRobot(cmd.Context(), args[1])
			case objects.KindMission:
				err = client.DeleteMission(cmd.Context(), args[1])
			default:
				return fmt.Errorf("unknown kind %q, must be one of %v", args[0], objects.Kinds())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s marked for deletion\n", args[0], args[1])
			return nil
		},
	}

	cmd.Flags().String("server-url", "", "external URL of the store API (overrides config)")
	return cmd
}
