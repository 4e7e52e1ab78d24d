package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"fleetd/internal/objects"
)

// NewGetCmd creates the get command.
func NewGetCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get robot|mission [name]",
		Short: "List or show robots and missions",
		Example: `  fleetd get robot
  fleetd get mission inspection-7 -o json`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, args, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output format: json")
	cmd.Flags().String("server-url", "", "external URL of the store API (overrides config)")

	return cmd
}

func runGet(cmd *cobra.Command, args []string, output string) error {
	client, err := externalClient(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	asJSON := output == "json" || !term.IsTerminal(int(os.Stdout.Fd()))

	switch objects.Kind(args[0]) {
	case objects.KindRobot:
		var robots []*objects.Robot
		if len(args) == 2 {
			robot, err := client.GetRobot(ctx, args[1])
			if err != nil {
				return err
			}
			robots = append(robots, robot)
		} else if robots, err = client.ListRobots(ctx, nil); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, robots)
		}
		printRobots(cmd, robots)
	case objects.KindMission:
		var missions []*objects.Mission
		if len(args) == 2 {
			mission, err := client.GetMission(ctx, args[1])
			if err != nil {
				return err
			}
			missions = append(missions, mission)
		} else if missions, err = client.ListMissions(ctx, nil); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, missions)
		}
		printMissions(cmd, missions)
	default:
		return fmt.Errorf("unknown kind %q, must be one of %v", args[0], objects.Kinds())
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func printRobots(cmd *cobra.Command, robots []*objects.Robot) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tONLINE\tBATTERY\tPOSE\tLIFECYCLE")
	for _, r := range robots {
		fmt.Fprintf(w, "%s\t%s\t%t\t%.1f\t(%.2f, %.2f)\t%s\n",
			r.Name, r.Status.State, r.Status.Online, r.Status.BatteryLevel,
			r.Status.Pose.X, r.Status.Pose.Y, r.Lifecycle)
	}
	w.Flush()
}

func printMissions(cmd *cobra.Command, missions []*objects.Mission) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tROBOT\tSTATE\tNODE\tSTARTED\tLIFECYCLE")
	for _, m := range missions {
		started := ""
		if m.Status.StartTimestamp != nil {
			started = m.Status.StartTimestamp.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			m.Name, m.Robot, m.Status.State, m.Status.CurrentNode, started, m.Lifecycle)
	}
	w.Flush()
}
