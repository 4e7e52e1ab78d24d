package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fleetd/internal/objects"
	"fleetd/internal/store"
)

// NewApplyCmd creates the apply command.
func NewApplyCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create robots and missions from a manifest",
		Long: `Create objects from a YAML manifest.

The manifest holds one or more kind-tagged documents. Everything next to
the kind field becomes the object's create body.`,
		Example: `  fleetd apply -f fleet.yaml

  # fleet.yaml
  kind: robot
  name: carrier-1
  heartbeat_timeout: 30
  ---
  kind: mission
  robot: carrier-1
  mission_tree:
    - route:
        waypoints: [{x: 1, y: 1}]`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "manifest file, - for stdin")
	cmd.MarkFlagRequired("file")
	cmd.Flags().String("server-url", "", "external URL of the store API (overrides config)")

	return cmd
}

func runApply(cmd *cobra.Command, file string) error {
	client, err := externalClient(cmd)
	if err != nil {
		return err
	}

	var reader io.Reader
	if file == "-" {
		reader = cmd.InOrStdin()
	} else {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		reader = f
	}

	decoder := yaml.NewDecoder(reader)
	applied := 0
	for {
		var doc map[string]any
		if err := decoder.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("parse manifest: %w", err)
		}
		if len(doc) == 0 {
			continue
		}
		kindField, ok := doc["kind"].(string)
		if !ok {
			return fmt.Errorf("document %d: missing kind field", applied+1)
		}
		kind := objects.Kind(kindField)
		if _, ok := objects.Lookup(kind); !ok {
			return fmt.Errorf("document %d: unknown kind %q", applied+1, kindField)
		}
		delete(doc, "kind")

		raw, err := client.Create(cmd.Context(), kind, doc)
		if err != nil {
			return err
		}
		var created struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &created); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%s created\n", kind, created.Name)
		applied++
	}
	if applied == 0 {
		return fmt.Errorf("manifest contains no documents")
	}
	return nil
}

// externalClient builds a store client for the external API, honoring
// the command's --server-url flag when present.
func externalClient(cmd *cobra.Command) (*store.Client, error) {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return nil, fmt.Errorf("CLI context not initialized")
	}
	base := cliCtx.Config.Client.ServerURL
	if cmd.Flags().Lookup("server-url") != nil {
		if url, _ := cmd.Flags().GetString("server-url"); url != "" {
			base = url
		}
	}
	return store.NewClient(base), nil
}
