package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"fleetd/internal/config"
	"fleetd/internal/objects"
)

// newTestCmd wires a command with a CLI context pointing at server.
func newTestCmd(t *testing.T, cmd *cobra.Command, server string) *bytes.Buffer {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Client.ServerURL = server
	cmd.SetContext(WithCLIContext(context.Background(), &CLIContext{Config: cfg}))
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	return out
}

func TestApplyManifest(t *testing.T) {
	var created []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		created = append(created, r.URL.Path)
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if _, ok := body["kind"]; ok {
			t.Error("kind field must not reach the create body")
		}
		name, _ := body["name"].(string)
		if name == "" {
			name = "generated"
		}
		json.NewEncoder(w).Encode(map[string]any{"name": name})
	}))
	defer srv.Close()

	manifest := `kind: robot
name: carrier-1
heartbeat_timeout: 15
---
kind: mission
robot: carrier-1
mission_tree:
  - route:
      waypoints: [{x: 1, y: 1}]
`
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := NewApplyCmd()
	out := newTestCmd(t, cmd, srv.URL)
	cmd.SetArgs([]string{"-f", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("apply: %v", err)
	}

	want := []string{"/api/v1/robot", "/api/v1/mission"}
	if len(created) != len(want) {
		t.Fatalf("created %v, want %v", created, want)
	}
	for i, path := range want {
		if created[i] != path {
			t.Errorf("request %d hit %s, want %s", i, created[i], path)
		}
	}
	if !strings.Contains(out.String(), "robot/carrier-1 created") {
		t.Errorf("output missing create confirmation: %q", out.String())
	}
}

func TestApplyRejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("kind: rover\nname: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := NewApplyCmd()
	newTestCmd(t, cmd, "http://unused.invalid")
	cmd.SetArgs([]string{"-f", path})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("err = %v, want unknown kind", err)
	}
}

func TestGetRobotsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/robot" {
			t.Errorf("path = %s", r.URL.Path)
		}
		robot := objects.NewRobot("carrier-1")
		robot.Status.Online = true
		json.NewEncoder(w).Encode([]*objects.Robot{robot})
	}))
	defer srv.Close()

	cmd := NewGetCmd()
	out := newTestCmd(t, cmd, srv.URL)
	cmd.SetArgs([]string{"robot", "-o", "json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("get: %v", err)
	}

	var robots []*objects.Robot
	if err := json.Unmarshal(out.Bytes(), &robots); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(robots) != 1 || robots[0].Name != "carrier-1" || !robots[0].Status.Online {
		t.Errorf("robots = %+v", robots)
	}
}

func TestCancelMission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/mission/m1/cancel" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"detail": "Mission m1 will be canceled."})
	}))
	defer srv.Close()

	cmd := NewCancelCmd()
	out := newTestCmd(t, cmd, srv.URL)
	cmd.SetArgs([]string{"mission", "m1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out.String(), "will be canceled") {
		t.Errorf("output = %q", out.String())
	}
}

func TestDeleteValidatesKind(t *testing.T) {
	cmd := NewDeleteCmd()
	newTestCmd(t, cmd, "http://unused.invalid")
	cmd.SetArgs([]string{"rover", "x"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("err = %v, want unknown kind", err)
	}
}
