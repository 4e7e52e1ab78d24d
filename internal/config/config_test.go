package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Host != "localhost" {
		t.Errorf("MQTT.Host = %q, want %q", cfg.MQTT.Host, "localhost")
	}
	if cfg.MQTT.Port != 1883 {
		t.Errorf("MQTT.Port = %d, want 1883", cfg.MQTT.Port)
	}
	if cfg.MQTT.Prefix != "uagv/v2/RobotCompany" {
		t.Errorf("MQTT.Prefix = %q", cfg.MQTT.Prefix)
	}
	if cfg.Dispatch.DatabaseURL != "http://localhost:5001" {
		t.Errorf("Dispatch.DatabaseURL = %q", cfg.Dispatch.DatabaseURL)
	}
	if cfg.Store.Port != 5000 || cfg.Store.ControllerPort != 5001 {
		t.Errorf("Store ports = %d/%d, want 5000/5001", cfg.Store.Port, cfg.Store.ControllerPort)
	}
	if cfg.Store.Retention != 168*time.Hour {
		t.Errorf("Store.Retention = %v, want 168h", cfg.Store.Retention)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetd.yaml")
	content := `
log:
  level: debug
mqtt:
  host: broker.internal
  port: 8883
  transport: websockets
store:
  retention: 24h
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.MQTT.Host != "broker.internal" || cfg.MQTT.Port != 8883 {
		t.Errorf("MQTT = %q:%d, want broker.internal:8883", cfg.MQTT.Host, cfg.MQTT.Port)
	}
	if cfg.MQTT.Transport != "websockets" {
		t.Errorf("MQTT.Transport = %q", cfg.MQTT.Transport)
	}
	if cfg.Store.Retention != 24*time.Hour {
		t.Errorf("Store.Retention = %v, want 24h", cfg.Store.Retention)
	}
	// Untouched keys keep their defaults.
	if cfg.Dispatch.DatabaseURL != "http://localhost:5001" {
		t.Errorf("Dispatch.DatabaseURL = %q", cfg.Dispatch.DatabaseURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("Load() on a missing file should fall back to defaults, got %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FLEETD_MQTT_HOST", "env-broker")
	t.Setenv("FLEETD_STORE_PORT", "6000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTT.Host != "env-broker" {
		t.Errorf("MQTT.Host = %q, want env-broker", cfg.MQTT.Host)
	}
	if cfg.Store.Port != 6000 {
		t.Errorf("Store.Port = %d, want 6000", cfg.Store.Port)
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetd.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("log:\n  level: error\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if Get().Log.Level == "error" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("config not reloaded, level = %q", Get().Log.Level)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
