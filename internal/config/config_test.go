package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Backend != "broker" {
		t.Fatalf("expected default backend 'broker', got %q", cfg.Transport.Backend)
	}
	if cfg.Coordinator.DefaultMethod != "WEIGHTED_CONFIDENCE" {
		t.Fatalf("unexpected default method %q", cfg.Coordinator.DefaultMethod)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulsemesh.toml")
	content := `
[instance]
node_id = "node-1"
name = "test-node"

[transport]
backend = "udp"
host = "0.0.0.0"
port = 9999
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Instance.NodeID != "node-1" {
		t.Fatalf("expected node_id 'node-1', got %q", cfg.Instance.NodeID)
	}
	if cfg.Transport.Backend != "udp" {
		t.Fatalf("expected backend 'udp', got %q", cfg.Transport.Backend)
	}
	if cfg.Transport.Port != 9999 {
		t.Fatalf("expected port 9999, got %d", cfg.Transport.Port)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PULSEMESH_TRANSPORT_BACKEND", "websocket")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Backend != "websocket" {
		t.Fatalf("expected env override 'websocket', got %q", cfg.Transport.Backend)
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("PULSEMESH_TRANSPORT_BACKEND", "carrier-pigeon")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for invalid backend")
	}
}

func TestBroadcastIntervalParsed(t *testing.T) {
	c := CoordinatorConfig{BroadcastInterval: "10s"}
	d, err := c.BroadcastIntervalParsed()
	if err != nil {
		t.Fatalf("BroadcastIntervalParsed: %v", err)
	}
	if d.Seconds() != 10 {
		t.Fatalf("expected 10s, got %v", d)
	}
}
