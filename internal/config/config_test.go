package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Bandsox.VmmBin == "" {
		t.Error("expected non-empty VmmBin")
	}
	if cfg.Allocator.CIDRangeStart != 3 {
		t.Errorf("CIDRangeStart = %d, want 3", cfg.Allocator.CIDRangeStart)
	}
	if cfg.Allocator.PortPolicy != "pool" {
		t.Errorf("PortPolicy = %q, want %q", cfg.Allocator.PortPolicy, "pool")
	}
	if cfg.Bandsox.ShutdownGrace != 2*time.Second {
		t.Errorf("ShutdownGrace = %v, want 2s", cfg.Bandsox.ShutdownGrace)
	}
}

func TestLoadFromFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"bandsox":{"vmm_bin":"/opt/fc/firecracker"},"allocator":{"cid_range_start":100}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bandsox.VmmBin != "/opt/fc/firecracker" {
		t.Errorf("VmmBin = %q, want override", cfg.Bandsox.VmmBin)
	}
	if cfg.Allocator.CIDRangeStart != 100 {
		t.Errorf("CIDRangeStart = %d, want 100", cfg.Allocator.CIDRangeStart)
	}
	// Fields not present in the file keep their defaults.
	if cfg.Allocator.PortPolicy != "pool" {
		t.Errorf("PortPolicy = %q, want default %q", cfg.Allocator.PortPolicy, "pool")
	}
}

func TestLoadFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "bandsox:\n  vmm_bin: /opt/fc/firecracker\nallocator:\n  port_policy: fixed\n  fixed_port: 52000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bandsox.VmmBin != "/opt/fc/firecracker" {
		t.Errorf("VmmBin = %q, want override", cfg.Bandsox.VmmBin)
	}
	if cfg.Allocator.PortPolicy != "fixed" {
		t.Errorf("PortPolicy = %q, want fixed", cfg.Allocator.PortPolicy)
	}
	if cfg.Allocator.FixedPort != 52000 {
		t.Errorf("FixedPort = %d, want 52000", cfg.Allocator.FixedPort)
	}
}

func TestLoadFromEnv(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("BANDSOX_VMM_BIN", "/usr/local/bin/firecracker")
	t.Setenv("BANDSOX_PORT_POLICY", "fixed")
	t.Setenv("BANDSOX_LOG_LEVEL", "debug")

	LoadFromEnv(cfg)

	if cfg.Bandsox.VmmBin != "/usr/local/bin/firecracker" {
		t.Errorf("VmmBin = %q, want env override", cfg.Bandsox.VmmBin)
	}
	if cfg.Allocator.PortPolicy != "fixed" {
		t.Errorf("PortPolicy = %q, want fixed", cfg.Allocator.PortPolicy)
	}
	if cfg.Daemon.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Daemon.LogLevel)
	}
	if cfg.Observability.Logging.Level != "debug" {
		t.Errorf("Observability.Logging.Level = %q, want debug", cfg.Observability.Logging.Level)
	}
}
