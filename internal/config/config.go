// Package config holds the control plane's composable configuration tree:
// a central Config struct with one nested sub-config per subsystem, a
// DefaultConfig constructor, and a pair of loaders (file, environment).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BandsoxConfig holds the settings that drive how a microVM is spawned and
// supervised. It replaces the teacher's per-backend (Docker/Kubernetes/Kata)
// configs with the single VMM backend this control plane targets.
type BandsoxConfig struct {
	VmmBin        string        `json:"vmm_bin" yaml:"vmm_bin"`
	KernelPath    string        `json:"kernel_path" yaml:"kernel_path"`
	RootfsDir     string        `json:"rootfs_dir" yaml:"rootfs_dir"`
	SnapshotDir   string        `json:"snapshot_dir" yaml:"snapshot_dir"`
	SocketDir     string        `json:"socket_dir" yaml:"socket_dir"`
	BootTimeout   time.Duration `json:"boot_timeout" yaml:"boot_timeout"`
	AgentReadyMS  time.Duration `json:"agent_ready_timeout" yaml:"agent_ready_timeout"`
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// AllocatorConfig governs CID and vsock-port allocation ranges.
type AllocatorConfig struct {
	CIDRangeStart  uint32 `json:"cid_range_start" yaml:"cid_range_start"`
	CIDRangeSize   int    `json:"cid_range_size" yaml:"cid_range_size"`
	PortPolicy     string `json:"port_policy" yaml:"port_policy"` // "pool" or "fixed"
	PortRangeStart uint32 `json:"port_range_start" yaml:"port_range_start"`
	PortRangeSize  int    `json:"port_range_size" yaml:"port_range_size"`
	FixedPort      uint32 `json:"fixed_port" yaml:"fixed_port"`
	StateFile      string `json:"state_file" yaml:"state_file"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	MetadataDir string `json:"metadata_dir" yaml:"metadata_dir"`
	LogLevel    string `json:"log_level" yaml:"log_level"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Addr      string `json:"addr" yaml:"addr"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text, json
}

// ObservabilityConfig holds all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// Config is the central configuration struct composing all subsystem configs.
type Config struct {
	Bandsox       BandsoxConfig       `json:"bandsox" yaml:"bandsox"`
	Allocator     AllocatorConfig     `json:"allocator" yaml:"allocator"`
	Daemon        DaemonConfig        `json:"daemon" yaml:"daemon"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bandsox: BandsoxConfig{
			VmmBin:        "/usr/bin/firecracker",
			KernelPath:    "/var/lib/bandsox/vmlinux",
			RootfsDir:     "/var/lib/bandsox/images",
			SnapshotDir:   "/var/lib/bandsox/snapshots",
			SocketDir:     "/var/lib/bandsox/sockets",
			BootTimeout:   5 * time.Second,
			AgentReadyMS:  10 * time.Second,
			ShutdownGrace: 2 * time.Second,
		},
		Allocator: AllocatorConfig{
			CIDRangeStart:  3,
			CIDRangeSize:   4096,
			PortPolicy:     "pool",
			PortRangeStart: 9000,
			PortRangeSize:  1000,
			StateFile:      "/var/lib/bandsox/alloc.json",
		},
		Daemon: DaemonConfig{
			MetadataDir: "/var/lib/bandsox/metadata",
			LogLevel:    "info",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "bandsoxd",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "bandsox",
				Addr:      ":9464",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, dispatching on
// the file extension, and applies it over DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies BANDSOX_*-prefixed environment variable overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("BANDSOX_VMM_BIN"); v != "" {
		cfg.Bandsox.VmmBin = v
	}
	if v := os.Getenv("BANDSOX_KERNEL_PATH"); v != "" {
		cfg.Bandsox.KernelPath = v
	}
	if v := os.Getenv("BANDSOX_ROOTFS_DIR"); v != "" {
		cfg.Bandsox.RootfsDir = v
	}
	if v := os.Getenv("BANDSOX_SNAPSHOT_DIR"); v != "" {
		cfg.Bandsox.SnapshotDir = v
	}
	if v := os.Getenv("BANDSOX_SOCKET_DIR"); v != "" {
		cfg.Bandsox.SocketDir = v
	}
	if v := os.Getenv("BANDSOX_BOOT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bandsox.BootTimeout = d
		}
	}
	if v := os.Getenv("BANDSOX_AGENT_READY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bandsox.AgentReadyMS = d
		}
	}
	if v := os.Getenv("BANDSOX_SHUTDOWN_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bandsox.ShutdownGrace = d
		}
	}

	if v := os.Getenv("BANDSOX_CID_RANGE_START"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Allocator.CIDRangeStart = uint32(n)
		}
	}
	if v := os.Getenv("BANDSOX_CID_RANGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Allocator.CIDRangeSize = n
		}
	}
	if v := os.Getenv("BANDSOX_PORT_POLICY"); v != "" {
		cfg.Allocator.PortPolicy = v
	}
	if v := os.Getenv("BANDSOX_FIXED_PORT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Allocator.FixedPort = uint32(n)
		}
	}
	if v := os.Getenv("BANDSOX_ALLOC_STATE_FILE"); v != "" {
		cfg.Allocator.StateFile = v
	}

	if v := os.Getenv("BANDSOX_METADATA_DIR"); v != "" {
		cfg.Daemon.MetadataDir = v
	}
	if v := os.Getenv("BANDSOX_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
		cfg.Observability.Logging.Level = v
	}

	if v := os.Getenv("BANDSOX_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("BANDSOX_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("BANDSOX_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("BANDSOX_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("BANDSOX_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("BANDSOX_METRICS_ADDR"); v != "" {
		cfg.Observability.Metrics.Addr = v
	}
	if v := os.Getenv("BANDSOX_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
