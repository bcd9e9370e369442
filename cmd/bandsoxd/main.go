// Command bandsoxd is the control-plane daemon: it loads configuration,
// brings up logging/tracing/metrics through the internal/logging,
// internal/observability and internal/metrics packages, and hosts a ControlPlane so microVMs created by a
// prior run can be listed, inspected, and re-attached to after a restart.
//
// It deliberately does not serve an HTTP/gRPC management API, a CLI, or any
// networking setup — those are external collaborators maintained outside
// this repository. Its only externally reachable surface is an optional
// Prometheus metrics endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bandsox/bandsox/internal/config"
	"github.com/bandsox/bandsox/internal/control"
	"github.com/bandsox/bandsox/internal/logging"
	"github.com/bandsox/bandsox/internal/metrics"
	"github.com/bandsox/bandsox/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "bandsoxd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		logLevel   string
	)
	flag.StringVar(&configFile, "config", "", "path to a JSON or YAML config file")
	flag.StringVar(&logLevel, "log-level", "", "override the configured log level")
	flag.Parse()

	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if logLevel != "" {
		cfg.Daemon.LogLevel = logLevel
	}

	logging.SetLevelFromString(cfg.Daemon.LogLevel)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	var metricsServer *http.Server
	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace)
		metricsServer = startMetricsServer(cfg.Observability.Metrics.Addr)
		logging.Op().Info("metrics endpoint started", "addr", cfg.Observability.Metrics.Addr)
	}

	cp, err := control.New(cfg)
	if err != nil {
		return fmt.Errorf("init control plane: %w", err)
	}

	vms, err := cp.ListVMs()
	if err != nil {
		logging.Op().Warn("failed to list existing vms on startup", "error", err)
	} else {
		logging.Op().Info("control plane ready", "known_vms", len(vms))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			logging.Op().Info("shutdown signal received")
			if metricsServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				metricsServer.Shutdown(ctx)
				cancel()
			}
			// Running microVMs outlive the control plane by design: a restarted
			// daemon re-attaches to them rather than restarting them. Shutdown
			// only needs to persist allocator state so CIDs/ports aren't
			// double-issued on the next run.
			if err := cp.SaveAllocatorState(); err != nil {
				logging.Op().Error("failed to save allocator state", "error", err)
				return err
			}
			return nil
		case <-ticker.C:
			reconcile(cp)
		}
	}
}

// reconcile re-derives each known VM's status from its socket's existence
// (ControlPlane.ListVMs does this internally) and republishes the active
// count so a VM killed or crashed outside of bandsoxd is reflected in
// metrics without requiring a client to trigger a lookup first.
func reconcile(cp *control.ControlPlane) {
	vms, err := cp.ListVMs()
	if err != nil {
		logging.Op().Error("reconcile: list vms", "error", err)
		return
	}
	active := 0
	for _, vm := range vms {
		if vm.Status == "running" {
			active++
		}
	}
	metrics.SetActiveVMs(active)
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.Handle("/metrics.json", metrics.Global().JSONHandler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Op().Error("metrics server stopped", "error", err)
		}
	}()
	return srv
}
