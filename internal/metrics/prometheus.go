package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps Prometheus collectors for the control plane.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	vmsCreated     prometheus.Counter
	vmsStopped     prometheus.Counter
	vmsCrashed     prometheus.Counter
	snapshotsTaken prometheus.Counter
	snapshotsHit   prometheus.Counter

	sessionsTotal *prometheus.CounterVec

	vsockBytesTotal    *prometheus.CounterVec
	vsockChecksumFails prometheus.Counter

	vmBootDuration      prometheus.Histogram
	snapshotRestoreTime prometheus.Histogram

	uptime  prometheus.GaugeFunc
	activeVMs prometheus.Gauge
}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem under the
// given namespace. Safe to call once at daemon startup; every Record* call
// is a no-op before this runs.
func InitPrometheus(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		vmsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vms_created_total", Help: "Total VMs created",
		}),
		vmsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vms_stopped_total", Help: "Total VMs stopped cleanly",
		}),
		vmsCrashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vms_crashed_total", Help: "Total VMs that exited unexpectedly",
		}),
		snapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshots_taken_total", Help: "Total snapshots created",
		}),
		snapshotsHit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshots_restored_total", Help: "Total VMs restored from a snapshot",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_sessions_total", Help: "Agent session outcomes by kind and outcome",
		}, []string{"kind", "outcome"}),
		vsockBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "vsock_bytes_total", Help: "Bytes moved over the vsock transfer plane",
		}, []string{"direction"}),
		vsockChecksumFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "vsock_checksum_mismatches_total", Help: "Transfers rejected for checksum mismatch",
		}),
		vmBootDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "vm_boot_duration_milliseconds", Help: "Time from spawn to agent-ready",
			Buckets: []float64{100, 250, 500, 1000, 2000, 3000, 5000, 10000},
		}),
		snapshotRestoreTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "snapshot_restore_milliseconds", Help: "Time to restore a VM from snapshot",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
		}),
		activeVMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_vms", Help: "Number of VMs currently running",
		}),
	}

	pm.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "uptime_seconds", Help: "Time since the control plane started",
	}, func() float64 {
		return time.Since(StartTime()).Seconds()
	})

	registry.MustRegister(
		pm.vmsCreated, pm.vmsStopped, pm.vmsCrashed,
		pm.snapshotsTaken, pm.snapshotsHit,
		pm.sessionsTotal, pm.vsockBytesTotal, pm.vsockChecksumFails,
		pm.vmBootDuration, pm.snapshotRestoreTime,
		pm.uptime, pm.activeVMs,
	)

	promMetrics = pm
}

func RecordPrometheusVMCreated() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCreated.Inc()
}

func RecordPrometheusVMStopped() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsStopped.Inc()
}

func RecordPrometheusVMCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.vmsCrashed.Inc()
}

func RecordPrometheusSnapshotTaken() {
	if promMetrics == nil {
		return
	}
	promMetrics.snapshotsTaken.Inc()
}

func RecordPrometheusSnapshotHit() {
	if promMetrics == nil {
		return
	}
	promMetrics.snapshotsHit.Inc()
}

func RecordPrometheusSession(kind, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.sessionsTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordPrometheusVsockTransfer(direction string, bytes int64, checksumOK bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.vsockBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	if !checksumOK {
		promMetrics.vsockChecksumFails.Inc()
	}
}

func RecordVMBootDuration(durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.vmBootDuration.Observe(float64(durationMs))
}

func RecordSnapshotRestoreTime(durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.snapshotRestoreTime.Observe(float64(durationMs))
}

func SetActiveVMs(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeVMs.Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry for registering custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
