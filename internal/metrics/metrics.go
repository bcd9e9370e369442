// Package metrics collects and exposes control-plane observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (atomic counters) for a lightweight
//     JSON endpoint (served by bandsoxd at /metrics.json) that needs no
//     external scraper.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency
//
// Every counter update goes through sync/atomic; the per-VM sync.Map is
// read-heavy and write-once-per-new-VM, the ideal use case for sync.Map.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds process-wide counters for VM lifecycle, session, and vsock
// transfer activity.
type Metrics struct {
	VMsCreated     atomic.Int64
	VMsStopped     atomic.Int64
	VMsCrashed     atomic.Int64
	SnapshotsTaken atomic.Int64
	SnapshotsHit   atomic.Int64

	SessionsStarted  atomic.Int64
	SessionsExited   atomic.Int64
	SessionsKilled   atomic.Int64
	SessionsTimedOut atomic.Int64

	VsockBytesSent        atomic.Int64
	VsockBytesReceived    atomic.Int64
	VsockChunksTotal      atomic.Int64
	VsockChecksumMismatch atomic.Int64

	perVM sync.Map // vm_id -> *VMMetrics
}

// VMMetrics tracks per-VM counters (commands executed, bytes transferred).
type VMMetrics struct {
	CommandsExecuted atomic.Int64
	BytesUploaded    atomic.Int64
	BytesDownloaded  atomic.Int64
}

var (
	startTime = time.Now()
	global    = &Metrics{}
)

// Global returns the process-wide metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time the metrics subsystem was initialized.
func StartTime() time.Time {
	return startTime
}

func (m *Metrics) RecordVMCreated() {
	m.VMsCreated.Add(1)
	RecordPrometheusVMCreated()
}

func (m *Metrics) RecordVMStopped() {
	m.VMsStopped.Add(1)
	RecordPrometheusVMStopped()
}

func (m *Metrics) RecordVMCrashed() {
	m.VMsCrashed.Add(1)
	RecordPrometheusVMCrashed()
}

func (m *Metrics) RecordSnapshotTaken() {
	m.SnapshotsTaken.Add(1)
	RecordPrometheusSnapshotTaken()
}

func (m *Metrics) RecordSnapshotHit() {
	m.SnapshotsHit.Add(1)
	RecordPrometheusSnapshotHit()
}

func (m *Metrics) RecordSessionStarted(kind string) {
	m.SessionsStarted.Add(1)
	RecordPrometheusSession(kind, "started")
}

func (m *Metrics) RecordSessionExited(kind string) {
	m.SessionsExited.Add(1)
	RecordPrometheusSession(kind, "exited")
}

func (m *Metrics) RecordSessionKilled(kind string) {
	m.SessionsKilled.Add(1)
	RecordPrometheusSession(kind, "killed")
}

func (m *Metrics) RecordSessionTimedOut(kind string) {
	m.SessionsTimedOut.Add(1)
	RecordPrometheusSession(kind, "timed_out")
}

// RecordVsockTransfer records a completed upload or download, including
// whether the checksum matched.
func (m *Metrics) RecordVsockTransfer(vmID, direction string, bytes int64, chunks int64, checksumOK bool) {
	if direction == "upload" {
		m.VsockBytesReceived.Add(bytes)
	} else {
		m.VsockBytesSent.Add(bytes)
	}
	m.VsockChunksTotal.Add(chunks)
	if !checksumOK {
		m.VsockChecksumMismatch.Add(1)
	}
	RecordPrometheusVsockTransfer(direction, bytes, checksumOK)

	vm := m.vmMetrics(vmID)
	if direction == "upload" {
		vm.BytesUploaded.Add(bytes)
	} else {
		vm.BytesDownloaded.Add(bytes)
	}
}

func (m *Metrics) RecordCommandExecuted(vmID string) {
	m.vmMetrics(vmID).CommandsExecuted.Add(1)
}

func (m *Metrics) vmMetrics(vmID string) *VMMetrics {
	v, _ := m.perVM.LoadOrStore(vmID, &VMMetrics{})
	return v.(*VMMetrics)
}

// VMMetricsFor returns the per-VM metrics for vmID, if any commands or
// transfers have been recorded for it.
func (m *Metrics) VMMetricsFor(vmID string) (*VMMetrics, bool) {
	v, ok := m.perVM.Load(vmID)
	if !ok {
		return nil, false
	}
	return v.(*VMMetrics), true
}

// DropVM discards the per-VM counters once a VM is torn down.
func (m *Metrics) DropVM(vmID string) {
	m.perVM.Delete(vmID)
}

// Snapshot returns a JSON-serializable view of the process-wide counters.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"uptime_seconds":          time.Since(startTime).Seconds(),
		"vms_created":             m.VMsCreated.Load(),
		"vms_stopped":             m.VMsStopped.Load(),
		"vms_crashed":             m.VMsCrashed.Load(),
		"snapshots_taken":         m.SnapshotsTaken.Load(),
		"snapshots_hit":           m.SnapshotsHit.Load(),
		"sessions_started":        m.SessionsStarted.Load(),
		"sessions_exited":         m.SessionsExited.Load(),
		"sessions_killed":         m.SessionsKilled.Load(),
		"sessions_timed_out":      m.SessionsTimedOut.Load(),
		"vsock_bytes_sent":        m.VsockBytesSent.Load(),
		"vsock_bytes_received":    m.VsockBytesReceived.Load(),
		"vsock_chunks_total":      m.VsockChunksTotal.Load(),
		"vsock_checksum_mismatch": m.VsockChecksumMismatch.Load(),
	}
}

// JSONHandler serves the Snapshot as JSON, for simple polling without a
// Prometheus scraper.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}
