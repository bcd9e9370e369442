package control

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bandsox/bandsox/internal/logging"
	"github.com/bandsox/bandsox/internal/supervisor"
)

// SnapshotVM delegates to the Supervisor's pause/dump/resume pipeline and
// returns the snapshot id. The Supervisor already writes the snapshot
// directory's metadata.json (source vcpu/mem/rootfs/vsock/network config);
// ControlPlane's job is only to expose the call at the registry layer; it
// leaves the source VM's record unchanged, matching core.py's snapshot_vm,
// which doesn't itself touch the source VM's own metadata file.
func (c *ControlPlane) SnapshotVM(ctx context.Context, id string, name string) (string, error) {
	if _, err := c.super.Get(id); err != nil {
		return "", ErrVMNotFound{ID: id}
	}
	snapID, err := c.super.Snapshot(ctx, id, name)
	if err != nil {
		return "", fmt.Errorf("control: snapshot vm %s: %w", id, err)
	}
	logging.Op().Info("snapshot created", "vm_id", id, "snapshot_id", snapID)
	return snapID, nil
}

// RestoreSpec describes a restore request at the registry layer.
type RestoreSpec struct {
	SnapshotID       string
	NewID            string
	Name             string
	EnableNetworking bool
	Network          *NetworkConfig
}

// RestoreVM delegates to the Supervisor's restore pipeline and persists a
// new VM record for the restored instance.
func (c *ControlPlane) RestoreVM(ctx context.Context, spec RestoreSpec) (*VMRecord, error) {
	snapDir := filepath.Join(c.cfg.Bandsox.SnapshotDir, spec.SnapshotID)
	if _, err := os.Stat(snapDir); err != nil {
		return nil, ErrSnapshotNotFound{ID: spec.SnapshotID}
	}

	vm, err := c.super.Restore(ctx, supervisor.RestoreSpec{
		SnapshotID:       spec.SnapshotID,
		NewID:            spec.NewID,
		EnableNetworking: spec.EnableNetworking,
		Network:          toSupervisorNetwork(spec.Network),
	})
	if err != nil {
		return nil, fmt.Errorf("control: restore snapshot %s: %w", spec.SnapshotID, err)
	}

	if err := c.SaveAllocatorState(); err != nil {
		logging.Op().Warn("allocator state flush after restore failed", "vm_id", vm.ID, "err", err)
	}

	rec := &VMRecord{
		ID:           vm.ID,
		Name:         spec.Name,
		VcpuCount:    vm.VcpuCount,
		MemSizeMib:   vm.MemSizeMib,
		RootfsPath:   vm.RootfsPath,
		Status:       string(supervisor.StateRunning),
		Pid:          vm.Pid,
		CreatedAt:    vm.CreatedAt.Unix(),
		AgentReady:   vm.Router().IsReady(),
		RestoredFrom: spec.SnapshotID,
	}
	rec.NetworkConfig = spec.Network
	rec.VsockConfig = &VsockConfig{
		Enabled: true,
		CID:     vm.CID,
		Port:    vm.Port,
		UdsPath: vm.VsockUdsPath,
	}
	if err := c.saveVMRecord(rec); err != nil {
		return nil, fmt.Errorf("control: save restored vm record: %w", err)
	}

	logging.Op().Info("vm restored from snapshot", "vm_id", vm.ID, "snapshot_id", spec.SnapshotID)
	return rec, nil
}

// snapshotMetaView mirrors the fields of supervisor's internal
// snapshotMeta that ListSnapshots surfaces to callers; it's a read-only
// projection, not the authoritative shape (that belongs to the Supervisor
// which wrote it).
type snapshotMetaView struct {
	SourceVMID string `json:"source_vm_id"`
}

// ListSnapshots lists every snapshot directory under SnapshotDir, matching
// core.py's list_snapshots: missing or corrupt metadata.json degrades to a
// status marker rather than failing the whole listing.
func (c *ControlPlane) ListSnapshots() ([]SnapshotRecord, error) {
	entries, err := os.ReadDir(c.cfg.Bandsox.SnapshotDir)
	if err != nil {
		return nil, err
	}

	out := make([]SnapshotRecord, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		snapDir := filepath.Join(c.cfg.Bandsox.SnapshotDir, e.Name())
		metaPath := filepath.Join(snapDir, "metadata.json")

		data, err := os.ReadFile(metaPath)
		if err != nil {
			out = append(out, SnapshotRecord{SnapshotName: e.Name(), Path: snapDir, Status: "no_metadata"})
			continue
		}
		var meta snapshotMetaView
		if err := json.Unmarshal(data, &meta); err != nil {
			logging.Op().Warn("could not decode snapshot metadata", "snapshot", e.Name(), "err", err)
			out = append(out, SnapshotRecord{SnapshotName: e.Name(), Path: snapDir, Status: "metadata_corrupted"})
			continue
		}
		out = append(out, SnapshotRecord{
			SnapshotName: e.Name(),
			SourceVMID:   meta.SourceVMID,
			Path:         snapDir,
		})
	}
	return out, nil
}

// DeleteSnapshot removes a snapshot directory and everything under it.
func (c *ControlPlane) DeleteSnapshot(snapshotID string) error {
	snapDir := filepath.Join(c.cfg.Bandsox.SnapshotDir, snapshotID)
	info, err := os.Stat(snapDir)
	if err != nil || !info.IsDir() {
		return ErrSnapshotNotFound{ID: snapshotID}
	}
	return os.RemoveAll(snapDir)
}
