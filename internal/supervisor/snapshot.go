package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/bandsox/bandsox/internal/logging"
	"github.com/bandsox/bandsox/internal/metrics"
	"github.com/bandsox/bandsox/internal/session"
	"github.com/bandsox/bandsox/internal/vmmapi"
)

// snapshotMeta is the per-snapshot metadata.json written by Snapshot and
// read back by Restore; it is the only channel of configuration carried
// across the pause/dump/teardown boundary, since load-snapshot forbids
// reconfiguring devices.
type snapshotMeta struct {
	SourceVMID   string        `json:"source_vm_id"`
	VcpuCount    int           `json:"vcpu"`
	MemSizeMib   int           `json:"mem_mib"`
	RootfsCopy   string        `json:"rootfs_path"`
	VsockUdsPath string        `json:"vsock_uds_path"`
	Network      NetworkConfig `json:"network_config"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Snapshot pauses vm, dumps a full snapshot, copies its rootfs into the
// snapshot directory, writes metadata.json, then resumes. Returns the
// snapshot id (the directory name under cfg.SnapshotDir).
func (s *Supervisor) Snapshot(ctx context.Context, id string, name string) (string, error) {
	vm, err := s.Get(id)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = fmt.Sprintf("%s_%d", vm.ID, time.Now().Unix())
	}

	snapDir := filepath.Join(s.cfg.SnapshotDir, name)
	if err := os.MkdirAll(snapDir, 0755); err != nil {
		return "", err
	}

	client := vmmapi.New(vm.SocketPath)
	if err := client.Pause(ctx); err != nil {
		return "", fmt.Errorf("supervisor: pause for snapshot: %w", err)
	}
	vm.setState(StatePaused)

	snapshotPath := filepath.Join(snapDir, "snapshot_file")
	memPath := filepath.Join(snapDir, "mem_file")
	if err := client.CreateSnapshot(ctx, vmmapi.SnapshotCreateRequest{
		SnapshotPath: snapshotPath,
		MemFilePath:  memPath,
		SnapshotType: "Full",
	}); err != nil {
		client.Resume(ctx)
		vm.setState(StateRunning)
		return "", fmt.Errorf("supervisor: create snapshot: %w", err)
	}

	if err := client.Resume(ctx); err != nil {
		return "", fmt.Errorf("supervisor: resume after snapshot: %w", err)
	}
	vm.setState(StateRunning)

	rootfsCopy := filepath.Join(snapDir, "rootfs.ext4")
	if err := copyFile(vm.RootfsPath, rootfsCopy); err != nil {
		return "", fmt.Errorf("supervisor: copy rootfs into snapshot: %w", err)
	}

	meta := snapshotMeta{
		SourceVMID:   vm.ID,
		VcpuCount:    vm.VcpuCount,
		MemSizeMib:   vm.MemSizeMib,
		RootfsCopy:   rootfsCopy,
		VsockUdsPath: vm.VsockUdsPath,
		Network:      vm.Network,
		CreatedAt:    time.Now(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(snapDir, "metadata.json"), data, 0644); err != nil {
		return "", err
	}

	metrics.Global().RecordSnapshotTaken()
	logging.Op().Info("vm snapshotted", "vm_id", vm.ID, "snapshot", name)
	return name, nil
}

var errMissingBackingFile = regexp.MustCompile(`No such file or directory \(os error 2\) ([^"]+)`)

// RestoreSpec describes how to restore a snapshot into a new VM.
type RestoreSpec struct {
	SnapshotID       string
	NewID            string // generated if empty
	EnableNetworking bool
	Network          NetworkConfig // new host-side identity (tap device, ip)
}

// Restore runs the C8 restore pipeline from spec.md §4.8: copy the
// snapshot's rootfs, spawn a fresh VMM process without reconfiguring any
// device, load the snapshot (retrying once via a symlink if the snapshot
// references a since-deleted backing file), patch the rootfs drive to the
// instance copy, and resume. The in-guest agent is already running inside
// the restored memory image, so its readiness is established via
// session.Router.PollReady rather than waiting for a fresh "ready" line.
func (s *Supervisor) Restore(ctx context.Context, spec RestoreSpec) (*VM, error) {
	snapDir := filepath.Join(s.cfg.SnapshotDir, spec.SnapshotID)
	metaPath := filepath.Join(snapDir, "metadata.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: snapshot %s not found: %w", spec.SnapshotID, err)
	}
	var meta snapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("supervisor: corrupt snapshot metadata: %w", err)
	}

	if spec.NewID == "" {
		spec.NewID = uuid.NewString()
	}

	cid, err := s.cids.Allocate()
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	port, err := s.ports.Allocate()
	if err != nil {
		s.cids.Release(cid)
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	instanceRootfs := filepath.Join(s.cfg.RootfsDir, spec.NewID+".ext4")
	if err := copyFile(meta.RootfsCopy, instanceRootfs); err != nil {
		s.cids.Release(cid)
		s.ports.Release(port)
		return nil, fmt.Errorf("supervisor: copy snapshot rootfs: %w", err)
	}

	socketPath, consoleSock, _ := s.vmPaths(spec.NewID)
	vm := &VM{
		ID:           spec.NewID,
		CID:          cid,
		Port:         port,
		SocketPath:   socketPath,
		ConsoleSock:  consoleSock,
		VsockUdsPath: meta.VsockUdsPath, // reproduce the original pathname; load-snapshot forbids reconfiguring it
		RootfsPath:   instanceRootfs,
		VcpuCount:    meta.VcpuCount,
		MemSizeMib:   meta.MemSizeMib,
		Network:      spec.Network,
		State:        StateConfigured,
		CreatedAt:    time.Now(),
		RestoredFrom: spec.SnapshotID,
	}

	if err := os.MkdirAll(filepath.Dir(vm.VsockUdsPath), 0755); err != nil {
		s.cids.Release(cid)
		s.ports.Release(port)
		return nil, err
	}

	if err := s.startProcess(ctx, vm); err != nil {
		s.cids.Release(cid)
		s.ports.Release(port)
		return nil, err
	}
	if err := vmmapi.WaitForSocket(ctx, socketPath, vm.Cmd.Process, s.cfg.BootTimeout); err != nil {
		s.teardownAfterFailedCreate(vm)
		return nil, err
	}

	client := vmmapi.New(socketPath)
	snapshotPath := filepath.Join(snapDir, "snapshot_file")
	memPath := filepath.Join(snapDir, "mem_file")

	loadReq := vmmapi.SnapshotLoadRequest{
		SnapshotPath: snapshotPath,
		MemFilePath:  memPath,
		ResumeVM:     false,
	}
	if spec.EnableNetworking && spec.Network.TapDevice != "" {
		loadReq.NetworkOverrides = []vmmapi.NetworkOverride{{IfaceID: "eth0", HostDevName: spec.Network.TapDevice}}
	}

	var createdSymlink string
	if err := client.LoadSnapshot(ctx, loadReq); err != nil {
		missing, recoverable := missingBackingFile(err)
		if !recoverable {
			s.teardownAfterFailedCreate(vm)
			return nil, fmt.Errorf("supervisor: load snapshot: %w", err)
		}
		logging.Op().Warn("snapshot expects missing backing file, creating fallback symlink", "vm_id", vm.ID, "path", missing)

		if _, statErr := os.Lstat(missing); statErr != nil {
			if err := os.MkdirAll(filepath.Dir(missing), 0755); err != nil {
				s.teardownAfterFailedCreate(vm)
				return nil, err
			}
			if err := os.Symlink(instanceRootfs, missing); err != nil {
				s.teardownAfterFailedCreate(vm)
				return nil, fmt.Errorf("supervisor: create recovery symlink: %w", err)
			}
			createdSymlink = missing
		}

		// Firecracker's API process is wedged after a failed load-snapshot;
		// restart it for a clean retry.
		s.killProcessOnly(vm)
		client.Close()
		if err := s.startProcess(ctx, vm); err != nil {
			removeIfSymlink(createdSymlink)
			s.teardownAfterFailedCreate(vm)
			return nil, err
		}
		if err := vmmapi.WaitForSocket(ctx, socketPath, vm.Cmd.Process, s.cfg.BootTimeout); err != nil {
			removeIfSymlink(createdSymlink)
			s.teardownAfterFailedCreate(vm)
			return nil, err
		}
		client = vmmapi.New(socketPath)

		if err := client.LoadSnapshot(ctx, loadReq); err != nil {
			removeIfSymlink(createdSymlink)
			s.teardownAfterFailedCreate(vm)
			return nil, fmt.Errorf("supervisor: retry load snapshot after recovery: %w: %w", ErrSnapshotBackingMissing{Path: missing}, err)
		}
	}

	if err := client.PatchDrive(ctx, vmmapi.DrivePatch{DriveID: "rootfs", PathOnHost: instanceRootfs}); err != nil {
		logging.Op().Warn("patch rootfs drive after restore failed", "vm_id", vm.ID, "err", err)
	}
	removeIfSymlink(createdSymlink)

	if err := s.startVsockListener(vm); err != nil {
		s.teardownAfterFailedCreate(vm)
		return nil, err
	}

	if err := client.Resume(ctx); err != nil {
		s.teardownAfterFailedCreate(vm)
		return nil, fmt.Errorf("supervisor: resume restored vm: %w", err)
	}
	vm.setState(StateRunning)
	go s.monitorProcess(vm)

	// The agent is already running inside the restored memory image; poll
	// for it rather than waiting for a fresh boot-time "ready" line.
	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	vm.router.PollReady(readyCtx, func(pingCtx context.Context) bool {
		_, err := vm.router.SendRequest(pingCtx, session.Request{Type: session.ReqListDir, Path: "/"}, nil)
		return err == nil
	}, 300*time.Millisecond)
	cancel()

	if spec.EnableNetworking && vm.router.IsReady() && meta.Network.GuestIP != "" &&
		spec.Network.GuestIP != "" && meta.Network.GuestIP != spec.Network.GuestIP {
		reconcileCtx, reconcileCancel := context.WithTimeout(ctx, 10*time.Second)
		cmd := fmt.Sprintf("ip addr flush dev eth0; ip addr add %s/24 dev eth0; ip route add default via %s",
			spec.Network.GuestIP, spec.Network.HostIP)
		if _, err := vm.router.SendRequest(reconcileCtx, session.Request{Type: session.ReqExec, Command: cmd}, nil); err != nil {
			logging.Op().Warn("guest ip reconciliation after restore failed", "vm_id", vm.ID, "err", err)
		}
		reconcileCancel()
	}

	s.mu.Lock()
	s.vms[vm.ID] = vm
	s.mu.Unlock()

	metrics.Global().RecordSnapshotHit()
	logging.Op().Info("vm restored", "vm_id", vm.ID, "snapshot", spec.SnapshotID)
	return vm, nil
}

func (s *Supervisor) killProcessOnly(vm *VM) {
	if vm.Cmd != nil && vm.Cmd.Process != nil {
		vm.Cmd.Process.Kill()
		vm.Cmd.Wait()
	}
	if vm.console != nil {
		vm.console.Close()
		vm.console = nil
	}
}

func missingBackingFile(err error) (path string, ok bool) {
	var apiErr *vmmapi.Error
	if !errors.As(err, &apiErr) {
		return "", false
	}
	m := errMissingBackingFile.FindStringSubmatch(apiErr.Body)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func removeIfSymlink(path string) {
	if path == "" {
		return
	}
	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		os.Remove(path)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
