package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/bandsox/bandsox/internal/alloc"
	"github.com/bandsox/bandsox/internal/config"
	"github.com/bandsox/bandsox/internal/logging"
	"github.com/bandsox/bandsox/internal/supervisor"
)

// ControlPlane is the C9 registry and persistence layer over one
// Supervisor. It is the process-level entrypoint: it owns the CID/port
// allocators' durable state and every VM's metadata record, and
// reconciles reported status against what's actually on disk (a live
// control socket) the way core.py's BandSox does.
type ControlPlane struct {
	cfg   *config.Config
	super *supervisor.Supervisor

	cids  *alloc.CIDPool
	ports *alloc.PortPool

	mu sync.Mutex
}

func (c *ControlPlane) metadataDir() string  { return c.cfg.Daemon.MetadataDir }
func (c *ControlPlane) vsockDir() string     { return filepath.Join(c.cfg.Bandsox.SocketDir, "..", "vsock") }
func (c *ControlPlane) allocDir() string     { return filepath.Dir(c.cfg.Allocator.StateFile) }
func (c *ControlPlane) cidStatePath() string { return filepath.Join(c.allocDir(), "cid_allocator.json") }
func (c *ControlPlane) portStatePath() string {
	return filepath.Join(c.allocDir(), "port_allocator.json")
}

// New builds a ControlPlane, creating the storage tree and loading
// allocator state from cid_allocator.json/port_allocator.json if present.
func New(cfg *config.Config) (*ControlPlane, error) {
	c := &ControlPlane{cfg: cfg}

	for _, dir := range []string{
		c.metadataDir(), c.cfg.Bandsox.RootfsDir, c.cfg.Bandsox.SnapshotDir,
		c.cfg.Bandsox.SocketDir, c.vsockDir(), c.allocDir(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("control: create storage dir %s: %w", dir, err)
		}
	}

	c.cids = loadCIDPool(c.cidStatePath(), cfg.Allocator.CIDRangeStart, cfg.Allocator.CIDRangeSize)
	c.ports = loadPortPool(c.portStatePath(), cfg.Allocator)

	c.super = supervisor.New(&cfg.Bandsox, c.cids, c.ports)
	return c, nil
}

func loadCIDPool(path string, start uint32, size int) *alloc.CIDPool {
	data, err := os.ReadFile(path)
	if err != nil {
		return alloc.NewCIDPool(start, size)
	}
	var state alloc.CIDAllocatorState
	if err := json.Unmarshal(data, &state); err != nil {
		logging.Op().Warn("corrupt cid_allocator.json, starting fresh", "path", path, "err", err)
		return alloc.NewCIDPool(start, size)
	}
	return alloc.LoadCIDPool(state, start, size)
}

func loadPortPool(path string, acfg config.AllocatorConfig) *alloc.PortPool {
	data, err := os.ReadFile(path)
	if err != nil {
		if acfg.PortPolicy == "fixed" {
			return alloc.NewFixedPort(acfg.FixedPort)
		}
		return alloc.NewPortPool(acfg.PortRangeStart, acfg.PortRangeSize)
	}
	var state alloc.PortAllocatorState
	if err := json.Unmarshal(data, &state); err != nil {
		logging.Op().Warn("corrupt port_allocator.json, starting fresh", "path", path, "err", err)
		if acfg.PortPolicy == "fixed" {
			return alloc.NewFixedPort(acfg.FixedPort)
		}
		return alloc.NewPortPool(acfg.PortRangeStart, acfg.PortRangeSize)
	}
	return alloc.LoadPortPool(state, acfg.PortRangeStart, acfg.PortRangeSize)
}

// SaveAllocatorState flushes the CID/port allocator state to disk. Callers
// invoke this after any operation that allocates or releases a resource, so
// durability doesn't depend on a clean shutdown.
func (c *ControlPlane) SaveAllocatorState() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cidState := c.cids.State(c.cfg.Allocator.CIDRangeStart, c.cfg.Allocator.CIDRangeSize)
	if err := atomicWriteJSON(c.cidStatePath(), cidState); err != nil {
		return fmt.Errorf("control: save cid allocator state: %w", err)
	}
	portState := c.ports.State(c.cfg.Allocator.PortRangeStart, c.cfg.Allocator.PortRangeSize)
	if err := atomicWriteJSON(c.portStatePath(), portState); err != nil {
		return fmt.Errorf("control: save port allocator state: %w", err)
	}
	return nil
}

// CreateSpec describes a new VM to create from an already-materialized
// rootfs image. Building that rootfs from a container image is an external
// concern (spec.md's Non-goals exclude implementing the VMM/guest image
// pipeline); ControlPlane takes a ready rootfs path and instantiates it.
type CreateSpec struct {
	ID               string
	Name             string
	Image            string // opaque descriptor recorded in the VM record
	RootfsImagePath  string // base rootfs to copy into an instance-specific file
	VcpuCount        int
	MemSizeMib       int
	EnableNetworking bool
	Network          *NetworkConfig
}

// CreateVM builds an instance-specific rootfs copy, boots it via the
// Supervisor, and persists its VM record. Grounded on core.py's
// BandSox.create_vm (build/copy rootfs, start_process, configure, start,
// save metadata) minus the Docker-image build step, which this control
// plane doesn't perform.
func (c *ControlPlane) CreateVM(ctx context.Context, spec CreateSpec) (*VMRecord, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.VcpuCount <= 0 {
		spec.VcpuCount = 1
	}
	if spec.MemSizeMib <= 0 {
		spec.MemSizeMib = 128
	}

	instanceRootfs := filepath.Join(c.cfg.Bandsox.RootfsDir, spec.ID+".ext4")
	if err := copyFile(spec.RootfsImagePath, instanceRootfs); err != nil {
		return nil, fmt.Errorf("control: copy rootfs image: %w", err)
	}

	vm, err := c.super.Create(ctx, supervisor.CreateSpec{
		ID:               spec.ID,
		RootfsPath:       instanceRootfs,
		VcpuCount:        spec.VcpuCount,
		MemSizeMib:       spec.MemSizeMib,
		EnableNetworking: spec.EnableNetworking,
		Network:          toSupervisorNetwork(spec.Network),
	})
	if err != nil {
		os.Remove(instanceRootfs)
		return nil, err
	}

	if err := c.SaveAllocatorState(); err != nil {
		logging.Op().Warn("allocator state flush after create failed", "vm_id", vm.ID, "err", err)
	}

	rec := &VMRecord{
		ID:            vm.ID,
		Name:          spec.Name,
		Image:         spec.Image,
		VcpuCount:     vm.VcpuCount,
		MemSizeMib:    vm.MemSizeMib,
		RootfsPath:    vm.RootfsPath,
		NetworkConfig: spec.Network,
		VsockConfig: &VsockConfig{
			Enabled: true,
			CID:     vm.CID,
			Port:    vm.Port,
			UdsPath: vm.VsockUdsPath,
		},
		Status:     string(supervisor.StateRunning),
		Pid:        vm.Pid,
		CreatedAt:  vm.CreatedAt.Unix(),
		AgentReady: vm.Router().IsReady(),
	}
	if err := c.saveVMRecord(rec); err != nil {
		return nil, fmt.Errorf("control: save vm record: %w", err)
	}
	return rec, nil
}

// ImageSpec names a pre-built rootfs and an opaque image descriptor;
// CreateVMFromImageSpec is the spec.md-named entrypoint for creating a VM
// directly from that pair, as distinct from CreateVM's fuller CreateSpec.
type ImageSpec struct {
	Image      string
	RootfsPath string
}

// CreateVMFromImageSpec creates a VM from an ImageSpec with default
// resource sizing.
func (c *ControlPlane) CreateVMFromImageSpec(ctx context.Context, spec ImageSpec, name string) (*VMRecord, error) {
	return c.CreateVM(ctx, CreateSpec{
		Name:            name,
		Image:           spec.Image,
		RootfsImagePath: spec.RootfsPath,
	})
}

// ListVMs returns every known VM record, reconciling status: a record that
// claims running/paused but has no live control socket is reported
// stopped, matching core.py's list_vms socket-existence check.
func (c *ControlPlane) ListVMs() ([]VMRecord, error) {
	entries, err := os.ReadDir(c.metadataDir())
	if err != nil {
		return nil, err
	}

	out := make([]VMRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".json")]
		rec, err := c.readVMRecord(id)
		if err != nil {
			logging.Op().Warn("skipping unreadable vm record", "id", id, "err", err)
			continue
		}
		c.reconcileStatus(rec)
		out = append(out, *rec)
	}
	return out, nil
}

// GetVMRecord returns the persisted record for id, reconciled against
// socket existence, without touching the Supervisor.
func (c *ControlPlane) GetVMRecord(id string) (*VMRecord, error) {
	rec, err := c.readVMRecord(id)
	if err != nil {
		return nil, ErrVMNotFound{ID: id}
	}
	c.reconcileStatus(rec)
	return rec, nil
}

func (c *ControlPlane) reconcileStatus(rec *VMRecord) {
	socketPath := filepath.Join(c.cfg.Bandsox.SocketDir, rec.ID+".sock")
	if _, err := os.Stat(socketPath); err != nil && rec.Status != string(supervisor.StateStopped) {
		rec.Status = string(supervisor.StateStopped)
	}
}

// GetVM returns a live Supervisor handle for id, re-attaching to a running
// VMM process via its console socket if this control plane doesn't already
// have one in memory (e.g. after a restart), per spec.md §4.9's
// re-attachment contract.
func (c *ControlPlane) GetVM(ctx context.Context, id string) (*supervisor.VM, error) {
	if vm, err := c.super.Get(id); err == nil {
		return vm, nil
	}

	rec, err := c.readVMRecord(id)
	if err != nil {
		return nil, ErrVMNotFound{ID: id}
	}

	socketPath := filepath.Join(c.cfg.Bandsox.SocketDir, id+".sock")
	if _, err := os.Stat(socketPath); err != nil {
		return nil, ErrVMNotFound{ID: id}
	}

	reattach := supervisor.ReattachSpec{
		ID:          id,
		Pid:         rec.Pid,
		SocketPath:  socketPath,
		ConsoleSock: filepath.Join(c.cfg.Bandsox.SocketDir, id+".console.sock"),
		RootfsPath:  rec.RootfsPath,
	}
	if rec.VsockConfig != nil {
		reattach.VsockUdsPath = rec.VsockConfig.UdsPath
		reattach.CID = rec.VsockConfig.CID
		reattach.Port = rec.VsockConfig.Port
	}
	if rec.NetworkConfig != nil {
		reattach.Network = toSupervisorNetworkValue(*rec.NetworkConfig)
	}

	return c.super.Reattach(ctx, reattach)
}

// DeleteVM stops the VM if running (ignoring stop errors, matching
// core.py's delete_vm), then removes its socket, metadata, and instance
// rootfs.
func (c *ControlPlane) DeleteVM(ctx context.Context, id string) error {
	rec, err := c.readVMRecord(id)
	if err != nil {
		return ErrVMNotFound{ID: id}
	}

	if err := c.super.Stop(ctx, id); err != nil {
		logging.Op().Warn("delete_vm: stop failed, continuing with cleanup", "vm_id", id, "err", err)
	}
	if err := c.SaveAllocatorState(); err != nil {
		logging.Op().Warn("allocator state flush after delete failed", "vm_id", id, "err", err)
	}

	os.Remove(filepath.Join(c.cfg.Bandsox.SocketDir, id+".sock"))
	os.Remove(filepath.Join(c.cfg.Bandsox.SocketDir, id+".console.sock"))
	os.Remove(c.metadataPath(id))
	if rec.RootfsPath != "" {
		os.Remove(rec.RootfsPath)
	}
	return nil
}

func (c *ControlPlane) metadataPath(id string) string {
	return filepath.Join(c.metadataDir(), id+".json")
}

func (c *ControlPlane) readVMRecord(id string) (*VMRecord, error) {
	data, err := os.ReadFile(c.metadataPath(id))
	if err != nil {
		return nil, err
	}
	var rec VMRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *ControlPlane) saveVMRecord(rec *VMRecord) error {
	return atomicWriteJSON(c.metadataPath(rec.ID), rec)
}

func toSupervisorNetwork(nc *NetworkConfig) supervisor.NetworkConfig {
	if nc == nil {
		return supervisor.NetworkConfig{}
	}
	return toSupervisorNetworkValue(*nc)
}

func toSupervisorNetworkValue(nc NetworkConfig) supervisor.NetworkConfig {
	return supervisor.NetworkConfig{
		TapDevice: nc.TapName,
		GuestIP:   nc.GuestIP,
		HostIP:    nc.HostIP,
		GuestMAC:  nc.GuestMAC,
	}
}

func atomicWriteJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
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
