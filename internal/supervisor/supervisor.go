package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bandsox/bandsox/internal/alloc"
	"github.com/bandsox/bandsox/internal/config"
	"github.com/bandsox/bandsox/internal/console"
	"github.com/bandsox/bandsox/internal/logging"
	"github.com/bandsox/bandsox/internal/metrics"
	"github.com/bandsox/bandsox/internal/session"
	"github.com/bandsox/bandsox/internal/vmmapi"
	"github.com/bandsox/bandsox/internal/vsocklisten"
)

// Supervisor owns every VM spawned or re-attached by one control plane
// process. It is the C8 MicroVmSupervisor: one Supervisor instance is
// shared by the whole daemon, and it hands out per-VM handles.
type Supervisor struct {
	cfg *config.BandsoxConfig

	cids  *alloc.CIDPool
	ports *alloc.PortPool

	mu  sync.RWMutex
	vms map[string]*VM
}

// New creates a Supervisor. cids/ports are shared allocators owned by the
// ControlPlane so state survives Supervisor recreation across restarts.
func New(cfg *config.BandsoxConfig, cids *alloc.CIDPool, ports *alloc.PortPool) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		cids:  cids,
		ports: ports,
		vms:   make(map[string]*VM),
	}
}

// CreateSpec describes a new VM to boot.
type CreateSpec struct {
	ID               string // caller-assigned; generated if empty
	RootfsPath       string
	KernelPath       string // defaults to cfg.KernelPath
	VcpuCount        int
	MemSizeMib       int
	EnableNetworking bool
	Network          NetworkConfig
}

func (s *Supervisor) vmPaths(id string) (socketPath, consoleSock, vsockUds string) {
	socketPath = filepath.Join(s.cfg.SocketDir, id+".sock")
	consoleSock = filepath.Join(s.cfg.SocketDir, id+".console.sock")
	vsockUds = filepath.Join(s.cfg.SocketDir, "..", "vsock", "vsock_"+id+".sock")
	return
}

// Create runs the C8 create pipeline: allocate CID/port, spawn the VMM
// process, configure its devices, start the transfer-plane listener, and
// boot it. It returns without waiting for the in-guest agent; callers that
// need the agent use the VM's Router().WaitReady.
func (s *Supervisor) Create(ctx context.Context, spec CreateSpec) (*VM, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.KernelPath == "" {
		spec.KernelPath = s.cfg.KernelPath
	}
	if spec.VcpuCount <= 0 {
		spec.VcpuCount = 1
	}
	if spec.MemSizeMib <= 0 {
		spec.MemSizeMib = 128
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

	socketPath, consoleSock, vsockUds := s.vmPaths(spec.ID)
	if err := os.MkdirAll(filepath.Dir(vsockUds), 0755); err != nil {
		s.cids.Release(cid)
		s.ports.Release(port)
		return nil, err
	}

	vm := &VM{
		ID:           spec.ID,
		CID:          cid,
		Port:         port,
		SocketPath:   socketPath,
		ConsoleSock:  consoleSock,
		VsockUdsPath: vsockUds,
		RootfsPath:   spec.RootfsPath,
		KernelPath:   spec.KernelPath,
		VcpuCount:    spec.VcpuCount,
		MemSizeMib:   spec.MemSizeMib,
		Network:      spec.Network,
		State:        StateConfigured,
		CreatedAt:    time.Now(),
	}

	if err := s.startProcess(ctx, vm); err != nil {
		s.cids.Release(cid)
		s.ports.Release(port)
		return nil, err
	}

	client := vmmapi.New(socketPath)
	if err := vmmapi.WaitForSocket(ctx, socketPath, vm.Cmd.Process, s.cfg.BootTimeout); err != nil {
		s.teardownAfterFailedCreate(vm)
		return nil, err
	}

	if err := client.PutBootSource(ctx, vmmapi.BootSource{KernelImagePath: spec.KernelPath}); err != nil {
		s.teardownAfterFailedCreate(vm)
		return nil, err
	}
	if err := client.PutDrive(ctx, vmmapi.Drive{DriveID: "rootfs", PathOnHost: spec.RootfsPath, IsRootDevice: true}); err != nil {
		s.teardownAfterFailedCreate(vm)
		return nil, err
	}
	if err := client.PutMachineConfig(ctx, vmmapi.MachineConfig{VcpuCount: spec.VcpuCount, MemSizeMib: spec.MemSizeMib}); err != nil {
		s.teardownAfterFailedCreate(vm)
		return nil, err
	}
	if spec.EnableNetworking && spec.Network.TapDevice != "" {
		if err := client.PutNetworkInterface(ctx, vmmapi.NetworkInterface{
			IfaceID:     "eth0",
			HostDevName: spec.Network.TapDevice,
			GuestMAC:    spec.Network.GuestMAC,
		}); err != nil {
			s.teardownAfterFailedCreate(vm)
			return nil, err
		}
	}
	if err := client.PutVsock(ctx, vmmapi.Vsock{GuestCID: cid, UdsPath: vsockUds}); err != nil {
		s.teardownAfterFailedCreate(vm)
		return nil, err
	}

	if err := s.startVsockListener(vm); err != nil {
		s.teardownAfterFailedCreate(vm)
		return nil, err
	}

	if err := client.StartInstance(ctx); err != nil {
		s.teardownAfterFailedCreate(vm)
		return nil, err
	}

	vm.setState(StateRunning)
	go s.monitorProcess(vm)

	s.mu.Lock()
	s.vms[vm.ID] = vm
	s.mu.Unlock()

	metrics.Global().RecordVMCreated()
	logging.Op().Info("vm created", "vm_id", vm.ID, "cid", cid, "port", port)
	return vm, nil
}

// startProcess spawns the VMM binary with its stdin/stdout piped (the
// serial console carrying the agent's newline-delimited JSON) and wires
// the console multiplexer and AgentSessionRouter around those pipes.
// stderr goes to a per-VM log file, matching the teacher's
// one-log-file-per-process convention.
func (s *Supervisor) startProcess(ctx context.Context, vm *VM) error {
	os.Remove(vm.SocketPath)
	cmd := exec.Command(s.cfg.VmmBin, "--api-sock", vm.SocketPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdout pipe: %w", err)
	}

	logPath := filepath.Join(s.cfg.SocketDir, "..", "logs", vm.ID+".stderr.log")
	os.MkdirAll(filepath.Dir(logPath), 0755)
	if logFile, err := os.Create(logPath); err == nil {
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start vmm process: %w", err)
	}

	vm.Cmd = cmd
	vm.Pid = cmd.Process.Pid

	router := session.New(func(b []byte) (int, error) { return vm.console.Write(b) })
	mux := console.New(stdin, stdout, func(line []byte) {
		router.HandleLine(line)
	})
	vm.console = mux
	vm.router = router

	mux.Start()
	if err := mux.ServeSocket(vm.ConsoleSock); err != nil {
		logging.Op().Warn("console socket bind failed", "vm_id", vm.ID, "err", err)
	}

	return nil
}

func (s *Supervisor) uploadDestDir(vm *VM) string {
	return filepath.Join(s.cfg.SocketDir, "..", "transfers", vm.ID)
}

// startVsockListener binds the per-VM transfer-plane listener. Uploads
// (guest pushing a file to the host) land under a per-VM staging
// directory unless the caller pre-registered a specific destination via
// the listener's pending-upload map; downloads serve whatever host path
// the guest names.
func (s *Supervisor) startVsockListener(vm *VM) error {
	destDir := s.uploadDestDir(vm)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}

	onUpload := func(path string, data []byte) (string, error) {
		dest := filepath.Join(destDir, filepath.Base(path))
		if err := os.WriteFile(dest, data, 0644); err != nil {
			return "", err
		}
		return dest, nil
	}
	onDownload := func(path string) ([]byte, error) {
		return os.ReadFile(path)
	}

	vm.vsock = vsocklisten.New(vm.VsockUdsPath, vm.Port, onUpload, onDownload)
	return vm.vsock.Start()
}

func (s *Supervisor) teardownAfterFailedCreate(vm *VM) {
	if vm.Cmd != nil && vm.Cmd.Process != nil {
		vm.Cmd.Process.Kill()
		vm.Cmd.Wait()
	}
	if vm.console != nil {
		vm.console.Close()
	}
	if vm.vsock != nil {
		vm.vsock.Stop()
	}
	s.cids.Release(vm.CID)
	s.ports.Release(vm.Port)
	os.Remove(vm.SocketPath)
}

// Get returns the supervised VM handle for id, or ErrVMNotFound.
func (s *Supervisor) Get(id string) (*VM, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.vms[id]
	if !ok {
		return nil, ErrVMNotFound{ID: id}
	}
	return vm, nil
}

// List returns every VM this Supervisor currently tracks.
func (s *Supervisor) List() []*VM {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*VM, 0, len(s.vms))
	for _, vm := range s.vms {
		out = append(out, vm)
	}
	return out
}

// Shutdown stops every tracked VM in parallel, matching the teacher's
// firecracker.Manager.Shutdown fan-out-and-join pattern.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.vms))
	for id := range s.vms {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(vmID string) {
			defer wg.Done()
			if err := s.Stop(ctx, vmID); err != nil {
				logging.Op().Warn("shutdown: stop failed", "vm_id", vmID, "err", err)
			}
		}(id)
	}
	wg.Wait()
}
