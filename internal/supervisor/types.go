// Package supervisor implements MicroVmSupervisor: it owns one VMM process
// per VM, wires together vmmapi, alloc, console, vsocklisten and session for
// that VM, and drives the create/start/pause/resume/stop/snapshot/restore
// state machine described in spec.md §4.8.
package supervisor

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/bandsox/bandsox/internal/console"
	"github.com/bandsox/bandsox/internal/session"
	"github.com/bandsox/bandsox/internal/vsocklisten"
)

// State is one of the VM lifecycle states named in spec.md §3.
type State string

const (
	StateConfigured State = "configured"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateStopped    State = "stopped"
	StateCrashed    State = "crashed"
)

// NetworkConfig records the guest-visible network identity assigned at
// create time, persisted so it can be reconciled across snapshot restore.
type NetworkConfig struct {
	TapDevice string `json:"tap_device,omitempty"`
	GuestIP   string `json:"guest_ip,omitempty"`
	HostIP    string `json:"host_ip,omitempty"`
	GuestMAC  string `json:"guest_mac,omitempty"`
}

// VM is one supervised microVM: its process handle (if this supervisor
// owns it), its configuration sockets, and the subsystems layered on top
// of its console and vsock transport.
type VM struct {
	ID   string
	CID  uint32
	Port uint32

	SocketPath   string // VMM control-API socket
	ConsoleSock  string // console multiplexer's external socket
	VsockUdsPath string // VMM-side vsock device uds_path
	RootfsPath   string
	KernelPath   string
	VcpuCount    int
	MemSizeMib   int

	Network NetworkConfig

	mu    sync.Mutex
	State State

	Cmd     *exec.Cmd // nil when re-attached without owning the process
	Pid     int
	console *console.Multiplexer
	router  *session.Router
	vsock   *vsocklisten.Listener

	CreatedAt time.Time

	// PreserveRootfs keeps the instance rootfs file around after Stop. Nothing
	// in this package sets it; Snapshot copies the rootfs into the snapshot
	// directory, so a snapshot does not reference the instance file.
	PreserveRootfs bool

	// RestoredFrom is the snapshot id this VM was restored from, if any.
	RestoredFrom string
}

func (vm *VM) setState(s State) {
	vm.mu.Lock()
	vm.State = s
	vm.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the VM's mutable state, safe to
// read without holding the VM's lock afterward.
func (vm *VM) Snapshot() VM {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	cp := *vm
	cp.mu = sync.Mutex{}
	return cp
}

// Router returns the VM's AgentSessionRouter, wired over its console.
func (vm *VM) Router() *session.Router { return vm.router }

// Console returns the VM's ConsoleMultiplexer.
func (vm *VM) Console() *console.Multiplexer { return vm.console }

// ErrSnapshotBackingMissing is returned internally while the restore
// pipeline's symlink-recovery attempt is in flight; callers only ever see
// the final error after recovery succeeds or fails.
type ErrSnapshotBackingMissing struct {
	Path string
}

func (e ErrSnapshotBackingMissing) Error() string {
	return fmt.Sprintf("supervisor: snapshot backing file missing: %s", e.Path)
}

// ErrVMNotFound is returned by Supervisor methods given an unknown VM id.
type ErrVMNotFound struct{ ID string }

func (e ErrVMNotFound) Error() string { return fmt.Sprintf("supervisor: vm not found: %s", e.ID) }
