package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bandsox/bandsox/internal/console"
	"github.com/bandsox/bandsox/internal/logging"
	"github.com/bandsox/bandsox/internal/metrics"
	"github.com/bandsox/bandsox/internal/session"
	"github.com/bandsox/bandsox/internal/vmmapi"
)

// Pause suspends the VM's vCPUs.
func (s *Supervisor) Pause(ctx context.Context, id string) error {
	vm, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := vmmapi.New(vm.SocketPath).Pause(ctx); err != nil {
		return err
	}
	vm.setState(StatePaused)
	return nil
}

// Resume resumes a paused VM's vCPUs.
func (s *Supervisor) Resume(ctx context.Context, id string) error {
	vm, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := vmmapi.New(vm.SocketPath).Resume(ctx); err != nil {
		return err
	}
	vm.setState(StateRunning)
	return nil
}

// ReattachSpec carries the persisted record a restarted control plane has
// to work with when it finds a VMM's control socket still present but no
// in-memory VM struct for it.
type ReattachSpec struct {
	ID           string
	Pid          int
	SocketPath   string
	ConsoleSock  string
	VsockUdsPath string
	Port         uint32
	CID          uint32
	RootfsPath   string
	Network      NetworkConfig
}

// Reattach reconstructs a VM handle for a VMM process this Supervisor
// didn't spawn itself — e.g. after a control-plane restart. It dials the
// console socket the multiplexer already exposed externally instead of
// owning the process's original stdio pipes (there are none; the owning
// process is gone), so no Cmd is set and stop falls back to PID-based
// signaling. The in-guest agent's readiness is established with
// session.Router.PollReady since no fresh "ready" line will ever arrive.
func (s *Supervisor) Reattach(ctx context.Context, spec ReattachSpec) (*VM, error) {
	conn, err := net.Dial("unix", spec.ConsoleSock)
	if err != nil {
		return nil, fmt.Errorf("supervisor: reattach console dial: %w", err)
	}

	vm := &VM{
		ID:           spec.ID,
		CID:          spec.CID,
		Port:         spec.Port,
		SocketPath:   spec.SocketPath,
		ConsoleSock:  spec.ConsoleSock,
		VsockUdsPath: spec.VsockUdsPath,
		RootfsPath:   spec.RootfsPath,
		Network:      spec.Network,
		Pid:          spec.Pid,
		State:        StateRunning,
		CreatedAt:    time.Now(),
	}

	router := session.New(func(b []byte) (int, error) { return conn.Write(b) })
	mux := console.New(conn, conn, func(line []byte) { router.HandleLine(line) })
	mux.Start()
	vm.console = mux
	vm.router = router

	// The transfer-plane listener is a per-process construct of this
	// control plane, not something the VMM itself owns; it must be
	// restarted fresh even though the VMM process survived our restart.
	if err := s.startVsockListener(vm); err != nil {
		logging.Op().Warn("reattach: vsock listener restart failed", "vm_id", vm.ID, "err", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	router.PollReady(readyCtx, func(pingCtx context.Context) bool {
		_, err := router.SendRequest(pingCtx, session.Request{Type: session.ReqListDir, Path: "/"}, nil)
		return err == nil
	}, 300*time.Millisecond)
	cancel()

	s.mu.Lock()
	s.vms[vm.ID] = vm
	s.mu.Unlock()

	logging.Op().Info("vm reattached", "vm_id", vm.ID, "pid", vm.Pid)
	return vm, nil
}

// Stop shuts the VM down: SIGTERM, wait up to ShutdownGrace, SIGKILL on
// expiry, then release its allocated resources and listeners. Works both
// for VMs this Supervisor spawned (vm.Cmd set) and for re-attached VMs
// known only by PID, matching spec.md §4.9's re-attachment contract —
// the teacher's goroutine/channel/select/deadline pattern
// (firecracker/vm_lifecycle.go's StopVM) is used in both cases rather
// than the Python original's unconditional SIGKILL-after-sleep.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	vm, ok := s.vms[id]
	if ok {
		delete(s.vms, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrVMNotFound{ID: id}
	}

	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}

	pid := vm.Pid
	if vm.Cmd != nil && vm.Cmd.Process != nil {
		pid = vm.Cmd.Process.Pid
	}

	if pid > 0 {
		// SIGTERM the process group if we own the process (Setpgid was set
		// at spawn time); fall back to the bare pid for a re-attached VM
		// whose process group we never set up ourselves.
		if vm.Cmd != nil {
			syscall.Kill(-pid, syscall.SIGTERM)
		} else {
			syscall.Kill(pid, syscall.SIGTERM)
		}

		done := make(chan struct{})
		go func() {
			if vm.Cmd != nil {
				vm.Cmd.Wait()
			} else {
				waitForPidExit(pid)
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(grace):
			if vm.Cmd != nil {
				syscall.Kill(-pid, syscall.SIGKILL)
				vm.Cmd.Wait()
			} else {
				syscall.Kill(pid, syscall.SIGKILL)
			}
		}
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
	os.Remove(vm.ConsoleSock)
	os.Remove(vm.VsockUdsPath)
	if !vm.PreserveRootfs {
		os.Remove(vm.RootfsPath)
	}
	os.Remove(filepath.Join(s.uploadDestDir(vm)))

	vmmapi.New(vm.SocketPath).Close()
	vm.setState(StateStopped)

	metrics.Global().RecordVMStopped()
	logging.Op().Info("vm stopped", "vm_id", vm.ID)
	return nil
}

// waitForPidExit polls for a process we don't own (no SIGCHLD delivery
// available via Cmd.Wait) to disappear. Used only for re-attached VMs.
func waitForPidExit(pid int) {
	for {
		if err := syscall.Kill(pid, 0); err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// monitorProcess watches an owned VMM process and cleans up if it exits
// without going through Stop, mirroring
// firecracker/vm_lifecycle.go's monitorProcess.
func (s *Supervisor) monitorProcess(vm *VM) {
	if vm.Cmd == nil {
		return
	}
	err := vm.Cmd.Wait()

	s.mu.Lock()
	_, stillTracked := s.vms[vm.ID]
	if stillTracked {
		delete(s.vms, vm.ID)
	}
	s.mu.Unlock()

	if !stillTracked {
		return // Stop() already reaped and cleaned this VM up
	}

	logging.Op().Error("vm died unexpectedly", "vm_id", vm.ID, "err", err)
	metrics.Global().RecordVMCrashed()

	if vm.console != nil {
		vm.console.Close()
	}
	if vm.vsock != nil {
		vm.vsock.Stop()
	}
	s.cids.Release(vm.CID)
	s.ports.Release(vm.Port)
	os.Remove(vm.SocketPath)
	os.Remove(vm.VsockUdsPath)
	vmmapi.New(vm.SocketPath).Close()

	vm.setState(StateCrashed)
}
