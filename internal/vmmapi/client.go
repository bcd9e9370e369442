// Package vmmapi is a thin typed client for the VMM's HTTP-over-Unix-socket
// configuration API: boot-source, drives, machine-config, network
// interfaces, vsock, actions, pause/resume, and snapshot create/load.
//
// The client talks plain net/http over a custom Unix-socket dialer rather
// than reaching for a third-party HTTP client; this is the control plane's
// own idiom for this exact kind of endpoint (see the cached
// client-per-socket-path pattern below), not a stdlib fallback.
package vmmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"
)

// Client talks to one VMM instance's config API over its Unix socket.
type Client struct {
	socketPath string
}

// New returns a Client bound to the VMM's API socket at socketPath.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// socketClients caches one *http.Client per socket path so repeated calls
// reuse connections instead of dialing fresh for every request.
var (
	socketClients   = make(map[string]*http.Client)
	socketClientsMu sync.Mutex
)

func httpClientForSocket(socketPath string) *http.Client {
	socketClientsMu.Lock()
	defer socketClientsMu.Unlock()

	if c, ok := socketClients[socketPath]; ok {
		return c
	}
	c := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
			MaxIdleConns:        2,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	socketClients[socketPath] = c
	return c
}

// Close releases the cached HTTP client for this VMM's socket, called once
// the VMM process has exited.
func (c *Client) Close() {
	socketClientsMu.Lock()
	defer socketClientsMu.Unlock()
	if client, ok := socketClients[c.socketPath]; ok {
		client.CloseIdleConnections()
		delete(socketClients, c.socketPath)
	}
}

func (c *Client) call(ctx context.Context, method, path string, body any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("vmmapi: marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := httpClientForSocket(c.socketPath)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &Error{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(b)}
	}
	return nil
}

// BootSource is the PUT /boot-source payload.
type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args,omitempty"`
}

// Drive is the PUT /drives/{id} payload.
type Drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

// NetworkInterface is the PUT /network-interfaces/{id} payload.
type NetworkInterface struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
	GuestMAC    string `json:"guest_mac,omitempty"`
}

// Vsock is the PUT /vsock payload.
type Vsock struct {
	GuestCID uint32 `json:"guest_cid"`
	UdsPath  string `json:"uds_path"`
	VsockID  string `json:"vsock_id,omitempty"`
}

// MachineConfig is the PUT /machine-config payload.
type MachineConfig struct {
	VcpuCount  int  `json:"vcpu_count"`
	MemSizeMib int  `json:"mem_size_mib"`
	SMT        bool `json:"smt,omitempty"`
}

type action struct {
	ActionType string `json:"action_type"`
}

type vmState struct {
	State string `json:"state"`
}

// PutBootSource configures the kernel image and boot args.
func (c *Client) PutBootSource(ctx context.Context, b BootSource) error {
	return c.call(ctx, http.MethodPut, "/boot-source", b)
}

// PutDrive attaches or updates a block device.
func (c *Client) PutDrive(ctx context.Context, d Drive) error {
	return c.call(ctx, http.MethodPut, "/drives/"+d.DriveID, d)
}

// DrivePatch is the PATCH /drives/{id} payload for rebinding a drive's
// backing file without a full reconfiguration (used after snapshot
// restore to repoint the rootfs drive at the instance-specific copy).
type DrivePatch struct {
	DriveID    string `json:"drive_id"`
	PathOnHost string `json:"path_on_host"`
}

// PatchDrive updates an already-attached drive's backing file path.
func (c *Client) PatchDrive(ctx context.Context, d DrivePatch) error {
	return c.call(ctx, http.MethodPatch, "/drives/"+d.DriveID, d)
}

// PutNetworkInterface attaches a network interface.
func (c *Client) PutNetworkInterface(ctx context.Context, n NetworkInterface) error {
	return c.call(ctx, http.MethodPut, "/network-interfaces/"+n.IfaceID, n)
}

// PutVsock configures the guest's vsock device.
func (c *Client) PutVsock(ctx context.Context, v Vsock) error {
	return c.call(ctx, http.MethodPut, "/vsock", v)
}

// PutMachineConfig sets vCPU count and memory size.
func (c *Client) PutMachineConfig(ctx context.Context, m MachineConfig) error {
	return c.call(ctx, http.MethodPut, "/machine-config", m)
}

// StartInstance issues the InstanceStart action, booting the configured VM.
func (c *Client) StartInstance(ctx context.Context) error {
	return c.call(ctx, http.MethodPut, "/actions", action{ActionType: "InstanceStart"})
}

// Pause suspends the vCPUs.
func (c *Client) Pause(ctx context.Context) error {
	return c.call(ctx, http.MethodPatch, "/vm", vmState{State: "Paused"})
}

// Resume resumes the vCPUs.
func (c *Client) Resume(ctx context.Context) error {
	return c.call(ctx, http.MethodPatch, "/vm", vmState{State: "Resumed"})
}

// SnapshotCreateRequest is the PUT /snapshot/create payload.
type SnapshotCreateRequest struct {
	SnapshotPath string `json:"snapshot_path"`
	MemFilePath  string `json:"mem_file_path"`
	SnapshotType string `json:"snapshot_type,omitempty"`
}

// CreateSnapshot pauses must already have happened; this issues the
// snapshot dump itself.
func (c *Client) CreateSnapshot(ctx context.Context, req SnapshotCreateRequest) error {
	return c.call(ctx, http.MethodPut, "/snapshot/create", req)
}

// NetworkOverride rebinds a network interface's host-side tap device when
// loading a snapshot onto a new host/VM instance.
type NetworkOverride struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
}

// SnapshotLoadRequest is the PUT /snapshot/load payload.
type SnapshotLoadRequest struct {
	SnapshotPath      string            `json:"snapshot_path"`
	MemFilePath       string            `json:"mem_file_path"`
	EnableDiffSnapshots bool            `json:"enable_diff_snapshots,omitempty"`
	ResumeVM          bool              `json:"resume_vm"`
	NetworkOverrides  []NetworkOverride `json:"network_overrides,omitempty"`
}

// LoadSnapshot restores a previously created snapshot into a freshly spawned
// VMM process.
func (c *Client) LoadSnapshot(ctx context.Context, req SnapshotLoadRequest) error {
	return c.call(ctx, http.MethodPut, "/snapshot/load", req)
}

// WaitForSocket polls for the VMM's API socket to exist and accept
// connections, aborting early if the VMM process has exited.
func WaitForSocket(ctx context.Context, path string, proc *os.Process, timeout time.Duration) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		deadline = time.Now().Add(timeout)
	}

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if proc != nil {
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				return &ProcessDiedError{Pid: proc.Pid, Err: err}
			}
		}
		if _, err := os.Stat(path); err == nil {
			conn, err := net.Dial("unix", path)
			if err == nil {
				conn.Close()
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("vmmapi: timed out waiting for socket %s", path)
}
