// Package control implements ControlPlane (spec.md §4.9): the registry,
// persistence, and reconciliation layer above a single MicroVmSupervisor. It owns the on-disk storage layout under a configurable root
// (images/, snapshots/, sockets/, metadata/, vsock/, cid_allocator.json,
// port_allocator.json) and is the process-level entrypoint for create,
// list, delete, snapshot, and restore operations.
package control

import "fmt"

// VMRecord is the persisted VM record (spec.md §3 Data Model), the
// authoritative projection of a VM's state when no live Supervisor owns it.
type VMRecord struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	Image         string         `json:"image,omitempty"`
	VcpuCount     int            `json:"vcpu"`
	MemSizeMib    int            `json:"mem_mib"`
	RootfsPath    string         `json:"rootfs_path"`
	NetworkConfig *NetworkConfig `json:"network_config,omitempty"`
	VsockConfig   *VsockConfig   `json:"vsock_config,omitempty"`
	Status        string         `json:"status"`
	Pid           int            `json:"pid,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	AgentReady    bool           `json:"agent_ready"`
	RestoredFrom  string         `json:"restored_from,omitempty"`
}

// NetworkConfig is the persisted network identity portion of a VMRecord.
type NetworkConfig struct {
	HostIP   string `json:"host_ip,omitempty"`
	GuestIP  string `json:"guest_ip,omitempty"`
	GuestMAC string `json:"guest_mac,omitempty"`
	TapName  string `json:"tap_name,omitempty"`
}

// VsockConfig is the persisted vsock identity portion of a VMRecord.
type VsockConfig struct {
	Enabled      bool   `json:"enabled"`
	CID          uint32 `json:"cid"`
	Port         uint32 `json:"port"`
	UdsPath      string `json:"uds_path"`
	BakedUdsPath string `json:"baked_uds_path,omitempty"`
}

// SnapshotRecord is the catalog entry for a snapshot directory.
type SnapshotRecord struct {
	SnapshotName string `json:"snapshot_name"`
	SourceVMID   string `json:"source_vm_id"`
	Path         string `json:"path"`
	Status       string `json:"status,omitempty"`
}

// ErrVMNotFound is returned when an operation names an unknown VM id.
type ErrVMNotFound struct{ ID string }

func (e ErrVMNotFound) Error() string { return fmt.Sprintf("control: vm not found: %s", e.ID) }

// ErrSnapshotNotFound is returned when an operation names an unknown
// snapshot id.
type ErrSnapshotNotFound struct{ ID string }

func (e ErrSnapshotNotFound) Error() string {
	return fmt.Sprintf("control: snapshot not found: %s", e.ID)
}
