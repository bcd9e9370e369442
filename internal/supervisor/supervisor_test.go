package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bandsox/bandsox/internal/alloc"
	"github.com/bandsox/bandsox/internal/config"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.BandsoxConfig{
		VmmBin:        "/bin/true",
		SocketDir:     filepath.Join(dir, "sockets"),
		RootfsDir:     filepath.Join(dir, "images"),
		SnapshotDir:   filepath.Join(dir, "snapshots"),
		BootTimeout:   time.Second,
		ShutdownGrace: 50 * time.Millisecond,
	}
	for _, d := range []string{cfg.SocketDir, cfg.RootfsDir, cfg.SnapshotDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	return New(cfg, alloc.NewCIDPool(3, 8), alloc.NewPortPool(9000, 8))
}

func TestGetUnknownVMReturnsTypedError(t *testing.T) {
	s := newTestSupervisor(t)
	_, err := s.Get("does-not-exist")
	if _, ok := err.(ErrVMNotFound); !ok {
		t.Fatalf("expected ErrVMNotFound, got %v", err)
	}
}

func TestStopUnknownVMReturnsTypedError(t *testing.T) {
	s := newTestSupervisor(t)
	err := s.Stop(context.Background(), "does-not-exist")
	if _, ok := err.(ErrVMNotFound); !ok {
		t.Fatalf("expected ErrVMNotFound, got %v", err)
	}
}

func TestListReflectsTrackedVMs(t *testing.T) {
	s := newTestSupervisor(t)
	if got := s.List(); len(got) != 0 {
		t.Fatalf("expected empty list, got %d", len(got))
	}

	vm := &VM{ID: "vm-1", State: StateRunning}
	s.mu.Lock()
	s.vms["vm-1"] = vm
	s.mu.Unlock()

	got := s.List()
	if len(got) != 1 || got[0].ID != "vm-1" {
		t.Fatalf("List() = %v, want one vm-1 entry", got)
	}
}

func TestVMSnapshotIsIndependentCopy(t *testing.T) {
	vm := &VM{ID: "vm-1", State: StateRunning}
	cp := vm.Snapshot()
	vm.setState(StateStopped)

	if cp.State != StateRunning {
		t.Errorf("snapshot state = %q, want %q (unaffected by later mutation)", cp.State, StateRunning)
	}
	if vm.State != StateStopped {
		t.Errorf("live vm state = %q, want %q", vm.State, StateStopped)
	}
}

func TestCopyFileAtomicRename(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	want := []byte("rootfs bytes")
	if err := os.WriteFile(src, want, 0644); err != nil {
		t.Fatal(err)
	}

	if err := copyFile(src, dst); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Errorf("dst content = %q, want %q", got, want)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "src.bin" && e.Name() != "dst.bin" {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestMissingBackingFileReturnsFalseForNonAPIError(t *testing.T) {
	if _, ok := missingBackingFile(os.ErrNotExist); ok {
		t.Error("expected false for an error that isn't *vmmapi.Error")
	}
}

func TestMatchMissingBackingFilePattern(t *testing.T) {
	body := `PUT /snapshot/load: No such file or directory (os error 2) /var/lib/bandsox/images/old.ext4 (backing file)`
	m := errMissingBackingFile.FindStringSubmatch(body)
	if m == nil {
		t.Fatal("expected pattern to match")
	}
	if m[1] != "/var/lib/bandsox/images/old.ext4" {
		t.Errorf("captured path = %q", m[1])
	}

	if errMissingBackingFile.FindStringSubmatch("unrelated error") != nil {
		t.Error("expected no match for unrelated error text")
	}
}

func TestUploadDestDirIsPerVM(t *testing.T) {
	s := newTestSupervisor(t)
	vm := &VM{ID: "vm-42"}
	dir := s.uploadDestDir(vm)
	if filepath.Base(dir) != "vm-42" {
		t.Errorf("uploadDestDir = %q, want a path ending in vm-42", dir)
	}
}
