package supervisor

import (
	"context"
	"testing"
)

func TestPauseUnknownVMReturnsTypedError(t *testing.T) {
	s := newTestSupervisor(t)
	if _, ok := s.Pause(context.Background(), "missing").(ErrVMNotFound); !ok {
		t.Fatalf("expected ErrVMNotFound")
	}
}

func TestResumeUnknownVMReturnsTypedError(t *testing.T) {
	s := newTestSupervisor(t)
	if _, ok := s.Resume(context.Background(), "missing").(ErrVMNotFound); !ok {
		t.Fatalf("expected ErrVMNotFound")
	}
}

func TestReattachFailsOnUndialableConsoleSocket(t *testing.T) {
	s := newTestSupervisor(t)
	_, err := s.Reattach(context.Background(), ReattachSpec{
		ID:          "vm-ghost",
		ConsoleSock: "/nonexistent/path/does/not/exist.sock",
	})
	if err == nil {
		t.Fatal("expected an error dialing a nonexistent console socket")
	}
}
