package vmmapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newUnixServer(t *testing.T, handler http.Handler) (string, func()) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "api.sock")

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}

	srv := &httptest.Server{Listener: ln, Config: &http.Server{Handler: handler}}
	srv.Start()

	return socketPath, srv.Close
}

func TestPutBootSourceSendsExpectedPayload(t *testing.T) {
	var gotPath string
	var gotBody BootSource

	mux := http.NewServeMux()
	mux.HandleFunc("/boot-source", func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	})

	socketPath, closeFn := newUnixServer(t, mux)
	defer closeFn()

	c := New(socketPath)
	defer c.Close()

	err := c.PutBootSource(context.Background(), BootSource{KernelImagePath: "/boot/vmlinux", BootArgs: "console=ttyS0"})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/boot-source" {
		t.Errorf("path = %q, want /boot-source", gotPath)
	}
	if gotBody.KernelImagePath != "/boot/vmlinux" {
		t.Errorf("KernelImagePath = %q, want /boot/vmlinux", gotBody.KernelImagePath)
	}
}

func TestApiErrorOnNon2xx(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/actions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"fault_message":"bad state"}`))
	})

	socketPath, closeFn := newUnixServer(t, mux)
	defer closeFn()

	c := New(socketPath)
	defer c.Close()

	err := c.StartInstance(context.Background())
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", apiErr.StatusCode)
	}
}

func TestPauseResume(t *testing.T) {
	var states []string
	mux := http.NewServeMux()
	mux.HandleFunc("/vm", func(w http.ResponseWriter, r *http.Request) {
		var body vmState
		json.NewDecoder(r.Body).Decode(&body)
		states = append(states, body.State)
		w.WriteHeader(http.StatusNoContent)
	})

	socketPath, closeFn := newUnixServer(t, mux)
	defer closeFn()

	c := New(socketPath)
	defer c.Close()

	if err := c.Pause(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 || states[0] != "Paused" || states[1] != "Resumed" {
		t.Errorf("states = %v, want [Paused Resumed]", states)
	}
}

func TestWaitForSocketSucceedsOnceBound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late.sock")

	go func() {
		time.Sleep(20 * time.Millisecond)
		ln, err := net.Listen("unix", path)
		if err != nil {
			return
		}
		defer ln.Close()
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := WaitForSocket(ctx, path, nil, 2*time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestWaitForSocketDetectsProcessDeath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "never.sock")

	cmd := dummyExitedProcess(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := WaitForSocket(ctx, path, cmd, 500*time.Millisecond)
	if err == nil {
		t.Fatal("expected error when process has already exited")
	}
}

// dummyExitedProcess returns an *os.Process referring to a PID that is
// guaranteed not to be running, to simulate a VMM that died before its
// socket came up.
func dummyExitedProcess(t *testing.T) *os.Process {
	t.Helper()
	proc, err := os.FindProcess(1 << 30) // implausible PID, signal(0) will fail
	if err != nil {
		t.Fatal(err)
	}
	return proc
}
