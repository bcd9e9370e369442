package vsocklisten

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bandsox/bandsox/internal/vsockproto"
)

func dialListener(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", l.ListenerPath())
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("failed to dial %s: %v", l.ListenerPath(), err)
	return nil
}

func TestUploadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	udsBase := filepath.Join(dir, "vsock.sock")
	l := New(udsBase, 9000, nil, nil)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	destPath := filepath.Join(dir, "uploaded.bin")
	l.RegisterPendingUpload("cmd-1", destPath)

	conn := dialListener(t, l)
	defer conn.Close()

	payload := []byte("the quick brown fox")
	sum := md5.Sum(payload)
	req := vsockproto.UploadRequest{
		Type:     vsockproto.RequestUpload,
		Path:     "/guest/ignored",
		Size:     int64(len(payload)),
		Checksum: hex.EncodeToString(sum[:]),
		CmdID:    "cmd-1",
	}
	if err := vsockproto.WriteMessage(conn, req); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(conn)
	readyLine, err := vsockproto.ReadLine(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(readyLine) == 0 {
		t.Fatal("expected ready line")
	}
	completeLine, err := vsockproto.ReadLine(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(completeLine) == 0 {
		t.Fatal("expected complete line")
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("uploaded content = %q, want %q", got, payload)
	}
}

func TestUploadChecksumMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	udsBase := filepath.Join(dir, "vsock.sock")
	l := New(udsBase, 9001, nil, nil)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	destPath := filepath.Join(dir, "bad.bin")
	l.RegisterPendingUpload("cmd-2", destPath)

	conn := dialListener(t, l)
	defer conn.Close()

	payload := []byte("data")
	req := vsockproto.UploadRequest{
		Type:     vsockproto.RequestUpload,
		Path:     "/guest/ignored",
		Size:     int64(len(payload)),
		Checksum: "0000000000000000000000000000000",
		CmdID:    "cmd-2",
	}
	vsockproto.WriteMessage(conn, req)
	conn.Write(payload)

	r := bufio.NewReader(conn)
	vsockproto.ReadLine(r) // ready
	errLine, err := vsockproto.ReadLine(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(errLine) == 0 {
		t.Fatal("expected error line")
	}

	if _, err := os.Stat(destPath); !os.IsNotExist(err) {
		t.Error("expected no file written on checksum mismatch")
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	udsBase := filepath.Join(dir, "vsock.sock")
	srcPath := filepath.Join(dir, "source.bin")
	content := []byte("download me please")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(udsBase, 9002, nil, nil)
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	conn := dialListener(t, l)
	defer conn.Close()

	req := vsockproto.DownloadRequest{Type: vsockproto.RequestDownload, Path: srcPath, CmdID: "cmd-3"}
	vsockproto.WriteMessage(conn, req)

	r := bufio.NewReader(conn)
	chunkLine, err := vsockproto.ReadLine(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunkLine) == 0 {
		t.Fatal("expected chunk line")
	}
	completeLine, err := vsockproto.ReadLine(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(completeLine) == 0 {
		t.Fatal("expected complete line")
	}
}
