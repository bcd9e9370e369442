// Package vsocklisten implements the host side of the vsock transfer plane:
// a Unix socket listener bound at the path the VMM forwards guest-initiated
// AF_VSOCK connections to, per Firecracker's `{uds_path}_{port}` convention.
package vsocklisten

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bandsox/bandsox/internal/logging"
	"github.com/bandsox/bandsox/internal/metrics"
	"github.com/bandsox/bandsox/internal/vsockproto"
)

// UploadHandler receives an uploaded file's bytes once the checksum has
// already been verified by the listener. It returns the final path written.
type UploadHandler func(path string, data []byte) (string, error)

// DownloadHandler returns the bytes of the file at path, or an error if it
// doesn't exist or can't be read.
type DownloadHandler func(path string) ([]byte, error)

// Listener accepts guest-initiated vsock connections forwarded by the VMM
// to a single Unix socket and dispatches upload/download/ping requests.
type Listener struct {
	udsPath      string
	port         uint32
	listenerPath string

	onUpload   UploadHandler
	onDownload DownloadHandler

	mu       sync.Mutex
	running  bool
	listener net.Listener
	wg       sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]string // cmd_id -> local destination path
}

// New creates a Listener for udsPath/port. The socket is not bound until
// Start is called.
func New(udsPath string, port uint32, onUpload UploadHandler, onDownload DownloadHandler) *Listener {
	return &Listener{
		udsPath:      udsPath,
		port:         port,
		listenerPath: fmt.Sprintf("%s_%d", udsPath, port),
		onUpload:     onUpload,
		onDownload:   onDownload,
		pending:      make(map[string]string),
	}
}

// ListenerPath returns the Unix socket path the VMM forwards connections to.
func (l *Listener) ListenerPath() string {
	return l.listenerPath
}

// Start binds the listener socket and begins accepting connections in the
// background. Calling Start twice is a no-op.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}

	if err := os.Remove(l.listenerPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Op().Warn("failed to remove stale vsock listener socket", "path", l.listenerPath, "err", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.listenerPath), 0o755); err != nil {
		return fmt.Errorf("vsocklisten: create listener dir: %w", err)
	}

	ln, err := net.Listen("unix", l.listenerPath)
	if err != nil {
		return fmt.Errorf("vsocklisten: bind %s: %w", l.listenerPath, err)
	}

	l.listener = ln
	l.running = true
	l.wg.Add(1)
	go l.acceptLoop()

	logging.Op().Info("vsock listener started", "path", l.listenerPath, "port", l.port)
	return nil
}

// Stop closes the listener socket, waits for in-flight connections to
// finish, and removes the socket file.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	ln := l.listener
	l.listener = nil
	l.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	l.wg.Wait()

	if err := os.Remove(l.listenerPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Op().Warn("failed to remove vsock listener socket", "path", l.listenerPath, "err", err)
	}
	logging.Op().Info("vsock listener stopped", "path", l.listenerPath)
}

// RegisterPendingUpload records the local path an upload with the given
// cmd_id is written to, ahead of the guest connecting.
func (l *Listener) RegisterPendingUpload(cmdID, localPath string) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	l.pending[cmdID] = localPath
}

// UnregisterPendingUpload removes a pending-upload registration, e.g. after
// the corresponding request timed out.
func (l *Listener) UnregisterPendingUpload(cmdID string) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	delete(l.pending, cmdID)
}

func (l *Listener) pendingUploadPath(cmdID string) (string, bool) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	p, ok := l.pending[cmdID]
	return p, ok
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if !l.isRunning() {
				return
			}
			logging.Op().Error("vsock accept error", "path", l.listenerPath, "err", err)
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConnection(conn)
		}()
	}
}

func (l *Listener) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	r := bufio.NewReader(conn)
	line, err := vsockproto.ReadLine(r)
	if err != nil {
		if err != io.EOF {
			logging.Op().Debug("vsock client disconnected before request", "err", err)
		}
		return
	}

	req, err := vsockproto.ParseRequest(line)
	if err != nil {
		logging.Op().Error("invalid vsock request", "err", err)
		vsockproto.WriteMessage(conn, vsockproto.NewError("unknown", err))
		return
	}

	switch {
	case req.Ping != nil:
		vsockproto.WriteMessage(conn, vsockproto.NewPong(req.Ping.CmdID))
	case req.Upload != nil:
		l.handleUpload(conn, r, req.Upload)
	case req.Download != nil:
		l.handleDownload(conn, req.Download)
	}
}

func (l *Listener) handleUpload(conn net.Conn, r *bufio.Reader, req *vsockproto.UploadRequest) {
	if err := vsockproto.WriteMessage(conn, vsockproto.NewReady(req.CmdID)); err != nil {
		return
	}

	destPath, hasPending := l.pendingUploadPath(req.CmdID)

	buf := make([]byte, req.Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		vsockproto.WriteMessage(conn, vsockproto.NewError(req.CmdID, fmt.Errorf("read upload body: %w", err)))
		return
	}

	sum := md5.Sum(buf)
	gotChecksum := hex.EncodeToString(sum[:])
	if gotChecksum != req.Checksum {
		err := fmt.Errorf("checksum mismatch: expected %s, got %s", req.Checksum, gotChecksum)
		vsockproto.WriteMessage(conn, vsockproto.NewError(req.CmdID, err))
		metrics.Global().RecordVsockTransfer("", "upload", int64(len(buf)), 1, false)
		return
	}

	var finalPath string
	var writeErr error
	switch {
	case hasPending:
		writeErr = atomicWriteFile(destPath, buf)
		finalPath = destPath
		if writeErr == nil {
			l.UnregisterPendingUpload(req.CmdID)
		}
	case l.onUpload != nil:
		finalPath, writeErr = l.onUpload(req.Path, buf)
	default:
		writeErr = atomicWriteFile(req.Path, buf)
		finalPath = req.Path
	}
	if writeErr != nil {
		vsockproto.WriteMessage(conn, vsockproto.NewError(req.CmdID, fmt.Errorf("write upload: %w", writeErr)))
		return
	}

	vsockproto.WriteMessage(conn, vsockproto.NewComplete(req.CmdID, int64(len(buf)), ""))
	metrics.Global().RecordVsockTransfer("", "upload", int64(len(buf)), 1, true)
	logging.Op().Info("vsock upload complete", "path", finalPath, "bytes", len(buf))
}

func (l *Listener) handleDownload(conn net.Conn, req *vsockproto.DownloadRequest) {
	var (
		data []byte
		err  error
	)
	if l.onDownload != nil {
		data, err = l.onDownload(req.Path)
	} else {
		data, err = os.ReadFile(req.Path)
	}
	if err != nil {
		vsockproto.WriteMessage(conn, vsockproto.NewError(req.CmdID, err))
		return
	}

	h := md5.New()
	var offset int64
	chunks := 0
	for offset < int64(len(data)) {
		end := offset + vsockproto.ChunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunk := data[offset:end]
		h.Write(chunk)
		if err := vsockproto.WriteMessage(conn, vsockproto.NewChunk(req.CmdID, chunk, offset)); err != nil {
			return
		}
		offset = end
		chunks++
	}

	checksum := hex.EncodeToString(h.Sum(nil))
	vsockproto.WriteMessage(conn, vsockproto.NewComplete(req.CmdID, int64(len(data)), checksum))
	metrics.Global().RecordVsockTransfer("", "download", int64(len(data)), int64(chunks), true)
	logging.Op().Info("vsock download complete", "path", req.Path, "bytes", len(data))
}

// atomicWriteFile writes data to a temp file in the destination directory
// and renames it into place, so a crash mid-write never leaves a partial
// file visible at path.
func atomicWriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
