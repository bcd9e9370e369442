package main

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/mdlayher/vsock"

	"github.com/bandsox/bandsox/internal/vsockproto"
)

// startVsock reads BANDSOX_VSOCK_PORT from the environment (spec.md §6),
// defaulting to vsockproto.DefaultPort, and records it for read_file to
// consult. The agent doesn't keep a listening socket open on vsock itself
// — it only ever dials out to the host's per-port listener.
func (a *Agent) startVsock() {
	port := vsockproto.DefaultPort
	if v := os.Getenv("BANDSOX_VSOCK_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}
	a.vsockPort = port
}

type vsockResponseEnvelope struct {
	Type string `json:"type"`
}

type vsockCompleteResponse struct {
	Type     string `json:"type"`
	CmdID    string `json:"cmd_id"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type vsockErrorResponse struct {
	Type  string `json:"type"`
	CmdID string `json:"cmd_id"`
	Error string `json:"error"`
}

// tryVsockUpload implements the vsock-initiated transfer in spec.md §4.6:
// compute size/checksum, dial the host's well-known CID/port, announce
// the upload, stream bytes once the host says ready, then await its
// completion ack. Any failure before the host acknowledges readiness is
// reported to the caller as a recoverable failure so it can fall back to
// the console chunked path; failures after that point are terminal and
// reported directly over the console.
func (a *Agent) tryVsockUpload(cmdID, path string, size int64) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	sum, err := checksumFile(f)
	if err != nil {
		return false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}

	conn, err := vsock.Dial(vsockproto.HostCID, uint32(a.vsockPort), nil)
	if err != nil {
		return false
	}
	defer conn.Close()

	req := vsockproto.UploadRequest{Type: vsockproto.RequestUpload, Path: path, Size: size, Checksum: sum, CmdID: cmdID}
	if err := vsockproto.WriteMessage(conn, req); err != nil {
		return false
	}

	br := bufio.NewReader(conn)
	line, err := vsockproto.ReadLine(br)
	if err != nil {
		return false
	}
	var env vsockResponseEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return false
	}
	if env.Type != string(vsockproto.ResponseReady) {
		return false
	}

	if _, err := io.Copy(conn, f); err != nil {
		a.emit(errorEvent{Type: "error", CmdID: cmdID, Error: err.Error()})
		a.emit(exitEvent{Type: "exit", CmdID: cmdID, ExitCode: 1})
		return true
	}

	line, err = vsockproto.ReadLine(br)
	if err != nil {
		a.emit(errorEvent{Type: "error", CmdID: cmdID, Error: err.Error()})
		a.emit(exitEvent{Type: "exit", CmdID: cmdID, ExitCode: 1})
		return true
	}
	if err := json.Unmarshal(line, &env); err != nil {
		a.emit(errorEvent{Type: "error", CmdID: cmdID, Error: err.Error()})
		a.emit(exitEvent{Type: "exit", CmdID: cmdID, ExitCode: 1})
		return true
	}

	switch env.Type {
	case string(vsockproto.ResponseComplete):
		var resp vsockCompleteResponse
		json.Unmarshal(line, &resp)
		a.emit(statusEvent{Type: "status", CmdID: cmdID, Uploaded: true, Size: resp.Size})
		a.emit(exitEvent{Type: "exit", CmdID: cmdID, ExitCode: 0})
		return true
	case string(vsockproto.ResponseError):
		var resp vsockErrorResponse
		json.Unmarshal(line, &resp)
		a.emit(errorEvent{Type: "error", CmdID: cmdID, Error: resp.Error})
		a.emit(exitEvent{Type: "exit", CmdID: cmdID, ExitCode: 1})
		return true
	default:
		a.emit(errorEvent{Type: "error", CmdID: cmdID, Error: fmt.Sprintf("unexpected vsock response %q", env.Type)})
		a.emit(exitEvent{Type: "exit", CmdID: cmdID, ExitCode: 1})
		return true
	}
}

func checksumFile(f *os.File) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
