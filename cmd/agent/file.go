package main

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bandsox/bandsox/internal/session"
)

// inlineThreshold is the largest file read_file will return as a single
// file_content event before switching to chunked transfer.
const inlineThreshold = 2 * 1024

// chunkSize is the console chunk size for chunked read_file transfers.
const chunkSize = 2 * 1024

// chunkDelay paces chunked transfers so a slow console reader isn't
// overrun.
const chunkDelay = 200 * time.Millisecond

type dirEntry struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Size  int64  `json:"size"`
	Mode  string `json:"mode"`
	Mtime int64  `json:"mtime"`
}

type dirListEvent struct {
	Type  string     `json:"type"`
	CmdID string     `json:"cmd_id,omitempty"`
	Files []dirEntry `json:"files"`
}

type fileContentEvent struct {
	Type    string `json:"type"`
	CmdID   string `json:"cmd_id,omitempty"`
	Content string `json:"content"`
}

type fileChunkEvent struct {
	Type   string `json:"type"`
	CmdID  string `json:"cmd_id,omitempty"`
	Data   string `json:"data"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

type fileCompleteEvent struct {
	Type      string `json:"type"`
	CmdID     string `json:"cmd_id,omitempty"`
	TotalSize int64  `json:"total_size"`
	Checksum  string `json:"checksum"`
}

type fileInfoEvent struct {
	Type  string `json:"type"`
	CmdID string `json:"cmd_id,omitempty"`
	Size  int64  `json:"size"`
	Mode  string `json:"mode"`
	Mtime int64  `json:"mtime"`
}

// handleReadFile serves a file over the console, preferring a vsock
// upload to the host when one is available; it falls back to the
// chunked console path on any vsock failure that occurs before the host
// acknowledges readiness.
func (a *Agent) handleReadFile(req session.Request) {
	info, err := os.Stat(req.Path)
	if err != nil {
		a.failExec(req, err)
		return
	}

	if a.vsockPort > 0 {
		if ok := a.tryVsockUpload(req.CmdID, req.Path, info.Size()); ok {
			return
		}
	}

	a.readFileOverConsole(req, info.Size())
}

func (a *Agent) readFileOverConsole(req session.Request, size int64) {
	f, err := os.Open(req.Path)
	if err != nil {
		a.failExec(req, err)
		return
	}
	defer f.Close()

	if size <= inlineThreshold {
		data := make([]byte, size)
		if _, err := f.Read(data); err != nil && size > 0 {
			a.failExec(req, err)
			return
		}
		a.emit(fileContentEvent{Type: "file_content", CmdID: req.CmdID, Content: base64.StdEncoding.EncodeToString(data)})
		a.emit(exitEvent{Type: "exit", CmdID: req.CmdID, ExitCode: 0})
		return
	}

	hasher := md5.New()
	buf := make([]byte, chunkSize)
	var offset int64
	first := true
	for {
		n, err := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			a.emit(fileChunkEvent{Type: "file_chunk", CmdID: req.CmdID, Data: base64.StdEncoding.EncodeToString(buf[:n]), Offset: offset, Size: int64(n)})
			offset += int64(n)
			if !first {
				time.Sleep(chunkDelay)
			}
			first = false
		}
		if err != nil {
			break
		}
	}
	a.emit(fileCompleteEvent{Type: "file_complete", CmdID: req.CmdID, TotalSize: offset, Checksum: hex.EncodeToString(hasher.Sum(nil))})
	a.emit(exitEvent{Type: "exit", CmdID: req.CmdID, ExitCode: 0})
}

// handleWriteFile decodes base64 content and writes it, creating parent
// directories as needed.
func (a *Agent) handleWriteFile(req session.Request) {
	data, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		a.failExec(req, err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		a.failExec(req, err)
		return
	}

	openFlags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if req.Append {
		openFlags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(req.Path, openFlags, 0o644)
	if err != nil {
		a.failExec(req, err)
		return
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		a.failExec(req, err)
		return
	}
	a.emit(exitEvent{Type: "exit", CmdID: req.CmdID, ExitCode: 0})
}

// handleListDir returns one dir_list event with an entry per directory
// member.
func (a *Agent) handleListDir(req session.Request) {
	entries, err := os.ReadDir(req.Path)
	if err != nil {
		a.failExec(req, err)
		return
	}
	files := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		files = append(files, dirEntry{
			Name:  e.Name(),
			Type:  kind,
			Size:  info.Size(),
			Mode:  fmt.Sprintf("%o", info.Mode().Perm()),
			Mtime: info.ModTime().Unix(),
		})
	}
	a.emit(dirListEvent{Type: "dir_list", CmdID: req.CmdID, Files: files})
	a.emit(exitEvent{Type: "exit", CmdID: req.CmdID, ExitCode: 0})
}

// handleFileInfo returns one file_info event carrying the stat result.
func (a *Agent) handleFileInfo(req session.Request) {
	info, err := os.Stat(req.Path)
	if err != nil {
		a.failExec(req, err)
		return
	}
	a.emit(fileInfoEvent{
		Type:  "file_info",
		CmdID: req.CmdID,
		Size:  info.Size(),
		Mode:  fmt.Sprintf("%o", info.Mode().Perm()),
		Mtime: info.ModTime().Unix(),
	})
	a.emit(exitEvent{Type: "exit", CmdID: req.CmdID, ExitCode: 0})
}
