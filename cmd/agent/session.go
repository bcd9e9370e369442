package main

import (
	"bufio"
	"encoding/base64"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/bandsox/bandsox/internal/session"
)

// liveSession tracks one exec or pty_exec invocation so later input/resize/
// kill requests naming the same session_id can reach it.
type liveSession struct {
	cmd     *exec.Cmd
	ptyFile *os.File // non-nil for pty_exec sessions
	stdin   io.WriteCloser
}

func (a *Agent) registerSession(id string, s *liveSession) {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	a.sessions[id] = s
}

func (a *Agent) lookupSession(id string) (*liveSession, bool) {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	s, ok := a.sessions[id]
	return s, ok
}

func (a *Agent) unregisterSession(id string) {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	delete(a.sessions, id)
}

// handleExec spawns a shell-invoked child. Non-background requests block
// this worker until the child exits, streaming output as it's produced;
// background requests report back immediately and continue streaming in
// a detached goroutine.
func (a *Agent) handleExec(req session.Request) {
	cmd := exec.Command("sh", "-c", req.Command)
	cmd.Env = buildEnv(req.Env)
	cmd.SysProcAttr = setpgidAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.failExec(req, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		a.failExec(req, err)
		return
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.failExec(req, err)
		return
	}

	if err := cmd.Start(); err != nil {
		a.failExec(req, err)
		return
	}

	ls := &liveSession{cmd: cmd, stdin: stdin}
	sessionID := req.SessionID
	if sessionID != "" {
		a.registerSession(sessionID, ls)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go a.streamLines(&wg, req.CmdID, sessionID, "stdout", stdout, false)
	go a.streamLines(&wg, req.CmdID, sessionID, "stderr", stderr, false)

	if req.Background {
		a.emit(startedEvent{Type: "started", CmdID: req.CmdID, SessionID: sessionID, Pid: cmd.Process.Pid})
		go func() {
			wg.Wait()
			a.finishExec(cmd, req.CmdID, sessionID)
			if sessionID != "" {
				a.unregisterSession(sessionID)
			}
		}()
		return
	}

	wg.Wait()
	a.finishExec(cmd, req.CmdID, sessionID)
	if sessionID != "" {
		a.unregisterSession(sessionID)
	}
}

func (a *Agent) failExec(req session.Request, err error) {
	a.emit(errorEvent{Type: "error", CmdID: req.CmdID, SessionID: req.SessionID, Error: err.Error()})
	a.emit(exitEvent{Type: "exit", CmdID: req.CmdID, SessionID: req.SessionID, ExitCode: 1})
}

func (a *Agent) finishExec(cmd *exec.Cmd, cmdID, sessionID string) {
	err := cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	a.emit(exitEvent{Type: "exit", CmdID: cmdID, SessionID: sessionID, ExitCode: code})
}

// streamLines reads r line-by-line and emits an output event per line.
// base64Encode controls whether Data carries raw base64 bytes (pty_exec, whose
// merged stream may contain control sequences) or UTF-8 text (plain exec).
func (a *Agent) streamLines(wg *sync.WaitGroup, cmdID, sessionID, stream string, r io.Reader, base64Encode bool) {
	defer wg.Done()
	br := bufio.NewReaderSize(r, 32*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			data := string(line)
			if base64Encode {
				data = base64.StdEncoding.EncodeToString(line)
			}
			a.emit(outputEvent{Type: "output", CmdID: cmdID, SessionID: sessionID, Stream: stream, Data: data})
		}
		if err != nil {
			return
		}
	}
}

// handlePtyExec forks the command behind a pseudo-terminal so interactive
// programs (shells, editors) behave as if attached to a real tty.
func (a *Agent) handlePtyExec(req session.Request) {
	cmd := exec.Command("sh", "-c", req.Command)
	cmd.Env = buildEnv(req.Env)

	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		a.failExec(req, err)
		return
	}

	sessionID := req.SessionID
	ls := &liveSession{cmd: cmd, ptyFile: ptmx, stdin: ptmx}
	if sessionID != "" {
		a.registerSession(sessionID, ls)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.streamLines(&sync.WaitGroup{}, req.CmdID, sessionID, "stdout", ptmx, true)
	}()

	err = cmd.Wait()
	ptmx.Close()
	<-done

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	a.emit(exitEvent{Type: "exit", CmdID: req.CmdID, SessionID: sessionID, ExitCode: code})
	if sessionID != "" {
		a.unregisterSession(sessionID)
	}
}

// handleInput writes to a live session's stdin (or PTY master), decoding
// base64 first when the caller says the payload is encoded that way.
func (a *Agent) handleInput(req session.Request) {
	ls, ok := a.lookupSession(req.SessionID)
	if !ok {
		return
	}
	data := []byte(req.Data)
	if req.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return
		}
		data = decoded
	}
	ls.stdin.Write(data)
}

// handleResize issues the PTY window-size ioctl for a live pty_exec
// session. A no-op for plain exec sessions, which have no tty.
func (a *Agent) handleResize(req session.Request) {
	ls, ok := a.lookupSession(req.SessionID)
	if !ok || ls.ptyFile == nil {
		return
	}
	pty.Setsize(ls.ptyFile, &pty.Winsize{Cols: uint16(req.Cols), Rows: uint16(req.Rows)})
}

// handleKill sends SIGTERM to a live session; pty sessions are killed by
// process group so orphaned children under the shell die too.
func (a *Agent) handleKill(req session.Request) {
	ls, ok := a.lookupSession(req.SessionID)
	if !ok || ls.cmd.Process == nil {
		return
	}
	if ls.ptyFile != nil {
		syscall.Kill(-ls.cmd.Process.Pid, syscall.SIGTERM)
		return
	}
	ls.cmd.Process.Signal(syscall.SIGTERM)
}
