package session

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func newTestRouter() (*Router, *bytes.Buffer, *sync.Mutex) {
	var buf bytes.Buffer
	var mu sync.Mutex
	r := New(func(b []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(b)
	})
	return r, &buf, &mu
}

func lastWrittenCmdID(t *testing.T, buf *bytes.Buffer, mu *sync.Mutex) string {
	t.Helper()
	mu.Lock()
	defer mu.Unlock()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var req Request
	if err := json.Unmarshal(lines[len(lines)-1], &req); err != nil {
		t.Fatal(err)
	}
	return req.CmdID
}

func TestSendRequestRequiresReady(t *testing.T) {
	r, _, _ := newTestRouter()
	_, err := r.SendRequest(context.Background(), Request{Type: ReqListDir, Path: "/"}, nil)
	if _, ok := err.(ErrAgentNotReady); !ok {
		t.Fatalf("expected ErrAgentNotReady, got %v", err)
	}
}

func TestSendRequestCompletesOnTerminalEvent(t *testing.T) {
	r, buf, mu := newTestRouter()
	r.MarkReady()

	done := make(chan struct{})
	var result *Event
	var resultErr error

	go func() {
		result, resultErr = r.SendRequest(context.Background(), Request{Type: ReqListDir, Path: "/tmp"}, nil)
		close(done)
	}()

	// Wait for the request to actually be written before simulating the
	// agent's response.
	deadline := time.Now().Add(time.Second)
	var cmdID string
	for time.Now().Before(deadline) {
		mu.Lock()
		has := buf.Len() > 0
		mu.Unlock()
		if has {
			cmdID = lastWrittenCmdID(t, buf, mu)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cmdID == "" {
		t.Fatal("request was never written")
	}

	evt := Event{Type: EvtDirList, CmdID: cmdID}
	line, _ := json.Marshal(evt)
	r.HandleLine(line)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendRequest did not complete")
	}
	if resultErr != nil {
		t.Fatal(resultErr)
	}
	if result.Type != EvtDirList {
		t.Errorf("result.Type = %q, want %q", result.Type, EvtDirList)
	}
}

func TestSendRequestSurfacesAgentError(t *testing.T) {
	r, buf, mu := newTestRouter()
	r.MarkReady()

	done := make(chan error, 1)
	go func() {
		_, err := r.SendRequest(context.Background(), Request{Type: ReqFileInfo, Path: "/missing"}, nil)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	var cmdID string
	for time.Now().Before(deadline) {
		mu.Lock()
		has := buf.Len() > 0
		mu.Unlock()
		if has {
			cmdID = lastWrittenCmdID(t, buf, mu)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	evt := Event{Type: EvtError, CmdID: cmdID, Error: "not found"}
	line, _ := json.Marshal(evt)
	r.HandleLine(line)

	err := <-done
	agentErr, ok := err.(ErrAgent)
	if !ok {
		t.Fatalf("expected ErrAgent, got %v", err)
	}
	if agentErr.Message != "not found" {
		t.Errorf("Message = %q, want %q", agentErr.Message, "not found")
	}
}

func TestSendRequestTimesOut(t *testing.T) {
	r, _, _ := newTestRouter()
	r.MarkReady()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.SendRequest(ctx, Request{Type: ReqListDir, Path: "/"}, nil)
	if _, ok := err.(ErrTimeout); !ok {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestStartSessionStreamsEventsUntilExit(t *testing.T) {
	r, _, _ := newTestRouter()
	r.MarkReady()

	sessionID, events, err := r.StartSession(context.Background(), Request{Type: ReqExec, Command: "echo hi"})
	if err != nil {
		t.Fatal(err)
	}

	outEvt := Event{Type: EvtOutput, SessionID: sessionID, Stream: "stdout", Data: "aGk="}
	line, _ := json.Marshal(outEvt)
	r.HandleLine(line)

	exitCode := 0
	exitEvt := Event{Type: EvtExit, SessionID: sessionID, ExitCode: &exitCode}
	line2, _ := json.Marshal(exitEvt)
	r.HandleLine(line2)

	var received []EventType
	for evt := range events {
		received = append(received, evt.Type)
	}

	if len(received) != 2 || received[0] != EvtOutput || received[1] != EvtExit {
		t.Errorf("received = %v, want [output exit]", received)
	}
}

func TestWaitReadyUnblocksOnMarkReady(t *testing.T) {
	r, _, _ := newTestRouter()

	done := make(chan error, 1)
	go func() {
		done <- r.WaitReady(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	r.MarkReady()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitReady did not unblock")
	}
}
