package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/bandsox/bandsox/internal/logging"
	"github.com/bandsox/bandsox/internal/metrics"
)

// ErrAgentNotReady is returned by SendRequest/StartSession when the agent
// has not yet completed its ready handshake.
type ErrAgentNotReady struct{}

func (ErrAgentNotReady) Error() string { return "agent not ready" }

// ErrTimeout is returned when a request doesn't complete before its
// deadline.
type ErrTimeout struct{ CmdID string }

func (e ErrTimeout) Error() string { return fmt.Sprintf("command %s timed out", e.CmdID) }

// ErrAgent wraps an error event the agent itself reported.
type ErrAgent struct {
	CmdID   string
	Message string
}

func (e ErrAgent) Error() string { return fmt.Sprintf("agent error [%s]: %s", e.CmdID, e.Message) }

type oneshot struct {
	events chan *Event
}

func isTerminalEvent(t EventType) bool {
	switch t {
	case EvtFileContent, EvtDirList, EvtFileInfo, EvtFileComplete, EvtExit, EvtError:
		return true
	default:
		return false
	}
}

type liveSession struct {
	events chan *Event
}

// Router correlates requests written to the agent's console stdin with the
// events it writes back to stdout, and tracks long-lived command/PTY
// sessions by session_id.
type Router struct {
	write func([]byte) (int, error)

	mu       sync.Mutex
	oneshots map[string]*oneshot     // cmd_id -> pending one-shot request
	sessions map[string]*liveSession // session_id -> streaming session

	readyMu sync.Mutex
	readyCh chan struct{}
	ready   bool

	tracer trace.Tracer
}

// New creates a Router that writes requests via write (typically a
// console.Multiplexer's Write method).
func New(write func([]byte) (int, error)) *Router {
	return &Router{
		write:    write,
		oneshots: make(map[string]*oneshot),
		sessions: make(map[string]*liveSession),
		readyCh:  make(chan struct{}),
		tracer:   otel.Tracer("bandsox/session"),
	}
}

// MarkReady signals that the agent has completed its ready handshake.
// Idempotent; safe to call more than once.
func (r *Router) MarkReady() {
	r.readyMu.Lock()
	defer r.readyMu.Unlock()
	if !r.ready {
		r.ready = true
		close(r.readyCh)
	}
}

// IsReady reports whether the agent has signaled readiness.
func (r *Router) IsReady() bool {
	r.readyMu.Lock()
	defer r.readyMu.Unlock()
	return r.ready
}

// WaitReady blocks until the agent signals readiness or ctx is done.
func (r *Router) WaitReady(ctx context.Context) error {
	r.readyMu.Lock()
	ch := r.readyCh
	r.readyMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollReady is the fallback readiness strategy used when re-attaching to a
// VMM that the control plane didn't spawn itself (so no "ready" line was
// ever observed from a fresh boot): it polls ping until it succeeds or ctx
// is done, then calls MarkReady.
func (r *Router) PollReady(ctx context.Context, ping func(context.Context) bool, interval time.Duration) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if ping(ctx) {
			r.MarkReady()
			return
		}
		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) writeRequest(req Request) error {
	if req.CmdID == "" {
		req.CmdID = uuid.NewString()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("session: marshal request: %w", err)
	}
	data = append(data, '\n')
	_, err = r.write(data)
	return err
}

// SendRequest issues a one-shot request (read_file, write_file, list_dir,
// file_info) and blocks until the agent reports a terminal event
// (file_content/dir_list/file_info/file_complete/exit/error) or ctx expires.
// onChunk, if non-nil, is called for every intermediate file_chunk event a
// chunked read_file response delivers before its terminal file_complete.
func (r *Router) SendRequest(ctx context.Context, req Request, onChunk func(*Event)) (*Event, error) {
	if !r.IsReady() {
		return nil, ErrAgentNotReady{}
	}
	if req.CmdID == "" {
		req.CmdID = uuid.NewString()
	}

	ctx, span := r.tracer.Start(ctx, "agent."+string(req.Type))
	defer span.End()
	sc := span.SpanContext()
	if sc.IsValid() {
		req.TraceParent = fmt.Sprintf("00-%s-%s-%s", sc.TraceID(), sc.SpanID(), "01")
	}

	events := make(chan *Event, 32)
	r.mu.Lock()
	r.oneshots[req.CmdID] = &oneshot{events: events}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.oneshots, req.CmdID)
		r.mu.Unlock()
	}()

	if err := r.writeRequest(req); err != nil {
		return nil, err
	}

	for {
		select {
		case evt := <-events:
			if !isTerminalEvent(evt.Type) {
				if onChunk != nil {
					onChunk(evt)
				}
				continue
			}
			if evt.Type == EvtError {
				return evt, ErrAgent{CmdID: req.CmdID, Message: evt.Error}
			}
			return evt, nil
		case <-ctx.Done():
			return nil, ErrTimeout{CmdID: req.CmdID}
		}
	}
}

// StartSession issues an exec or pty_exec request and returns a channel of
// events (output, then a final exit/error) plus the session_id, which the
// router sets to the request's cmd_id. The channel is closed once the terminal event is delivered.
func (r *Router) StartSession(ctx context.Context, req Request) (sessionID string, events <-chan *Event, err error) {
	if !r.IsReady() {
		return "", nil, ErrAgentNotReady{}
	}
	if req.CmdID == "" {
		req.CmdID = uuid.NewString()
	}
	sessionID = req.CmdID
	req.SessionID = sessionID

	ch := make(chan *Event, 32)
	r.mu.Lock()
	r.sessions[sessionID] = &liveSession{events: ch}
	r.mu.Unlock()

	if err := r.writeRequest(req); err != nil {
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		close(ch)
		return "", nil, err
	}

	metrics.Global().RecordSessionStarted(string(req.Type))
	return sessionID, ch, nil
}

// SendInput writes bytes to a live session's stdin. Fire-and-forget: the
// agent does not ack individual input writes.
func (r *Router) SendInput(sessionID string, data []byte) error {
	return r.writeRequest(Request{
		Type:      ReqInput,
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(data),
		Encoding:  "base64",
	})
}

// ResizeSession updates a PTY session's window size.
func (r *Router) ResizeSession(sessionID string, cols, rows int) error {
	return r.writeRequest(Request{
		Type:      ReqResize,
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	})
}

// KillSession terminates a live session.
func (r *Router) KillSession(sessionID string) error {
	metrics.Global().RecordSessionKilled("kill")
	return r.writeRequest(Request{Type: ReqKill, SessionID: sessionID})
}

// HandleLine parses one console line from the agent and routes it to the
// matching one-shot waiter or live session, or to MarkReady for the initial
// status/ready event. Unrecognized lines are logged, never silently
// dropped.
func (r *Router) HandleLine(line []byte) {
	var evt Event
	if err := json.Unmarshal(line, &evt); err != nil {
		logging.Op().Warn("unparsable agent console line", "err", err, "line", string(line))
		return
	}
	evt.Raw = json.RawMessage(line)

	if evt.Type == EvtReady {
		r.MarkReady()
		return
	}

	if evt.SessionID != "" {
		r.mu.Lock()
		s, ok := r.sessions[evt.SessionID]
		r.mu.Unlock()
		if !ok {
			logging.Op().Debug("event for unknown session", "session_id", evt.SessionID, "type", evt.Type)
			return
		}
		select {
		case s.events <- &evt:
		default:
			logging.Op().Warn("session event channel full, dropping event", "session_id", evt.SessionID)
		}
		if evt.Type == EvtExit || evt.Type == EvtError {
			r.mu.Lock()
			delete(r.sessions, evt.SessionID)
			r.mu.Unlock()
			close(s.events)
			if evt.Type == EvtExit {
				metrics.Global().RecordSessionExited("exit")
			}
		}
		return
	}

	if evt.CmdID != "" {
		r.mu.Lock()
		o, ok := r.oneshots[evt.CmdID]
		r.mu.Unlock()
		if !ok {
			logging.Op().Debug("event for unknown cmd_id", "cmd_id", evt.CmdID, "type", evt.Type)
			return
		}
		select {
		case o.events <- &evt:
		default:
			logging.Op().Warn("oneshot event channel full, dropping event", "cmd_id", evt.CmdID)
		}
		return
	}

	logging.Op().Debug("event with neither session_id nor cmd_id", "type", evt.Type)
}
