// Package session implements the AgentSessionRouter: it owns the
// console-based request/response correlation with the in-guest agent,
// dispatches unsolicited events (stdout/stderr, file chunks, exit) to the
// right waiter, and tracks live command/PTY sessions by session_id.
package session

import "encoding/json"

// RequestType enumerates every request the control plane may send to the
// in-guest agent over the console. This list is exhaustive: the agent
// answers a request naming any other type with an error event rather than
// silently ignoring it.
type RequestType string

const (
	ReqExec     RequestType = "exec"
	ReqPtyExec  RequestType = "pty_exec"
	ReqInput    RequestType = "input"
	ReqResize   RequestType = "resize"
	ReqKill     RequestType = "kill"
	ReqReadFile RequestType = "read_file"
	ReqWriteFile RequestType = "write_file"
	ReqListDir  RequestType = "list_dir"
	ReqFileInfo RequestType = "file_info"
)

// EventType enumerates every event the in-guest agent may emit.
type EventType string

const (
	EvtReady       EventType = "ready"
	EvtStarted     EventType = "started"
	EvtOutput      EventType = "output"
	EvtFileContent EventType = "file_content"
	EvtDirList     EventType = "dir_list"
	EvtFileInfo    EventType = "file_info"
	EvtFileChunk   EventType = "file_chunk"
	EvtFileComplete EventType = "file_complete"
	EvtExit        EventType = "exit"
	EvtError       EventType = "error"
	EvtStatus      EventType = "status"
)

// Request is the envelope sent from control plane to agent over the
// console. Fields not relevant to Type are left zero.
type Request struct {
	Type  RequestType `json:"type"`
	CmdID string      `json:"cmd_id"`

	Command    string            `json:"command,omitempty"`
	Background bool              `json:"background,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Cwd        string            `json:"cwd,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	Data       string            `json:"data,omitempty"` // base64 stdin for input requests
	Encoding   string            `json:"encoding,omitempty"`
	Cols       int               `json:"cols,omitempty"`
	Rows       int               `json:"rows,omitempty"`
	Path       string            `json:"path,omitempty"`
	Content    string            `json:"content,omitempty"` // base64 file content for write_file
	Append     bool              `json:"append,omitempty"`
	Offset     int64             `json:"offset,omitempty"`
	Length     int64             `json:"length,omitempty"`

	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// Event is the envelope received from the agent over the console. Payload
// carries type-specific fields, decoded on demand by the caller.
type Event struct {
	Type      EventType       `json:"type"`
	CmdID     string          `json:"cmd_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Stream    string          `json:"stream,omitempty"` // "stdout" or "stderr"
	Data      string          `json:"data,omitempty"`
	ExitCode  *int            `json:"exit_code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Raw       json.RawMessage `json:"-"`
}
