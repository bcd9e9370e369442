package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/bandsox/bandsox/internal/session"
)

func newTestAgent() (*Agent, *bytes.Buffer) {
	var buf bytes.Buffer
	return newAgent(&buf), &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("unparsable event line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestHandleFileInfo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, buf := newTestAgent()
	a.handleFileInfo(session.Request{Type: session.ReqFileInfo, CmdID: "c1", Path: path})

	events := decodeLines(t, buf)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %v", len(events), events)
	}
	if events[0]["type"] != "file_info" {
		t.Errorf("events[0].type = %v, want file_info", events[0]["type"])
	}
	if size, _ := events[0]["size"].(float64); int64(size) != 5 {
		t.Errorf("size = %v, want 5", events[0]["size"])
	}
	if events[1]["type"] != "exit" || events[1]["exit_code"].(float64) != 0 {
		t.Errorf("events[1] = %v, want exit 0", events[1])
	}
}

func TestHandleWriteFileThenReadFileInline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "f.txt")
	content := []byte("small file content")

	a, buf := newTestAgent()
	a.handleWriteFile(session.Request{
		Type:    session.ReqWriteFile,
		CmdID:   "w1",
		Path:    path,
		Content: base64.StdEncoding.EncodeToString(content),
	})
	writeEvents := decodeLines(t, buf)
	if len(writeEvents) != 1 || writeEvents[0]["type"] != "exit" || writeEvents[0]["exit_code"].(float64) != 0 {
		t.Fatalf("write_file events = %v", writeEvents)
	}

	buf.Reset()
	a.handleReadFile(session.Request{Type: session.ReqReadFile, CmdID: "r1", Path: path})
	readEvents := decodeLines(t, buf)
	if len(readEvents) != 2 || readEvents[0]["type"] != "file_content" {
		t.Fatalf("read_file events = %v", readEvents)
	}
	got, err := base64.StdEncoding.DecodeString(readEvents[0]["content"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("round-tripped content = %q, want %q", got, content)
	}
}

func TestHandleWriteFileAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")

	a, _ := newTestAgent()
	a.handleWriteFile(session.Request{Type: session.ReqWriteFile, CmdID: "w1", Path: path, Content: base64.StdEncoding.EncodeToString([]byte("abc"))})
	a.handleWriteFile(session.Request{Type: session.ReqWriteFile, CmdID: "w2", Path: path, Content: base64.StdEncoding.EncodeToString([]byte("def")), Append: true})

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcdef" {
		t.Errorf("file contents = %q, want %q", got, "abcdef")
	}
}

func TestHandleListDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	a, buf := newTestAgent()
	a.handleListDir(session.Request{Type: session.ReqListDir, CmdID: "l1", Path: dir})

	events := decodeLines(t, buf)
	if len(events) != 2 || events[0]["type"] != "dir_list" {
		t.Fatalf("list_dir events = %v", events)
	}
	files, _ := events[0]["files"].([]any)
	if len(files) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(files))
	}
}

func TestHandleExecCapturesOutputAndExit(t *testing.T) {
	a, buf := newTestAgent()
	a.handleExec(session.Request{Type: session.ReqExec, CmdID: "e1", Command: "echo hello"})

	events := decodeLines(t, buf)
	if len(events) == 0 {
		t.Fatal("expected at least one event")
	}
	last := events[len(events)-1]
	if last["type"] != "exit" || last["exit_code"].(float64) != 0 {
		t.Fatalf("last event = %v, want exit 0", last)
	}

	var sawHello bool
	for _, evt := range events {
		if evt["type"] == "output" && evt["data"] == "hello\n" {
			sawHello = true
		}
	}
	if !sawHello {
		t.Errorf("did not observe 'hello' on stdout, events = %v", events)
	}
}

func TestHandleExecNonZeroExit(t *testing.T) {
	a, buf := newTestAgent()
	a.handleExec(session.Request{Type: session.ReqExec, CmdID: "e2", Command: "exit 7"})

	events := decodeLines(t, buf)
	last := events[len(events)-1]
	if last["type"] != "exit" || int(last["exit_code"].(float64)) != 7 {
		t.Fatalf("last event = %v, want exit 7", last)
	}
}

func TestDispatchUnknownRequestType(t *testing.T) {
	a, buf := newTestAgent()
	a.dispatch(session.Request{Type: "bogus", CmdID: "x1"})

	events := decodeLines(t, buf)
	if len(events) != 2 || events[0]["type"] != "error" || events[1]["type"] != "exit" {
		t.Fatalf("events = %v", events)
	}
}
