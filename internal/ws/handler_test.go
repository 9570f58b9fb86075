package ws_test

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pvetools/scriptdeck/internal/backend"
	"github.com/pvetools/scriptdeck/internal/scripts"
	"github.com/pvetools/scriptdeck/internal/session"
	"github.com/pvetools/scriptdeck/internal/ws"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires bash")
	}
	root := t.TempDir()
	writeScript(t, root, "ct/test.sh", "#!/usr/bin/env bash\necho hello\n")
	writeScript(t, root, "ct/slow.sh", "#!/usr/bin/env bash\nsleep 60\n")

	registry := session.New(
		&backend.LocalRunner{ScriptsRoot: root},
		nil,
		nil,
		nil,
	)
	srv := httptest.NewServer(&ws.Handler{
		Registry:  registry,
		Validator: &scripts.Validator{Root: root},
	})
	t.Cleanup(srv.Close)
	return srv, root
}

func writeScript(t *testing.T, root, rel, body string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ws.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var f ws.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// collectUntilEnd reads frames until the terminal end frame.
func collectUntilEnd(t *testing.T, conn *websocket.Conn) []ws.Frame {
	t.Helper()
	var frames []ws.Frame
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if f.Type == "end" {
			return frames
		}
	}
}

func TestStartLocalExecution(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)

	err := conn.WriteJSON(ws.ControlMessage{
		Action:      "start",
		ExecutionID: "e1",
		ScriptPath:  "ct/test.sh",
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	frames := collectUntilEnd(t, conn)
	if frames[0].Type != "start" {
		t.Errorf("first frame type = %q, want start", frames[0].Type)
	}
	var out strings.Builder
	for _, f := range frames {
		if f.Type == "output" {
			out.WriteString(f.Data)
		}
	}
	if !strings.Contains(out.String(), "hello") {
		t.Errorf("output frames = %q, want them to contain hello", out.String())
	}
	end := frames[len(frames)-1]
	if end.ExitCode == nil || *end.ExitCode != 0 {
		t.Errorf("end exitCode = %v, want 0", end.ExitCode)
	}
	if end.Timestamp == 0 {
		t.Error("end frame missing timestamp")
	}
}

func TestStopBeforeOutput(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(ws.ControlMessage{Action: "start", ExecutionID: "e1", ScriptPath: "ct/slow.sh"}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	if err := conn.WriteJSON(ws.ControlMessage{Action: "stop", ExecutionID: "e1"}); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	frames := collectUntilEnd(t, conn)
	end := frames[len(frames)-1]
	if end.Data != "stopped by user" {
		t.Errorf("end data = %q, want %q", end.Data, "stopped by user")
	}
}

func TestInvalidScriptPathRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(ws.ControlMessage{Action: "start", ExecutionID: "e1", ScriptPath: "../etc/passwd"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames := collectUntilEnd(t, conn)
	if frames[0].Type != "error" {
		t.Errorf("first frame type = %q, want error", frames[0].Type)
	}
}

func TestRemoteStartWithoutTargetRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(ws.ControlMessage{Action: "start", ExecutionID: "e1", ScriptPath: "ct/test.sh", Mode: "ssh"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames := collectUntilEnd(t, conn)
	if frames[0].Type != "error" {
		t.Errorf("first frame type = %q, want error", frames[0].Type)
	}
	if !strings.Contains(frames[0].Data, "host, user and password") {
		t.Errorf("error data = %q, want missing-target reason", frames[0].Data)
	}
}

func TestMalformedFrameDoesNotAbortConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != "error" {
		t.Fatalf("frame type = %q, want error", f.Type)
	}

	// The connection must still be usable afterwards.
	if err := conn.WriteJSON(ws.ControlMessage{Action: "start", ExecutionID: "e2", ScriptPath: "ct/test.sh"}); err != nil {
		t.Fatalf("write after malformed: %v", err)
	}
	frames := collectUntilEnd(t, conn)
	end := frames[len(frames)-1]
	if end.ExitCode == nil || *end.ExitCode != 0 {
		t.Errorf("end exitCode = %v, want 0", end.ExitCode)
	}
}

func TestDuplicateExecutionID(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(ws.ControlMessage{Action: "start", ExecutionID: "e1", ScriptPath: "ct/slow.sh"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readFrame(t, conn) // start frame

	if err := conn.WriteJSON(ws.ControlMessage{Action: "start", ExecutionID: "e1", ScriptPath: "ct/test.sh"}); err != nil {
		t.Fatalf("write duplicate: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != "error" || !strings.Contains(f.Data, "already running") {
		t.Errorf("frame = %+v, want already-running error", f)
	}

	if err := conn.WriteJSON(ws.ControlMessage{Action: "stop", ExecutionID: "e1"}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	frames := collectUntilEnd(t, conn)
	if frames[len(frames)-1].Data != "stopped by user" {
		t.Errorf("end data = %q, want stopped by user", frames[len(frames)-1].Data)
	}
}

func TestUnknownActionProducesErrorFrame(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(ws.ControlMessage{Action: "reboot"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != "error" {
		t.Errorf("frame type = %q, want error", f.Type)
	}
}
