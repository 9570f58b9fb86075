// Package ws is the wire surface of the execution subsystem: it accepts
// WebSocket connections, parses JSON control frames (start/input/stop),
// dispatches them to the session registry, and serializes the registry's
// event stream back over the same connection.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pvetools/scriptdeck/internal/backend"
	"github.com/pvetools/scriptdeck/internal/scripts"
	"github.com/pvetools/scriptdeck/internal/session"
	"github.com/pvetools/scriptdeck/internal/sshexec"
)

// DefaultUpdateScript runs the container-update variant of a start request.
// It receives the container id as its only argument.
const DefaultUpdateScript = "tools/update-apps.sh"

var containerIDPattern = regexp.MustCompile(`^[0-9]+$`)

// ControlMessage is one inbound frame. One JSON object per frame.
type ControlMessage struct {
	Action      string          `json:"action"`
	ExecutionID string          `json:"executionId"`
	ScriptPath  string          `json:"scriptPath,omitempty"`
	ContainerID string          `json:"containerId,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	ServerID    string          `json:"serverId,omitempty"`
	Server      *sshexec.Target `json:"server,omitempty"`
	Input       string          `json:"input,omitempty"`
}

// Frame is one outbound event. ANSI escape sequences in Data pass through
// unmodified. ExitCode is set on end frames only.
type Frame struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
	ExitCode  *int   `json:"exitCode,omitempty"`
}

// ProfileLookup resolves a stored server profile id to a connection target.
type ProfileLookup interface {
	Lookup(id string) (sshexec.Target, error)
}

// Handler upgrades HTTP requests to WebSocket connections and speaks the
// execution protocol over them.
type Handler struct {
	Registry  *session.Registry
	Validator *scripts.Validator
	Profiles  ProfileLookup

	// UpdateScript overrides DefaultUpdateScript when non-empty.
	UpdateScript string

	Logger *slog.Logger

	upgrader websocket.Upgrader
	initOnce sync.Once
}

func (h *Handler) init() {
	h.initOnce.Do(func() {
		if h.Logger == nil {
			h.Logger = slog.Default()
		}
		h.upgrader = websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard serves the terminal page itself; no origin
			// policy beyond that exists upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		}
	})
}

func (h *Handler) updateScript() string {
	if h.UpdateScript != "" {
		return h.UpdateScript
	}
	return DefaultUpdateScript
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.init()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &wsConn{id: uuid.NewString(), conn: conn}
	h.Logger.Info("connection opened", "conn", c.id, "remote", r.RemoteAddr)

	defer func() {
		// The registry kills every backend this connection still owns; no
		// orphaned process may outlive the connection that started it.
		h.Registry.CloseConnection(c.id)
		_ = conn.Close()
		h.Logger.Info("connection closed", "conn", c.id)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ControlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Malformed frames produce a single error event, never an abort.
			c.sendError(fmt.Sprintf("malformed message: %v", err))
			continue
		}
		switch msg.Action {
		case "start":
			h.handleStart(c, msg)
		case "input":
			if err := h.Registry.Input(msg.ExecutionID, []byte(msg.Input)); err != nil {
				h.Logger.Debug("input dropped", "id", msg.ExecutionID, "err", err)
			}
		case "stop":
			h.Registry.Stop(msg.ExecutionID)
		default:
			c.sendError(fmt.Sprintf("unknown action %q", msg.Action))
		}
	}
}

func (h *Handler) handleStart(c *wsConn, msg ControlMessage) {
	id := msg.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}

	spec := session.Spec{ID: id}
	if msg.Mode == "ssh" {
		spec.Mode = session.ModeRemote
	}

	// The containerId form is the update variant: same mechanics, fixed
	// target script with the container id as argument.
	rel := msg.ScriptPath
	if msg.ContainerID != "" {
		if !containerIDPattern.MatchString(msg.ContainerID) {
			c.rejectStart(fmt.Sprintf("invalid container id %q", msg.ContainerID))
			return
		}
		rel = h.updateScript()
		spec.Args = []string{msg.ContainerID}
	}

	if err := h.Validator.Validate(rel); err != nil {
		c.rejectStart(err.Error())
		return
	}

	switch spec.Mode {
	case session.ModeRemote:
		target, err := h.resolveTarget(msg)
		if err != nil {
			c.rejectStart(err.Error())
			return
		}
		spec.Target = target
		spec.Script = rel
	default:
		abs, err := h.Validator.Resolve(rel)
		if err != nil {
			c.rejectStart(err.Error())
			return
		}
		spec.Script = abs
	}

	if err := h.Registry.Begin(c.id, c, spec); err != nil {
		if errors.Is(err, session.ErrAlreadyRunning) {
			c.sendError(fmt.Sprintf("execution %s is already running", id))
		}
		// Spawn failures already produced error and end events through the
		// registry; nothing more to report here.
		return
	}
}

// resolveTarget prefers an inline server object and falls back to the
// stored profile referenced by serverId. Either way the result must be
// fully populated before any process is spawned.
func (h *Handler) resolveTarget(msg ControlMessage) (sshexec.Target, error) {
	if msg.Server != nil {
		if err := msg.Server.Validate(); err != nil {
			return sshexec.Target{}, err
		}
		return *msg.Server, nil
	}
	if msg.ServerID == "" {
		return sshexec.Target{}, sshexec.ErrIncompleteTarget
	}
	if h.Profiles == nil {
		return sshexec.Target{}, fmt.Errorf("no server profile store configured")
	}
	target, err := h.Profiles.Lookup(msg.ServerID)
	if err != nil {
		return sshexec.Target{}, fmt.Errorf("server %s: %w", msg.ServerID, err)
	}
	if err := target.Validate(); err != nil {
		return sshexec.Target{}, err
	}
	return target, nil
}

// wsConn is one client connection. It implements session.Sink; the write
// mutex serializes frames from concurrent session goroutines.
type wsConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send serializes one event as an outbound frame, preserving emission order.
func (c *wsConn) Send(ev backend.Event) error {
	f := Frame{
		Type:      ev.Kind.String(),
		Timestamp: ev.Timestamp.UnixMilli(),
	}
	switch ev.Kind {
	case backend.KindStart, backend.KindEnd:
		f.Data = ev.Message
	default:
		f.Data = string(ev.Data)
	}
	if ev.Kind == backend.KindEnd {
		code := ev.ExitCode
		f.ExitCode = &code
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *wsConn) sendError(msg string) {
	_ = c.Send(backend.ErrorText(msg))
}

// rejectStart reports a validation failure for a start that never spawned:
// one error event followed by a terminal end so the client never hangs.
func (c *wsConn) rejectStart(reason string) {
	_ = c.Send(backend.ErrorText(reason))
	_ = c.Send(backend.End(reason, 1))
}

var _ session.Sink = (*wsConn)(nil)
