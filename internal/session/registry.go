// Package session owns the lifecycle of script executions: one registry
// maps execution ids to their running backend and the connection that
// started them. The registry is the single source of truth for "is this id
// already running"; it serializes start/stop/input against each other and
// tears everything down when a connection goes away.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pvetools/scriptdeck/internal/backend"
	"github.com/pvetools/scriptdeck/internal/sshexec"
)

var (
	// ErrAlreadyRunning rejects a second start for a live execution id.
	ErrAlreadyRunning = errors.New("execution already running")

	// ErrNotFound indicates the execution id is unknown or already ended.
	ErrNotFound = errors.New("execution not found")
)

// Mode selects the execution backend.
type Mode int

const (
	ModeLocal Mode = iota
	ModeRemote
)

func (m Mode) String() string {
	if m == ModeRemote {
		return "ssh"
	}
	return "local"
}

// State tracks a session through its lifecycle. Ended is terminal and is
// always followed by removal from the registry.
type State int

const (
	StatePending State = iota
	StateRunning
	StateStopping
	StateEnded
)

// Spec describes one execution request.
type Spec struct {
	ID     string
	Mode   Mode
	Script string // absolute path for local mode, tree-relative for remote
	Args   []string
	Target sshexec.Target // remote mode only
}

// Sink receives the ordered event stream for one connection. Implementations
// must be safe for concurrent use; the registry calls Send from per-session
// goroutines.
type Sink interface {
	Send(ev backend.Event) error
}

// LocalStarter spawns a local script process.
type LocalStarter interface {
	Start(path string, args ...string) (backend.Handle, error)
}

// RemoteStarter spawns a remote execution (transfer plus PTY shell).
type RemoteStarter interface {
	Start(target sshexec.Target, scriptRel string, args ...string) (backend.Handle, error)
}

// Recorder receives optional history notifications bracketing an execution.
// Calls must never block for long and must swallow their own failures; the
// registry does not depend on them for correctness.
type Recorder interface {
	Started(id string, mode string, script string, host string)
	Output(id string, chunk []byte)
	Ended(id string, exitCode int, summary string)
}

type liveSession struct {
	id     string
	mode   Mode
	connID string
	owner  Sink
	state  State

	backend backend.Handle

	// sendMu serializes event delivery so nothing can follow End.
	sendMu sync.Mutex
	ended  bool

	endOnce sync.Once
	done    chan struct{}
}

// Registry is the concurrency core: a mutex-guarded map of live sessions.
type Registry struct {
	local    LocalStarter
	remote   RemoteStarter
	recorder Recorder
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
}

// New builds a registry. recorder may be nil.
func New(local LocalStarter, remote RemoteStarter, recorder Recorder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		local:    local,
		remote:   remote,
		recorder: recorder,
		logger:   logger,
		sessions: make(map[string]*liveSession),
	}
}

// Begin claims spec.ID, spawns the backend, and wires its event stream into
// sink. It returns once the backend is spawned; exit is reported
// asynchronously. A live session under the same id rejects the call with
// ErrAlreadyRunning, leaving the existing session undisturbed.
func (r *Registry) Begin(connID string, sink Sink, spec Spec) error {
	s := &liveSession{
		id:     spec.ID,
		mode:   spec.Mode,
		connID: connID,
		owner:  sink,
		state:  StatePending,
		done:   make(chan struct{}),
	}

	// Claim the id atomically before spawning anything.
	r.mu.Lock()
	if _, exists := r.sessions[spec.ID]; exists {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.sessions[spec.ID] = s
	r.mu.Unlock()

	var (
		h   backend.Handle
		err error
	)
	switch spec.Mode {
	case ModeRemote:
		h, err = r.remote.Start(spec.Target, spec.Script, spec.Args...)
	default:
		h, err = r.local.Start(spec.Script, spec.Args...)
	}
	if err != nil {
		r.logger.Warn("spawn failed", "id", spec.ID, "mode", spec.Mode.String(), "err", err)
		s.emit(backend.ErrorText(err.Error()))
		r.finish(s, backend.End(fmt.Sprintf("failed to start: %v", err), 1))
		return err
	}

	// Attach the backend. The session may have been stopped while we were
	// spawning (connection closed mid-begin); in that case the claim is
	// gone and the fresh process must not outlive it.
	r.mu.Lock()
	cur := r.sessions[spec.ID]
	if cur != s {
		r.mu.Unlock()
		h.Kill()
		go drain(h)
		return nil
	}
	s.backend = h
	s.state = StateRunning
	r.mu.Unlock()

	s.emit(backend.Event{Kind: backend.KindStart, Message: startMessage(spec), Timestamp: time.Now()})
	if r.recorder != nil {
		r.recorder.Started(spec.ID, spec.Mode.String(), spec.Script, spec.Target.Host)
	}
	r.logger.Info("execution started", "id", spec.ID, "mode", spec.Mode.String(), "script", spec.Script)

	go r.forward(s)
	return nil
}

// Input forwards bytes to a running session's backend. Unknown or ended ids
// return ErrNotFound; callers treat that as a logged no-op.
func (r *Registry) Input(id string, p []byte) error {
	r.mu.Lock()
	s := r.sessions[id]
	var h backend.Handle
	if s != nil && s.state == StateRunning {
		h = s.backend
	}
	r.mu.Unlock()
	if h == nil {
		return ErrNotFound
	}
	return h.Input(p)
}

// Stop kills the session's backend and emits a synthetic end distinct from
// the backend's own exit event. Stopping an absent or already-ended id is a
// no-op. Safe to race with the backend's own exit: whichever finishes first
// wins and the loser is dropped.
func (r *Registry) Stop(id string) {
	r.mu.Lock()
	s := r.sessions[id]
	var h backend.Handle
	if s != nil {
		s.state = StateStopping
		h = s.backend
	}
	r.mu.Unlock()
	if s == nil {
		return
	}
	if h != nil {
		h.Kill()
	}
	r.finish(s, backend.End("stopped by user", -1))
}

// CloseConnection stops every live session owned by connID. Sessions owned
// by other connections are untouched.
func (r *Registry) CloseConnection(connID string) {
	r.mu.Lock()
	var ids []string
	for id, s := range r.sessions {
		if s.connID == connID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.logger.Info("connection closed, stopping execution", "conn", connID, "id", id)
		r.Stop(id)
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// forward drains the backend's stream into the owning sink. It runs once
// per session and exits when the backend closes its channel.
func (r *Registry) forward(s *liveSession) {
	for ev := range s.backend.Events() {
		if ev.Kind == backend.KindEnd {
			r.finish(s, ev)
			continue
		}
		s.emit(ev)
		if r.recorder != nil && len(ev.Data) > 0 {
			r.recorder.Output(s.id, ev.Data)
		}
	}
	// Backend streams always end with an End event; a closed channel
	// without one means the backend misbehaved. Close out the session
	// rather than leaving it stuck.
	r.finish(s, backend.End("backend stream closed unexpectedly", 1))
}

// finish delivers the terminal event exactly once, removes the session, and
// notifies the recorder. Both the backend-exit path and the user-stop path
// funnel through here; the first caller wins.
func (r *Registry) finish(s *liveSession, end backend.Event) {
	s.endOnce.Do(func() {
		s.sendMu.Lock()
		s.ended = true
		if err := s.owner.Send(end); err != nil {
			r.logger.Debug("deliver end event", "id", s.id, "err", err)
		}
		s.sendMu.Unlock()

		r.mu.Lock()
		s.state = StateEnded
		delete(r.sessions, s.id)
		r.mu.Unlock()

		if r.recorder != nil {
			r.recorder.Ended(s.id, end.ExitCode, end.Message)
		}
		r.logger.Info("execution ended", "id", s.id, "exit", end.ExitCode, "summary", end.Message)
		close(s.done)
	})
}

// emit delivers a non-terminal event unless the session has already ended.
func (s *liveSession) emit(ev backend.Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.ended {
		return
	}
	_ = s.owner.Send(ev)
}

func startMessage(spec Spec) string {
	if spec.Mode == ModeRemote {
		return fmt.Sprintf("executing %s on %s", spec.Script, spec.Target.Host)
	}
	return fmt.Sprintf("executing %s", spec.Script)
}

func drain(h backend.Handle) {
	for range h.Events() {
	}
}
