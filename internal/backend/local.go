package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultMaxDuration bounds a single local execution. Scripts that run
// longer are force-killed and reported as timed out.
const DefaultMaxDuration = 30 * time.Minute

// interpreters maps script extensions to the command used to run them.
// Unknown extensions are executed directly, relying on a shebang.
var interpreters = map[string]string{
	".sh":   "bash",
	".bash": "bash",
	".py":   "python3",
	".js":   "node",
	".pl":   "perl",
}

// InterpreterFor resolves the interpreter command for a script path by
// extension. ok is false for unknown extensions (direct execution).
func InterpreterFor(path string) (interp string, ok bool) {
	interp, ok = interpreters[strings.ToLower(filepath.Ext(path))]
	return interp, ok
}

// LocalRunner spawns helper scripts on the local host with separate
// stdout/stderr pipes and an open stdin for input forwarding.
type LocalRunner struct {
	// ScriptsRoot is the working directory for spawned scripts.
	ScriptsRoot string

	// MaxDuration caps execution time; DefaultMaxDuration when zero.
	MaxDuration time.Duration

	Logger *slog.Logger
}

// Start spawns the script at path (absolute, already validated) and returns
// immediately; exit is reported asynchronously through the handle's stream.
func (r *LocalRunner) Start(path string, args ...string) (Handle, error) {
	maxDur := r.MaxDuration
	if maxDur <= 0 {
		maxDur = DefaultMaxDuration
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	argv := make([]string, 0, len(args)+2)
	if interp, ok := interpreters[strings.ToLower(filepath.Ext(path))]; ok {
		argv = append(argv, interp)
	}
	argv = append(argv, path)
	argv = append(argv, args...)

	procCtx, cancel := context.WithTimeout(context.Background(), maxDur)
	cmd := exec.CommandContext(procCtx, argv[0], argv[1:]...)
	cmd.Dir = r.ScriptsRoot
	// Scripts spawn children (package managers, curl pipes); kill the whole
	// process group so none of them outlives the session or keeps the
	// output pipes open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return os.ErrProcessDone
		}
		return nil
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", filepath.Base(path), err)
	}

	h := &localHandle{
		cmd:    cmd,
		ctx:    procCtx,
		cancel: cancel,
		stdin:  stdin,
		events: make(chan Event, 64),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go h.relay(&wg, stdout, KindOutput)
	go h.relay(&wg, stderr, KindError)

	go func() {
		wg.Wait()
		waitErr := cmd.Wait()
		code := exitCodeFromError(waitErr)
		msg := endMessage(procCtx, waitErr, code, maxDur)
		logger.Info("local script finished", "script", filepath.Base(path), "exit", code)
		h.events <- End(msg, code)
		close(h.events)
		cancel()
	}()

	return h, nil
}

type localHandle struct {
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	stdin  io.WriteCloser
	events chan Event
}

func (h *localHandle) Events() <-chan Event { return h.events }

func (h *localHandle) Input(p []byte) error {
	_, err := h.stdin.Write(p)
	return err
}

// Kill cancels the process context, which sends SIGKILL. Safe to call any
// number of times, before or after exit.
func (h *localHandle) Kill() {
	h.cancel()
}

func (h *localHandle) relay(wg *sync.WaitGroup, pipe io.Reader, kind EventKind) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			h.events <- Event{
				Kind:      kind,
				Data:      append([]byte(nil), buf[:n]...),
				Timestamp: time.Now(),
			}
		}
		if err != nil {
			return
		}
	}
}

func endMessage(ctx context.Context, waitErr error, code int, maxDur time.Duration) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("execution timed out after %s", maxDur)
	}
	if sig, ok := terminationSignal(waitErr); ok {
		return fmt.Sprintf("terminated by signal %s", sig)
	}
	return fmt.Sprintf("exited with code %d", code)
}

func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(interface{ ExitStatus() int }); ok {
			return status.ExitStatus()
		}
	}
	return 1
}

func terminationSignal(err error) (syscall.Signal, bool) {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, false
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal(), true
	}
	return 0, false
}
