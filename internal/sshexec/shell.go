package sshexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/pvetools/scriptdeck/internal/backend"
)

// ShellRunner executes a helper script on a remote host: it runs Transfer
// first, then opens an interactive ssh session under a local PTY and runs
// the script inside it. PTY output merges stdout and stderr, so the stream
// carries Output events only (plus runner diagnostics as Error events).
type ShellRunner struct {
	Transfer *Transfer

	// Cols and Rows size the PTY; sensible terminal defaults when zero.
	Cols uint16
	Rows uint16

	// MaxDuration caps the whole run (transfer plus execution);
	// backend.DefaultMaxDuration when zero.
	MaxDuration time.Duration

	Logger *slog.Logger
}

// Start begins the transfer-then-execute sequence for scriptRel (a path
// relative to the script tree) and returns immediately. Transfer progress,
// remote output, and the final exit all arrive through the handle's stream.
func (r *ShellRunner) Start(target Target, scriptRel string, args ...string) (backend.Handle, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	maxDur := r.MaxDuration
	if maxDur <= 0 {
		maxDur = backend.DefaultMaxDuration
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	procCtx, cancel := context.WithTimeout(context.Background(), maxDur)
	handle := &remoteHandle{
		cancel: cancel,
		events: make(chan backend.Event, 64),
	}
	go handle.run(procCtx, r, target, scriptRel, args, logger)
	return handle, nil
}

type remoteHandle struct {
	cancel context.CancelFunc
	events chan backend.Event

	mu   sync.Mutex
	ptmx *os.File
}

func (h *remoteHandle) Events() <-chan backend.Event { return h.events }

// Input writes to the PTY master. Input arriving before the shell phase
// starts (during transfer) is dropped.
func (h *remoteHandle) Input(p []byte) error {
	h.mu.Lock()
	f := h.ptmx
	h.mu.Unlock()
	if f == nil {
		return nil
	}
	_, err := f.Write(p)
	return err
}

// Kill cancels the run context, terminating whichever phase is active. The
// ssh transport closing severs the remote session as a side effect.
func (h *remoteHandle) Kill() {
	h.cancel()
}

func (h *remoteHandle) run(ctx context.Context, r *ShellRunner, target Target, scriptRel string, args []string, logger *slog.Logger) {
	defer close(h.events)
	defer h.cancel()

	// Phase 1: mirror the script tree. Abort on failure; no remote shell
	// is opened when the tree is not in place.
	err := r.Transfer.Sync(ctx, target, func(line []byte) {
		h.events <- backend.Output(line)
	})
	if err != nil {
		h.events <- backend.ErrorText(err.Error())
		h.events <- backend.End(fmt.Sprintf("transfer to %s failed", target.Host), 1)
		return
	}

	// Phase 2: interactive shell with a forced TTY.
	cols, rows := r.Cols, r.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 30
	}
	cmd := remoteExecCommand(ctx, r.Transfer.stagingDir(), target, scriptRel, args, cols, rows)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		h.events <- backend.ErrorText(fmt.Sprintf("open remote shell: %v", err))
		h.events <- backend.End("failed to open remote shell", 1)
		return
	}
	h.mu.Lock()
	h.ptmx = ptmx
	h.mu.Unlock()
	defer ptmx.Close()

	logger.Info("remote shell started", "host", target.Host, "script", scriptRel)

	// Phase 3: relay every PTY byte as-is. A PTY merges stdout and stderr;
	// no attempt is made to separate them. Read errors (EIO) after the
	// process exits are the normal close path on Linux.
	buf := make([]byte, 4096)
	for {
		n, rerr := ptmx.Read(buf)
		if n > 0 {
			h.events <- backend.Output(append([]byte(nil), buf[:n]...))
		}
		if rerr != nil {
			break
		}
	}

	waitErr := cmd.Wait()
	code := remoteExitCode(waitErr)
	msg := fmt.Sprintf("remote execution finished with code %d", code)
	if ctx.Err() == context.DeadlineExceeded {
		msg = "remote execution timed out"
	}
	logger.Info("remote shell finished", "host", target.Host, "script", scriptRel, "exit", code)
	h.events <- backend.End(msg, code)
}

// remoteExecCommand builds the sshpass/ssh invocation. The remote command
// cds into the staged tree, marks the script executable, exports terminal
// capability variables so colorized and interactive output renders, then
// runs the script with an explicit interpreter.
func remoteExecCommand(ctx context.Context, stagingDir string, target Target, scriptRel string, args []string, cols, rows uint16) *exec.Cmd {
	quoted := shellEscapeArg(scriptRel)
	execPart := "./" + scriptRel
	if interp, ok := backend.InterpreterFor(scriptRel); ok {
		execPart = interp + " " + quoted
	} else {
		execPart = shellEscapeArg(execPart)
	}
	for _, a := range args {
		execPart += " " + shellEscapeArg(a)
	}
	remoteCmd := fmt.Sprintf(
		"cd %s && chmod +x %s && TERM=xterm-256color COLUMNS=%d LINES=%d FORCE_COLOR=1 CLICOLOR_FORCE=1 %s",
		shellEscapeArg(stagingDir), quoted, cols, rows, execPart,
	)

	sshArgs := []string{"-e", "ssh", "-tt"}
	sshArgs = append(sshArgs, sshBatchOpts...)
	sshArgs = append(sshArgs, target.Addr(), remoteCmd)

	cmd := exec.CommandContext(ctx, "sshpass", sshArgs...)
	cmd.Env = append(os.Environ(), "SSHPASS="+target.Password)
	// The PTY start puts sshpass in its own session; kill the group so the
	// ssh child dies with it and the transport closing severs the remote
	// session.
	cmd.Cancel = func() error {
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			return os.ErrProcessDone
		}
		return nil
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

func remoteExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
