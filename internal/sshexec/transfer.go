package sshexec

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultStagingDir is where the script tree lands on the remote host.
const DefaultStagingDir = "/root/.scriptdeck/scripts"

// sshBatchOpts make ssh usable non-interactively against hosts we have
// never seen before. Host-key prompts would otherwise hang the transfer.
var sshBatchOpts = []string{
	"-o", "StrictHostKeyChecking=no",
	"-o", "UserKnownHostsFile=/dev/null",
	"-o", "LogLevel=ERROR",
}

// defaultExcludes keeps transient files out of the mirrored tree.
var defaultExcludes = []string{"*.log", "*.tmp", ".git"}

// Transfer mirrors the local script tree to a remote staging directory.
// Mirror semantics: remote files absent locally are deleted, so repeated
// runs against the same host converge on the local tree.
type Transfer struct {
	// LocalRoot is the script tree to mirror.
	LocalRoot string

	// StagingDir is the remote destination; DefaultStagingDir when empty.
	StagingDir string

	// Excludes are rsync exclude patterns added to the defaults.
	Excludes []string

	Logger *slog.Logger
}

func (t *Transfer) stagingDir() string {
	if t.StagingDir != "" {
		return t.StagingDir
	}
	return DefaultStagingDir
}

// Sync mirrors LocalRoot to the target's staging directory, invoking onLine
// for every line of transfer-tool output as it is produced. It returns nil
// only when rsync exits zero; otherwise the error carries the captured
// stderr as diagnostic. The context cancels the underlying process.
func (t *Transfer) Sync(ctx context.Context, target Target, onLine func([]byte)) error {
	if err := target.Validate(); err != nil {
		return err
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	args := []string{"-e", "rsync", "-az", "--delete"}
	for _, pattern := range defaultExcludes {
		args = append(args, "--exclude="+pattern)
	}
	for _, pattern := range t.Excludes {
		args = append(args, "--exclude="+pattern)
	}
	args = append(args,
		"-e", "ssh "+strings.Join(sshBatchOpts, " "),
		// Trailing slash: copy the tree's contents, not the directory itself.
		strings.TrimRight(t.LocalRoot, "/")+"/",
		target.Addr()+":"+t.stagingDir()+"/",
	)

	cmd := exec.CommandContext(ctx, "sshpass", args...)
	cmd.Env = append(os.Environ(), "SSHPASS="+target.Password)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start rsync: %w", err)
	}
	logger.Debug("transfer started", "host", target.Host, "staging", t.stagingDir())

	var diag bytes.Buffer
	g := new(errgroup.Group)
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				line := append(append([]byte(nil), scanner.Bytes()...), '\n')
				onLine(line)
			}
		}
		return scanner.Err()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			diag.Write(scanner.Bytes())
			diag.WriteByte('\n')
		}
		return scanner.Err()
	})
	// Both pipes must be drained and the exit observed before the caller
	// proceeds to the exec phase.
	readErr := g.Wait()
	waitErr := cmd.Wait()

	if waitErr != nil {
		detail := strings.TrimSpace(diag.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		logger.Warn("transfer failed", "host", target.Host, "err", waitErr)
		return fmt.Errorf("rsync to %s failed: %s", target.Host, detail)
	}
	if readErr != nil {
		return fmt.Errorf("read rsync output: %w", readErr)
	}
	logger.Info("transfer complete", "host", target.Host, "staging", t.stagingDir())
	return nil
}
