// Package backend runs helper scripts as supervised child processes and
// exposes their output as an event stream. Two implementations exist: the
// local pipe-backed runner in this package and the PTY-backed remote runner
// in internal/sshexec. Both satisfy Handle.
package backend

// Handle is exclusive ownership of one running execution. The stream
// returned by Events carries zero or more Output/Error events in emission
// order followed by exactly one End event, after which the channel is
// closed. No event follows End.
type Handle interface {
	// Events returns the backend's output stream. The same channel is
	// returned on every call.
	Events() <-chan Event

	// Input forwards raw bytes to the process stdin (or PTY master).
	Input(p []byte) error

	// Kill forcibly terminates the underlying process. Idempotent; a no-op
	// once the process has exited.
	Kill()
}
