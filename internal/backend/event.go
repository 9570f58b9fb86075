package backend

import "time"

// EventKind discriminates the variants of an execution event.
type EventKind int

const (
	KindStart EventKind = iota
	KindOutput
	KindError
	KindEnd
)

func (k EventKind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindOutput:
		return "output"
	case KindError:
		return "error"
	case KindEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one item in a backend's output stream. Output and Error events
// carry raw bytes (ANSI escapes included, untouched); Start and End carry a
// human-readable message. End additionally carries the observed exit code.
type Event struct {
	Kind      EventKind
	Data      []byte
	Message   string
	ExitCode  int
	Timestamp time.Time
}

// Output wraps a chunk of process stdout (or merged PTY output).
func Output(data []byte) Event {
	return Event{Kind: KindOutput, Data: data, Timestamp: time.Now()}
}

// ErrorChunk wraps a chunk of process stderr.
func ErrorChunk(data []byte) Event {
	return Event{Kind: KindError, Data: data, Timestamp: time.Now()}
}

// ErrorText wraps a diagnostic message produced by the runner itself rather
// than the script (spawn failures, transfer failures).
func ErrorText(msg string) Event {
	return Event{Kind: KindError, Data: []byte(msg), Message: msg, Timestamp: time.Now()}
}

// End terminates a stream. Exactly one End is emitted per execution.
func End(msg string, exitCode int) Event {
	return Event{Kind: KindEnd, Message: msg, ExitCode: exitCode, Timestamp: time.Now()}
}
