// Package backend executes shell actions for a run. The local runner drives
// bash -lc with a per-command timeout and a textual approximation of a
// persistent shell: leading cd/export segments update a cwd+env struct that
// is re-prepended to every later command. Nonzero exits and timeouts are
// ordinary results; only an unreachable backend is a hard error.
package backend

import (
	"context"
	"fmt"
	"time"
)

// OutputMax bounds how many bytes of combined output one result keeps.
// Older bytes are dropped first; the tail is where failures surface.
const OutputMax = 12000

// TimeoutExitCode marks a result whose command was killed at the deadline.
const TimeoutExitCode = 124

// Result is the outcome of one executed command. A timeout is a Result,
// not an error: the run treats it as evidence like any other failure.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// Failed reports whether the result should be classified as a failure.
func (r Result) Failed() bool {
	return r.ExitCode != 0
}

// Backend runs one command and returns its combined output. Implementations
// own whatever session state they simulate between calls.
type Backend interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (Result, error)
}

// UnavailableError is the only hard failure a backend reports: the runner
// itself cannot execute anything (missing shell, dead work dir). It aborts
// the run instead of becoming evidence.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// DeniedError rejects a command before execution. The run records it as a
// policy-violation observation rather than running anything.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "command denied: " + e.Reason
}
