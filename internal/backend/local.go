package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// DefaultTimeout caps a single command when the caller passes none.
const DefaultTimeout = 900 * time.Second

// killGrace is how long a timed-out process group gets between SIGTERM and
// SIGKILL.
const killGrace = 2 * time.Second

var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-rf\b`),
	regexp.MustCompile(`\bdd\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bmount\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bchown\b`),
	regexp.MustCompile(`\bchmod\s+777\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`),
}

// LocalRunner executes commands on the host through bash -lc, rooted at a
// work directory. One runner serves one run; its shell state is not safe for
// concurrent Execute calls and the run loop never makes them.
type LocalRunner struct {
	workDir string
	timeout time.Duration
	state   *ShellState
	deny    []*regexp.Regexp
}

// NewLocalRunner prepares a runner rooted at workDir, creating it if needed.
// denyExtra patterns are compiled and appended to the built-in deny list.
func NewLocalRunner(workDir string, timeout time.Duration, denyExtra []string) (*LocalRunner, error) {
	workDir = strings.TrimSpace(workDir)
	if workDir == "" {
		return nil, fmt.Errorf("work dir is empty")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deny := append([]*regexp.Regexp{}, denyPatterns...)
	for _, raw := range denyExtra {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		pattern, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern %q: %w", raw, err)
		}
		deny = append(deny, pattern)
	}
	return &LocalRunner{
		workDir: workDir,
		timeout: timeout,
		state:   NewShellState(workDir),
		deny:    deny,
	}, nil
}

func (r *LocalRunner) WorkDir() string { return r.workDir }

// Cwd exposes the persisted working directory for reports and tests.
func (r *LocalRunner) Cwd() string { return r.state.Cwd() }

// Execute runs one command under the persisted shell state. Deny hits and
// out-of-root cd return DeniedError before anything runs; a start failure is
// UnavailableError; everything else, timeouts included, is a Result.
func (r *LocalRunner) Execute(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return Result{}, &DeniedError{Reason: "empty command"}
	}
	for _, pattern := range r.deny {
		if pattern.MatchString(command) {
			return Result{}, &DeniedError{Reason: fmt.Sprintf("matched deny pattern %q", pattern.String())}
		}
	}
	if err := r.state.Apply(command); err != nil {
		return Result{}, err
	}
	if timeout <= 0 {
		timeout = r.timeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc := exec.Command("bash", "-lc", r.state.Wrap(command))
	configureShellProcess(proc)
	output := newTailBuffer(OutputMax)
	proc.Stdout = output
	proc.Stderr = output

	start := time.Now()
	if err := proc.Start(); err != nil {
		return Result{}, &UnavailableError{Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		terminateShellProcess(proc, killGrace)
		select {
		case waitErr = <-done:
		case <-time.After(killGrace):
		}
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
	}

	result := Result{
		ExitCode: exitCode(waitErr),
		Output:   output.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	switch {
	case timedOut:
		result.ExitCode = TimeoutExitCode
		result.Output = appendLine(result.Output, fmt.Sprintf("command timed out after %s", timeout))
	case runCtx.Err() != nil:
		result.Output = appendLine(result.Output, "command interrupted")
	}
	return result, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func appendLine(text, line string) string {
	if text == "" {
		return line
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text + line
}

// tailBuffer keeps the last max bytes written. Command failures announce
// themselves at the end of output, so the tail is what evidence needs.
type tailBuffer struct {
	data    []byte
	max     int
	dropped int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = OutputMax
	}
	return &tailBuffer{data: make([]byte, 0, min(4096, max)), max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		cut := len(b.data) - b.max
		b.dropped += cut
		copy(b.data, b.data[cut:])
		b.data = b.data[:b.max]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	if b.dropped > 0 {
		return fmt.Sprintf("[truncated %d bytes of earlier output]\n%s", b.dropped, b.data)
	}
	return string(b.data)
}
