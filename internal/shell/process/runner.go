// Package process runs an external command, streams its combined output and
// reports when the command has reached a start condition.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// closeDrainTimeout bounds how long Close waits for a killed process to flush.
const closeDrainTimeout = 5 * time.Second

// State is the lifecycle stage of a Runner.
type State int

const (
	StateCreated State = iota
	StateStarted
	StateExited
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateExited:
		return "exited"
	case StateTimedOut:
		return "timed_out"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

type marker struct {
	text      string
	remaining int
}

// Runner launches one external command. Configure it with Argument,
// CollectOutput and WaitForMarker, then call Start once.
type Runner struct {
	name   string
	args   []string
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	sinks    []func(string)
	markers  []*marker
	pending  int
	output   []string
	cmd      *exec.Cmd
	exitCode int
	closed   bool

	ready  chan struct{} // closed when every marker is satisfied
	exited chan struct{} // closed after the process exited and output drained

	closeOnce sync.Once
	closeErr  error
}

// New creates a runner for the given executable and initial arguments.
func New(name string, args ...string) *Runner {
	return &Runner{
		name:     name,
		args:     append([]string(nil), args...),
		logger:   slog.Default().With("component", "process"),
		exitCode: -1,
		ready:    make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// WithLogger replaces the runner's logger.
func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	if logger != nil {
		r.logger = logger.With("component", "process")
	}
	return r
}

// Argument appends arguments to the command line.
func (r *Runner) Argument(values ...string) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.args = append(r.args, values...)
	return r
}

// CommandLine renders the command for display. Arguments holding whitespace or
// double quotes are wrapped in quotes with inner quotes escaped.
func (r *Runner) CommandLine() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	parts := make([]string, 0, len(r.args)+1)
	parts = append(parts, quote(r.name))
	for _, a := range r.args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\r\n\"") {
		return arg
	}
	return `"` + strings.ReplaceAll(arg, `"`, `\"`) + `"`
}

// CollectOutput subscribes sink to every line written to stdout or stderr.
// Sinks run sequentially on the output goroutine in emission order.
func (r *Runner) CollectOutput(sink func(line string)) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
	return r
}

// WaitForMarker makes Start wait until text has appeared in occurrences
// separate output lines. Markers added after Start are ignored.
func (r *Runner) WaitForMarker(text string, occurrences int) *Runner {
	if occurrences < 1 {
		occurrences = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCreated {
		return r
	}
	r.markers = append(r.markers, &marker{text: text, remaining: occurrences})
	r.pending++
	return r
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the process and blocks until every marker was seen.
// A timeout of zero waits without limit. The process keeps running after
// Start returns, whatever the outcome; Close stops it. A closed runner never
// launches.
func (r *Runner) Start(ctx context.Context, timeout time.Duration) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.state != StateCreated {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to create output pipe: %w", err)
	}

	cmd := exec.Command(r.name, r.args...)
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		pr.Close()
		pw.Close()
		return fmt.Errorf("failed to start %s: %w", r.name, err)
	}
	pw.Close()

	r.cmd = cmd
	r.state = StateStarted
	if r.pending == 0 {
		close(r.ready)
	}
	r.mu.Unlock()

	r.logger.Debug("process started", "command", r.CommandLine(), "pid", cmd.Process.Pid)

	pumped := make(chan struct{})
	go r.pump(pr, pumped)
	go r.wait(pumped)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-r.ready:
		return nil
	case <-r.exited:
		select {
		case <-r.ready:
			return nil
		default:
		}
		return r.exitedEarly()
	case <-deadline:
		r.mu.Lock()
		if r.state == StateStarted {
			r.state = StateTimedOut
		}
		r.mu.Unlock()
		return fmt.Errorf("%s: %w after %s", r.name, ErrStartTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) pump(pr *os.File, done chan<- struct{}) {
	defer close(done)
	defer pr.Close()

	reader := bufio.NewReader(pr)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			r.line(strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.logger.Warn("output stream ended", "command", r.name, "error", err)
			}
			return
		}
	}
}

// line records one output line, counts markers and feeds the sinks.
func (r *Runner) line(line string) {
	r.mu.Lock()
	r.output = append(r.output, line)
	for _, m := range r.markers {
		if m.remaining > 0 && strings.Contains(line, m.text) {
			m.remaining--
			if m.remaining == 0 {
				r.pending--
				if r.pending == 0 {
					close(r.ready)
				}
			}
		}
	}
	sinks := r.sinks
	r.mu.Unlock()

	for _, sink := range sinks {
		sink(line)
	}
}

func (r *Runner) wait(pumped <-chan struct{}) {
	err := r.cmd.Wait()
	<-pumped

	r.mu.Lock()
	r.exitCode = r.cmd.ProcessState.ExitCode()
	if r.state == StateStarted {
		r.state = StateExited
	}
	r.mu.Unlock()

	r.logger.Debug("process exited", "command", r.name, "exit_code", r.exitCode, "error", err)
	close(r.exited)
}

func (r *Runner) exitedEarly() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []string
	for _, m := range r.markers {
		if m.remaining > 0 {
			pending = append(pending, strconv.Quote(m.text))
		}
	}
	return &ExitedEarlyError{
		Command:  r.name,
		ExitCode: r.exitCode,
		Pending:  pending,
		Output:   append([]string(nil), r.output...),
	}
}

// Wait blocks until the process exited and its output was drained, returning
// the exit code (-1 when it was killed by a signal).
func (r *Runner) Wait(ctx context.Context) (int, error) {
	if r.State() == StateCreated {
		return -1, ErrNotStarted
	}
	select {
	case <-r.exited:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Done is closed once the process exited and its output was drained.
func (r *Runner) Done() <-chan struct{} {
	return r.exited
}

// State returns the current lifecycle stage.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Output returns the lines collected so far.
func (r *Runner) Output() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.output...)
}

// Close kills the process if it is still running and waits for it to be
// reaped. A kill that fails is reported. After Close, Start returns ErrClosed.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.close()
	})
	return r.closeErr
}

func (r *Runner) close() error {
	r.mu.Lock()
	r.closed = true
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil {
		return nil
	}

	select {
	case <-r.exited:
		return nil
	default:
	}

	r.logger.Debug("killing process", "command", r.name, "pid", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill %s (pid %d): %w", r.name, cmd.Process.Pid, err)
	}

	select {
	case <-r.exited:
		return nil
	case <-time.After(closeDrainTimeout):
		return fmt.Errorf("%s (pid %d) did not exit within %s of being killed", r.name, cmd.Process.Pid, closeDrainTimeout)
	}
}
