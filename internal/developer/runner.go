// Package developer implements DeveloperPort by shelling out to an external
// coding-agent CLI, grounded on the teacher's internal/gate/script_handler.go
// (stdin pipe from a prepared file, context timeout, WaitDelay) and
// internal/orchestrator/worker_unix.go's process-group teardown idiom.
package developer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/randalmurphal/orcloop/internal/orcerrors"
	"github.com/randalmurphal/orcloop/internal/ports"
)

// ForceKillTimeout is the grace period between SIGTERM and SIGKILL when a
// timed-out agent process does not exit on its own.
const ForceKillTimeout = 5 * time.Second

// Runner invokes an external agent CLI with prompt on stdin, a fresh
// process group, and a wall-clock timeout.
type Runner struct {
	command  string
	args     []string
	extraEnv []string
	logger   *slog.Logger

	mu      sync.Mutex
	timeout time.Duration
	live    map[*exec.Cmd]struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout sets the initial execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithArgs sets fixed arguments passed to every invocation, before the
// prompt-file redirect is applied.
func WithArgs(args ...string) Option {
	return func(r *Runner) { r.args = args }
}

// WithExtraEnv appends "KEY=value" entries to the inherited environment of
// every invocation; used for provider-specific credential variables.
func WithExtraEnv(env ...string) Option {
	return func(r *Runner) { r.extraEnv = env }
}

// NewRunner creates a Runner that invokes command (resolved via PATH).
func NewRunner(command string, opts ...Option) *Runner {
	r := &Runner{
		command: command,
		timeout: 10 * time.Minute,
		logger:  slog.Default(),
		live:    make(map[*exec.Cmd]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTimeout re-sets the wall-clock timeout applied to subsequent Execute calls.
func (r *Runner) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
}

func (r *Runner) currentTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

// Initialize is a no-op; the runner has no persistent connection to set up.
func (r *Runner) Initialize(ctx context.Context) error { return nil }

// Execute writes prompt to a temp file, invokes the agent CLI with that file
// redirected to stdin, a fresh process group, and cwd set to workspaceDir.
// On timeout the process group receives SIGTERM, then (after
// ForceKillTimeout) SIGKILL. The temp file is removed on every exit path.
func (r *Runner) Execute(ctx context.Context, prompt, workspaceDir string) (*ports.ExecutionResult, error) {
	tmp, err := os.CreateTemp("", "orcloop-prompt-*.txt")
	if err != nil {
		return nil, orcerrors.Wrap(orcerrors.CodeExecutionFailed, "create prompt temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(prompt); err != nil {
		_ = tmp.Close()
		return nil, orcerrors.Wrap(orcerrors.CodeExecutionFailed, "write prompt temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, orcerrors.Wrap(orcerrors.CodeExecutionFailed, "close prompt temp file", err)
	}

	stdin, err := os.Open(tmpPath)
	if err != nil {
		return nil, orcerrors.Wrap(orcerrors.CodeExecutionFailed, "reopen prompt temp file", err)
	}
	defer stdin.Close()

	timeout := r.currentTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.command, r.args...)
	cmd.Dir = workspaceDir
	cmd.Stdin = stdin
	cmd.Env = append(os.Environ(), r.extraEnv...)
	cmd.WaitDelay = 2 * time.Second
	cmd.Cancel = func() error { return r.terminate(cmd) }
	setProcAttr(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.trackLive(cmd, true)
	defer r.trackLive(cmd, false)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &ports.ExecutionResult{
		RawOutput: stdout.String(),
		Stderr:    stderr.String(),
		Duration:  duration,
	}

	if runErr != nil {
		if runCtx.Err() != nil {
			r.forceKill(cmd)
			return result, orcerrors.New(orcerrors.CodeTimeout,
				fmt.Sprintf("agent execution exceeded %s", timeout))
		}
		var exitErr *exec.ExitError
		if ok := asExitError(runErr, &exitErr); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, orcerrors.Wrap(orcerrors.CodeExecutionFailed,
				fmt.Sprintf("agent exited with code %d", result.ExitCode), runErr).
				WithDetails(map[string]any{"stderr": result.Stderr})
		}
		return result, orcerrors.Wrap(orcerrors.CodeProcessCrashed, "agent process crashed", runErr)
	}

	return result, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// terminate is invoked by cmd.Cancel when the context is done; it sends
// SIGTERM to the process group rather than killing only the direct child.
func (r *Runner) terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return terminateProcessGroup(cmd.Process.Pid)
}

// forceKill escalates to SIGKILL if the process group has not exited within
// ForceKillTimeout of the SIGTERM sent by terminate.
func (r *Runner) forceKill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	time.AfterFunc(ForceKillTimeout, func() {
		if err := killProcessGroup(pid); err != nil {
			r.logger.Debug("force-kill process group", "pid", pid, "error", err)
		}
	})
}

func (r *Runner) trackLive(cmd *exec.Cmd, live bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if live {
		r.live[cmd] = struct{}{}
	} else {
		delete(r.live, cmd)
	}
}

// Cleanup terminates every process this runner still believes is live. Used
// by the Supervisor during shutdown so no orphaned agent process survives.
func (r *Runner) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(r.live))
	for cmd := range r.live {
		cmds = append(cmds, cmd)
	}
	r.mu.Unlock()

	for _, cmd := range cmds {
		if cmd.Process == nil {
			continue
		}
		if err := killProcessGroup(cmd.Process.Pid); err != nil {
			r.logger.Debug("cleanup kill process group", "pid", cmd.Process.Pid, "error", err)
		}
	}
	return nil
}

// IsAvailable probes the agent CLI with a short-timeout --help invocation,
// falling back to a PATH lookup if that fails.
func (r *Runner) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, r.command, "--help")
	if err := cmd.Run(); err == nil {
		return true
	}

	_, err := exec.LookPath(r.command)
	return err == nil
}

var _ ports.DeveloperPort = (*Runner)(nil)
