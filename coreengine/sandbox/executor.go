// Package sandbox provides resource-constrained execution of validation
// commands for untrusted, machine-generated code.
//
// The executed process:
//   - runs with the task workspace as its working directory and a scrubbed
//     environment, so relative paths resolve inside the workspace
//   - is placed in its own process group so the whole tree can be killed
//   - gets kernel-enforced CPU and address-space limits, so a runaway
//     process cannot block the caller indefinitely
//   - is denied network access by default via a fresh network namespace
//   - is confined to the workspace for filesystem writes via a Landlock
//     ruleset applied by the ChildMain trampoline
//
// Exceeding the wall-clock timeout always yields a bounded return with
// TimedOut=true rather than an error. Failures of the isolation mechanism
// itself are a distinct infrastructure error (ErrIsolationUnavailable).
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

// ErrIsolationUnavailable indicates the underlying isolation mechanism
// could not be established. This is an infrastructure error, not a
// validation failure, and is surfaced to the orchestrator as such.
var ErrIsolationUnavailable = errors.New("sandbox: isolation unavailable")

// maxCaptureBytes caps captured stdout/stderr per stream.
const maxCaptureBytes = 1 << 20

// Limits specifies the resource constraints for one execution.
type Limits struct {
	// CPUCount is the CPU share granted to the process. Combined with the
	// timeout it bounds total CPU time via RLIMIT_CPU.
	CPUCount float64 `json:"cpu_count"`
	// MemoryMB is the address-space ceiling in megabytes.
	MemoryMB int `json:"memory_mb"`
	// Timeout is the hard wall-clock limit. On expiry the process tree is
	// forcibly terminated.
	Timeout time.Duration `json:"timeout"`
	// NetworkEnabled grants network access. Disabled by default; enabled
	// only after an approval decision permits it for the task's lifetime.
	NetworkEnabled bool `json:"network_enabled"`
}

// Result is the outcome of one sandboxed execution.
type Result struct {
	ExitCode int                `json:"exit_code"`
	Stdout   string             `json:"stdout"`
	Stderr   string             `json:"stderr"`
	TimedOut bool               `json:"timed_out"`
	Usage    task.ResourceUsage `json:"usage"`
}

// Executor runs a command inside an isolated, resource-constrained
// environment. Implementations must honor context cancellation so a pause
// request can interrupt a blocked execution promptly.
type Executor interface {
	Run(ctx context.Context, command []string, workspaceRoot string, limits Limits) (*Result, error)
}

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Local Executor
// =============================================================================

// LocalExecutor runs commands as resource-limited local processes.
//
// Network denial uses a fresh network namespace, which requires privilege,
// and filesystem confinement uses Landlock, which requires kernel support.
// With StrictIsolation set, failure to establish either mechanism is an
// ErrIsolationUnavailable. Without it, the executor degrades to running
// without the missing mechanism and logs a warning; that mode runs
// untrusted code unconfined and exists only as an explicit operator
// opt-in for hosts where the mechanisms are unavailable.
type LocalExecutor struct {
	Logger Logger

	// StrictIsolation makes isolation-mechanism failures fatal instead of
	// degrading to an unisolated run.
	StrictIsolation bool

	// checkConfinement overrides filesystem-confinement detection in tests.
	checkConfinement func() error
}

var _ Executor = (*LocalExecutor)(nil)

// NewLocalExecutor creates a LocalExecutor.
func NewLocalExecutor(logger Logger, strict bool) *LocalExecutor {
	return &LocalExecutor{Logger: logger, StrictIsolation: strict}
}

// Run implements Executor.
func (e *LocalExecutor) Run(ctx context.Context, command []string, workspaceRoot string, limits Limits) (*Result, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("sandbox: command is required")
	}
	ws, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve workspace: %w", err)
	}
	if info, err := os.Stat(ws); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: workspace %s not usable", ErrIsolationUnavailable, ws)
	}
	if limits.Timeout <= 0 {
		return nil, fmt.Errorf("sandbox: timeout must be positive")
	}

	check := e.checkConfinement
	if check == nil {
		check = landlockCheck
	}
	confined := true
	if err := check(); err != nil {
		if e.StrictIsolation {
			return nil, fmt.Errorf("%w: filesystem confinement: %v", ErrIsolationUnavailable, err)
		}
		confined = false
		if e.Logger != nil {
			e.Logger.Warn("sandbox_filesystem_confinement_unavailable",
				"workspace", ws,
				"error", err.Error(),
			)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	attr := &syscall.SysProcAttr{Setpgid: true}
	if !limits.NetworkEnabled {
		attr.Cloneflags = syscall.CLONE_NEWNET
	}

	cmd, stdout, stderr := e.buildCommand(runCtx, command, ws, attr, confined)

	start := time.Now()
	err = cmd.Start()
	if err != nil && !limits.NetworkEnabled && isPrivilegeError(err) {
		if e.StrictIsolation {
			return nil, fmt.Errorf("%w: network namespace: %v", ErrIsolationUnavailable, err)
		}
		if e.Logger != nil {
			e.Logger.Warn("sandbox_network_namespace_unavailable",
				"workspace", ws,
				"error", err.Error(),
			)
		}
		attr.Cloneflags = 0
		cmd, stdout, stderr = e.buildCommand(runCtx, command, ws, attr, confined)
		err = cmd.Start()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: start process: %v", ErrIsolationUnavailable, err)
	}

	pid := cmd.Process.Pid
	if err := applyRlimits(pid, limits); err != nil {
		// Kill the group before reporting: the process must not run with
		// limits unapplied.
		_ = unix.Kill(-pid, unix.SIGKILL)
		_ = cmd.Wait()
		return nil, fmt.Errorf("%w: apply rlimits: %v", ErrIsolationUnavailable, err)
	}

	// Reap in a goroutine so the context can interrupt the wait.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	select {
	case <-runCtx.Done():
		// Kill the whole process group, then reap.
		_ = unix.Kill(-pid, unix.SIGKILL)
		<-done
		if ctx.Err() != nil {
			// External cancellation (pause), not a timeout: the caller
			// discards the in-flight phase.
			return nil, ctx.Err()
		}
		timedOut = true
	case waitErr := <-done:
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("%w: wait: %v", ErrIsolationUnavailable, waitErr)
		}
	}

	res := &Result{
		ExitCode: exitCode(cmd, timedOut),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
		Usage: task.ResourceUsage{
			WallTimeMS: time.Since(start).Milliseconds(),
		},
	}
	if ru, ok := rusage(cmd); ok {
		res.Usage.CPUTimeMS = (ru.Utime.Nano() + ru.Stime.Nano()) / int64(time.Millisecond)
		res.Usage.MaxRSSKB = ru.Maxrss
	}

	if !timedOut && res.ExitCode == childFailureExitCode && strings.Contains(res.Stderr, childFailureMarker) {
		return nil, fmt.Errorf("%w: %s", ErrIsolationUnavailable, strings.TrimSpace(res.Stderr))
	}

	if e.Logger != nil {
		e.Logger.Info("sandbox_run_completed",
			"workspace", ws,
			"exit_code", res.ExitCode,
			"timed_out", res.TimedOut,
			"wall_time_ms", res.Usage.WallTimeMS,
		)
	}
	return res, nil
}

// buildCommand assembles the exec.Cmd with a scrubbed environment and
// bounded output capture. When confined, the command is routed through the
// trampoline so the Landlock ruleset is applied before it runs; see
// ChildMain.
func (e *LocalExecutor) buildCommand(ctx context.Context, command []string, workspace string, attr *syscall.SysProcAttr, confined bool) (*exec.Cmd, *boundedBuffer, *boundedBuffer) {
	var cmd *exec.Cmd
	if confined {
		cmd = exec.CommandContext(ctx, "/proc/self/exe", command...)
	} else {
		cmd = exec.CommandContext(ctx, command[0], command[1:]...)
	}
	cmd.Dir = workspace
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + workspace,
		"TMPDIR=" + workspace,
		"LANG=C.UTF-8",
	}
	if confined {
		cmd.Env = append(cmd.Env, childWorkspaceEnv+"="+workspace)
	}
	cmd.SysProcAttr = attr
	// The context is enforced by the select in Run; suppress the default
	// kill so the whole group is terminated together.
	cmd.Cancel = func() error { return nil }

	stdout := &boundedBuffer{limit: maxCaptureBytes}
	stderr := &boundedBuffer{limit: maxCaptureBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd, stdout, stderr
}

// applyRlimits applies kernel resource limits to the started process.
func applyRlimits(pid int, limits Limits) error {
	if limits.MemoryMB > 0 {
		address := uint64(limits.MemoryMB) * 1024 * 1024
		lim := unix.Rlimit{Cur: address, Max: address}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			return fmt.Errorf("RLIMIT_AS: %w", err)
		}
	}
	if limits.CPUCount > 0 && limits.Timeout > 0 {
		cpuSeconds := uint64(limits.CPUCount*limits.Timeout.Seconds()) + 1
		lim := unix.Rlimit{Cur: cpuSeconds, Max: cpuSeconds}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			return fmt.Errorf("RLIMIT_CPU: %w", err)
		}
	}
	return nil
}

func exitCode(cmd *exec.Cmd, timedOut bool) int {
	if timedOut {
		return -1
	}
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func rusage(cmd *exec.Cmd) (*syscall.Rusage, bool) {
	if cmd.ProcessState == nil {
		return nil, false
	}
	ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	return ru, ok
}

func isPrivilegeError(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.EACCES) || errors.Is(err, unix.ENOSYS)
}

// boundedBuffer captures up to limit bytes and discards the rest.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
