package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/relay/slogger"
)

// Default timeout tiers and output bound.
const (
	DefaultSoftTimeout = 60 * time.Second
	DefaultHardTimeout = 30 * time.Minute
	DefaultOutputLimit = 10 * 1024

	// killGracePeriod is how long a process group gets between SIGTERM
	// and SIGKILL once the hard timeout fires.
	killGracePeriod = 5 * time.Second
)

// ExitStatus classifies a script exit code following Unix signal
// conventions.
type ExitStatus string

const (
	StatusSuccess     ExitStatus = "success"
	StatusSoftFailure ExitStatus = "soft_failure"
	StatusHardFailure ExitStatus = "hard_failure"
)

// ClassifyExit maps an exit code to an ExitStatus: 0 is success, 1-127 is a
// soft failure the automation may recover from, 128 and above (signal
// termination or reserved codes) is a hard failure. The mapping is total and
// applies uniformly regardless of which isolation primitive ran the process.
func ClassifyExit(code int) ExitStatus {
	switch {
	case code == 0:
		return StatusSuccess
	case code >= 1 && code <= 127:
		return StatusSoftFailure
	default:
		return StatusHardFailure
	}
}

// RunOptions configures one sandbox invocation.
type RunOptions struct {
	// Script is the fully resolved script body to execute.
	Script string

	// Config is the isolation configuration for this invocation.
	Config *Config

	// SoftTimeout records a warning on expiry without killing the
	// process. Zero means DefaultSoftTimeout.
	SoftTimeout time.Duration

	// HardTimeout forcibly terminates the whole process group on expiry.
	// Zero means DefaultHardTimeout.
	HardTimeout time.Duration

	// OutputLimit bounds captured stdout and stderr, each. Zero means
	// DefaultOutputLimit.
	OutputLimit int
}

// Result is the immutable outcome of one sandbox invocation.
type Result struct {
	ExitCode        int        `json:"exit_code"`
	ExitStatus      ExitStatus `json:"exit_status"`
	Stdout          string     `json:"stdout"`
	Stderr          string     `json:"stderr"`
	StdoutTruncated bool       `json:"stdout_truncated,omitempty"`
	StderrTruncated bool       `json:"stderr_truncated,omitempty"`
	Duration        time.Duration
	TimedOut        bool `json:"timed_out,omitempty"`
	// SoftTimeoutExceeded is set when the soft tier expired; the process
	// was left running.
	SoftTimeoutExceeded bool `json:"soft_timeout_exceeded,omitempty"`
	// Violations lists capability violations detected from the isolation
	// layer's error reporting.
	Violations []string `json:"violations,omitempty"`
	// Backend is the isolation primitive that ran the process.
	Backend string `json:"backend"`
}

// LaunchError means the sandboxed process could not be started at all:
// missing isolation primitive, invalid bind path, unexecutable interpreter.
// It is distinct from a script-level failure.
type LaunchError struct {
	Reason string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox launch: %s: %v", e.Reason, e.Err)
	}
	return "sandbox launch: " + e.Reason
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Runner executes scripts inside the isolation boundary, owning exactly one
// OS process per invocation and guaranteeing its termination before
// returning.
type Runner struct {
	manager *Manager
	logger  slogger.Logger
}

func NewRunner(manager *Manager, logger slogger.Logger) *Runner {
	if logger == nil {
		logger = slogger.NewDevNull()
	}
	return &Runner{manager: manager, logger: logger}
}

// Run executes the script and returns its classified result. A returned
// error is always a launch-level problem; script failures are reported
// through the Result.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	if opts.Config == nil {
		opts.Config = &Config{}
	}
	if opts.SoftTimeout <= 0 {
		opts.SoftTimeout = DefaultSoftTimeout
	}
	if opts.HardTimeout <= 0 {
		opts.HardTimeout = DefaultHardTimeout
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}

	backend := r.manager.SelectBackend()
	if backend == nil {
		return nil, &LaunchError{Reason: "no isolation primitive available", Err: ErrNoBackend}
	}

	if opts.Config.WorkDir == "" {
		dir, err := os.MkdirTemp("", "relay-work-")
		if err != nil {
			return nil, &LaunchError{Reason: "create work dir", Err: err}
		}
		defer os.RemoveAll(dir)
		cfg := *opts.Config
		cfg.WorkDir = dir
		opts.Config = &cfg
	}

	scriptPath, err := writeScriptFile(opts.Script, opts.Config.WorkDir)
	if err != nil {
		return nil, &LaunchError{Reason: "write script", Err: err}
	}
	defer os.Remove(scriptPath)

	stdout := newBoundedBuffer(opts.OutputLimit)
	stderr := newBoundedBuffer(opts.OutputLimit)

	cmd := exec.Command("/bin/bash", scriptPath)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group so the whole tree can be terminated at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	wrapped, cleanup, err := backend.WrapCommand(ctx, cmd, opts.Config)
	if err != nil {
		return nil, &LaunchError{Reason: "wrap command", Err: err}
	}
	defer cleanup()

	result := &Result{Backend: backend.Name()}
	start := time.Now()
	if err := wrapped.Start(); err != nil {
		return nil, &LaunchError{Reason: "start process", Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- wrapped.Wait() }()

	softTimer := time.NewTimer(opts.SoftTimeout)
	defer softTimer.Stop()
	hardTimer := time.NewTimer(opts.HardTimeout)
	defer hardTimer.Stop()

	var waitErr error
wait:
	for {
		select {
		case waitErr = <-done:
			break wait
		case <-softTimer.C:
			result.SoftTimeoutExceeded = true
			r.logger.Warn("script exceeded soft timeout",
				"timeout", opts.SoftTimeout, "backend", backend.Name())
		case <-hardTimer.C:
			result.TimedOut = true
			r.logger.Error("script exceeded hard timeout, terminating process group",
				"timeout", opts.HardTimeout)
			terminateGroup(wrapped.Process.Pid)
			waitErr = <-done
			break wait
		case <-ctx.Done():
			terminateGroup(wrapped.Process.Pid)
			waitErr = <-done
			break wait
		}
	}
	result.Duration = time.Since(start)

	result.ExitCode = exitCode(waitErr)
	result.ExitStatus = ClassifyExit(result.ExitCode)
	if result.TimedOut {
		result.ExitStatus = StatusHardFailure
	}

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.StdoutTruncated = stdout.Truncated()
	result.StderrTruncated = stderr.Truncated()
	result.Violations = scanViolations(result.Stderr, opts.Config)

	if ctx.Err() != nil && !result.TimedOut {
		return result, ctx.Err()
	}
	return result, nil
}

// writeScriptFile places the script inside the sandbox working directory:
// the backends mount a fresh tmpfs over /tmp, so a file on the host's /tmp
// would not exist inside the boundary. The work dir is already bound
// read-write.
func writeScriptFile(script, dir string) (string, error) {
	f, err := os.CreateTemp(dir, "script-*.sh")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Chmod(0700); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	return path, f.Close()
}

// terminateGroup sends SIGTERM to the process group and escalates to SIGKILL
// after the grace period. The goroutine exits once the group is gone.
func terminateGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	go func() {
		time.Sleep(killGracePeriod)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}()
}

// exitCode derives the script exit code from Wait's error, translating
// signal termination into the 128+N convention.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	// Wait failed without an exit status; treat as signal-level failure.
	return 128
}
