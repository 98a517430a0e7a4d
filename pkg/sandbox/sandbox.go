// Package sandbox drives the compile-then-run pipeline for one submission:
// it spawns the language's compiler (if any) and then the external sandbox
// launcher binary, both in their own process group so that a timeout or an
// output-cap violation can be enforced by killing the whole subtree rather
// than just the immediate child.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/noisefs-labs/codeexec/pkg/registry"
	"github.com/noisefs-labs/codeexec/pkg/resilience"
)

// errLauncherKilled marks a run that the timeout or output-cap watchdog
// killed. It is fed to the circuit breaker as a failure — a launcher that
// hangs on every invocation must trip the breaker just as readily as one
// that fails to start — but RunSandboxed never surfaces it past the
// breaker: a killed run is still a legitimate job outcome (the user's
// program ran too long or too loud), not an infrastructure failure, and the
// caller's RunResult.Killed already carries that information.
var errLauncherKilled = fmt.Errorf("sandbox: launcher killed by watchdog")

// RunResult is the outcome of one compile or execute step.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Killed   bool
	Duration time.Duration
}

// Config controls timeouts, output caps, and the launcher invocation.
type Config struct {
	LauncherBin        string
	LauncherLogPattern string
	CompileTimeout     time.Duration
	SafetyGrace        time.Duration
	MaxOutputBytes     int
}

// Runner executes compile and sandbox steps for a language.
type Runner struct {
	config  Config
	logRe   *regexp.Regexp
	breaker *resilience.CircuitBreaker
}

// New constructs a Runner. breaker may be nil to run the launcher
// unprotected (used by tests that exercise the launcher step directly).
func New(config Config, breaker *resilience.CircuitBreaker) (*Runner, error) {
	re, err := regexp.Compile(config.LauncherLogPattern)
	if err != nil {
		return nil, fmt.Errorf("sandbox: invalid launcher log pattern %q: %w", config.LauncherLogPattern, err)
	}
	return &Runner{config: config, logRe: re, breaker: breaker}, nil
}

// Compile runs lang's compiler against workspaceDir. Skips work and returns
// a zero RunResult if the language is not compiled.
func (r *Runner) Compile(ctx context.Context, lang registry.Language, workspaceDir string) (RunResult, error) {
	if !lang.IsCompiled {
		return RunResult{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.CompileTimeout)
	defer cancel()

	return r.runCapped(ctx, workspaceDir, lang.CompilerPath, lang.CompilerArgs)
}

// RunSandboxed invokes the launcher binary with configPath and programArgs,
// protected by the circuit breaker if one was configured.
func (r *Runner) RunSandboxed(ctx context.Context, workspaceDir, configPath string, programArgs []string, timeout time.Duration) (RunResult, error) {
	args := append([]string{"--config", configPath, "--"}, programArgs...)

	runCtx, cancel := context.WithTimeout(ctx, timeout+r.config.SafetyGrace)
	defer cancel()

	var result RunResult
	var runErr error

	call := func() error {
		result, runErr = r.runCapped(runCtx, workspaceDir, r.config.LauncherBin, args)
		if runErr != nil {
			return runErr
		}
		if result.Killed {
			return errLauncherKilled
		}
		return nil
	}

	if r.breaker == nil {
		call()
		return result, runErr
	}

	if err := r.breaker.Call(call); err != nil {
		if err == resilience.ErrOpen {
			return RunResult{ExitCode: -1, Stderr: "sandbox launcher unavailable (circuit open)"}, nil
		}
		if err == errLauncherKilled {
			return result, nil
		}
		return result, err
	}
	return result, runErr
}

// runCapped spawns bin with args in its own process group inside dir,
// captures stdout/stderr up to MaxOutputBytes per stream, and kills the
// whole process group on a deadline or an output-cap violation. ctx's
// deadline (set by the caller) governs the wall clock; runCapped has no
// timeout of its own.
//
// The returned error is non-nil only for failures of the launcher process
// itself — it failed to start, or exec.Cmd.Wait returned something other
// than a plain exit status. A watchdog kill or a non-zero exit are both
// reported through RunResult instead, since they are legitimate outcomes
// of running someone else's program, not launcher failures.
func (r *Runner) runCapped(ctx context.Context, dir, bin string, args []string) (RunResult, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// On ctx's deadline, kill the whole group (pgid == pid under Setpgid),
	// not only the direct child.
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }

	var stdout, stderr cappedBuffer
	stdout.limit = r.config.MaxOutputBytes
	stderr.limit = r.config.MaxOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	overflow := make(chan struct{}, 1)
	stdout.onOverflow = func() { nonBlockingSignal(overflow) }
	stderr.onOverflow = func() { nonBlockingSignal(overflow) }

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RunResult{ExitCode: -1, Stderr: fmt.Sprintf("failed to start: %v", err)},
			fmt.Errorf("sandbox: launcher start: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	killed := false
	select {
	case <-overflow:
		killed = true
		killGroup(cmd)
		<-done
	case err := <-done:
		if ctx.Err() == context.DeadlineExceeded {
			killed = true
			killGroup(cmd)
		} else if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return RunResult{
					Stdout:   stdout.String(),
					Stderr:   r.filterLauncherNoise(stderr.String()),
					ExitCode: exitErr.ExitCode(),
					Duration: time.Since(start),
				}, nil
			}
			return RunResult{ExitCode: -1, Stderr: err.Error(), Duration: time.Since(start)},
				fmt.Errorf("sandbox: launcher wait: %w", err)
		}
	}

	duration := time.Since(start)
	if killed {
		cause := "Execution timeout exceeded"
		if stdout.overflowed || stderr.overflowed {
			cause = "Output exceeded maximum size (64KB)"
		}
		return RunResult{ExitCode: -1, Stderr: cause, Killed: true, Duration: duration}, nil
	}

	return RunResult{
		Stdout:   stdout.String(),
		Stderr:   r.filterLauncherNoise(stderr.String()),
		ExitCode: 0,
		Duration: duration,
	}, nil
}

// filterLauncherNoise removes launcher-internal log lines (identified by
// LauncherLogPattern) from stderr so operators' infrastructure output never
// reaches a client.
func (r *Runner) filterLauncherNoise(stderr string) string {
	lines := splitLines(stderr)
	kept := lines[:0]
	for _, line := range lines {
		if !r.logRe.MatchString(line) {
			kept = append(kept, line)
		}
	}
	return joinLines(kept)
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		cmd.Process.Kill()
		return
	}
	syscall.Kill(-pgid, syscall.SIGKILL)
}

func nonBlockingSignal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// cappedBuffer is a bytes.Buffer that stops accepting writes past limit and
// calls onOverflow exactly once when the cap is first crossed.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int
	overflowed bool
	onOverflow func()
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buf.Len() >= c.limit {
		if !c.overflowed {
			c.overflowed = true
			if c.onOverflow != nil {
				go c.onOverflow()
			}
		}
		return len(p), nil
	}

	remaining := c.limit - c.buf.Len()
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.overflowed = true
		if c.onOverflow != nil {
			go c.onOverflow()
		}
		return len(p), nil
	}

	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func joinLines(lines []string) string {
	var buf bytes.Buffer
	for i, l := range lines {
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(l)
	}
	return buf.String()
}
