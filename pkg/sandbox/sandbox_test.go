package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noisefs-labs/codeexec/pkg/registry"
	"github.com/noisefs-labs/codeexec/pkg/resilience"
)

// writeFakeLauncher writes a launcher stand-in that drops every argument up
// to and including the "--" separator and execs the remainder, mirroring
// the contract real sandbox launchers satisfy (propagate the child's
// stdout/stderr/exit code as their own).
func writeFakeLauncher(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-launcher.sh")
	script := "#!/bin/sh\nwhile [ \"$1\" != \"--\" ]; do shift; done\nshift\nexec \"$@\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0700))
	return path
}

func newTestRunner(t *testing.T, launcher string, maxOutputBytes int) *Runner {
	t.Helper()
	r, err := New(Config{
		LauncherBin:        launcher,
		LauncherLogPattern: `^\[.*nsjail.*`,
		CompileTimeout:     2 * time.Second,
		SafetyGrace:        500 * time.Millisecond,
		MaxOutputBytes:     maxOutputBytes,
	}, nil)
	require.NoError(t, err)
	return r
}

func TestRunSandboxed_CapturesStdout(t *testing.T) {
	launcher := writeFakeLauncher(t)
	r := newTestRunner(t, launcher, 65536)

	result, err := r.RunSandboxed(context.Background(), t.TempDir(), "ignored.cfg", []string{"/bin/echo", "hello"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.Killed)
}

func TestRunSandboxed_NonZeroExit(t *testing.T) {
	launcher := writeFakeLauncher(t)
	r := newTestRunner(t, launcher, 65536)

	result, err := r.RunSandboxed(context.Background(), t.TempDir(), "ignored.cfg", []string{"/bin/sh", "-c", "exit 7"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, result.ExitCode)
	assert.False(t, result.Killed)
}

func TestRunSandboxed_WallClockTimeoutKillsProcessGroup(t *testing.T) {
	launcher := writeFakeLauncher(t)
	r := newTestRunner(t, launcher, 65536)

	start := time.Now()
	result, err := r.RunSandboxed(context.Background(), t.TempDir(), "ignored.cfg", []string{"/bin/sleep", "30"}, 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, result.Killed)
	assert.Equal(t, -1, result.ExitCode)
	assert.Equal(t, "Execution timeout exceeded", result.Stderr)
	assert.Less(t, time.Since(start), 5*time.Second, "safety timer must bound total wait even for a runaway child")
}

func TestRunSandboxed_OutputCapKillsAndReportsOverflow(t *testing.T) {
	launcher := writeFakeLauncher(t)
	r := newTestRunner(t, launcher, 64)

	result, err := r.RunSandboxed(
		context.Background(), t.TempDir(), "ignored.cfg",
		[]string{"/bin/sh", "-c", "while true; do echo 0123456789012345678901234567890123456789; done"},
		5*time.Second,
	)
	require.NoError(t, err)
	assert.True(t, result.Killed)
	assert.Equal(t, "Output exceeded maximum size (64KB)", result.Stderr)
}

func TestRunSandboxed_FiltersLauncherLogNoise(t *testing.T) {
	launcher := writeFakeLauncher(t)
	r := newTestRunner(t, launcher, 65536)

	script := "printf '[nsjail] pivot_root ok\\nreal program output\\n' 1>&2"
	result, err := r.RunSandboxed(context.Background(), t.TempDir(), "ignored.cfg", []string{"/bin/sh", "-c", script}, time.Second)
	require.NoError(t, err)
	assert.NotContains(t, result.Stderr, "nsjail")
	assert.Contains(t, result.Stderr, "real program output")
}

func TestRunSandboxed_StartFailureTripsBreaker(t *testing.T) {
	breaker := resilience.New(resilience.Config{
		Name:             "test-launcher",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	})
	r, err := New(Config{
		LauncherBin:        filepath.Join(t.TempDir(), "no-such-launcher"),
		LauncherLogPattern: `^\[.*nsjail.*`,
		CompileTimeout:     2 * time.Second,
		SafetyGrace:        500 * time.Millisecond,
		MaxOutputBytes:     65536,
	}, breaker)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := r.RunSandboxed(context.Background(), t.TempDir(), "ignored.cfg", []string{"/bin/true"}, time.Second)
		require.Error(t, err, "a launcher that cannot start must surface as an error")
	}
	assert.Equal(t, resilience.Open, breaker.StateNow(), "repeated start failures must trip the breaker")

	result, err := r.RunSandboxed(context.Background(), t.TempDir(), "ignored.cfg", []string{"/bin/true"}, time.Second)
	require.NoError(t, err, "an open breaker degrades to a fast result, not a propagated error")
	assert.Equal(t, -1, result.ExitCode)
	assert.Contains(t, result.Stderr, "circuit open")
}

func TestRunSandboxed_TimeoutKillsTripBreakerButStillReportResult(t *testing.T) {
	breaker := resilience.New(resilience.Config{
		Name:             "test-launcher",
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	})
	launcher := writeFakeLauncher(t)
	r, err := New(Config{
		LauncherBin:        launcher,
		LauncherLogPattern: `^\[.*nsjail.*`,
		CompileTimeout:     2 * time.Second,
		SafetyGrace:        500 * time.Millisecond,
		MaxOutputBytes:     65536,
	}, breaker)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		result, err := r.RunSandboxed(context.Background(), t.TempDir(), "ignored.cfg", []string{"/bin/sleep", "30"}, 200*time.Millisecond)
		require.NoError(t, err, "a watchdog kill is a legitimate job outcome, not a propagated error")
		assert.True(t, result.Killed)
	}
	assert.Equal(t, resilience.Open, breaker.StateNow(), "repeated watchdog kills must still trip the breaker")
}

func TestCompile_SkipsForInterpretedLanguage(t *testing.T) {
	launcher := writeFakeLauncher(t)
	r := newTestRunner(t, launcher, 65536)

	lang := registry.Language{ID: "python3", IsCompiled: false}
	result, err := r.Compile(context.Background(), lang, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, RunResult{}, result)
}
