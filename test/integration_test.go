//go:build integration

// Integration tests for planterd + planter + planter-executor.
//
// Each test builds the three binaries once (via TestMain), starts an
// isolated planterd against a temp state directory and control socket, and
// then drives it with real planter CLI invocations — no mocked transport.
//
// Run with:
//
//	go test -tags=integration -v ./test/
package integration_test

import (
	"bufio"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	planterdBin string
	planterBin  string
	executorBin string
)

func TestMain(m *testing.M) {
	root := moduleRoot()

	tmpBin, err := os.MkdirTemp("", "planter-inttest-bin-*")
	if err != nil {
		panic("MkdirTemp: " + err.Error())
	}
	defer os.RemoveAll(tmpBin)

	planterdBin = filepath.Join(tmpBin, "planterd")
	planterBin = filepath.Join(tmpBin, "planter")
	executorBin = filepath.Join(tmpBin, "planter-executor")

	for _, b := range []struct{ out, pkg string }{
		{planterdBin, "./cmd/planterd"},
		{planterBin, "./cmd/planter"},
		{executorBin, "./cmd/planter-executor"},
	} {
		cmd := exec.Command("go", "build", "-o", b.out, b.pkg)
		cmd.Dir = root
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			panic("build " + b.pkg + ": " + err.Error())
		}
	}

	os.Exit(m.Run())
}

func moduleRoot() string {
	abs, err := filepath.Abs("..")
	if err != nil {
		panic(err)
	}
	return abs
}

// ── Test environment ────────────────────────────────────────────────────

type testEnv struct {
	t        *testing.T
	stateDir string
	sockPath string
	daemon   *exec.Cmd
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stateDir := t.TempDir()

	env := &testEnv{
		t:        t,
		stateDir: stateDir,
		sockPath: filepath.Join(t.TempDir(), "planterd.sock"),
	}
	t.Cleanup(env.cleanup)
	return env
}

// startDaemon starts planterd with the given extra flags and blocks until
// its control socket appears.
func (e *testEnv) startDaemon(extraArgs ...string) {
	e.t.Helper()
	args := append([]string{"--socket", e.sockPath}, extraArgs...)
	cmd := exec.Command(planterdBin, args...)
	cmd.Env = append(os.Environ(), "PLANTER_STATE_DIR="+e.stateDir)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	require.NoError(e.t, cmd.Start(), "start planterd")
	e.daemon = cmd

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(e.sockPath); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	e.t.Fatal("planterd socket did not appear within 5s")
}

// planter runs a planter subcommand and returns (trimmed output, error).
func (e *testEnv) planter(args ...string) (string, error) {
	full := append([]string{"--socket", e.sockPath}, args...)
	cmd := exec.Command(planterBin, full...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// planterOK runs a planter subcommand and fatals if it returns an error.
func (e *testEnv) planterOK(args ...string) string {
	e.t.Helper()
	out, err := e.planter(args...)
	require.NoError(e.t, err, "planter %v\n%s", args, out)
	return out
}

func (e *testEnv) cleanup() {
	if e.daemon != nil && e.daemon.Process != nil {
		_ = e.daemon.Process.Signal(syscall.SIGTERM)
		_ = e.daemon.Wait()
	}
}

func waitForJobState(t *testing.T, e *testEnv, jobID, want string, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last string
	for time.Now().Before(deadline) {
		out := e.planterOK("job", "status", jobID)
		last = out
		for _, line := range strings.Split(out, "\n") {
			if strings.HasPrefix(line, "state:") && strings.Contains(line, want) {
				return out
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach state %s within %s; last status:\n%s", jobID, want, timeout, last)
	return ""
}

func firstLine(s string) string {
	sc := bufio.NewScanner(strings.NewReader(s))
	if sc.Scan() {
		return sc.Text()
	}
	return s
}

// ── Tests ───────────────────────────────────────────

// TestVersion exercises scenario 1: the daemon reports its own identity.
func TestVersion(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon("--sandbox-mode", "disabled")

	out := env.planterOK("version")
	assert.Contains(t, out, "planterd")
}

// TestCreateRunExit exercises scenario 2: create a cell, run a command,
// observe it exit, then read its buffered stdout.
func TestCreateRunExit(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon("--sandbox-mode", "disabled")

	cellID := env.planterOK("create", "--name", "demo")
	require.NotEmpty(t, cellID)

	jobID := env.planterOK("run", cellID, "--", "/bin/sh", "-c", "echo hello")
	require.NotEmpty(t, jobID)

	status := waitForJobState(t, env, jobID, "Exited", 5*time.Second)
	assert.Contains(t, status, "exit:   0")

	out := env.planterOK("logs", jobID)
	assert.Equal(t, "hello", out)
}

// TestKill exercises scenario 3: a long-running job is killed and reports
// Killed(user_requested).
func TestKill(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon("--sandbox-mode", "disabled")

	cellID := env.planterOK("create", "--name", "killme")
	jobID := env.planterOK("run", cellID, "--", "/bin/sh", "-c", "sleep 30")
	require.NotEmpty(t, jobID)

	// Give it a moment to actually start before killing it.
	time.Sleep(100 * time.Millisecond)

	out := env.planterOK("job", "kill", jobID)
	assert.Contains(t, out, "state:  Killed")

	status := waitForJobState(t, env, jobID, "Killed", 5*time.Second)
	assert.Contains(t, status, "reason: user_requested")
}

// TestCellRemoveRejectsActiveCellWithoutForce checks that a cell with a
// running job refuses CellRemove unless --force is passed.
func TestCellRemoveRejectsActiveCellWithoutForce(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon("--sandbox-mode", "disabled")

	cellID := env.planterOK("create", "--name", "busy")
	jobID := env.planterOK("run", cellID, "--", "/bin/sh", "-c", "sleep 30")
	require.NotEmpty(t, jobID)
	time.Sleep(100 * time.Millisecond)

	_, err := env.planter("cell", "rm", cellID)
	assert.Error(t, err)

	out, err := env.planter("cell", "rm", cellID, "--force")
	require.NoError(t, err, out)
}

// TestWorkerCrashMarksRunningJobFailed exercises scenario 4: killing the
// executor process out from under a running job surfaces as
// Failed(worker_crash), and the next run in the same cell recovers with a
// freshly spawned worker.
func TestWorkerCrashMarksRunningJobFailed(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon("--sandbox-mode", "disabled", "--worker-ping-interval-ms", "200")

	cellID := env.planterOK("create", "--name", "crashy")
	jobID := env.planterOK("run", cellID, "--", "/bin/sh", "-c", "sleep 30")
	require.NotEmpty(t, jobID)
	time.Sleep(200 * time.Millisecond)

	killExecutors(t)

	status := waitForJobState(t, env, jobID, "Failed", 10*time.Second)
	assert.Contains(t, status, "reason: worker_crash")

	jobID2 := env.planterOK("run", cellID, "--", "/bin/sh", "-c", "echo back")
	require.NotEmpty(t, jobID2)
	waitForJobState(t, env, jobID2, "Exited", 5*time.Second)
}

// killExecutors finds and SIGKILLs any running planter-executor process
// spawned by this test binary.
func killExecutors(t *testing.T) {
	t.Helper()
	out, err := exec.Command("pgrep", "-f", executorBin).CombinedOutput()
	if err != nil {
		return
	}
	for _, pidStr := range strings.Fields(string(out)) {
		_ = exec.Command("kill", "-9", pidStr).Run()
	}
}

// TestLogsFollow checks that `logs -f` returns bytes produced after the
// call started and terminates once the job exits.
func TestLogsFollow(t *testing.T) {
	env := newTestEnv(t)
	env.startDaemon("--sandbox-mode", "disabled")

	cellID := env.planterOK("create", "--name", "follower")
	jobID := env.planterOK("run", cellID, "--", "/bin/sh", "-c", "sleep 0.2; echo done")
	require.NotEmpty(t, jobID)

	out := env.planterOK("logs", jobID, "-f")
	assert.Contains(t, out, "done")
}
