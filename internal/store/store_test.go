package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/planter/internal/ids"
	"github.com/ianremillard/planter/internal/protocol"
)

func TestCreateAndLoadCell(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.CreateCell("demo")
	require.NoError(t, err)

	state, ok := s.CellState(id)
	require.True(t, ok)
	assert.Equal(t, CellActive, state)

	_, err = os.Stat(filepath.Join(root, "cells", string(id), "meta"))
	assert.NoError(t, err)
	_, err = os.Stat(s.CellWorkspaceDir(id))
	assert.NoError(t, err)
}

func TestJobLifecycleAndTerminalAbsorbing(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	cellID, err := s.CreateCell("demo")
	require.NoError(t, err)

	jobID, err := s.CreateJob(cellID, protocol.CommandSpec{Argv: []string{"/bin/sh", "-c", "echo hello"}})
	require.NoError(t, err)

	info, ok := s.JobInfo(jobID)
	require.True(t, ok)
	assert.Equal(t, JobPending, info.State)

	require.NoError(t, s.MarkJobRunning(jobID))
	info, _ = s.JobInfo(jobID)
	assert.Equal(t, JobRunning, info.State)
	assert.NotZero(t, info.StartedAt)

	exitCode := int32(0)
	require.NoError(t, s.MarkJobTerminal(jobID, JobExited, &exitCode, ""))
	info, _ = s.JobInfo(jobID)
	assert.Equal(t, JobExited, info.State)
	assert.True(t, info.HasExitCode)
	assert.Equal(t, int32(0), info.ExitCode)

	// Terminal-absorbing: a later transition attempt is a no-op.
	other := int32(9)
	require.NoError(t, s.MarkJobTerminal(jobID, JobKilled, &other, ReasonForceKilled))
	info, _ = s.JobInfo(jobID)
	assert.Equal(t, JobExited, info.State, "terminal state must not change once set")
	assert.Equal(t, int32(0), info.ExitCode)
}

func TestJobInfoNeverExposesLogPaths(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	cellID, err := s.CreateCell("demo")
	require.NoError(t, err)
	jobID, err := s.CreateJob(cellID, protocol.CommandSpec{Argv: []string{"true"}})
	require.NoError(t, err)

	info, _ := s.JobInfo(jobID)
	// JobInfo has no log-path fields at all; this assertion documents the
	// invariant at the type level by exhaustively listing fields elsewhere,
	// and here confirms the command summary doesn't leak internal paths.
	assert.Equal(t, "true", info.CommandSummary)

	stdout, stderr, ok := s.LogPaths(jobID)
	require.True(t, ok)
	assert.Contains(t, stdout, "stdout")
	assert.Contains(t, stderr, "stderr")
}

func TestRunningJobsForCellAndRemovalInvariant(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	cellID, err := s.CreateCell("demo")
	require.NoError(t, err)
	jobID, err := s.CreateJob(cellID, protocol.CommandSpec{Argv: []string{"sleep", "100"}})
	require.NoError(t, err)
	require.NoError(t, s.MarkJobRunning(jobID))

	running := s.RunningJobsForCell(cellID)
	assert.ElementsMatch(t, []ids.JobId{jobID}, running)

	exitCode := int32(0)
	require.NoError(t, s.MarkJobTerminal(jobID, JobExited, &exitCode, ""))
	assert.Empty(t, s.RunningJobsForCell(cellID))
}

func TestReconcileRunningJobToFailedOnReopen(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)

	cellID, err := s.CreateCell("demo")
	require.NoError(t, err)
	jobID, err := s.CreateJob(cellID, protocol.CommandSpec{Argv: []string{"sleep", "100"}})
	require.NoError(t, err)
	require.NoError(t, s.MarkJobRunning(jobID))
	require.NoError(t, s.Close())

	s2, err := Open(root)
	require.NoError(t, err)
	defer s2.Close()

	info, ok := s2.JobInfo(jobID)
	require.True(t, ok)
	assert.Equal(t, JobFailed, info.State)
	assert.Equal(t, ReasonWorkerCrash, info.TerminationReason)
}

func TestReadLogChunkMonotonic(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	cellID, err := s.CreateCell("demo")
	require.NoError(t, err)
	jobID, err := s.CreateJob(cellID, protocol.CommandSpec{Argv: []string{"echo", "hello"}})
	require.NoError(t, err)

	stdout, _, _ := s.LogPaths(jobID)
	require.NoError(t, os.WriteFile(stdout, []byte("hello\n"), 0o644))

	chunk, next, err := s.ReadLogChunk(jobID, StreamStdout, 0, 4096)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(chunk))
	assert.Equal(t, uint64(6), next)

	chunk2, next2, err := s.ReadLogChunk(jobID, StreamStdout, next, 4096)
	require.NoError(t, err)
	assert.Empty(t, chunk2)
	assert.Equal(t, next, next2)
}

func TestCellLockSerializesSameCell(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	cellID, err := s.CreateCell("demo")
	require.NoError(t, err)

	order := make([]int, 0, 2)
	ch := make(chan struct{})

	release1 := s.LockCell(cellID)
	go func() {
		release2 := s.LockCell(cellID)
		order = append(order, 2)
		release2()
		close(ch)
	}()

	order = append(order, 1)
	release1()
	<-ch
	assert.Equal(t, []int{1, 2}, order)
}
