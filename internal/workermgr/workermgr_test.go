package workermgr

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/planter/internal/ids"
	"github.com/ianremillard/planter/internal/protocol"
	"github.com/ianremillard/planter/internal/sandbox"
	"github.com/ianremillard/planter/internal/store"
	"github.com/ianremillard/planter/internal/wire"
)

// fakeExecutor answers frames from the manager's side of a net.Pipe the way
// a real executor process would, without actually forking one.
type fakeExecutor struct {
	conn   net.Conn
	respFn func(protocol.ExecRequest) protocol.ExecResponseBody
}

func (f *fakeExecutor) serve(t *testing.T) {
	t.Helper()
	for {
		payload, err := wire.ReadFrame(f.conn)
		if err != nil {
			return
		}
		req, err := protocol.DecodeExecRequest(payload)
		require.NoError(t, err)
		body := f.respFn(req)
		resp := protocol.EncodeExecResponse(protocol.ExecResponse{ReqID: req.ReqID, Body: body})
		if err := wire.WriteFrame(f.conn, resp); err != nil {
			return
		}
	}
}

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	adapter := sandbox.NewAdapter(sandbox.Disabled)
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "planter-executor"))
	m := New(st, adapter, cfg, nil)
	return m, st
}

// attachFakeWorker wires w into m's map and starts its read loop, bypassing
// the real spawn/handshake path so tests can drive the executor side
// directly over an in-process pipe.
func attachFakeWorker(t *testing.T, m *Manager, cellID ids.CellId, respFn func(protocol.ExecRequest) protocol.ExecResponseBody) *workerEntry {
	t.Helper()
	mgrSide, execSide := net.Pipe()
	t.Cleanup(func() { mgrSide.Close(); execSide.Close() })

	w := &workerEntry{
		cellID:       cellID,
		conn:         mgrSide,
		cmd:          nil,
		lastActivity: time.Now(),
		runningJobs:  make(map[ids.JobId]struct{}),
		openSessions: make(map[ids.SessionId]struct{}),
		pending:      make(chan protocol.ExecResponse, 1),
	}
	m.mu.Lock()
	m.workers[cellID] = w
	m.mu.Unlock()
	m.wg.Add(1)
	go m.readLoop(w)

	fe := &fakeExecutor{conn: execSide, respFn: respFn}
	go fe.serve(t)

	return w
}

func TestCallOnWorkerRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	cellID := ids.NewCellId()
	attachFakeWorker(t, m, cellID, func(req protocol.ExecRequest) protocol.ExecResponseBody {
		_, ok := req.Body.(protocol.ExecPing)
		require.True(t, ok)
		return protocol.ExecPingResult{RunningJobs: 0, OpenSessions: 0}
	})

	resp, err := m.call(cellID, 2*time.Second, protocol.ExecPing{})
	require.NoError(t, err)
	pr, ok := resp.(protocol.ExecPingResult)
	require.True(t, ok)
	assert.Equal(t, uint32(0), pr.RunningJobs)
}

func TestCallSurfacesExecError(t *testing.T) {
	m, _ := newTestManager(t)
	cellID := ids.NewCellId()
	attachFakeWorker(t, m, cellID, func(req protocol.ExecRequest) protocol.ExecResponseBody {
		return protocol.ExecError{Code: "NotFound", Message: "no such job"}
	})

	_, err := m.call(cellID, 2*time.Second, protocol.ExecJobStatus{JobID: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such job")
}

func TestCallTimesOutWhenWorkerNeverResponds(t *testing.T) {
	m, _ := newTestManager(t)
	cellID := ids.NewCellId()
	mgrSide, execSide := net.Pipe()
	t.Cleanup(func() { mgrSide.Close(); execSide.Close() })
	w := &workerEntry{
		cellID:       cellID,
		conn:         mgrSide,
		lastActivity: time.Now(),
		runningJobs:  make(map[ids.JobId]struct{}),
		openSessions: make(map[ids.SessionId]struct{}),
		pending:      make(chan protocol.ExecResponse, 1),
	}
	m.mu.Lock()
	m.workers[cellID] = w
	m.mu.Unlock()
	m.wg.Add(1)
	go m.readLoop(w)
	go func() {
		// Drain but never answer.
		wire.ReadFrame(execSide)
	}()

	_, err := m.call(cellID, 50*time.Millisecond, protocol.ExecPing{})
	require.Error(t, err)
}

func TestUnsolicitedJobExitedInvokesCallbackAndUntracksJob(t *testing.T) {
	var gotCell ids.CellId
	var gotJob protocol.JobInfo
	done := make(chan struct{})

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	adapter := sandbox.NewAdapter(sandbox.Disabled)
	cfg := DefaultConfig("unused")
	m := New(st, adapter, cfg, func(cellID ids.CellId, job protocol.JobInfo) {
		gotCell = cellID
		gotJob = job
		close(done)
	})

	cellID := ids.NewCellId()
	jobID := ids.NewJobId()
	mgrSide, execSide := net.Pipe()
	t.Cleanup(func() { mgrSide.Close(); execSide.Close() })
	w := &workerEntry{
		cellID:       cellID,
		conn:         mgrSide,
		lastActivity: time.Now(),
		runningJobs:  map[ids.JobId]struct{}{jobID: {}},
		openSessions: make(map[ids.SessionId]struct{}),
		pending:      make(chan protocol.ExecResponse, 1),
	}
	m.mu.Lock()
	m.workers[cellID] = w
	m.mu.Unlock()
	m.wg.Add(1)
	go m.readLoop(w)

	push := protocol.EncodeExecResponse(protocol.ExecResponse{
		ReqID: "",
		Body:  protocol.ExecJobExited{Job: protocol.JobInfo{ID: string(jobID), State: "Exited", HasExitCode: true}},
	})
	require.NoError(t, wire.WriteFrame(execSide, push))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onExit callback never invoked")
	}
	assert.Equal(t, cellID, gotCell)
	assert.Equal(t, string(jobID), gotJob.ID)
	assert.Empty(t, w.snapshotJobs())
}

func TestWorkerCrashReconcilesRunningJobsToFailed(t *testing.T) {
	m, st := newTestManager(t)
	cellID, err := st.CreateCell("crash-test")
	require.NoError(t, err)
	jobID, err := st.CreateJob(cellID, protocol.CommandSpec{Argv: []string{"/bin/true"}})
	require.NoError(t, err)
	require.NoError(t, st.MarkJobRunning(jobID))

	mgrSide, execSide := net.Pipe()
	w := &workerEntry{
		cellID:       cellID,
		conn:         mgrSide,
		lastActivity: time.Now(),
		runningJobs:  map[ids.JobId]struct{}{jobID: {}},
		openSessions: make(map[ids.SessionId]struct{}),
		pending:      make(chan protocol.ExecResponse, 1),
	}
	m.mu.Lock()
	m.workers[cellID] = w
	m.mu.Unlock()
	m.wg.Add(1)
	go m.readLoop(w)

	execSide.Close() // simulate a dead executor

	require.Eventually(t, func() bool {
		info, ok := st.JobInfo(jobID)
		return ok && info.State == store.JobFailed
	}, 2*time.Second, 10*time.Millisecond)

	info, _ := st.JobInfo(jobID)
	assert.Equal(t, store.ReasonWorkerCrash, info.TerminationReason)

	m.mu.Lock()
	_, stillPresent := m.workers[cellID]
	m.mu.Unlock()
	assert.False(t, stillPresent)
}

func TestSocketPairIsBidirectional(t *testing.T) {
	parent, child, err := socketPair()
	require.NoError(t, err)
	defer parent.Close()
	defer child.Close()

	parentConn, err := net.FileConn(parent)
	require.NoError(t, err)
	defer parentConn.Close()
	childConn, err := net.FileConn(child)
	require.NoError(t, err)
	defer childConn.Close()

	require.NoError(t, wire.WriteFrame(parentConn, []byte("hello")))
	got, err := wire.ReadFrame(childConn)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}
