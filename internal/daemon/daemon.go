// Package daemon wires the state store, sandbox adapter, worker manager,
// and IPC transport together and implements every public request handler.
// It is the control-plane half of planterd; the data-plane half
// (process/PTY ownership) lives in internal/executor, one process per
// cell.
package daemon

import (
	"os"
	"time"

	"github.com/ianremillard/planter/internal/ids"
	"github.com/ianremillard/planter/internal/ipc"
	"github.com/ianremillard/planter/internal/logging"
	"github.com/ianremillard/planter/internal/perr"
	"github.com/ianremillard/planter/internal/protocol"
	"github.com/ianremillard/planter/internal/sandbox"
	"github.com/ianremillard/planter/internal/store"
	"github.com/ianremillard/planter/internal/workermgr"
)

// Version is planterd's own build identity, reported by the Version RPC.
const Version = "0.1.0"

// Daemon is the central supervisor: it owns the durable store and the
// worker manager, and answers every request the ipc.Server dispatches to
// it, completing the chain protocol dispatcher -> state store -> worker
// manager -> executor -> OS.
type Daemon struct {
	store   *store.Store
	workers *workermgr.Manager
	log     *logging.Logger
}

// Config holds the handful of knobs exposed as daemon flags.
type Config struct {
	SandboxMode            sandbox.Mode
	WorkerHandshakeTimeout time.Duration
	WorkerIdleTimeout      time.Duration
	WorkerPingInterval     time.Duration
	ExecutorBinary         string
}

// New opens the state store at stateRoot and constructs the worker manager.
// Call Start to begin serving.
func New(stateRoot string, cfg Config) (*Daemon, error) {
	st, err := store.Open(stateRoot)
	if err != nil {
		return nil, perr.Wrap(perr.Internal, err, "open state store")
	}

	adapter := sandbox.NewAdapter(cfg.SandboxMode)
	wmCfg := workermgr.DefaultConfig(cfg.ExecutorBinary)
	if cfg.WorkerHandshakeTimeout > 0 {
		wmCfg.HandshakeTimeout = cfg.WorkerHandshakeTimeout
	}
	if cfg.WorkerIdleTimeout > 0 {
		wmCfg.IdleTimeout = cfg.WorkerIdleTimeout
	}
	if cfg.WorkerPingInterval > 0 {
		wmCfg.PingInterval = cfg.WorkerPingInterval
	}

	d := &Daemon{store: st, log: logging.New("daemon")}
	d.workers = workermgr.New(st, adapter, wmCfg, d.onJobExited)
	return d, nil
}

// Start begins the worker manager's idle-GC background task.
func (d *Daemon) Start() { d.workers.Start() }

// Close releases the worker manager and state store.
func (d *Daemon) Close() {
	d.workers.Stop()
	if err := d.store.Close(); err != nil {
		d.log.Printf("close store: %v", err)
	}
}

// Serve listens on socketPath and dispatches requests until the listener
// is closed.
func (d *Daemon) Serve(socketPath string) error {
	srv, err := ipc.Listen(socketPath)
	if err != nil {
		return err
	}
	defer srv.Close()
	d.log.Printf("listening on %s", socketPath)
	return srv.Serve(d.handle)
}

// onJobExited is the workermgr.JobExitedFunc callback: it reconciles the
// durable record from the executor's unsolicited ExecJobExited push (spec
// §4.5).
func (d *Daemon) onJobExited(cellID ids.CellId, job protocol.JobInfo) {
	jobID := ids.JobId(job.ID)
	var code *int32
	if job.HasExitCode {
		c := job.ExitCode
		code = &c
	}
	reason := job.TerminationReason
	if reason == "" {
		reason = store.ReasonUnknown
	}
	state := job.State
	if state == "" {
		state = store.JobFailed
	}
	if err := d.store.MarkJobTerminal(jobID, state, code, reason); err != nil {
		d.log.Printf("reconcile job %s on exit: %v", jobID, err)
	}
}

func (d *Daemon) handle(req protocol.Request) protocol.ResponseBody {
	switch b := req.Body.(type) {
	case protocol.Version:
		return protocol.RVersion{Daemon: "planterd " + Version, Protocol: protocol.CurrentProtocolVersion}
	case protocol.Health:
		return protocol.RHealth{OK: true}
	case protocol.CellCreate:
		return d.handleCellCreate(b)
	case protocol.CellRemove:
		return d.handleCellRemove(b)
	case protocol.JobRun:
		return d.handleJobRun(b)
	case protocol.JobStatus:
		return d.handleJobStatus(b)
	case protocol.JobKill:
		return d.handleJobKill(b)
	case protocol.LogsRead:
		return d.handleLogsRead(b)
	case protocol.PtyOpen:
		return d.handlePtyOpen(b)
	case protocol.PtyInput:
		return d.handlePtyInput(b)
	case protocol.PtyRead:
		return d.handlePtyRead(b)
	case protocol.PtyResize:
		return d.handlePtyResize(b)
	case protocol.PtyClose:
		return d.handlePtyClose(b)
	default:
		return errResponse(perr.New(perr.BadRequest, "unsupported request type"))
	}
}

func errResponse(err error) protocol.RError {
	return protocol.RError{Code: perr.KindOf(err).String(), Message: perr.MessageOf(err)}
}

func (d *Daemon) handleCellCreate(b protocol.CellCreate) protocol.ResponseBody {
	id, err := d.store.CreateCell(b.Name)
	if err != nil {
		return errResponse(err)
	}
	return protocol.RCellCreated{CellID: string(id)}
}

func (d *Daemon) handleCellRemove(b protocol.CellRemove) protocol.ResponseBody {
	cellID := ids.CellId(b.CellID)
	unlock := d.store.LockCell(cellID)
	defer unlock()

	if _, ok := d.store.CellState(cellID); !ok {
		return errResponse(perr.New(perr.NotFound, "cell %s not found", cellID))
	}

	runningJobs := d.store.RunningJobsForCell(cellID)
	openSessions := d.store.OpenSessionsForCell(cellID)

	if (len(runningJobs) > 0 || len(openSessions) > 0) && !b.Force {
		return errResponse(perr.New(perr.Conflict, "cell %s has running jobs or open sessions", cellID))
	}

	if err := d.store.SetCellRemoving(cellID); err != nil {
		return errResponse(err)
	}

	for _, jobID := range runningJobs {
		if err := d.workers.JobSignal(cellID, jobID, true); err != nil {
			d.log.Printf("force-kill job %s during cell removal: %v", jobID, err)
		}
	}
	for _, sessID := range openSessions {
		if err := d.workers.PtyClose(cellID, sessID); err != nil {
			d.log.Printf("force-close session %s during cell removal: %v", sessID, err)
		}
		d.store.CloseSession(sessID)
	}

	if err := d.store.DeleteCell(cellID); err != nil {
		return errResponse(perr.Wrap(perr.Internal, err, "delete cell %s", cellID))
	}
	return protocol.RCellRemoved{}
}

func (d *Daemon) handleJobRun(b protocol.JobRun) protocol.ResponseBody {
	cellID := ids.CellId(b.CellID)
	unlock := d.store.LockCell(cellID)
	defer unlock()

	state, ok := d.store.CellState(cellID)
	if !ok {
		return errResponse(perr.New(perr.NotFound, "cell %s not found", cellID))
	}
	if state == store.CellRemoving {
		return errResponse(perr.New(perr.Conflict, "cell %s is being removed", cellID))
	}

	jobID, err := d.store.CreateJob(cellID, b.Command)
	if err != nil {
		return errResponse(err)
	}

	stdoutPath, stderrPath, _ := d.store.LogPaths(jobID)
	if err := d.workers.RunJob(cellID, jobID, b.Command, stdoutPath, stderrPath); err != nil {
		d.store.MarkJobTerminal(jobID, store.JobFailed, nil, store.ReasonUnknown)
		return errResponse(err)
	}
	if err := d.store.MarkJobRunning(jobID); err != nil {
		d.log.Printf("mark job %s running: %v", jobID, err)
	}
	return protocol.RJobStarted{JobID: string(jobID)}
}

func (d *Daemon) handleJobStatus(b protocol.JobStatus) protocol.ResponseBody {
	jobID := ids.JobId(b.JobID)
	info, ok := d.store.JobInfo(jobID)
	if !ok {
		return errResponse(perr.New(perr.NotFound, "job %s not found", jobID))
	}
	return protocol.RJobState{Job: info}
}

func (d *Daemon) handleJobKill(b protocol.JobKill) protocol.ResponseBody {
	jobID := ids.JobId(b.JobID)
	cellID, ok := d.store.JobCellID(jobID)
	if !ok {
		return errResponse(perr.New(perr.NotFound, "job %s not found", jobID))
	}

	unlock := d.store.LockCell(cellID)
	defer unlock()

	info, ok := d.store.JobInfo(jobID)
	if !ok {
		return errResponse(perr.New(perr.NotFound, "job %s not found", jobID))
	}
	if info.State != store.JobRunning && info.State != store.JobPending {
		return protocol.RJobKilled{Job: info}
	}
	if err := d.workers.JobSignal(cellID, jobID, b.Force); err != nil {
		return errResponse(err)
	}
	reason := store.ReasonUserRequested
	if b.Force {
		reason = store.ReasonForceKilled
	}
	if err := d.store.MarkJobTerminal(jobID, store.JobKilled, nil, reason); err != nil {
		d.log.Printf("mark job %s killed: %v", jobID, err)
	}
	info, _ = d.store.JobInfo(jobID)
	return protocol.RJobKilled{Job: info}
}

func (d *Daemon) handleLogsRead(b protocol.LogsRead) protocol.ResponseBody {
	jobID := ids.JobId(b.JobID)
	stdoutPath, stderrPath, ok := d.store.LogPaths(jobID)
	if !ok {
		return errResponse(perr.New(perr.NotFound, "job %s not found", jobID))
	}
	path := stdoutPath
	if b.Stream == "stderr" {
		path = stderrPath
	}

	deadline := time.Now().Add(time.Duration(b.WaitMs) * time.Millisecond)
	for {
		data, size, err := readChunk(path, b.Offset, b.MaxBytes)
		if err != nil {
			return errResponse(perr.Wrap(perr.Internal, err, "read log"))
		}
		info, _ := d.store.JobInfo(jobID)
		terminal := isTerminalState(info.State)

		if len(data) > 0 {
			return protocol.RLogsChunk{Bytes: data, NextOffset: b.Offset + uint64(len(data)), EOF: terminal && b.Offset+uint64(len(data)) >= size}
		}
		if terminal {
			return protocol.RLogsChunk{Bytes: nil, NextOffset: b.Offset, EOF: true}
		}
		if !b.Follow || b.WaitMs == 0 || time.Now().After(deadline) {
			return protocol.RLogsChunk{Bytes: nil, NextOffset: b.Offset, EOF: false}
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func isTerminalState(s string) bool {
	return s == store.JobExited || s == store.JobKilled || s == store.JobFailed
}

func readChunk(path string, offset uint64, maxBytes uint32) ([]byte, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	size := uint64(fi.Size())
	if offset >= size {
		return nil, size, nil
	}
	want := size - offset
	if maxBytes > 0 && want > uint64(maxBytes) {
		want = uint64(maxBytes)
	}
	buf := make([]byte, want)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return nil, 0, err
	}
	return buf, size, nil
}

func (d *Daemon) handlePtyOpen(b protocol.PtyOpen) protocol.ResponseBody {
	cellID, err := d.store.CreateCell("")
	if err != nil {
		return errResponse(err)
	}
	unlock := d.store.LockCell(cellID)
	defer unlock()
	sessionID := ids.NewSessionId()
	d.store.RegisterSession(sessionID, cellID)

	workDir := d.store.SessionWorkspaceDir(sessionID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return errResponse(perr.Wrap(perr.Internal, err, "create session workspace"))
	}

	opened, err := d.workers.PtyOpen(cellID, sessionID, b.Shell, workDir)
	if err != nil {
		d.store.CloseSession(sessionID)
		return errResponse(err)
	}
	return protocol.RPtyOpened{SessionID: opened.SessionID, Cols: opened.Cols, Rows: opened.Rows}
}

func (d *Daemon) resolveSessionCell(sessionID ids.SessionId) (ids.CellId, error) {
	cellID, ok := d.store.SessionCellID(sessionID)
	if !ok {
		return "", perr.New(perr.NotFound, "session %s not found", sessionID)
	}
	return cellID, nil
}

func (d *Daemon) handlePtyInput(b protocol.PtyInput) protocol.ResponseBody {
	sessionID := ids.SessionId(b.SessionID)
	cellID, err := d.resolveSessionCell(sessionID)
	if err != nil {
		return errResponse(err)
	}
	if err := d.workers.PtyInput(cellID, sessionID, b.Bytes); err != nil {
		return errResponse(err)
	}
	return protocol.RPtyAck{}
}

func (d *Daemon) handlePtyRead(b protocol.PtyRead) protocol.ResponseBody {
	sessionID := ids.SessionId(b.SessionID)
	cellID, err := d.resolveSessionCell(sessionID)
	if err != nil {
		return errResponse(err)
	}
	chunk, err := d.workers.PtyRead(cellID, sessionID, b.Offset, b.MaxBytes, b.WaitMs)
	if err != nil {
		return errResponse(err)
	}
	return protocol.RPtyChunk{Bytes: chunk.Bytes, NextOffset: chunk.NextOffset, Closed: chunk.Closed}
}

func (d *Daemon) handlePtyResize(b protocol.PtyResize) protocol.ResponseBody {
	sessionID := ids.SessionId(b.SessionID)
	cellID, err := d.resolveSessionCell(sessionID)
	if err != nil {
		return errResponse(err)
	}
	if err := d.workers.PtyResize(cellID, sessionID, b.Cols, b.Rows); err != nil {
		return errResponse(err)
	}
	return protocol.RPtyAck{}
}

func (d *Daemon) handlePtyClose(b protocol.PtyClose) protocol.ResponseBody {
	sessionID := ids.SessionId(b.SessionID)
	cellID, err := d.resolveSessionCell(sessionID)
	if err != nil {
		return errResponse(err)
	}
	if err := d.workers.PtyClose(cellID, sessionID); err != nil {
		return errResponse(err)
	}
	d.store.CloseSession(sessionID)
	return protocol.RPtyAck{}
}
