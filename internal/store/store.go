package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/ianremillard/planter/internal/ids"
	"github.com/ianremillard/planter/internal/logging"
	"github.com/ianremillard/planter/internal/perr"
	"github.com/ianremillard/planter/internal/protocol"
)

// Cell lifecycle states.
const (
	CellActive   = "Active"
	CellRemoving = "Removing"
)

// Job lifecycle states.
const (
	JobPending = "Pending"
	JobRunning = "Running"
	JobExited  = "Exited"
	JobKilled  = "Killed"
	JobFailed  = "Failed"
)

// Termination reasons.
const (
	ReasonUserRequested = "user_requested"
	ReasonForceKilled   = "force_killed"
	ReasonLimitExceeded = "limit_exceeded"
	ReasonWorkerCrash   = "worker_crash"
	ReasonUnknown       = "unknown"
)

// PTY session lifecycle states.
const (
	SessionOpening = "Opening"
	SessionOpen    = "Open"
	SessionClosing = "Closing"
	SessionClosed  = "Closed"
)

func isTerminalJobState(s string) bool {
	return s == JobExited || s == JobKilled || s == JobFailed
}

// cellRecord is the on-disk cell record. It never
// contains log paths.
type cellRecord struct {
	ID        string
	Name      string
	State     string
	CreatedAt int64
	Extra     map[string]interface{}
}

func (c cellRecord) toMap() map[string]interface{} {
	m := map[string]interface{}{}
	for k, v := range c.Extra {
		m[k] = v
	}
	m["id"] = c.ID
	m["name"] = c.Name
	m["state"] = c.State
	m["created_at"] = c.CreatedAt
	return m
}

func cellRecordFromMap(m map[string]interface{}) cellRecord {
	c := cellRecord{Extra: map[string]interface{}{}}
	for k, v := range m {
		switch k {
		case "id":
			c.ID = toString(v)
		case "name":
			c.Name = toString(v)
		case "state":
			c.State = toString(v)
		case "created_at":
			c.CreatedAt = toInt64(v)
		default:
			c.Extra[k] = v
		}
	}
	return c
}

// jobRecord is the on-disk job record in internal form: it carries the
// private stdout/stderr log paths that the public JobInfo projection never
// exposes.
type jobRecord struct {
	ID                 string
	CellID             string
	Argv               []string
	Env                []string
	WorkDir            string
	CreatedAt          int64
	StartedAt          int64
	EndedAt            int64
	State              string
	HasExitCode        bool
	ExitCode           int32
	TerminationReason  string
	StdoutPath         string
	StderrPath         string
	Extra              map[string]interface{}
}

func (j jobRecord) toMap() map[string]interface{} {
	m := map[string]interface{}{}
	for k, v := range j.Extra {
		m[k] = v
	}
	m["id"] = j.ID
	m["cell_id"] = j.CellID
	m["argv"] = j.Argv
	m["env"] = j.Env
	m["workdir"] = j.WorkDir
	m["created_at"] = j.CreatedAt
	m["started_at"] = j.StartedAt
	m["ended_at"] = j.EndedAt
	m["state"] = j.State
	m["has_exit_code"] = j.HasExitCode
	m["exit_code"] = j.ExitCode
	m["termination_reason"] = j.TerminationReason
	m["stdout_path"] = j.StdoutPath
	m["stderr_path"] = j.StderrPath
	return m
}

func jobRecordFromMap(m map[string]interface{}) jobRecord {
	j := jobRecord{Extra: map[string]interface{}{}}
	for k, v := range m {
		switch k {
		case "id":
			j.ID = toString(v)
		case "cell_id":
			j.CellID = toString(v)
		case "argv":
			j.Argv = toStringSlice(v)
		case "env":
			j.Env = toStringSlice(v)
		case "workdir":
			j.WorkDir = toString(v)
		case "created_at":
			j.CreatedAt = toInt64(v)
		case "started_at":
			j.StartedAt = toInt64(v)
		case "ended_at":
			j.EndedAt = toInt64(v)
		case "state":
			j.State = toString(v)
		case "has_exit_code":
			j.HasExitCode = toBool(v)
		case "exit_code":
			j.ExitCode = int32(toInt64(v))
		case "termination_reason":
			j.TerminationReason = toString(v)
		case "stdout_path":
			j.StdoutPath = toString(v)
		case "stderr_path":
			j.StderrPath = toString(v)
		default:
			j.Extra[k] = v
		}
	}
	return j
}

func (j jobRecord) commandSummary() string {
	summary := ""
	for i, a := range j.Argv {
		if i > 0 {
			summary += " "
		}
		summary += a
	}
	return summary
}

func (j jobRecord) info() protocol.JobInfo {
	return protocol.JobInfo{
		ID:                 j.ID,
		CellID:             j.CellID,
		CommandSummary:     j.commandSummary(),
		State:              j.State,
		HasExitCode:        j.HasExitCode,
		ExitCode:           j.ExitCode,
		TerminationReason:  j.TerminationReason,
		CreatedAt:          j.CreatedAt,
		StartedAt:          j.StartedAt,
		EndedAt:            j.EndedAt,
	}
}

// sessionEntry is in-memory-only bookkeeping for open PTY sessions, kept in
// the store so CellRemove can enforce the "no open sessions" invariant
// without the worker manager having to track cell membership itself.
type sessionEntry struct {
	id     ids.SessionId
	cellID ids.CellId
	state  string
}

// Store owns <state_root>'s directory layout, the in-memory cell/job
// indices, per-cell serialization, and session bookkeeping.
type Store struct {
	root string
	log  *logging.Logger
	flk  *flock.Flock

	mu       sync.Mutex
	cells    map[ids.CellId]*cellRecord
	jobs     map[ids.JobId]*jobRecord
	sessions map[ids.SessionId]*sessionEntry

	locks *cellLocks
}

// Open initializes the state root (creating it if missing), acquires the
// advisory state-root lock, scans all persisted records, and reconciles any
// job left in Running state by a prior daemon process: any job in state
// Running is reconciled to Failed(worker_crash) unless a live worker later
// reattaches — planter workers are ephemeral children of the daemon
// process and never survive its exit, so reconciliation always
// applies at Open time; there is no cross-process reattachment).
func Open(root string) (*Store, error) {
	for _, sub := range []string{"cells", "jobs", "sessions"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create state root: %w", err)
		}
	}

	flk, err := acquireStateRootLock(root)
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:     root,
		log:      logging.New("store"),
		flk:      flk,
		cells:    make(map[ids.CellId]*cellRecord),
		jobs:     make(map[ids.JobId]*jobRecord),
		sessions: make(map[ids.SessionId]*sessionEntry),
		locks:    newCellLocks(),
	}

	if err := s.loadCells(); err != nil {
		return nil, err
	}
	if err := s.loadJobs(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the state-root lock. It does not delete any records:
// durable state outlives the daemon process.
func (s *Store) Close() error {
	return s.flk.Unlock()
}

func (s *Store) cellDir(id ids.CellId) string   { return filepath.Join(s.root, "cells", string(id)) }
func (s *Store) cellMetaPath(id ids.CellId) string {
	return filepath.Join(s.cellDir(id), "meta")
}

// CellWorkspaceDir returns the per-cell writable workspace directory,
// passed to the sandbox adapter as the profile's CellWorkspace. The
// adapter itself mounts nothing.
func (s *Store) CellWorkspaceDir(id ids.CellId) string {
	return filepath.Join(s.cellDir(id), "build-cell")
}

func (s *Store) jobDir(id ids.JobId) string { return filepath.Join(s.root, "jobs", string(id)) }
func (s *Store) jobMetaPath(id ids.JobId) string {
	return filepath.Join(s.jobDir(id), "meta")
}

// SessionWorkspaceDir returns the per-session scratch directory used as the
// shell's cwd anchor.
func (s *Store) SessionWorkspaceDir(id ids.SessionId) string {
	return filepath.Join(s.root, "sessions", "pty-"+string(id))
}

func (s *Store) loadCells() error {
	entries, err := os.ReadDir(filepath.Join(s.root, "cells"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		metaPath := filepath.Join(s.root, "cells", e.Name(), "meta")
		m, err := readRecord(metaPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.log.Printf("skip unreadable cell record %s: %v", metaPath, err)
			continue
		}
		rec := cellRecordFromMap(m)
		if rec.ID == "" {
			rec.ID = e.Name()
		}
		r := rec
		s.cells[ids.CellId(rec.ID)] = &r
	}
	return nil
}

func (s *Store) loadJobs() error {
	entries, err := os.ReadDir(filepath.Join(s.root, "jobs"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		metaPath := filepath.Join(s.root, "jobs", e.Name(), "meta")
		m, err := readRecord(metaPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.log.Printf("skip unreadable job record %s: %v", metaPath, err)
			continue
		}
		rec := jobRecordFromMap(m)
		if rec.ID == "" {
			rec.ID = e.Name()
		}
		if rec.State == JobRunning {
			s.log.Printf("job %s was Running at last shutdown; reconciling to Failed(worker_crash)", rec.ID)
			rec.State = JobFailed
			rec.TerminationReason = ReasonWorkerCrash
			rec.EndedAt = time.Now().Unix()
			if err := s.persistJob(&rec); err != nil {
				s.log.Printf("reconcile job %s: %v", rec.ID, err)
			}
		}
		r := rec
		s.jobs[ids.JobId(rec.ID)] = &r
	}
	return nil
}

func (s *Store) persistCell(rec *cellRecord) error {
	if err := os.MkdirAll(s.cellDir(ids.CellId(rec.ID)), 0o755); err != nil {
		return err
	}
	return writeRecord(s.cellMetaPath(ids.CellId(rec.ID)), rec.toMap())
}

func (s *Store) persistJob(rec *jobRecord) error {
	if err := os.MkdirAll(s.jobDir(ids.JobId(rec.ID)), 0o755); err != nil {
		return err
	}
	return writeRecord(s.jobMetaPath(ids.JobId(rec.ID)), rec.toMap())
}

// LockCell acquires the cell's serialization slot; the returned function
// must be called to release it.
func (s *Store) LockCell(id ids.CellId) func() {
	return s.locks.Acquire(id)
}

// ─── Cells ──────────────────────────────────────────────────────────────────

// CreateCell allocates a new cell, persists its record, and creates its
// workspace directory.
func (s *Store) CreateCell(name string) (ids.CellId, error) {
	id := ids.NewCellId()
	rec := &cellRecord{
		ID:        string(id),
		Name:      name,
		State:     CellActive,
		CreatedAt: time.Now().Unix(),
		Extra:     map[string]interface{}{},
	}
	if err := os.MkdirAll(s.CellWorkspaceDir(id), 0o755); err != nil {
		return "", perr.Wrap(perr.Internal, err, "create cell workspace")
	}
	if err := s.persistCell(rec); err != nil {
		return "", perr.Wrap(perr.Internal, err, "persist cell record")
	}

	s.mu.Lock()
	s.cells[id] = rec
	s.mu.Unlock()
	return id, nil
}

// CellState returns a cell's current lifecycle state.
func (s *Store) CellState(id ids.CellId) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cells[id]
	if !ok {
		return "", false
	}
	return rec.State, true
}

// SetCellRemoving marks a cell as Removing so new execution-affecting calls
// can be rejected while teardown is in flight.
func (s *Store) SetCellRemoving(id ids.CellId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.cells[id]
	if !ok {
		return perr.New(perr.NotFound, "cell %s not found", id)
	}
	rec.State = CellRemoving
	return s.persistCell(rec)
}

// RunningJobsForCell returns the ids of jobs owned by cell that are not yet
// in a terminal state.
func (s *Store) RunningJobsForCell(id ids.CellId) []ids.JobId {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ids.JobId
	for jid, rec := range s.jobs {
		if rec.CellID == string(id) && !isTerminalJobState(rec.State) {
			out = append(out, jid)
		}
	}
	return out
}

// OpenSessionsForCell returns the ids of sessions owned by cell that are
// not yet Closed.
func (s *Store) OpenSessionsForCell(id ids.CellId) []ids.SessionId {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ids.SessionId
	for sid, e := range s.sessions {
		if e.cellID == id && e.state != SessionClosed {
			out = append(out, sid)
		}
	}
	return out
}

// DeleteCell removes a cell's durable record and workspace entirely. The
// caller must already have driven every child job/session to a terminal
// state.
func (s *Store) DeleteCell(id ids.CellId) error {
	s.mu.Lock()
	delete(s.cells, id)
	s.mu.Unlock()
	return os.RemoveAll(s.cellDir(id))
}

// ─── Jobs ───────────────────────────────────────────────────────────────────

// CreateJob allocates a new job record in Pending state, with its private
// stdout/stderr log paths, and persists it.
func (s *Store) CreateJob(cellID ids.CellId, cmd protocol.CommandSpec) (ids.JobId, error) {
	id := ids.NewJobId()
	dir := s.jobDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", perr.Wrap(perr.Internal, err, "create job dir")
	}
	rec := &jobRecord{
		ID:         string(id),
		CellID:     string(cellID),
		Argv:       cmd.Argv,
		Env:        cmd.Env,
		WorkDir:    cmd.WorkDir,
		CreatedAt:  time.Now().Unix(),
		State:      JobPending,
		StdoutPath: filepath.Join(dir, "stdout"),
		StderrPath: filepath.Join(dir, "stderr"),
		Extra:      map[string]interface{}{},
	}
	for _, p := range []string{rec.StdoutPath, rec.StderrPath} {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return "", perr.Wrap(perr.Internal, err, "create log file")
		}
		f.Close()
	}
	if err := s.persistJob(rec); err != nil {
		return "", perr.Wrap(perr.Internal, err, "persist job record")
	}

	s.mu.Lock()
	s.jobs[id] = rec
	s.mu.Unlock()
	return id, nil
}

// MarkJobRunning records that the executor has successfully started the
// job's process.
func (s *Store) MarkJobRunning(id ids.JobId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return perr.New(perr.NotFound, "job %s not found", id)
	}
	if isTerminalJobState(rec.State) {
		// Terminal-absorbing: once terminal, no further state
		// change is persisted except the final-timestamp write.
		return nil
	}
	rec.State = JobRunning
	rec.StartedAt = time.Now().Unix()
	return s.persistJob(rec)
}

// MarkJobTerminal transitions a job to a terminal state exactly once.
func (s *Store) MarkJobTerminal(id ids.JobId, state string, exitCode *int32, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return perr.New(perr.NotFound, "job %s not found", id)
	}
	if isTerminalJobState(rec.State) {
		return nil
	}
	rec.State = state
	rec.TerminationReason = reason
	rec.EndedAt = time.Now().Unix()
	if exitCode != nil {
		rec.HasExitCode = true
		rec.ExitCode = *exitCode
	}
	return s.persistJob(rec)
}

// JobInfo returns the public projection of a job's record (never including
// log paths).
func (s *Store) JobInfo(id ids.JobId) (protocol.JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return protocol.JobInfo{}, false
	}
	return rec.info(), true
}

// JobCellID returns the owning cell of a job.
func (s *Store) JobCellID(id ids.JobId) (ids.CellId, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return "", false
	}
	return ids.CellId(rec.CellID), true
}

// LogPaths returns a job's private stdout/stderr file paths. Never exposed
// over the public protocol.
func (s *Store) LogPaths(id ids.JobId) (stdout, stderr string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, found := s.jobs[id]
	if !found {
		return "", "", false
	}
	return rec.StdoutPath, rec.StderrPath, true
}

// ─── Sessions (in-memory bookkeeping) ──────────────────────────────────────

// RegisterSession records a newly opened session's ownership for the
// CellRemove invariant check.
func (s *Store) RegisterSession(id ids.SessionId, cellID ids.CellId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &sessionEntry{id: id, cellID: cellID, state: SessionOpen}
}

// CloseSession marks a session Closed and forgets it.
func (s *Store) CloseSession(id ids.SessionId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SessionCellID returns the owning cell of an open session.
func (s *Store) SessionCellID(id ids.SessionId) (ids.CellId, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return "", false
	}
	return e.cellID, true
}
