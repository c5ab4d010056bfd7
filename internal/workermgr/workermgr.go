// Package workermgr maintains the CellId -> worker-process mapping (spec
// §4.4): on-demand spawn over an inherited socket pair, a token handshake,
// idle garbage collection, crash handling, and RPC routing to the
// executor's single-threaded event loop.
package workermgr

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ianremillard/planter/internal/ids"
	"github.com/ianremillard/planter/internal/logging"
	"github.com/ianremillard/planter/internal/perr"
	"github.com/ianremillard/planter/internal/protocol"
	"github.com/ianremillard/planter/internal/sandbox"
	"github.com/ianremillard/planter/internal/store"
	"github.com/ianremillard/planter/internal/wire"
)

// Config parameterizes a Manager's timeouts. HandshakeTimeout, IdleTimeout
// and PingInterval are overridable by daemon flags.
type Config struct {
	ExecutorBinary    string
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	IdleScanInterval  time.Duration
	// PingInterval is stored but never read: workers are pinged only by
	// the idle scan, every IdleScanInterval.
	PingInterval      time.Duration
	PingDeadline      time.Duration
}

// DefaultConfig holds the documented default timeouts (§4.4, §4.6).
func DefaultConfig(executorBinary string) Config {
	return Config{
		ExecutorBinary:   executorBinary,
		HandshakeTimeout: 2 * time.Second,
		IdleTimeout:      5 * time.Minute,
		IdleScanInterval: 10 * time.Second,
		PingInterval:     10 * time.Second,
		PingDeadline:     2 * time.Second,
	}
}

// JobExitedFunc is invoked when a worker pushes an unsolicited ExecJobExited
// notification.
type JobExitedFunc func(cellID ids.CellId, job protocol.JobInfo)

// Manager owns every live worker entry.
type Manager struct {
	cfg     Config
	store   *store.Store
	sandbox *sandbox.Adapter
	log     *logging.Logger
	onExit  JobExitedFunc

	mu      sync.Mutex
	workers map[ids.CellId]*workerEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a Manager with no live workers. Call Start to begin idle-GC.
func New(st *store.Store, adapter *sandbox.Adapter, cfg Config, onExit JobExitedFunc) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		sandbox: adapter,
		log:     logging.New("workermgr"),
		onExit:  onExit,
		workers: make(map[ids.CellId]*workerEntry),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the idle-GC background scan.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.idleGCLoop()
}

// Stop halts idle-GC and shuts down every live worker.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	workers := make([]*workerEntry, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		m.shutdownWorker(w)
	}
}

type workerEntry struct {
	cellID ids.CellId
	cmd    *exec.Cmd
	conn   net.Conn

	protocolVersion uint32

	reqMu sync.Mutex // single in-flight request per worker

	mu           sync.Mutex
	lastActivity time.Time
	dead         bool
	runningJobs  map[ids.JobId]struct{}
	openSessions map[ids.SessionId]struct{}

	pending chan protocol.ExecResponse
}

func (w *workerEntry) touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

func (w *workerEntry) markDead() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return false
	}
	w.dead = true
	return true
}

func (w *workerEntry) isDead() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dead
}

func (w *workerEntry) trackJob(id ids.JobId) {
	w.mu.Lock()
	w.runningJobs[id] = struct{}{}
	w.mu.Unlock()
}

func (w *workerEntry) untrackJob(id ids.JobId) {
	w.mu.Lock()
	delete(w.runningJobs, id)
	w.mu.Unlock()
}

func (w *workerEntry) trackSession(id ids.SessionId) {
	w.mu.Lock()
	w.openSessions[id] = struct{}{}
	w.mu.Unlock()
}

func (w *workerEntry) untrackSession(id ids.SessionId) {
	w.mu.Lock()
	delete(w.openSessions, id)
	w.mu.Unlock()
}

func (w *workerEntry) snapshotJobs() []ids.JobId {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ids.JobId, 0, len(w.runningJobs))
	for id := range w.runningJobs {
		out = append(out, id)
	}
	return out
}

func (w *workerEntry) snapshotSessions() []ids.SessionId {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ids.SessionId, 0, len(w.openSessions))
	for id := range w.openSessions {
		out = append(out, id)
	}
	return out
}

// ensureWorker returns a live worker for cellID, spawning one if necessary.
func (m *Manager) ensureWorker(cellID ids.CellId) (*workerEntry, error) {
	m.mu.Lock()
	if w, ok := m.workers[cellID]; ok && !w.isDead() {
		m.mu.Unlock()
		return w, nil
	}
	m.mu.Unlock()

	degradedRetryAllowed := m.sandbox.Mode == sandbox.Permissive
	w, err := m.spawn(cellID, false)
	if err != nil && degradedRetryAllowed {
		m.log.Printf("cell %s: spawn failed under permissive sandbox, retrying degraded: %v", cellID, err)
		w, err = m.spawn(cellID, true)
	}
	if err != nil {
		return nil, perr.Wrap(perr.Unavailable, err, "spawn worker for cell %s", cellID)
	}

	m.mu.Lock()
	m.workers[cellID] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(w)

	return w, nil
}

// spawn forks a fresh executor process for cellID over an inherited socket
// pair and performs the Hello/HelloAck handshake.
// forceDisableSandbox implements the permissive-mode "retry once degraded"
// policy.
func (m *Manager) spawn(cellID ids.CellId, forceDisableSandbox bool) (*workerEntry, error) {
	parentFile, childFile, err := socketPair()
	if err != nil {
		return nil, fmt.Errorf("create socket pair: %w", err)
	}
	defer childFile.Close()

	token, err := ids.NewAuthToken()
	if err != nil {
		return nil, fmt.Errorf("generate handshake token: %w", err)
	}

	cmd := exec.Command(m.cfg.ExecutorBinary)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Env = append(os.Environ(),
		"PLANTER_TOKEN="+token,
		fmt.Sprintf("PLANTER_PROTOCOL_VERSION=%d", protocol.CurrentProtocolVersion),
		"PLANTER_SOCKET_FD=3",
	)
	cmd.Stdout = nil
	cmd.Stderr = nil

	profile := sandbox.Profile{
		CellID:         cellID,
		CellWorkspace:  m.store.CellWorkspaceDir(cellID),
		ExecutorBinary: m.cfg.ExecutorBinary,
		TempDir:        os.TempDir(),
	}

	adapter := m.sandbox
	if forceDisableSandbox {
		adapter = sandbox.NewAdapter(sandbox.Disabled)
	}
	degraded, err := adapter.Prepare(cmd, profile)
	if err != nil {
		parentFile.Close()
		return nil, fmt.Errorf("prepare sandbox profile: %w", err)
	}
	if degraded {
		m.log.Printf("cell %s: sandbox profile could not be applied, launching executor without it", cellID)
	}

	if err := cmd.Start(); err != nil {
		parentFile.Close()
		return nil, fmt.Errorf("start executor: %w", err)
	}

	conn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("wrap parent socket: %w", err)
	}

	w := &workerEntry{
		cellID:       cellID,
		cmd:          cmd,
		conn:         conn,
		lastActivity: time.Now(),
		runningJobs:  make(map[ids.JobId]struct{}),
		openSessions: make(map[ids.SessionId]struct{}),
		pending:      make(chan protocol.ExecResponse, 1),
	}

	if err := m.handshake(w, token); err != nil {
		conn.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}

	return w, nil
}

func (m *Manager) handshake(w *workerEntry, token string) error {
	w.conn.SetDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	defer w.conn.SetDeadline(time.Time{})

	reqID := string(ids.NewRequestId())
	payload := protocol.EncodeExecRequest(protocol.ExecRequest{
		ReqID: reqID,
		Body:  protocol.Hello{Token: token, ProtocolVersion: protocol.CurrentProtocolVersion},
	})
	if err := wire.WriteFrame(w.conn, payload); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	respPayload, err := wire.ReadFrame(w.conn)
	if err != nil {
		return fmt.Errorf("read hello ack: %w", err)
	}
	resp, err := protocol.DecodeExecResponse(respPayload)
	if err != nil {
		return fmt.Errorf("decode hello ack: %w", err)
	}
	if resp.ReqID != reqID {
		return fmt.Errorf("hello ack req_id mismatch")
	}
	ack, ok := resp.Body.(protocol.HelloAck)
	if !ok {
		if ee, ok := resp.Body.(protocol.ExecError); ok {
			return fmt.Errorf("handshake rejected: %s: %s", ee.Code, ee.Message)
		}
		return fmt.Errorf("unexpected handshake response %T", resp.Body)
	}
	if ack.ProtocolVersion != protocol.CurrentProtocolVersion {
		return fmt.Errorf("protocol mismatch: executor speaks %d", ack.ProtocolVersion)
	}
	w.protocolVersion = ack.ProtocolVersion
	return nil
}

// readLoop drains frames from a worker's connection, routing unsolicited
// ExecJobExited pushes to onExit and everything else to the single pending
// slot awaited by call().
func (m *Manager) readLoop(w *workerEntry) {
	defer m.wg.Done()
	for {
		payload, err := wire.ReadFrame(w.conn)
		if err != nil {
			m.handleWorkerDown(w, err)
			return
		}
		resp, err := protocol.DecodeExecResponse(payload)
		if err != nil {
			m.log.Printf("cell %s: malformed executor frame: %v", w.cellID, err)
			continue
		}
		if exited, ok := resp.Body.(protocol.ExecJobExited); ok && resp.ReqID == "" {
			jobID := ids.JobId(exited.Job.ID)
			w.untrackJob(jobID)
			if m.onExit != nil {
				m.onExit(w.cellID, exited.Job)
			}
			continue
		}
		select {
		case w.pending <- resp:
		default:
			// The slot already holds an unread response; drop this one.
			// A late response to a timed-out call that does land in the
			// slot is skipped by the next callOnWorker's req_id check.
		}
	}
}

// call sends body to the worker owning cellID and waits for its response,
// spawning a worker on demand.
func (m *Manager) call(cellID ids.CellId, timeout time.Duration, body protocol.ExecRequestBody) (protocol.ExecResponseBody, error) {
	w, err := m.ensureWorker(cellID)
	if err != nil {
		return nil, err
	}
	return m.callOnWorker(w, timeout, body)
}

// callOnWorker sends body directly to an already-resolved worker entry,
// serialized per-worker since each executor is single-threaded cooperative.
// Used both by call (routing) and by idle-GC/shutdown paths that already
// hold the specific entry and must not trigger a respawn.
func (m *Manager) callOnWorker(w *workerEntry, timeout time.Duration, body protocol.ExecRequestBody) (protocol.ExecResponseBody, error) {
	w.reqMu.Lock()
	defer w.reqMu.Unlock()

	reqID := string(ids.NewRequestId())
	payload := protocol.EncodeExecRequest(protocol.ExecRequest{ReqID: reqID, Body: body})

	w.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := wire.WriteFrame(w.conn, payload); err != nil {
		m.handleWorkerDown(w, err)
		return nil, perr.Wrap(perr.Unavailable, err, "cell %s: worker write failed", w.cellID)
	}

	expired := time.After(timeout)
	for {
		select {
		case resp := <-w.pending:
			if resp.ReqID != reqID {
				// A late response to an earlier call that timed out.
				continue
			}
			w.touch()
			if ee, ok := resp.Body.(protocol.ExecError); ok {
				return nil, perr.New(perr.ParseKind(ee.Code), "%s", ee.Message)
			}
			return resp.Body, nil
		case <-expired:
			return nil, perr.New(perr.Timeout, "cell %s: worker did not respond within %s", w.cellID, timeout)
		}
	}
}

func (m *Manager) handleWorkerDown(w *workerEntry, cause error) {
	if !w.markDead() {
		return
	}
	m.log.Printf("cell %s: worker down: %v", w.cellID, cause)

	m.mu.Lock()
	if cur, ok := m.workers[w.cellID]; ok && cur == w {
		delete(m.workers, w.cellID)
	}
	m.mu.Unlock()

	for _, jobID := range w.snapshotJobs() {
		if err := m.store.MarkJobTerminal(jobID, store.JobFailed, nil, store.ReasonWorkerCrash); err != nil {
			m.log.Printf("reconcile job %s after worker crash: %v", jobID, err)
		}
	}
	w.conn.Close()
	if w.cmd != nil {
		if w.cmd.Process != nil {
			w.cmd.Process.Kill()
		}
		go w.cmd.Wait()
	}
}

func (m *Manager) shutdownWorker(w *workerEntry) {
	if w.isDead() {
		return
	}
	done := make(chan struct{})
	go func() {
		m.callOnWorker(w, 1*time.Second, protocol.ExecShutdown{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
	}
	if w.markDead() {
		w.conn.Close()
		if w.cmd.Process != nil {
			w.cmd.Process.Kill()
		}
		w.cmd.Wait()
	}
}

func (m *Manager) idleGCLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.IdleScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scanIdle()
		}
	}
}

func (m *Manager) scanIdle() {
	m.mu.Lock()
	candidates := make([]*workerEntry, 0, len(m.workers))
	for _, w := range m.workers {
		w.mu.Lock()
		idle := time.Since(w.lastActivity) > m.cfg.IdleTimeout
		w.mu.Unlock()
		if idle {
			candidates = append(candidates, w)
		}
	}
	m.mu.Unlock()

	for _, w := range candidates {
		resp, err := m.callOnWorker(w, m.cfg.PingDeadline, protocol.ExecPing{})
		if err != nil {
			continue
		}
		pr, ok := resp.(protocol.ExecPingResult)
		if !ok || pr.RunningJobs > 0 || pr.OpenSessions > 0 {
			continue
		}
		if ur, err := m.callOnWorker(w, m.cfg.PingDeadline, protocol.ExecUsageProbe{}); err == nil {
			if usage, ok := ur.(protocol.ExecUsageResult); ok {
				m.log.Printf("cell %s: idle worker usage cpu_ms=%d rss_bytes=%d", w.cellID, usage.CPUTimeMs, usage.RSSBytes)
			}
		}
		m.log.Printf("cell %s: evicting idle worker", w.cellID)
		m.mu.Lock()
		if cur, ok := m.workers[w.cellID]; ok && cur == w {
			delete(m.workers, w.cellID)
		}
		m.mu.Unlock()
		m.shutdownWorker(w)
	}
}

// ─── Routing ─────────────────────────────────────────

const defaultCallTimeout = 5 * time.Second

func (m *Manager) RunJob(cellID ids.CellId, jobID ids.JobId, cmd protocol.CommandSpec, stdoutPath, stderrPath string) error {
	resp, err := m.call(cellID, defaultCallTimeout, protocol.ExecRunJob{
		JobID: string(jobID), Command: cmd, StdoutPath: stdoutPath, StderrPath: stderrPath,
	})
	if err != nil {
		return err
	}
	if _, ok := resp.(protocol.ExecJobStarted); !ok {
		return perr.New(perr.Internal, "unexpected RunJob response %T", resp)
	}
	w, werr := m.workerFor(cellID)
	if werr == nil {
		w.trackJob(jobID)
	}
	return nil
}

func (m *Manager) JobSignal(cellID ids.CellId, jobID ids.JobId, force bool) error {
	_, err := m.call(cellID, defaultCallTimeout, protocol.ExecJobSignal{JobID: string(jobID), Force: force})
	return err
}

func (m *Manager) PtyOpen(cellID ids.CellId, sessionID ids.SessionId, shell protocol.ShellSpec, workDir string) (protocol.ExecPtyOpened, error) {
	resp, err := m.call(cellID, defaultCallTimeout, protocol.ExecPtyOpen{
		SessionID: string(sessionID), Shell: shell, WorkDir: workDir,
	})
	if err != nil {
		return protocol.ExecPtyOpened{}, err
	}
	po, ok := resp.(protocol.ExecPtyOpened)
	if !ok {
		return protocol.ExecPtyOpened{}, perr.New(perr.Internal, "unexpected PtyOpen response %T", resp)
	}
	w, werr := m.workerFor(cellID)
	if werr == nil {
		w.trackSession(sessionID)
	}
	return po, nil
}

func (m *Manager) PtyInput(cellID ids.CellId, sessionID ids.SessionId, bytes []byte) error {
	_, err := m.call(cellID, defaultCallTimeout, protocol.ExecPtyInput{SessionID: string(sessionID), Bytes: bytes})
	return err
}

func (m *Manager) PtyRead(cellID ids.CellId, sessionID ids.SessionId, offset uint64, maxBytes, waitMs uint32) (protocol.ExecPtyChunk, error) {
	timeout := defaultCallTimeout + time.Duration(waitMs)*time.Millisecond
	resp, err := m.call(cellID, timeout, protocol.ExecPtyRead{
		SessionID: string(sessionID), Offset: offset, MaxBytes: maxBytes, WaitMs: waitMs,
	})
	if err != nil {
		return protocol.ExecPtyChunk{}, err
	}
	pc, ok := resp.(protocol.ExecPtyChunk)
	if !ok {
		return protocol.ExecPtyChunk{}, perr.New(perr.Internal, "unexpected PtyRead response %T", resp)
	}
	return pc, nil
}

func (m *Manager) PtyResize(cellID ids.CellId, sessionID ids.SessionId, cols, rows uint16) error {
	_, err := m.call(cellID, defaultCallTimeout, protocol.ExecPtyResize{SessionID: string(sessionID), Cols: cols, Rows: rows})
	return err
}

func (m *Manager) PtyClose(cellID ids.CellId, sessionID ids.SessionId) error {
	_, err := m.call(cellID, defaultCallTimeout, protocol.ExecPtyClose{SessionID: string(sessionID)})
	w, werr := m.workerFor(cellID)
	if werr == nil {
		w.untrackSession(sessionID)
	}
	return err
}

func (m *Manager) workerFor(cellID ids.CellId) (*workerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[cellID]
	if !ok {
		return nil, perr.New(perr.Unavailable, "no live worker for cell %s", cellID)
	}
	return w, nil
}

func socketPair() (parent, child *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	parent = os.NewFile(uintptr(fds[0]), "planter-worker-parent")
	child = os.NewFile(uintptr(fds[1]), "planter-worker-child")
	return parent, child, nil
}
