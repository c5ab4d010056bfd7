// Package executor implements the per-cell sandboxed worker process (spec
// §4.5): it owns the OS process and PTY handles for exactly one cell,
// speaking the executor-internal protocol over its inherited socket.
//
// The daemon's scheduling model is multi-threaded event-driven; the
// executor's is "single-threaded cooperative". Go does not
// give us a literal single OS thread servicing one fd-readiness loop, so
// this is expressed the idiomatic-Go way instead: exactly one goroutine
// ever reads the control socket and dispatches requests to completion
// before reading the next (mirroring "single in-flight request" on the
// manager's side of the same channel), while each job's process
// and each PTY session get their own drain goroutine — the same shape the
// convention used for any long-lived per-session reader.
// A single writeMu guards the socket so the control loop's responses and a
// drain goroutine's unsolicited ExecJobExited push never interleave.
package executor

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/ianremillard/planter/internal/logging"
	"github.com/ianremillard/planter/internal/protocol"
	"github.com/ianremillard/planter/internal/wire"
)

// pollInterval bounds how often a blocking PtyRead/LogsRead-style wait
// rechecks its ring buffer before wait_ms elapses: wait_ms is honored
// exactly, with no silent extension.
const pollInterval = 20 * time.Millisecond

// gracePeriod is how long JobSignal/PtyClose wait after SIGTERM/SIGHUP
// before escalating to SIGKILL.
const gracePeriod = 500 * time.Millisecond

type jobEntry struct {
	mu       sync.Mutex
	id       string
	cmd      *exec.Cmd
	state    string
	exitCode int32
	hasExit  bool
	reason   string
}

type sessionEntry struct {
	mu     sync.Mutex
	id     string
	ptmx   *os.File
	cmd    *exec.Cmd
	ring   *ringBuffer
	closed bool
	cols   uint16
	rows   uint16
}

// Runtime is the executor's process-wide state: exactly one per executor
// process, one per cell.
type Runtime struct {
	conn    net.Conn
	writeMu sync.Mutex
	log     *logging.Logger

	jobsMu sync.Mutex
	jobs   map[string]*jobEntry

	sessionsMu sync.Mutex
	sessions   map[string]*sessionEntry
}

// New wraps conn (the inherited, paired Unix socket) with executor state.
func New(conn net.Conn) *Runtime {
	return &Runtime{
		conn:     conn,
		log:      logging.New("executor"),
		jobs:     make(map[string]*jobEntry),
		sessions: make(map[string]*sessionEntry),
	}
}

func (rt *Runtime) writeResponse(reqID string, body protocol.ExecResponseBody) {
	payload := protocol.EncodeExecResponse(protocol.ExecResponse{ReqID: reqID, Body: body})
	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	if err := wire.WriteFrame(rt.conn, payload); err != nil {
		rt.log.Printf("write response: %v", err)
	}
}

// pushJobExited sends the unsolicited ExecJobExited notification.
func (rt *Runtime) pushJobExited(job protocol.JobInfo) {
	payload := protocol.EncodeExecResponse(protocol.ExecResponse{ReqID: "", Body: protocol.ExecJobExited{Job: job}})
	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	if err := wire.WriteFrame(rt.conn, payload); err != nil {
		rt.log.Printf("push job exited: %v", err)
	}
}

// Handshake performs the Hello/HelloAck exchange. wantToken
// and wantVersion come from the environment the worker manager set at spawn.
func (rt *Runtime) Handshake(wantToken string, wantVersion uint32) error {
	payload, err := wire.ReadFrame(rt.conn)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	req, err := protocol.DecodeExecRequest(payload)
	if err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}
	hello, ok := req.Body.(protocol.Hello)
	if !ok {
		rt.writeResponse(req.ReqID, protocol.ExecError{Code: "BadRequest", Message: "expected Hello"})
		return fmt.Errorf("expected Hello, got %T", req.Body)
	}
	if hello.Token != wantToken || hello.ProtocolVersion != wantVersion {
		rt.writeResponse(req.ReqID, protocol.ExecError{Code: "ProtocolMismatch", Message: "token or protocol version rejected"})
		return fmt.Errorf("handshake rejected")
	}
	rt.writeResponse(req.ReqID, protocol.HelloAck{ProtocolVersion: wantVersion})
	return nil
}

// Serve reads and dispatches requests until the connection closes.
func (rt *Runtime) Serve() {
	for {
		payload, err := wire.ReadFrame(rt.conn)
		if err != nil {
			rt.log.Printf("control loop exiting: %v", err)
			return
		}
		req, err := protocol.DecodeExecRequest(payload)
		if err != nil {
			rt.log.Printf("malformed request: %v", err)
			continue
		}
		rt.dispatch(req)
	}
}

func (rt *Runtime) dispatch(req protocol.ExecRequest) {
	switch b := req.Body.(type) {
	case protocol.ExecRunJob:
		rt.handleRunJob(req.ReqID, b)
	case protocol.ExecJobStatus:
		rt.handleJobStatus(req.ReqID, b)
	case protocol.ExecJobSignal:
		rt.handleJobSignal(req.ReqID, b)
	case protocol.ExecPtyOpen:
		rt.handlePtyOpen(req.ReqID, b)
	case protocol.ExecPtyInput:
		rt.handlePtyInput(req.ReqID, b)
	case protocol.ExecPtyRead:
		rt.handlePtyRead(req.ReqID, b)
	case protocol.ExecPtyResize:
		rt.handlePtyResize(req.ReqID, b)
	case protocol.ExecPtyClose:
		rt.handlePtyClose(req.ReqID, b)
	case protocol.ExecUsageProbe:
		rt.handleUsageProbe(req.ReqID)
	case protocol.ExecPing:
		rt.handlePing(req.ReqID)
	case protocol.ExecShutdown:
		rt.writeResponse(req.ReqID, protocol.ExecShutdownAck{})
		rt.shutdown()
	default:
		rt.writeResponse(req.ReqID, protocol.ExecError{Code: "BadRequest", Message: fmt.Sprintf("unknown request %T", b)})
	}
}

func (rt *Runtime) jobInfo(j *jobEntry) protocol.JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := protocol.JobInfo{
		ID:                j.id,
		State:             j.state,
		HasExitCode:       j.hasExit,
		ExitCode:          j.exitCode,
		TerminationReason: j.reason,
	}
	return info
}

func (rt *Runtime) handleRunJob(reqID string, b protocol.ExecRunJob) {
	stdoutFile, err := os.OpenFile(b.StdoutPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		rt.writeResponse(reqID, protocol.ExecError{Code: "Internal", Message: err.Error()})
		return
	}
	stderrFile, err := os.OpenFile(b.StderrPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		stdoutFile.Close()
		rt.writeResponse(reqID, protocol.ExecError{Code: "Internal", Message: err.Error()})
		return
	}

	if len(b.Command.Argv) == 0 {
		stdoutFile.Close()
		stderrFile.Close()
		rt.writeResponse(reqID, protocol.ExecError{Code: "BadRequest", Message: "empty argv"})
		return
	}

	cmd := exec.Command(b.Command.Argv[0], b.Command.Argv[1:]...)
	cmd.Dir = b.Command.WorkDir
	cmd.Env = b.Command.Env
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdoutFile.Close()
		stderrFile.Close()
		rt.writeResponse(reqID, protocol.ExecError{Code: "Unavailable", Message: err.Error()})
		return
	}

	j := &jobEntry{id: b.JobID, cmd: cmd, state: "Running"}
	rt.jobsMu.Lock()
	rt.jobs[b.JobID] = j
	rt.jobsMu.Unlock()

	go rt.reapJob(j, stdoutFile, stderrFile)

	rt.writeResponse(reqID, protocol.ExecJobStarted{JobID: b.JobID})
}

func (rt *Runtime) reapJob(j *jobEntry, stdoutFile, stderrFile *os.File) {
	defer stdoutFile.Close()
	defer stderrFile.Close()

	err := j.cmd.Wait()

	j.mu.Lock()
	if j.state == "Killed" {
		// JobSignal already recorded a terminal state; keep it.
		j.mu.Unlock()
	} else {
		j.hasExit = true
		if err == nil {
			j.state = "Exited"
			j.reason = "unknown"
			j.exitCode = 0
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			j.state = "Exited"
			j.reason = "unknown"
			j.exitCode = int32(exitErr.ExitCode())
		} else {
			j.state = "Failed"
			j.reason = "unknown"
			j.hasExit = false
		}
		j.mu.Unlock()
	}

	rt.pushJobExited(rt.jobInfo(j))
}

func (rt *Runtime) handleJobStatus(reqID string, b protocol.ExecJobStatus) {
	rt.jobsMu.Lock()
	j, ok := rt.jobs[b.JobID]
	rt.jobsMu.Unlock()
	if !ok {
		rt.writeResponse(reqID, protocol.ExecError{Code: "NotFound", Message: "no such job"})
		return
	}
	rt.writeResponse(reqID, protocol.ExecJobState{Job: rt.jobInfo(j)})
}

func (rt *Runtime) handleJobSignal(reqID string, b protocol.ExecJobSignal) {
	rt.jobsMu.Lock()
	j, ok := rt.jobs[b.JobID]
	rt.jobsMu.Unlock()
	if !ok {
		rt.writeResponse(reqID, protocol.ExecError{Code: "NotFound", Message: "no such job"})
		return
	}

	j.mu.Lock()
	pid := j.cmd.Process.Pid
	alreadyTerminal := j.hasExit || j.state == "Killed"
	if !alreadyTerminal {
		j.state = "Killed"
		j.reason = "force_killed"
		if !b.Force {
			j.reason = "user_requested"
		}
	}
	j.mu.Unlock()

	if !alreadyTerminal {
		killProcessGroup(pid, b.Force)
	}

	rt.writeResponse(reqID, protocol.ExecJobState{Job: rt.jobInfo(j)})
}

// killProcessGroup sends SIGTERM (or SIGKILL if force) to pid's process
// group, escalating to SIGKILL after gracePeriod.
func killProcessGroup(pid int, force bool) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		pgid = pid
	}
	if force {
		syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	syscall.Kill(-pgid, syscall.SIGTERM)
	go func() {
		time.Sleep(gracePeriod)
		syscall.Kill(-pgid, syscall.SIGKILL)
	}()
}

func (rt *Runtime) handleUsageProbe(reqID string) {
	rt.jobsMu.Lock()
	n := len(rt.jobs)
	rt.jobsMu.Unlock()
	// Without cgroup accounting wired in, usage is reported as zero; this
	// satisfies the RPC's shape without fabricating numbers. n is read to
	// keep the probe meaningfully "per worker" if accounting lands later.
	_ = n
	rt.writeResponse(reqID, protocol.ExecUsageResult{CPUTimeMs: 0, RSSBytes: 0})
}

func (rt *Runtime) handlePing(reqID string) {
	rt.jobsMu.Lock()
	var running uint32
	for _, j := range rt.jobs {
		j.mu.Lock()
		if !j.hasExit && j.state != "Killed" {
			running++
		}
		j.mu.Unlock()
	}
	rt.jobsMu.Unlock()

	rt.sessionsMu.Lock()
	var open uint32
	for _, s := range rt.sessions {
		s.mu.Lock()
		if !s.closed {
			open++
		}
		s.mu.Unlock()
	}
	rt.sessionsMu.Unlock()

	rt.writeResponse(reqID, protocol.ExecPingResult{RunningJobs: running, OpenSessions: open})
}

func (rt *Runtime) shutdown() {
	rt.jobsMu.Lock()
	for _, j := range rt.jobs {
		j.mu.Lock()
		pid := j.cmd.Process.Pid
		j.mu.Unlock()
		killProcessGroup(pid, true)
	}
	rt.jobsMu.Unlock()

	rt.sessionsMu.Lock()
	for _, s := range rt.sessions {
		s.mu.Lock()
		if s.ptmx != nil {
			s.ptmx.Close()
		}
		s.mu.Unlock()
	}
	rt.sessionsMu.Unlock()

	time.Sleep(50 * time.Millisecond)
	os.Exit(0)
}

// ─── PTY sessions ───────────────────────────────────────────────────────────

func (rt *Runtime) handlePtyOpen(reqID string, b protocol.ExecPtyOpen) {
	shell, err := installSessionShell(b.Shell, b.WorkDir)
	if err != nil {
		rt.writeResponse(reqID, protocol.ExecError{Code: "Internal", Message: err.Error()})
		return
	}

	cmd := exec.Command(shell.Program, shell.Args...)
	cmd.Dir = b.WorkDir
	cmd.Env = sessionEnv(b.WorkDir)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: shell.Cols, Rows: shell.Rows})
	if err != nil {
		rt.writeResponse(reqID, protocol.ExecError{Code: "Unavailable", Message: err.Error()})
		return
	}

	s := &sessionEntry{
		id:   b.SessionID,
		ptmx: ptmx,
		cmd:  cmd,
		ring: newRingBuffer(),
		cols: shell.Cols,
		rows: shell.Rows,
	}
	rt.sessionsMu.Lock()
	rt.sessions[b.SessionID] = s
	rt.sessionsMu.Unlock()

	go rt.drainPty(s)

	rt.writeResponse(reqID, protocol.ExecPtyOpened{SessionID: b.SessionID, Cols: shell.Cols, Rows: shell.Rows})
}

// sessionShellUser is the anonymized identity every PTY session runs as,
// regardless of the user the daemon itself runs as.
const sessionShellUser = "planter"

// sessionEnv strips the inherited environment down to a minimal, anonymized
// set for interactive sessions: HOME points at the session's own build-cell
// workspace, USER and LOGNAME are the fixed sessionShellUser name rather
// than the daemon's real identity, and ZDOTDIR redirects zsh's rc lookup
// to the workspace too.
func sessionEnv(workDir string) []string {
	return []string{
		"HOME=" + workDir,
		"USER=" + sessionShellUser,
		"LOGNAME=" + sessionShellUser,
		"ZDOTDIR=" + workDir,
		"TERM=xterm-256color",
		"PATH=/usr/local/bin:/usr/bin:/bin",
	}
}

// installSessionShell writes the session-local rc file for bash/zsh and
// returns a ShellSpec with the args needed to load it in place of the
// user's own startup files. A caller-supplied Args is taken as a custom
// profile and left untouched; any other shell program is also left as-is.
func installSessionShell(shell protocol.ShellSpec, workDir string) (protocol.ShellSpec, error) {
	if len(shell.Args) != 0 {
		return shell, nil
	}
	switch filepath.Base(shell.Program) {
	case "bash":
		// --rcfile takes the place of ~/.bashrc. --norc is not passed,
		// since bash then skips the --rcfile as well. A bash built to read
		// a system-wide bashrc still reads it before the session rc file.
		rcPath := filepath.Join(workDir, ".planter_bashrc")
		if err := os.WriteFile(rcPath, []byte(sessionShellRC(workDir)), 0o600); err != nil {
			return shell, fmt.Errorf("write session bashrc: %w", err)
		}
		shell.Args = []string{"--noprofile", "--rcfile", rcPath}
	case "zsh":
		// zsh reads $ZDOTDIR/.zshrc in place of ~/.zshrc; --no-globalrcs
		// skips the system-wide /etc/zsh profile/rc files on top of that.
		rcPath := filepath.Join(workDir, ".zshrc")
		if err := os.WriteFile(rcPath, []byte(sessionShellRC(workDir)), 0o600); err != nil {
			return shell, fmt.Errorf("write session zshrc: %w", err)
		}
		shell.Args = []string{"--no-globalrcs"}
	}
	return shell, nil
}

// sessionShellRC is the rc file body installed for both bash and zsh: it
// jails cd to workDir and recenters the shell there before every prompt.
// bash reads PROMPT_COMMAND before each prompt; zsh's precmd hook does the
// same, and zsh silently ignores the unused PROMPT_COMMAND assignment.
func sessionShellRC(workDir string) string {
	return fmt.Sprintf(`export PLANTER_SESSION_ROOT=%q
cd() {
	local target
	target=$(builtin cd -- "$@" 2>/dev/null && pwd) || {
		echo "cd: restricted to session workspace" >&2
		return 1
	}
	case "$target" in
		"$PLANTER_SESSION_ROOT"|"$PLANTER_SESSION_ROOT"/*)
			builtin cd -- "$target" ;;
		*)
			echo "cd: restricted to session workspace" >&2
			return 1 ;;
	esac
}
precmd() { builtin cd -- "$PLANTER_SESSION_ROOT"; }
PROMPT_COMMAND='builtin cd -- "$PLANTER_SESSION_ROOT"'
builtin cd -- "$PLANTER_SESSION_ROOT"
PS1='$ '
`, workDir)
}

// drainPty continuously reads PTY master output into the session's ring
// buffer until the PTY closes.
func (rt *Runtime) drainPty(s *sessionEntry) {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.mu.Lock()
			if dropped := s.ring.write(buf[:n]); dropped > 0 {
				s.ring.write([]byte(fmt.Sprintf("[dropped %d bytes]\n", dropped)))
			}
			s.mu.Unlock()
		}
		if err != nil {
			break
		}
	}
	s.cmd.Wait()
	s.mu.Lock()
	s.closed = true
	s.ptmx.Close()
	s.mu.Unlock()
}

func (rt *Runtime) handlePtyInput(reqID string, b protocol.ExecPtyInput) {
	rt.sessionsMu.Lock()
	s, ok := rt.sessions[b.SessionID]
	rt.sessionsMu.Unlock()
	if !ok {
		rt.writeResponse(reqID, protocol.ExecError{Code: "NotFound", Message: "no such session"})
		return
	}
	s.mu.Lock()
	closed := s.closed
	ptmx := s.ptmx
	s.mu.Unlock()
	if closed {
		rt.writeResponse(reqID, protocol.ExecError{Code: "Conflict", Message: "session closed"})
		return
	}
	if _, err := ptmx.Write(b.Bytes); err != nil {
		rt.writeResponse(reqID, protocol.ExecError{Code: "Unavailable", Message: err.Error()})
		return
	}
	rt.writeResponse(reqID, protocol.ExecPtyAck{})
}

func (rt *Runtime) handlePtyRead(reqID string, b protocol.ExecPtyRead) {
	rt.sessionsMu.Lock()
	s, ok := rt.sessions[b.SessionID]
	rt.sessionsMu.Unlock()
	if !ok {
		rt.writeResponse(reqID, protocol.ExecError{Code: "NotFound", Message: "no such session"})
		return
	}

	deadline := time.Now().Add(time.Duration(b.WaitMs) * time.Millisecond)
	for {
		s.mu.Lock()
		bytes, next, err := s.ring.readFrom(b.Offset, int(b.MaxBytes))
		closed := s.closed
		s.mu.Unlock()

		if err != nil {
			rt.writeResponse(reqID, protocol.ExecError{Code: "BadRequest", Message: err.Error()})
			return
		}
		if len(bytes) > 0 || closed || b.WaitMs == 0 || time.Now().After(deadline) {
			rt.writeResponse(reqID, protocol.ExecPtyChunk{Bytes: bytes, NextOffset: next, Closed: closed})
			return
		}
		time.Sleep(pollInterval)
	}
}

func (rt *Runtime) handlePtyResize(reqID string, b protocol.ExecPtyResize) {
	rt.sessionsMu.Lock()
	s, ok := rt.sessions[b.SessionID]
	rt.sessionsMu.Unlock()
	if !ok {
		rt.writeResponse(reqID, protocol.ExecError{Code: "NotFound", Message: "no such session"})
		return
	}
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.cols, s.rows = b.Cols, b.Rows
	}
	ptmx := s.ptmx
	s.mu.Unlock()
	if closed {
		rt.writeResponse(reqID, protocol.ExecError{Code: "Conflict", Message: "session closed"})
		return
	}
	pty.Setsize(ptmx, &pty.Winsize{Cols: b.Cols, Rows: b.Rows})
	rt.writeResponse(reqID, protocol.ExecPtyAck{})
}

func (rt *Runtime) handlePtyClose(reqID string, b protocol.ExecPtyClose) {
	rt.sessionsMu.Lock()
	s, ok := rt.sessions[b.SessionID]
	rt.sessionsMu.Unlock()
	if !ok {
		rt.writeResponse(reqID, protocol.ExecError{Code: "NotFound", Message: "no such session"})
		return
	}

	s.mu.Lock()
	pid := 0
	if s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	s.mu.Unlock()

	if pid > 0 {
		pgid, err := syscall.Getpgid(pid)
		if err != nil || pgid <= 0 {
			pgid = pid
		}
		syscall.Kill(-pgid, syscall.SIGHUP)
		go func() {
			time.Sleep(gracePeriod)
			syscall.Kill(-pgid, syscall.SIGKILL)
		}()
	}

	rt.writeResponse(reqID, protocol.ExecPtyAck{})
}
