// Package protocol defines the request/response envelopes, body variants,
// and the self-describing binary encoding carried inside each wire.Frame.
// It also defines the executor-internal envelope used between the
// daemon's worker manager and an executor process.
//
// Every variant round-trips: Decode(Encode(x)) == x for all x, independent
// of any external schema — each variant is tagged by a leading kind byte
// and every variable-length field is self-length-prefixed (see
// internal/wire), so an unknown future tag can at least be detected instead
// of silently misparsed.
package protocol

import (
	"fmt"

	"github.com/ianremillard/planter/internal/wire"
)

// CurrentProtocolVersion is the only protocol version this build speaks.
// Protocol version 1 compatibility is explicitly not maintained.
const CurrentProtocolVersion uint32 = 2

// CommandSpec describes a job to run: argv, environment, and working
// directory.
type CommandSpec struct {
	Argv    []string
	Env     []string
	WorkDir string
}

func (c CommandSpec) encode(w *wire.Writer) {
	w.PutUint32(uint32(len(c.Argv)))
	for _, a := range c.Argv {
		w.PutString(a)
	}
	w.PutUint32(uint32(len(c.Env)))
	for _, e := range c.Env {
		w.PutString(e)
	}
	w.PutString(c.WorkDir)
}

func decodeCommandSpec(r *wire.Reader) (CommandSpec, error) {
	var c CommandSpec
	n, err := r.GetUint32()
	if err != nil {
		return c, err
	}
	if n > 0 {
		c.Argv = make([]string, n)
	}
	for i := range c.Argv {
		if c.Argv[i], err = r.GetString(); err != nil {
			return c, err
		}
	}
	n, err = r.GetUint32()
	if err != nil {
		return c, err
	}
	if n > 0 {
		c.Env = make([]string, n)
	}
	for i := range c.Env {
		if c.Env[i], err = r.GetString(); err != nil {
			return c, err
		}
	}
	if c.WorkDir, err = r.GetString(); err != nil {
		return c, err
	}
	return c, nil
}

// ShellSpec describes the shell program to open a PTY session with.
type ShellSpec struct {
	Program string
	Args    []string
	Cols    uint16
	Rows    uint16
}

func (s ShellSpec) encode(w *wire.Writer) {
	w.PutString(s.Program)
	w.PutUint32(uint32(len(s.Args)))
	for _, a := range s.Args {
		w.PutString(a)
	}
	w.PutUint32(uint32(s.Cols))
	w.PutUint32(uint32(s.Rows))
}

func decodeShellSpec(r *wire.Reader) (ShellSpec, error) {
	var s ShellSpec
	var err error
	if s.Program, err = r.GetString(); err != nil {
		return s, err
	}
	n, err := r.GetUint32()
	if err != nil {
		return s, err
	}
	if n > 0 {
		s.Args = make([]string, n)
	}
	for i := range s.Args {
		if s.Args[i], err = r.GetString(); err != nil {
			return s, err
		}
	}
	cols, err := r.GetUint32()
	if err != nil {
		return s, err
	}
	rows, err := r.GetUint32()
	if err != nil {
		return s, err
	}
	s.Cols, s.Rows = uint16(cols), uint16(rows)
	return s, nil
}

// JobInfo is the public projection of a job's durable record:
// no log-file paths ever appear here.
type JobInfo struct {
	ID                string
	CellID            string
	CommandSummary    string
	State             string // Pending, Running, Exited, Killed, Failed
	HasExitCode       bool
	ExitCode          int32
	TerminationReason string // user_requested, force_killed, limit_exceeded, worker_crash, unknown
	CreatedAt         int64
	StartedAt         int64
	EndedAt           int64
}

func (j JobInfo) encode(w *wire.Writer) {
	w.PutString(j.ID)
	w.PutString(j.CellID)
	w.PutString(j.CommandSummary)
	w.PutString(j.State)
	w.PutBool(j.HasExitCode)
	w.PutInt32(j.ExitCode)
	w.PutString(j.TerminationReason)
	w.PutInt64(j.CreatedAt)
	w.PutInt64(j.StartedAt)
	w.PutInt64(j.EndedAt)
}

func decodeJobInfo(r *wire.Reader) (JobInfo, error) {
	var j JobInfo
	var err error
	if j.ID, err = r.GetString(); err != nil {
		return j, err
	}
	if j.CellID, err = r.GetString(); err != nil {
		return j, err
	}
	if j.CommandSummary, err = r.GetString(); err != nil {
		return j, err
	}
	if j.State, err = r.GetString(); err != nil {
		return j, err
	}
	if j.HasExitCode, err = r.GetBool(); err != nil {
		return j, err
	}
	if j.ExitCode, err = r.GetInt32(); err != nil {
		return j, err
	}
	if j.TerminationReason, err = r.GetString(); err != nil {
		return j, err
	}
	if j.CreatedAt, err = r.GetInt64(); err != nil {
		return j, err
	}
	if j.StartedAt, err = r.GetInt64(); err != nil {
		return j, err
	}
	if j.EndedAt, err = r.GetInt64(); err != nil {
		return j, err
	}
	return j, nil
}

// ─── Public request/response body variants ─────────────────────────────────

// Request body kind tags.
const (
	tagVersion uint8 = iota + 1
	tagHealth
	tagCellCreate
	tagCellRemove
	tagJobRun
	tagJobStatus
	tagJobKill
	tagLogsRead
	tagPtyOpen
	tagPtyInput
	tagPtyRead
	tagPtyResize
	tagPtyClose
)

// Response body kind tags.
const (
	tagRVersion uint8 = iota + 1
	tagRHealth
	tagRCellCreated
	tagRCellRemoved
	tagRJobStarted
	tagRJobState
	tagRJobKilled
	tagRLogsChunk
	tagRPtyOpened
	tagRPtyAck
	tagRPtyChunk
	tagRError
)

// RequestBody is implemented by every public request variant.
type RequestBody interface{ requestTag() uint8 }

// ResponseBody is implemented by every public response variant.
type ResponseBody interface{ responseTag() uint8 }

type (
	Version     struct{}
	Health      struct{}
	CellCreate  struct{ Name string }
	CellRemove  struct {
		CellID string
		Force  bool
	}
	JobRun struct {
		CellID  string
		Command CommandSpec
	}
	JobStatus struct{ JobID string }
	JobKill   struct {
		JobID string
		Force bool
	}
	LogsRead struct {
		JobID    string
		Stream   string // "stdout" or "stderr"
		Offset   uint64
		MaxBytes uint32
		Follow   bool
		WaitMs   uint32
	}
	PtyOpen struct{ Shell ShellSpec }
	PtyInput struct {
		SessionID string
		Bytes     []byte
	}
	PtyRead struct {
		SessionID string
		Offset    uint64
		MaxBytes  uint32
		WaitMs    uint32
	}
	PtyResize struct {
		SessionID string
		Cols      uint16
		Rows      uint16
	}
	PtyClose struct{ SessionID string }
)

func (Version) requestTag() uint8     { return tagVersion }
func (Health) requestTag() uint8      { return tagHealth }
func (CellCreate) requestTag() uint8  { return tagCellCreate }
func (CellRemove) requestTag() uint8  { return tagCellRemove }
func (JobRun) requestTag() uint8      { return tagJobRun }
func (JobStatus) requestTag() uint8   { return tagJobStatus }
func (JobKill) requestTag() uint8     { return tagJobKill }
func (LogsRead) requestTag() uint8    { return tagLogsRead }
func (PtyOpen) requestTag() uint8     { return tagPtyOpen }
func (PtyInput) requestTag() uint8    { return tagPtyInput }
func (PtyRead) requestTag() uint8     { return tagPtyRead }
func (PtyResize) requestTag() uint8   { return tagPtyResize }
func (PtyClose) requestTag() uint8    { return tagPtyClose }

type (
	RVersion    struct {
		Daemon   string
		Protocol uint32
	}
	RHealth     struct{ OK bool }
	RCellCreated struct{ CellID string }
	RCellRemoved struct{}
	RJobStarted struct{ JobID string }
	RJobState   struct{ Job JobInfo }
	RJobKilled  struct{ Job JobInfo }
	RLogsChunk  struct {
		Bytes      []byte
		NextOffset uint64
		EOF        bool
	}
	RPtyOpened struct {
		SessionID string
		Cols      uint16
		Rows      uint16
	}
	RPtyAck   struct{}
	RPtyChunk struct {
		Bytes      []byte
		NextOffset uint64
		Closed     bool
	}
	RError struct {
		Code    string
		Message string
	}
)

func (RVersion) responseTag() uint8     { return tagRVersion }
func (RHealth) responseTag() uint8      { return tagRHealth }
func (RCellCreated) responseTag() uint8 { return tagRCellCreated }
func (RCellRemoved) responseTag() uint8 { return tagRCellRemoved }
func (RJobStarted) responseTag() uint8  { return tagRJobStarted }
func (RJobState) responseTag() uint8    { return tagRJobState }
func (RJobKilled) responseTag() uint8   { return tagRJobKilled }
func (RLogsChunk) responseTag() uint8   { return tagRLogsChunk }
func (RPtyOpened) responseTag() uint8   { return tagRPtyOpened }
func (RPtyAck) responseTag() uint8      { return tagRPtyAck }
func (RPtyChunk) responseTag() uint8    { return tagRPtyChunk }
func (RError) responseTag() uint8       { return tagRError }

// Request is the envelope sent client -> daemon.
type Request struct {
	ReqID           string
	ProtocolVersion uint32
	Body            RequestBody
}

// Response is the envelope sent daemon -> client.
type Response struct {
	ReqID string
	Body  ResponseBody
}

// EncodeRequest renders req as a self-describing binary payload.
func EncodeRequest(req Request) []byte {
	w := wire.NewWriter()
	w.PutString(req.ReqID)
	w.PutUint32(req.ProtocolVersion)
	encodeRequestBody(w, req.Body)
	return w.Bytes()
}

func encodeRequestBody(w *wire.Writer, body RequestBody) {
	w.PutUint8(body.requestTag())
	switch b := body.(type) {
	case Version, Health:
		// no fields
	case CellCreate:
		w.PutString(b.Name)
	case CellRemove:
		w.PutString(b.CellID)
		w.PutBool(b.Force)
	case JobRun:
		w.PutString(b.CellID)
		b.Command.encode(w)
	case JobStatus:
		w.PutString(b.JobID)
	case JobKill:
		w.PutString(b.JobID)
		w.PutBool(b.Force)
	case LogsRead:
		w.PutString(b.JobID)
		w.PutString(b.Stream)
		w.PutUint64(b.Offset)
		w.PutUint32(b.MaxBytes)
		w.PutBool(b.Follow)
		w.PutUint32(b.WaitMs)
	case PtyOpen:
		b.Shell.encode(w)
	case PtyInput:
		w.PutString(b.SessionID)
		w.PutBytes(b.Bytes)
	case PtyRead:
		w.PutString(b.SessionID)
		w.PutUint64(b.Offset)
		w.PutUint32(b.MaxBytes)
		w.PutUint32(b.WaitMs)
	case PtyResize:
		w.PutString(b.SessionID)
		w.PutUint32(uint32(b.Cols))
		w.PutUint32(uint32(b.Rows))
	case PtyClose:
		w.PutString(b.SessionID)
	default:
		panic(fmt.Sprintf("protocol: unknown request body type %T", body))
	}
}

// PeekReqID recovers only the req_id field of a request payload, without
// requiring the rest of the envelope to decode. The ipc server does not
// call it: it takes the req_id from the partially decoded Request that
// DecodeRequest returns alongside its error.
func PeekReqID(payload []byte) (string, error) {
	return wire.NewReader(payload).GetString()
}

// DecodeRequest parses a payload produced by EncodeRequest.
func DecodeRequest(payload []byte) (Request, error) {
	r := wire.NewReader(payload)
	var req Request
	var err error
	if req.ReqID, err = r.GetString(); err != nil {
		return req, err
	}
	if req.ProtocolVersion, err = r.GetUint32(); err != nil {
		return req, err
	}
	req.Body, err = decodeRequestBody(r)
	return req, err
}

func decodeRequestBody(r *wire.Reader) (RequestBody, error) {
	tag, err := r.GetUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagVersion:
		return Version{}, nil
	case tagHealth:
		return Health{}, nil
	case tagCellCreate:
		name, err := r.GetString()
		return CellCreate{Name: name}, err
	case tagCellRemove:
		id, err := r.GetString()
		if err != nil {
			return nil, err
		}
		force, err := r.GetBool()
		return CellRemove{CellID: id, Force: force}, err
	case tagJobRun:
		id, err := r.GetString()
		if err != nil {
			return nil, err
		}
		cmd, err := decodeCommandSpec(r)
		return JobRun{CellID: id, Command: cmd}, err
	case tagJobStatus:
		id, err := r.GetString()
		return JobStatus{JobID: id}, err
	case tagJobKill:
		id, err := r.GetString()
		if err != nil {
			return nil, err
		}
		force, err := r.GetBool()
		return JobKill{JobID: id, Force: force}, err
	case tagLogsRead:
		var lr LogsRead
		if lr.JobID, err = r.GetString(); err != nil {
			return nil, err
		}
		if lr.Stream, err = r.GetString(); err != nil {
			return nil, err
		}
		if lr.Offset, err = r.GetUint64(); err != nil {
			return nil, err
		}
		if lr.MaxBytes, err = r.GetUint32(); err != nil {
			return nil, err
		}
		if lr.Follow, err = r.GetBool(); err != nil {
			return nil, err
		}
		if lr.WaitMs, err = r.GetUint32(); err != nil {
			return nil, err
		}
		return lr, nil
	case tagPtyOpen:
		shell, err := decodeShellSpec(r)
		return PtyOpen{Shell: shell}, err
	case tagPtyInput:
		id, err := r.GetString()
		if err != nil {
			return nil, err
		}
		b, err := r.GetBytes()
		return PtyInput{SessionID: id, Bytes: b}, err
	case tagPtyRead:
		var pr PtyRead
		if pr.SessionID, err = r.GetString(); err != nil {
			return nil, err
		}
		if pr.Offset, err = r.GetUint64(); err != nil {
			return nil, err
		}
		if pr.MaxBytes, err = r.GetUint32(); err != nil {
			return nil, err
		}
		if pr.WaitMs, err = r.GetUint32(); err != nil {
			return nil, err
		}
		return pr, nil
	case tagPtyResize:
		id, err := r.GetString()
		if err != nil {
			return nil, err
		}
		cols, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		rows, err := r.GetUint32()
		return PtyResize{SessionID: id, Cols: uint16(cols), Rows: uint16(rows)}, err
	case tagPtyClose:
		id, err := r.GetString()
		return PtyClose{SessionID: id}, err
	default:
		return nil, fmt.Errorf("protocol: unknown request tag %d", tag)
	}
}

// EncodeResponse renders resp as a self-describing binary payload.
func EncodeResponse(resp Response) []byte {
	w := wire.NewWriter()
	w.PutString(resp.ReqID)
	encodeResponseBody(w, resp.Body)
	return w.Bytes()
}

func encodeResponseBody(w *wire.Writer, body ResponseBody) {
	w.PutUint8(body.responseTag())
	switch b := body.(type) {
	case RVersion:
		w.PutString(b.Daemon)
		w.PutUint32(b.Protocol)
	case RHealth:
		w.PutBool(b.OK)
	case RCellCreated:
		w.PutString(b.CellID)
	case RCellRemoved:
	case RJobStarted:
		w.PutString(b.JobID)
	case RJobState:
		b.Job.encode(w)
	case RJobKilled:
		b.Job.encode(w)
	case RLogsChunk:
		w.PutBytes(b.Bytes)
		w.PutUint64(b.NextOffset)
		w.PutBool(b.EOF)
	case RPtyOpened:
		w.PutString(b.SessionID)
		w.PutUint32(uint32(b.Cols))
		w.PutUint32(uint32(b.Rows))
	case RPtyAck:
	case RPtyChunk:
		w.PutBytes(b.Bytes)
		w.PutUint64(b.NextOffset)
		w.PutBool(b.Closed)
	case RError:
		w.PutString(b.Code)
		w.PutString(b.Message)
	default:
		panic(fmt.Sprintf("protocol: unknown response body type %T", body))
	}
}

// DecodeResponse parses a payload produced by EncodeResponse.
func DecodeResponse(payload []byte) (Response, error) {
	r := wire.NewReader(payload)
	var resp Response
	var err error
	if resp.ReqID, err = r.GetString(); err != nil {
		return resp, err
	}
	resp.Body, err = decodeResponseBody(r)
	return resp, err
}

func decodeResponseBody(r *wire.Reader) (ResponseBody, error) {
	tag, err := r.GetUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagRVersion:
		daemon, err := r.GetString()
		if err != nil {
			return nil, err
		}
		proto, err := r.GetUint32()
		return RVersion{Daemon: daemon, Protocol: proto}, err
	case tagRHealth:
		ok, err := r.GetBool()
		return RHealth{OK: ok}, err
	case tagRCellCreated:
		id, err := r.GetString()
		return RCellCreated{CellID: id}, err
	case tagRCellRemoved:
		return RCellRemoved{}, nil
	case tagRJobStarted:
		id, err := r.GetString()
		return RJobStarted{JobID: id}, err
	case tagRJobState:
		job, err := decodeJobInfo(r)
		return RJobState{Job: job}, err
	case tagRJobKilled:
		job, err := decodeJobInfo(r)
		return RJobKilled{Job: job}, err
	case tagRLogsChunk:
		var lc RLogsChunk
		if lc.Bytes, err = r.GetBytes(); err != nil {
			return nil, err
		}
		if lc.NextOffset, err = r.GetUint64(); err != nil {
			return nil, err
		}
		if lc.EOF, err = r.GetBool(); err != nil {
			return nil, err
		}
		return lc, nil
	case tagRPtyOpened:
		id, err := r.GetString()
		if err != nil {
			return nil, err
		}
		cols, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		rows, err := r.GetUint32()
		return RPtyOpened{SessionID: id, Cols: uint16(cols), Rows: uint16(rows)}, err
	case tagRPtyAck:
		return RPtyAck{}, nil
	case tagRPtyChunk:
		var pc RPtyChunk
		if pc.Bytes, err = r.GetBytes(); err != nil {
			return nil, err
		}
		if pc.NextOffset, err = r.GetUint64(); err != nil {
			return nil, err
		}
		if pc.Closed, err = r.GetBool(); err != nil {
			return nil, err
		}
		return pc, nil
	case tagRError:
		code, err := r.GetString()
		if err != nil {
			return nil, err
		}
		msg, err := r.GetString()
		return RError{Code: code, Message: msg}, err
	default:
		return nil, fmt.Errorf("protocol: unknown response tag %d", tag)
	}
}
