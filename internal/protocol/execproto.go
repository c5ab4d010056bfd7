package protocol

import (
	"fmt"

	"github.com/ianremillard/planter/internal/wire"
)

// Executor-internal envelope: the worker manager and
// an executor process speak this over the inherited, paired Unix socket.
// It mirrors the shape of the public protocol (tagged binary variants over
// wire.Frame) but carries handshake and RPC-routing bodies that are never
// exposed to a planter client.

// Request body kind tags.
const (
	tagHello uint8 = iota + 1
	tagExecRunJob
	tagExecJobStatus
	tagExecJobSignal
	tagExecPtyOpen
	tagExecPtyInput
	tagExecPtyRead
	tagExecPtyResize
	tagExecPtyClose
	tagExecUsageProbe
	tagExecPing
	tagExecShutdown
)

// Response body kind tags. tagExecJobExited has no matching request: it is
// an unsolicited push notification, sent whenever a running job exits.
const (
	tagHelloAck uint8 = iota + 1
	tagExecJobStarted
	tagExecJobState
	tagExecPtyOpened
	tagExecPtyAck
	tagExecPtyChunk
	tagExecUsageResult
	tagExecPingResult
	tagExecShutdownAck
	tagExecError
	tagExecJobExited
)

// ExecRequestBody is implemented by every executor-internal request variant.
type ExecRequestBody interface{ execRequestTag() uint8 }

// ExecResponseBody is implemented by every executor-internal response variant.
type ExecResponseBody interface{ execResponseTag() uint8 }

type (
	Hello struct {
		Token           string
		ProtocolVersion uint32
	}
	ExecRunJob struct {
		JobID      string
		Command    CommandSpec
		StdoutPath string
		StderrPath string
	}
	ExecJobStatus struct{ JobID string }
	ExecJobSignal struct {
		JobID string
		Force bool
	}
	ExecPtyOpen struct {
		SessionID string
		Shell     ShellSpec
		WorkDir   string
	}
	ExecPtyInput struct {
		SessionID string
		Bytes     []byte
	}
	ExecPtyRead struct {
		SessionID string
		Offset    uint64
		MaxBytes  uint32
		WaitMs    uint32
	}
	ExecPtyResize struct {
		SessionID string
		Cols      uint16
		Rows      uint16
	}
	ExecPtyClose  struct{ SessionID string }
	ExecUsageProbe struct{}
	ExecPing      struct{}
	ExecShutdown  struct{}
)

func (Hello) execRequestTag() uint8         { return tagHello }
func (ExecRunJob) execRequestTag() uint8    { return tagExecRunJob }
func (ExecJobStatus) execRequestTag() uint8 { return tagExecJobStatus }
func (ExecJobSignal) execRequestTag() uint8 { return tagExecJobSignal }
func (ExecPtyOpen) execRequestTag() uint8   { return tagExecPtyOpen }
func (ExecPtyInput) execRequestTag() uint8  { return tagExecPtyInput }
func (ExecPtyRead) execRequestTag() uint8   { return tagExecPtyRead }
func (ExecPtyResize) execRequestTag() uint8 { return tagExecPtyResize }
func (ExecPtyClose) execRequestTag() uint8  { return tagExecPtyClose }
func (ExecUsageProbe) execRequestTag() uint8 { return tagExecUsageProbe }
func (ExecPing) execRequestTag() uint8      { return tagExecPing }
func (ExecShutdown) execRequestTag() uint8  { return tagExecShutdown }

type (
	HelloAck        struct{ ProtocolVersion uint32 }
	ExecJobStarted  struct{ JobID string }
	ExecJobState    struct{ Job JobInfo }
	// ExecJobExited is an unsolicited push sent by the executor when a job
	// finishes; it carries no ReqID correlation.
	ExecJobExited struct{ Job JobInfo }
	ExecPtyOpened struct {
		SessionID string
		Cols      uint16
		Rows      uint16
	}
	ExecPtyAck   struct{}
	ExecPtyChunk struct {
		Bytes      []byte
		NextOffset uint64
		Closed     bool
	}
	ExecUsageResult struct {
		CPUTimeMs uint64
		RSSBytes  uint64
	}
	ExecPingResult struct {
		RunningJobs  uint32
		OpenSessions uint32
	}
	ExecShutdownAck struct{}
	ExecError       struct {
		Code    string
		Message string
	}
)

func (HelloAck) execResponseTag() uint8        { return tagHelloAck }
func (ExecJobStarted) execResponseTag() uint8  { return tagExecJobStarted }
func (ExecJobState) execResponseTag() uint8    { return tagExecJobState }
func (ExecJobExited) execResponseTag() uint8   { return tagExecJobExited }
func (ExecPtyOpened) execResponseTag() uint8   { return tagExecPtyOpened }
func (ExecPtyAck) execResponseTag() uint8      { return tagExecPtyAck }
func (ExecPtyChunk) execResponseTag() uint8    { return tagExecPtyChunk }
func (ExecUsageResult) execResponseTag() uint8 { return tagExecUsageResult }
func (ExecPingResult) execResponseTag() uint8  { return tagExecPingResult }
func (ExecShutdownAck) execResponseTag() uint8 { return tagExecShutdownAck }
func (ExecError) execResponseTag() uint8       { return tagExecError }

// ExecRequest is the envelope sent worker manager -> executor.
type ExecRequest struct {
	ReqID string
	Body  ExecRequestBody
}

// ExecResponse is the envelope sent executor -> worker manager.
type ExecResponse struct {
	ReqID string
	Body  ExecResponseBody
}

// EncodeExecRequest renders req as a self-describing binary payload.
func EncodeExecRequest(req ExecRequest) []byte {
	w := wire.NewWriter()
	w.PutString(req.ReqID)
	w.PutUint8(req.Body.execRequestTag())
	switch b := req.Body.(type) {
	case Hello:
		w.PutString(b.Token)
		w.PutUint32(b.ProtocolVersion)
	case ExecRunJob:
		w.PutString(b.JobID)
		b.Command.encode(w)
		w.PutString(b.StdoutPath)
		w.PutString(b.StderrPath)
	case ExecJobStatus:
		w.PutString(b.JobID)
	case ExecJobSignal:
		w.PutString(b.JobID)
		w.PutBool(b.Force)
	case ExecPtyOpen:
		w.PutString(b.SessionID)
		b.Shell.encode(w)
		w.PutString(b.WorkDir)
	case ExecPtyInput:
		w.PutString(b.SessionID)
		w.PutBytes(b.Bytes)
	case ExecPtyRead:
		w.PutString(b.SessionID)
		w.PutUint64(b.Offset)
		w.PutUint32(b.MaxBytes)
		w.PutUint32(b.WaitMs)
	case ExecPtyResize:
		w.PutString(b.SessionID)
		w.PutUint32(uint32(b.Cols))
		w.PutUint32(uint32(b.Rows))
	case ExecPtyClose:
		w.PutString(b.SessionID)
	case ExecUsageProbe, ExecPing, ExecShutdown:
		// no fields
	default:
		panic(fmt.Sprintf("protocol: unknown exec request body type %T", req.Body))
	}
	return w.Bytes()
}

// DecodeExecRequest parses a payload produced by EncodeExecRequest.
func DecodeExecRequest(payload []byte) (ExecRequest, error) {
	r := wire.NewReader(payload)
	var req ExecRequest
	var err error
	if req.ReqID, err = r.GetString(); err != nil {
		return req, err
	}
	tag, err := r.GetUint8()
	if err != nil {
		return req, err
	}
	switch tag {
	case tagHello:
		token, err := r.GetString()
		if err != nil {
			return req, err
		}
		ver, err := r.GetUint32()
		req.Body = Hello{Token: token, ProtocolVersion: ver}
		return req, err
	case tagExecRunJob:
		var b ExecRunJob
		if b.JobID, err = r.GetString(); err != nil {
			return req, err
		}
		if b.Command, err = decodeCommandSpec(r); err != nil {
			return req, err
		}
		if b.StdoutPath, err = r.GetString(); err != nil {
			return req, err
		}
		if b.StderrPath, err = r.GetString(); err != nil {
			return req, err
		}
		req.Body = b
		return req, nil
	case tagExecJobStatus:
		id, err := r.GetString()
		req.Body = ExecJobStatus{JobID: id}
		return req, err
	case tagExecJobSignal:
		id, err := r.GetString()
		if err != nil {
			return req, err
		}
		force, err := r.GetBool()
		req.Body = ExecJobSignal{JobID: id, Force: force}
		return req, err
	case tagExecPtyOpen:
		var b ExecPtyOpen
		if b.SessionID, err = r.GetString(); err != nil {
			return req, err
		}
		if b.Shell, err = decodeShellSpec(r); err != nil {
			return req, err
		}
		if b.WorkDir, err = r.GetString(); err != nil {
			return req, err
		}
		req.Body = b
		return req, nil
	case tagExecPtyInput:
		id, err := r.GetString()
		if err != nil {
			return req, err
		}
		b, err := r.GetBytes()
		req.Body = ExecPtyInput{SessionID: id, Bytes: b}
		return req, err
	case tagExecPtyRead:
		var b ExecPtyRead
		if b.SessionID, err = r.GetString(); err != nil {
			return req, err
		}
		if b.Offset, err = r.GetUint64(); err != nil {
			return req, err
		}
		if b.MaxBytes, err = r.GetUint32(); err != nil {
			return req, err
		}
		if b.WaitMs, err = r.GetUint32(); err != nil {
			return req, err
		}
		req.Body = b
		return req, nil
	case tagExecPtyResize:
		id, err := r.GetString()
		if err != nil {
			return req, err
		}
		cols, err := r.GetUint32()
		if err != nil {
			return req, err
		}
		rows, err := r.GetUint32()
		req.Body = ExecPtyResize{SessionID: id, Cols: uint16(cols), Rows: uint16(rows)}
		return req, err
	case tagExecPtyClose:
		id, err := r.GetString()
		req.Body = ExecPtyClose{SessionID: id}
		return req, err
	case tagExecUsageProbe:
		req.Body = ExecUsageProbe{}
		return req, nil
	case tagExecPing:
		req.Body = ExecPing{}
		return req, nil
	case tagExecShutdown:
		req.Body = ExecShutdown{}
		return req, nil
	default:
		return req, fmt.Errorf("protocol: unknown exec request tag %d", tag)
	}
}

// EncodeExecResponse renders resp as a self-describing binary payload.
func EncodeExecResponse(resp ExecResponse) []byte {
	w := wire.NewWriter()
	w.PutString(resp.ReqID)
	w.PutUint8(resp.Body.execResponseTag())
	switch b := resp.Body.(type) {
	case HelloAck:
		w.PutUint32(b.ProtocolVersion)
	case ExecJobStarted:
		w.PutString(b.JobID)
	case ExecJobState:
		b.Job.encode(w)
	case ExecJobExited:
		b.Job.encode(w)
	case ExecPtyOpened:
		w.PutString(b.SessionID)
		w.PutUint32(uint32(b.Cols))
		w.PutUint32(uint32(b.Rows))
	case ExecPtyAck:
	case ExecPtyChunk:
		w.PutBytes(b.Bytes)
		w.PutUint64(b.NextOffset)
		w.PutBool(b.Closed)
	case ExecUsageResult:
		w.PutUint64(b.CPUTimeMs)
		w.PutUint64(b.RSSBytes)
	case ExecPingResult:
		w.PutUint32(b.RunningJobs)
		w.PutUint32(b.OpenSessions)
	case ExecShutdownAck:
	case ExecError:
		w.PutString(b.Code)
		w.PutString(b.Message)
	default:
		panic(fmt.Sprintf("protocol: unknown exec response body type %T", resp.Body))
	}
	return w.Bytes()
}

// DecodeExecResponse parses a payload produced by EncodeExecResponse.
func DecodeExecResponse(payload []byte) (ExecResponse, error) {
	r := wire.NewReader(payload)
	var resp ExecResponse
	var err error
	if resp.ReqID, err = r.GetString(); err != nil {
		return resp, err
	}
	tag, err := r.GetUint8()
	if err != nil {
		return resp, err
	}
	switch tag {
	case tagHelloAck:
		ver, err := r.GetUint32()
		resp.Body = HelloAck{ProtocolVersion: ver}
		return resp, err
	case tagExecJobStarted:
		id, err := r.GetString()
		resp.Body = ExecJobStarted{JobID: id}
		return resp, err
	case tagExecJobState:
		job, err := decodeJobInfo(r)
		resp.Body = ExecJobState{Job: job}
		return resp, err
	case tagExecJobExited:
		job, err := decodeJobInfo(r)
		resp.Body = ExecJobExited{Job: job}
		return resp, err
	case tagExecPtyOpened:
		id, err := r.GetString()
		if err != nil {
			return resp, err
		}
		cols, err := r.GetUint32()
		if err != nil {
			return resp, err
		}
		rows, err := r.GetUint32()
		resp.Body = ExecPtyOpened{SessionID: id, Cols: uint16(cols), Rows: uint16(rows)}
		return resp, err
	case tagExecPtyAck:
		resp.Body = ExecPtyAck{}
		return resp, nil
	case tagExecPtyChunk:
		var b ExecPtyChunk
		if b.Bytes, err = r.GetBytes(); err != nil {
			return resp, err
		}
		if b.NextOffset, err = r.GetUint64(); err != nil {
			return resp, err
		}
		if b.Closed, err = r.GetBool(); err != nil {
			return resp, err
		}
		resp.Body = b
		return resp, nil
	case tagExecUsageResult:
		cpu, err := r.GetUint64()
		if err != nil {
			return resp, err
		}
		rss, err := r.GetUint64()
		resp.Body = ExecUsageResult{CPUTimeMs: cpu, RSSBytes: rss}
		return resp, err
	case tagExecPingResult:
		running, err := r.GetUint32()
		if err != nil {
			return resp, err
		}
		open, err := r.GetUint32()
		resp.Body = ExecPingResult{RunningJobs: running, OpenSessions: open}
		return resp, err
	case tagExecShutdownAck:
		resp.Body = ExecShutdownAck{}
		return resp, nil
	case tagExecError:
		code, err := r.GetString()
		if err != nil {
			return resp, err
		}
		msg, err := r.GetString()
		resp.Body = ExecError{Code: code, Message: msg}
		return resp, err
	default:
		return resp, fmt.Errorf("protocol: unknown exec response tag %d", tag)
	}
}
