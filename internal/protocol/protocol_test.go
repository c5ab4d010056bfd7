package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []RequestBody{
		Version{},
		Health{},
		CellCreate{Name: "demo"},
		CellRemove{CellID: "cell-1", Force: true},
		JobRun{CellID: "cell-1", Command: CommandSpec{
			Argv:    []string{"/bin/sh", "-c", "echo hello"},
			Env:     []string{"FOO=bar"},
			WorkDir: "/tmp/work",
		}},
		JobStatus{JobID: "job-1"},
		JobKill{JobID: "job-1", Force: false},
		LogsRead{JobID: "job-1", Stream: "stdout", Offset: 6, MaxBytes: 4096, Follow: true, WaitMs: 500},
		PtyOpen{Shell: ShellSpec{Program: "/bin/sh", Args: nil, Cols: 80, Rows: 24}},
		PtyInput{SessionID: "sess-1", Bytes: []byte("echo x\n")},
		PtyRead{SessionID: "sess-1", Offset: 0, MaxBytes: 4096, WaitMs: 500},
		PtyResize{SessionID: "sess-1", Cols: 100, Rows: 40},
		PtyClose{SessionID: "sess-1"},
	}

	for _, body := range cases {
		req := Request{ReqID: "r1", ProtocolVersion: CurrentProtocolVersion, Body: body}
		payload := EncodeRequest(req)
		got, err := DecodeRequest(payload)
		require.NoError(t, err)
		assert.Equal(t, req, got)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []ResponseBody{
		RVersion{Daemon: "planterd 0.1.0", Protocol: 2},
		RHealth{OK: true},
		RCellCreated{CellID: "cell-1"},
		RCellRemoved{},
		RJobStarted{JobID: "job-1"},
		RJobState{Job: JobInfo{
			ID: "job-1", CellID: "cell-1", CommandSummary: "echo hello",
			State: "Exited", HasExitCode: true, ExitCode: 0,
			TerminationReason: "", CreatedAt: 10, StartedAt: 11, EndedAt: 12,
		}},
		RJobKilled{Job: JobInfo{ID: "job-1", State: "Killed", TerminationReason: "user_requested"}},
		RLogsChunk{Bytes: []byte("hello\n"), NextOffset: 6, EOF: true},
		RPtyOpened{SessionID: "sess-1", Cols: 80, Rows: 24},
		RPtyAck{},
		RPtyChunk{Bytes: []byte("x"), NextOffset: 1, Closed: false},
		RError{Code: "Conflict", Message: "cell has a running job"},
	}

	for _, body := range cases {
		resp := Response{ReqID: "r1", Body: body}
		payload := EncodeResponse(resp)
		got, err := DecodeResponse(payload)
		require.NoError(t, err)
		assert.Equal(t, resp, got)
	}
}

func TestExecRequestRoundTrip(t *testing.T) {
	cases := []ExecRequestBody{
		Hello{Token: "t0k3n", ProtocolVersion: 2},
		ExecRunJob{JobID: "job-1", Command: CommandSpec{Argv: []string{"sh"}}, StdoutPath: "/a/stdout", StderrPath: "/a/stderr"},
		ExecJobStatus{JobID: "job-1"},
		ExecJobSignal{JobID: "job-1", Force: true},
		ExecPtyOpen{SessionID: "sess-1", Shell: ShellSpec{Program: "/bin/sh", Cols: 80, Rows: 24}, WorkDir: "/tmp"},
		ExecPtyInput{SessionID: "sess-1", Bytes: []byte("hi")},
		ExecPtyRead{SessionID: "sess-1", Offset: 1, MaxBytes: 10, WaitMs: 100},
		ExecPtyResize{SessionID: "sess-1", Cols: 1, Rows: 2},
		ExecPtyClose{SessionID: "sess-1"},
		ExecUsageProbe{},
		ExecPing{},
		ExecShutdown{},
	}
	for _, body := range cases {
		req := ExecRequest{ReqID: "x1", Body: body}
		payload := EncodeExecRequest(req)
		got, err := DecodeExecRequest(payload)
		require.NoError(t, err)
		assert.Equal(t, req, got)
	}
}

func TestExecResponseRoundTrip(t *testing.T) {
	cases := []ExecResponseBody{
		HelloAck{ProtocolVersion: 2},
		ExecJobStarted{JobID: "job-1"},
		ExecJobState{Job: JobInfo{ID: "job-1", State: "Running"}},
		ExecJobExited{Job: JobInfo{ID: "job-1", State: "Exited", HasExitCode: true}},
		ExecPtyOpened{SessionID: "sess-1", Cols: 80, Rows: 24},
		ExecPtyAck{},
		ExecPtyChunk{Bytes: []byte("x"), NextOffset: 1, Closed: true},
		ExecUsageResult{CPUTimeMs: 10, RSSBytes: 2048},
		ExecPingResult{RunningJobs: 1, OpenSessions: 2},
		ExecShutdownAck{},
		ExecError{Code: "Internal", Message: "boom"},
	}
	for _, body := range cases {
		resp := ExecResponse{ReqID: "x1", Body: body}
		payload := EncodeExecResponse(resp)
		got, err := DecodeExecResponse(payload)
		require.NoError(t, err)
		assert.Equal(t, resp, got)
	}
}
