// Package cliclient is the thin typed layer the planter CLI builds on top
// of internal/ipc.Client: one method per request variant, plus the exit
// code policy that distinguishes daemon errors from transport errors.
package cliclient

import (
	"context"
	"errors"

	"github.com/ianremillard/planter/internal/ipc"
	"github.com/ianremillard/planter/internal/perr"
	"github.com/ianremillard/planter/internal/protocol"
)

// Client wraps an ipc.Client with one method per public request body.
type Client struct {
	*ipc.Client
}

// Dial returns a Client bound to socketPath. The connection is opened
// lazily on first Call.
func Dial(socketPath string) *Client {
	return &Client{Client: ipc.Dial(socketPath)}
}

func (c *Client) Version(ctx context.Context) (protocol.RVersion, error) {
	body, err := c.Call(ctx, protocol.Version{})
	if err != nil {
		return protocol.RVersion{}, err
	}
	return body.(protocol.RVersion), nil
}

func (c *Client) Health(ctx context.Context) (protocol.RHealth, error) {
	body, err := c.Call(ctx, protocol.Health{})
	if err != nil {
		return protocol.RHealth{}, err
	}
	return body.(protocol.RHealth), nil
}

func (c *Client) CellCreate(ctx context.Context, name string) (protocol.RCellCreated, error) {
	body, err := c.Call(ctx, protocol.CellCreate{Name: name})
	if err != nil {
		return protocol.RCellCreated{}, err
	}
	return body.(protocol.RCellCreated), nil
}

func (c *Client) CellRemove(ctx context.Context, cellID string, force bool) error {
	_, err := c.Call(ctx, protocol.CellRemove{CellID: cellID, Force: force})
	return err
}

func (c *Client) JobRun(ctx context.Context, cellID string, cmd protocol.CommandSpec) (protocol.RJobStarted, error) {
	body, err := c.Call(ctx, protocol.JobRun{CellID: cellID, Command: cmd})
	if err != nil {
		return protocol.RJobStarted{}, err
	}
	return body.(protocol.RJobStarted), nil
}

func (c *Client) JobStatus(ctx context.Context, jobID string) (protocol.RJobState, error) {
	body, err := c.Call(ctx, protocol.JobStatus{JobID: jobID})
	if err != nil {
		return protocol.RJobState{}, err
	}
	return body.(protocol.RJobState), nil
}

func (c *Client) JobKill(ctx context.Context, jobID string, force bool) (protocol.RJobKilled, error) {
	body, err := c.Call(ctx, protocol.JobKill{JobID: jobID, Force: force})
	if err != nil {
		return protocol.RJobKilled{}, err
	}
	return body.(protocol.RJobKilled), nil
}

func (c *Client) LogsRead(ctx context.Context, req protocol.LogsRead) (protocol.RLogsChunk, error) {
	body, err := c.Call(ctx, req)
	if err != nil {
		return protocol.RLogsChunk{}, err
	}
	return body.(protocol.RLogsChunk), nil
}

func (c *Client) PtyOpen(ctx context.Context, shell protocol.ShellSpec) (protocol.RPtyOpened, error) {
	body, err := c.Call(ctx, protocol.PtyOpen{Shell: shell})
	if err != nil {
		return protocol.RPtyOpened{}, err
	}
	return body.(protocol.RPtyOpened), nil
}

func (c *Client) PtyInput(ctx context.Context, sessionID string, b []byte) error {
	_, err := c.Call(ctx, protocol.PtyInput{SessionID: sessionID, Bytes: b})
	return err
}

func (c *Client) PtyRead(ctx context.Context, req protocol.PtyRead) (protocol.RPtyChunk, error) {
	body, err := c.Call(ctx, req)
	if err != nil {
		return protocol.RPtyChunk{}, err
	}
	return body.(protocol.RPtyChunk), nil
}

func (c *Client) PtyResize(ctx context.Context, sessionID string, cols, rows uint16) error {
	_, err := c.Call(ctx, protocol.PtyResize{SessionID: sessionID, Cols: cols, Rows: rows})
	return err
}

func (c *Client) PtyClose(ctx context.Context, sessionID string) error {
	_, err := c.Call(ctx, protocol.PtyClose{SessionID: sessionID})
	return err
}

// ExitCode maps an error returned from a Client call to the process exit
// code policy: 0 success, 1 daemon-reported error, 2 transport error, 64
// usage error (the last assigned by the caller, not here, since usage
// errors never reach the client).
//
// A transport failure (dial/timeout/connection-lost) always carries its
// underlying cause; a daemon-reported RError never does (Call unwraps it
// via perr.New with no Cause). That distinction, not the Kind, is what
// separates "couldn't reach the daemon" from "daemon rejected the
// request".
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var pe *perr.Error
	if errors.As(err, &pe) && pe.Cause != nil {
		return 2
	}
	return 1
}
