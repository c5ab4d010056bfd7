package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ianremillard/planter/internal/ids"
	"github.com/ianremillard/planter/internal/perr"
	"github.com/ianremillard/planter/internal/protocol"
	"github.com/ianremillard/planter/internal/wire"
)

// DefaultTimeout is the overall per-request timeout applied when the caller
// supplies no deadline.
const DefaultTimeout = 5 * time.Second

// Client is a single-in-flight-request-per-connection client.
// It lazily dials on first use and keeps the connection open across calls;
// any transport error closes it so the next call redials.
type Client struct {
	path    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// Dial returns a Client bound to the Unix-domain socket at path. The socket
// is not actually connected until the first Call.
func Dial(path string) *Client {
	return &Client{path: path, timeout: DefaultTimeout}
}

// SetTimeout overrides the default per-request timeout.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) ensureConnLocked() (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.Dial("unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", c.path, err)
	}
	c.conn = conn
	return conn, nil
}

// Call sends body as a new request and waits for the matching response,
// failing with perr.Timeout if ctx or the client's default timeout elapses
// first. On any transport error the connection is closed so the next Call
// redials: on timeout the client closes the connection and fails with
// Timeout.
func (c *Client) Call(ctx context.Context, body protocol.RequestBody) (protocol.ResponseBody, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.ensureConnLocked()
	if err != nil {
		return nil, perr.Wrap(perr.Unavailable, err, "connect to daemon")
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		c.closeLocked()
		return nil, perr.Wrap(perr.Internal, err, "set deadline")
	}

	reqID := string(ids.NewRequestId())
	payload := protocol.EncodeRequest(protocol.Request{
		ReqID:           reqID,
		ProtocolVersion: protocol.CurrentProtocolVersion,
		Body:            body,
	})

	if err := wire.WriteFrame(conn, payload); err != nil {
		c.closeLocked()
		return nil, classifyTransportErr(err)
	}

	respPayload, err := wire.ReadFrame(conn)
	if err != nil {
		c.closeLocked()
		return nil, classifyTransportErr(err)
	}

	resp, err := protocol.DecodeResponse(respPayload)
	if err != nil {
		c.closeLocked()
		return nil, perr.Wrap(perr.Internal, err, "decode response")
	}
	if resp.ReqID != reqID {
		c.closeLocked()
		return nil, perr.New(perr.Internal, "response req_id mismatch")
	}
	if re, ok := resp.Body.(protocol.RError); ok {
		return nil, perr.New(perr.ParseKind(re.Code), "%s", re.Message)
	}
	return resp.Body, nil
}

func classifyTransportErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return perr.Wrap(perr.Timeout, err, "request timed out")
	}
	return perr.Wrap(perr.Unavailable, err, "daemon connection lost")
}
