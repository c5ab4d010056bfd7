// Package ipc implements the Unix-domain socket transport: a listener
// that frames/dispatches/responds per connection, and a client with
// single-in-flight request/response correlation and a timeout.
//
// The server loop is accept, read, decode, dispatch, respond, generalized
// from "one JSON line per connection" to "frames in request order,
// connection stays open for follow-on requests": the listener reads one
// request frame, dispatches it, writes one response frame, and proceeds
// to the next.
package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/ianremillard/planter/internal/logging"
	"github.com/ianremillard/planter/internal/perr"
	"github.com/ianremillard/planter/internal/protocol"
	"github.com/ianremillard/planter/internal/wire"
)

// Handler dispatches a decoded request to daemon logic and returns the
// response body to send back.
type Handler func(req protocol.Request) protocol.ResponseBody

// Server owns the Unix-domain listener.
type Server struct {
	ln  net.Listener
	log *logging.Logger
}

// Listen creates (or replaces) the Unix-domain socket at path.
//
// On startup the daemon removes the path only if it names an existing
// socket; otherwise startup fails. Socket mode is 0600.
func Listen(path string) (*Server, error) {
	if fi, err := os.Stat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("ipc: %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("ipc: remove stale socket: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("ipc: stat socket path: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: chmod socket: %w", err)
	}

	return &Server{ln: ln, log: logging.New("ipc")}, nil
}

// Addr returns the listener's socket path.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close closes the listener, unblocking Serve.
func (s *Server) Close() error { return s.ln.Close() }

// Serve accepts connections until the listener is closed, dispatching each
// decoded request to handler.
func (s *Server) Serve(handler Handler) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn, handler)
	}
}

func (s *Server) handleConn(conn net.Conn, handler Handler) {
	defer conn.Close()

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, wire.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
				s.log.Printf("read frame: %v", err)
			}
			return
		}
		req, decodeErr := protocol.DecodeRequest(payload)

		var reqID string
		var respBody protocol.ResponseBody
		switch {
		case decodeErr == nil:
			reqID = req.ReqID
			respBody = handler(req)
		case req.ReqID != "":
			// req_id decoded but a later field was malformed: still
			// correlate the error response to it.
			reqID = req.ReqID
			respBody = protocol.RError{Code: perr.BadRequest.String(), Message: decodeErr.Error()}
		default:
			// req_id itself could not be recovered: close the connection.
			return
		}

		respPayload := protocol.EncodeResponse(protocol.Response{ReqID: reqID, Body: respBody})
		if err := wire.WriteFrame(conn, respPayload); err != nil {
			return
		}
	}
}
