package ipc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/planter/internal/perr"
	"github.com/ianremillard/planter/internal/protocol"
)

func startEchoServer(t *testing.T, handler Handler) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "planter.sock")
	srv, err := Listen(sockPath)
	require.NoError(t, err)
	go srv.Serve(handler)
	t.Cleanup(func() { srv.Close() })
	return sockPath
}

func TestClientServerVersionRoundTrip(t *testing.T) {
	sockPath := startEchoServer(t, func(req protocol.Request) protocol.ResponseBody {
		_, ok := req.Body.(protocol.Version)
		require.True(t, ok)
		return protocol.RVersion{Daemon: "planter-test", Protocol: protocol.CurrentProtocolVersion}
	})

	client := Dial(sockPath)
	defer client.Close()

	resp, err := client.Call(context.Background(), protocol.Version{})
	require.NoError(t, err)
	rv, ok := resp.(protocol.RVersion)
	require.True(t, ok)
	assert.Equal(t, "planter-test", rv.Daemon)
}

func TestClientReusesConnectionAcrossCalls(t *testing.T) {
	var calls int
	sockPath := startEchoServer(t, func(req protocol.Request) protocol.ResponseBody {
		calls++
		return protocol.RHealth{OK: true}
	})

	client := Dial(sockPath)
	defer client.Close()

	var firstConn net.Conn
	for i := 0; i < 3; i++ {
		_, err := client.Call(context.Background(), protocol.Health{})
		require.NoError(t, err)
		if i == 0 {
			firstConn = client.conn
		}
	}
	assert.Equal(t, 3, calls)
	assert.Same(t, firstConn, client.conn)
}

func TestServerRelaysHandlerErrorKindAndMessage(t *testing.T) {
	sockPath := startEchoServer(t, func(req protocol.Request) protocol.ResponseBody {
		return protocol.RError{Code: perr.NotFound.String(), Message: "no such job"}
	})

	client := Dial(sockPath)
	defer client.Close()

	_, err := client.Call(context.Background(), protocol.JobStatus{JobID: "missing"})
	require.Error(t, err)
	assert.Equal(t, perr.NotFound, perr.KindOf(err))
	assert.Equal(t, "no such job", perr.MessageOf(err))
}

func TestClientCallTimeoutClassifiesAsTimeout(t *testing.T) {
	sockPath := startEchoServer(t, func(req protocol.Request) protocol.ResponseBody {
		time.Sleep(50 * time.Millisecond)
		return protocol.RHealth{OK: true}
	})

	client := Dial(sockPath)
	client.SetTimeout(1 * time.Millisecond)
	defer client.Close()

	_, err := client.Call(context.Background(), protocol.Health{})
	require.Error(t, err)
	assert.Equal(t, perr.Timeout, perr.KindOf(err))
}

func TestMultipleConnectionsServedConcurrently(t *testing.T) {
	sockPath := startEchoServer(t, func(req protocol.Request) protocol.ResponseBody {
		return protocol.RHealth{OK: true}
	})

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			c := Dial(sockPath)
			defer c.Close()
			_, err := c.Call(context.Background(), protocol.Health{})
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
}
