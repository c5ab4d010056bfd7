// planter-executor is the sandboxed per-cell worker process spawned by
// planterd's worker manager. It is never invoked directly by a user; the
// daemon passes its control socket as fd 3 and its handshake token and
// protocol version via the environment.
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"

	"github.com/ianremillard/planter/internal/executor"
)

func main() {
	token := os.Getenv("PLANTER_TOKEN")
	if token == "" {
		log.Fatal("planter-executor: PLANTER_TOKEN not set")
	}
	version, err := strconv.ParseUint(os.Getenv("PLANTER_PROTOCOL_VERSION"), 10, 32)
	if err != nil {
		log.Fatalf("planter-executor: bad PLANTER_PROTOCOL_VERSION: %v", err)
	}

	fdStr := os.Getenv("PLANTER_SOCKET_FD")
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		log.Fatalf("planter-executor: bad PLANTER_SOCKET_FD: %v", err)
	}

	f := os.NewFile(uintptr(fd), "planter-control")
	conn, err := net.FileConn(f)
	if err != nil {
		log.Fatalf("planter-executor: wrap control socket: %v", err)
	}
	f.Close()

	rt := executor.New(conn)
	if err := rt.Handshake(token, uint32(version)); err != nil {
		fmt.Fprintf(os.Stderr, "planter-executor: handshake failed: %v\n", err)
		os.Exit(1)
	}
	rt.Serve()
}
