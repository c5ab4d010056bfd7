package cliclient

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/ianremillard/planter/internal/protocol"
)

// detachByte is the escape sequence that ends an attached session (Ctrl-]),
// the conventional terminal detach escape.
const detachByte = 0x1D

// readPollInterval bounds how long each PtyRead long-poll waits for new
// output before the read loop checks for detach/shutdown again.
const readPollInterval = 200 * time.Millisecond

// Attach puts the controlling terminal into raw mode and pumps bytes
// between stdio and the PTY session sessionID until the user detaches
// (Ctrl-]) or the session closes. It opens its own second connection to
// the daemon so polling PtyRead never blocks PtyInput or window resizes
// behind it.
func Attach(ctx context.Context, socketPath, sessionID string, cols, rows uint16) error {
	input := Dial(socketPath)
	defer input.Close()
	reader := Dial(socketPath)
	defer reader.Close()

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("cliclient: set raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	fmt.Fprintf(os.Stdout, "\r\n[planter] attached to %s (detach: Ctrl-])\r\n", sessionID)

	done := make(chan struct{}, 1)
	signalDone := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	// Forward stdin to PtyInput, watching for the detach byte.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				for i := 0; i < n; i++ {
					if buf[i] == detachByte {
						input.PtyClose(ctx, sessionID)
						signalDone()
						return
					}
				}
				if ierr := input.PtyInput(ctx, sessionID, append([]byte(nil), buf[:n]...)); ierr != nil {
					signalDone()
					return
				}
			}
			if err != nil {
				signalDone()
				return
			}
		}
	}()

	// Forward SIGWINCH as PtyResize.
	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)
	go func() {
		for range winchCh {
			if c, r, err := term.GetSize(fd); err == nil {
				input.PtyResize(ctx, sessionID, uint16(c), uint16(r))
			}
		}
	}()
	if cols > 0 && rows > 0 {
		input.PtyResize(ctx, sessionID, cols, rows)
	}

	// Long-poll PtyRead, writing bytes straight to stdout.
	go func() {
		var offset uint64
		for {
			select {
			case <-done:
				return
			default:
			}
			chunk, err := reader.PtyRead(ctx, protocol.PtyRead{
				SessionID: sessionID,
				Offset:    offset,
				MaxBytes:  65536,
				WaitMs:    uint32(readPollInterval.Milliseconds()),
			})
			if err != nil {
				signalDone()
				return
			}
			if len(chunk.Bytes) > 0 {
				os.Stdout.Write(chunk.Bytes)
			}
			offset = chunk.NextOffset
			if chunk.Closed {
				signalDone()
				return
			}
		}
	}()

	<-done
	fmt.Fprintf(os.Stdout, "\n[planter] detached from %s\n", sessionID)
	return nil
}
