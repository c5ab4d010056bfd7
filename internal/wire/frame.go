// Package wire implements the length-delimited frame codec: a 4-byte
// unsigned big-endian length prefix followed by N payload bytes, N bounded
// by MaxFrameSize.
//
// This is the same [4]length [payload] shape as a typical client-server
// control-message framing, generalized here to frame every request and
// response instead of just a narrower set of control messages, and
// extracted into its own package so the frame codec and the protocol model
// it carries (internal/protocol) are independently testable.
// §2's component split.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the hard cap on an encoded frame's payload length.
const MaxFrameSize = 8 << 20 // 8 MiB

// ErrFrameTooLarge is returned when a frame's declared length exceeds
// MaxFrameSize. The caller must close the connection.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// ErrUnexpectedEOF is returned when the length prefix or body is truncated.
var ErrUnexpectedEOF = errors.New("wire: unexpected eof")

// WriteFrame writes payload as a single length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads a single length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrUnexpectedEOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr)
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
