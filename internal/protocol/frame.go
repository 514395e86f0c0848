// ============================================================================
// SalesGrid Wire Protocol - Frame Codec
// ============================================================================
//
// Responsibility:
//   1. Encode messages as [4-byte big-endian length][JSON envelope]
//   2. Decode frames from a stream, rejecting oversized or truncated input
//   3. Keep each frame write atomic (single Write call) so concurrent
//      writers on one connection only need a mutex around WriteFrame
//
// ============================================================================

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame. A chunk response for a very wide
// key space stays far below this; anything larger indicates a corrupt or
// hostile stream.
const MaxFrameSize = 16 << 20 // 16 MiB

var (
	// ErrFrameTooLarge indicates a length prefix above MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrEmptyFrame indicates a zero-length frame, which is never valid.
	ErrEmptyFrame = errors.New("zero-length frame")
)

// WriteFrame marshals msg, wraps it in a typed envelope, and writes the
// length-prefixed frame in a single Write call.
func WriteFrame(w io.Writer, msgType MsgType, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", msgType, err)
	}

	body, err := json.Marshal(Envelope{Type: msgType, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", msgType, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns its envelope.
// io.EOF is returned unwrapped when the stream ends cleanly between
// frames; a stream cut mid-frame surfaces as io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}
