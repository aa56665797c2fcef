// Package wire implements the newline-delimited JSON framing used on the
// daemon socket, plus the envelope types and error kinds of the protocol.
//
// One frame is one JSON object followed by '\n'. Decoding failures are
// per-frame: an invalid line is discarded with a warning and the connection
// lives on. The only fatal framing condition is a frame above the
// configured byte cap, which drops the buffer and closes the connection.
package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrFrameTooLarge is returned when a frame exceeds the configured cap.
// Callers must close the connection.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Decoder reads frames from a stream.
type Decoder struct {
	sc       *bufio.Scanner
	maxBytes int
}

// NewDecoder wraps r with a line scanner capped at maxBytes per frame.
func NewDecoder(r io.Reader, maxBytes int) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxBytes)
	return &Decoder{sc: sc, maxBytes: maxBytes}
}

// Next returns the next valid JSON frame. Empty lines are skipped; invalid
// JSON lines are discarded with a warning. Returns io.EOF at end of stream
// and ErrFrameTooLarge when the line buffer overflows.
func (d *Decoder) Next() (json.RawMessage, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			slog.Warn("Discarding invalid JSON frame", "bytes", len(line))
			continue
		}
		// Scanner reuses its buffer; hand out a copy.
		frame := make(json.RawMessage, len(line))
		copy(frame, line)
		return frame, nil
	}
	if err := d.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}

// Encoder writes frames to a stream. It serializes concurrent writers, so
// one Encoder per connection is shared by reply and stream paths.
type Encoder struct {
	mu       sync.Mutex
	w        io.Writer
	conn     net.Conn // nil unless w is a net.Conn; enables write deadlines
	maxBytes int
}

// NewEncoder wraps w. maxBytes caps encoded frames; 0 means unlimited.
func NewEncoder(w io.Writer, maxBytes int) *Encoder {
	e := &Encoder{w: w, maxBytes: maxBytes}
	if c, ok := w.(net.Conn); ok {
		e.conn = c
	}
	return e
}

// Encode writes one frame. Failures are per-message and do not poison the
// encoder.
func (e *Encoder) Encode(v any) error {
	return e.encode(v, 0)
}

// EncodeTimeout writes one frame under a write deadline when the underlying
// writer is a net.Conn. A deadline hit surfaces as a timeout error; callers
// treat it as an undrainable peer.
func (e *Encoder) EncodeTimeout(v any, d time.Duration) error {
	return e.encode(v, d)
}

func (e *Encoder) encode(v any, timeout time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if e.maxBytes > 0 && len(data)+1 > e.maxBytes {
		return ErrFrameTooLarge
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if timeout > 0 && e.conn != nil {
		if err := e.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer e.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}
	_, err = e.w.Write(data)
	return err
}
