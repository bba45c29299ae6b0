// Package framing turns a raw duplex byte stream into discrete JSON-RPC
// message payloads and back. Messages are newline-delimited UTF-8 JSON
// documents. The framer never inspects message contents; codec-level
// validation happens upstream.
package framing

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrFraming indicates a malformed message boundary, such as an unterminated
// message at stream end or a message exceeding the size limit. Messages framed
// before the fault are unaffected.
var ErrFraming = errors.New("framing error")

// DefaultMaxMessageSize bounds a single framed message. Large enough for any
// reasonable tool payload while keeping a misbehaving peer from ballooning
// memory.
const DefaultMaxMessageSize = 16 << 20

// Reader frames inbound messages from a byte stream.
type Reader struct {
	br  *bufio.Reader
	max int
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithMaxMessageSize overrides the per-message size limit.
func WithMaxMessageSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.max = n
		}
	}
}

// NewReader wraps r for message framing.
func NewReader(r io.Reader, opts ...ReaderOption) *Reader {
	fr := &Reader{br: bufio.NewReader(r), max: DefaultMaxMessageSize}
	for _, opt := range opts {
		if opt != nil {
			opt(fr)
		}
	}
	return fr
}

// ReadMessage returns the next complete message, blocking until one is
// available. It returns io.EOF on a clean end of stream at a message boundary,
// and ErrFraming when the stream ends mid-message or a message exceeds the
// size limit. Empty lines are skipped.
func (r *Reader) ReadMessage() ([]byte, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > r.max {
			return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrFraming, r.max)
		}
		if err == nil {
			return buf, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			if len(bytes.TrimSpace(buf)) > 0 {
				return nil, fmt.Errorf("%w: unterminated message at stream end", ErrFraming)
			}
			return nil, io.EOF
		}
		return nil, err
	}
}

// Writer frames outbound messages onto a byte stream. It is safe for
// concurrent use: concurrently dispatched responses and notifications share
// one stream, and interleaved partial writes would corrupt the framing.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter wraps w for message framing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteMessage writes one message followed by the frame delimiter and flushes.
// The payload must not contain a raw newline; encoded JSON never does.
func (w *Writer) WriteMessage(msg []byte) error {
	if bytes.IndexByte(msg, '\n') >= 0 {
		return fmt.Errorf("%w: payload contains delimiter", ErrFraming)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write delimiter: %w", err)
	}
	return w.w.Flush()
}
