package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"airguard-gateway/internal/errs"
)

// ErrTimeout is returned by NextLine when no complete line arrived within
// the read timeout. It is not a failure; callers loop.
var ErrTimeout = errors.New("serial: read timeout")

// Port is the subset of *os.File the reader needs.
type Port interface {
	io.ReadCloser
	SetReadDeadline(t time.Time) error
}

type ReaderConfig struct {
	// ReadTimeout bounds a single NextLine call. Defaults to 1s.
	ReadTimeout time.Duration
	// MaxLineBytes caps an unterminated line; longer input is discarded.
	// Defaults to 64 KiB.
	MaxLineBytes int
}

// Reader yields trimmed text lines from a serial port.
//
// Invalid UTF-8 sequences are dropped. Blank lines are skipped. Reader has
// no knowledge of packet formats.
type Reader struct {
	port    Port
	cfg     ReaderConfig
	pending []byte
	chunk   []byte
}

func NewReader(port Port, cfg ReaderConfig) *Reader {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 1 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 64 * 1024
	}
	return &Reader{
		port:  port,
		cfg:   cfg,
		chunk: make([]byte, 4096),
	}
}

// NextLine returns the next non-blank line, ErrTimeout, or a Transport error.
// A closed or disconnected device is always a Transport error.
func (r *Reader) NextLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	deadline := time.Now().Add(r.cfg.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := r.port.SetReadDeadline(deadline); err != nil {
		return "", errs.New(errs.Transport, "serial", "set_deadline", err)
	}

	for {
		if line, ok := r.popLine(); ok {
			if line == "" {
				continue
			}
			return line, nil
		}

		n, err := r.port.Read(r.chunk)
		if n > 0 {
			r.pending = append(r.pending, r.chunk[:n]...)
			if len(r.pending) > r.cfg.MaxLineBytes && bytes.IndexByte(r.pending, '\n') < 0 {
				r.pending = r.pending[:0]
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// Complete lines that arrived together with the timeout are
				// still delivered on the next iteration.
				if bytes.IndexByte(r.pending, '\n') >= 0 {
					continue
				}
				return "", ErrTimeout
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return "", errs.New(errs.Transport, "serial", "read", err)
		}
	}
}

func (r *Reader) Close() error {
	return r.port.Close()
}

func (r *Reader) popLine() (string, bool) {
	i := bytes.IndexByte(r.pending, '\n')
	if i < 0 {
		return "", false
	}
	raw := r.pending[:i]
	line := strings.TrimSpace(strings.ToValidUTF8(string(raw), ""))
	r.pending = append(r.pending[:0], r.pending[i+1:]...)
	return line, true
}
