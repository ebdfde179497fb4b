package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Capture format: line-oriented text.
//
// - Blank lines and lines starting with '#' are ignored.
// - "START" resets the origin (next record time is relative to 0 again).
// - Data lines are: <t_ns>,<quoted line>
//   where t_ns is nanoseconds since START and the serial line is Go-quoted.
//
// A file whose first record is not START is treated as a plain capture: every
// line is one serial line with no timing.

type Record struct {
	At    time.Duration
	Line  string
	Start bool
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	timed := false
	first := true
	for s.Scan() {
		raw := s.Text()
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if first {
			first = false
			timed = line == "START"
		}
		if !timed {
			recs = append(recs, Record{Line: line})
			continue
		}
		if line == "START" {
			recs = append(recs, Record{Start: true})
			continue
		}

		comma := strings.IndexByte(line, ',')
		if comma < 0 {
			return nil, fmt.Errorf("invalid capture line (missing comma): %q", line)
		}
		tsStr := strings.TrimSpace(line[:comma])
		body := strings.TrimSpace(line[comma+1:])

		tsNs, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid capture timestamp %q: %w", tsStr, err)
		}
		if tsNs < 0 {
			return nil, fmt.Errorf("invalid capture timestamp (negative): %d", tsNs)
		}
		text, err := strconv.Unquote(body)
		if err != nil {
			return nil, fmt.Errorf("invalid capture payload %q: %w", body, err)
		}
		recs = append(recs, Record{At: time.Duration(tsNs), Line: text})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// Writer records raw serial lines with their arrival offsets.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

// CreateWriter opens path for appending and starts a new segment, so a
// gateway restart adds to the same capture instead of truncating it.
func CreateWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	start := time.Now()
	if _, err := fmt.Fprintf(bw, "# airguard-gateway capture %s\nSTART\n", start.UTC().Format(time.RFC3339)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: start}, nil
}

func (ww *Writer) WriteLine(now time.Time, line string) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("capture writer is closed")
	}
	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	_, err := fmt.Fprintf(ww.w, "%d,%s\n", d.Nanoseconds(), strconv.Quote(line))
	return err
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Source replays captured lines as a line source. NextLine returns io.EOF
// after the last record.
//
// speed: 1.0 = real time, 2.0 = twice as fast, 0 = no waiting at all.
type Source struct {
	recs    []Record
	speed   float64
	sleeper Sleeper

	i        int
	origin   time.Duration
	lastAt   time.Duration
	haveLast bool
}

func NewSource(recs []Record, speed float64, sleeper Sleeper) (*Source, error) {
	if speed < 0 {
		return nil, fmt.Errorf("speed must be >= 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	return &Source{recs: recs, speed: speed, sleeper: sleeper}, nil
}

// OpenSource reads a capture file into a Source.
func OpenSource(path string, speed float64) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read capture %s: %w", path, err)
	}
	return NewSource(recs, speed, nil)
}

func (s *Source) NextLine(ctx context.Context) (string, error) {
	for s.i < len(s.recs) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		r := s.recs[s.i]
		s.i++

		if r.Start {
			s.origin = r.At
			s.lastAt = 0
			s.haveLast = false
			continue
		}

		at := r.At - s.origin
		if at < 0 {
			at = 0
		}
		if s.haveLast && s.speed > 0 {
			wait := at - s.lastAt
			if wait > 0 {
				if err := s.sleeper.Sleep(ctx, time.Duration(float64(wait)/s.speed)); err != nil {
					return "", err
				}
			}
		}
		s.lastAt = at
		s.haveLast = true

		if line := strings.TrimSpace(r.Line); line != "" {
			return line, nil
		}
	}
	return "", io.EOF
}

func (s *Source) Close() error { return nil }
