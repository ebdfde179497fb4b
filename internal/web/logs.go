package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultTail = 200
	maxTail     = 5000
)

// LogBuffer keeps the most recent gateway log lines in memory. It is an
// io.Writer so it can sit behind the slog handler next to stderr.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{max: maxLines}
}

// Write splits p on newlines. A trailing fragment is held until the rest
// of its line arrives.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := p
	if len(b.partial) > 0 {
		data = append(b.partial, p...)
		b.partial = nil
	}
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.push(string(data[:i]))
		data = data[i+1:]
	}
	if len(data) > 0 {
		b.partial = append([]byte(nil), data...)
	}
	return len(p), nil
}

func (b *LogBuffer) push(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	b.lines = append(b.lines, line)
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = b.lines[over:]
		b.dropped += uint64(over)
	}
}

type LogsResponse struct {
	NowUTC   string   `json:"now_utc"`
	MinLevel string   `json:"min_level,omitempty"`
	Dropped  uint64   `json:"dropped"`
	Lines    []string `json:"lines"`
}

// Snapshot returns up to tail of the newest lines, oldest first.
func (b *LogBuffer) Snapshot(tail int) (lines []string, dropped uint64) {
	return b.Filter(slog.LevelDebug, tail)
}

// Filter is Snapshot restricted to lines logged at minLevel or above. Lines with
// no recognizable level are kept.
func (b *LogBuffer) Filter(minLevel slog.Level, tail int) (lines []string, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tail <= 0 {
		tail = defaultTail
	}
	for i := len(b.lines) - 1; i >= 0 && len(lines) < tail; i-- {
		if lvl, ok := lineLevel(b.lines[i]); ok && lvl < minLevel {
			continue
		}
		lines = append(lines, b.lines[i])
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, b.dropped
}

// lineLevel finds the level in a slog text (level=WARN) or JSON
// ("level":"WARN") record.
func lineLevel(line string) (slog.Level, bool) {
	var rest string
	if i := strings.Index(line, "level="); i >= 0 {
		rest = line[i+len("level="):]
	} else if i := strings.Index(line, `"level":"`); i >= 0 {
		rest = line[i+len(`"level":"`):]
	} else {
		return 0, false
	}
	end := strings.IndexAny(rest, " \"")
	if end >= 0 {
		rest = rest[:end]
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(rest)); err != nil {
		return 0, false
	}
	return lvl, true
}

// Handler serves the buffer as JSON, or as plain text with format=text.
// Query parameters: tail (1..5000) and level (debug, info, warn, error).
func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		q := r.URL.Query()

		tail := defaultTail
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > maxTail {
				http.Error(w, fmt.Sprintf("tail must be an integer in [1,%d]", maxTail), http.StatusBadRequest)
				return
			}
			tail = v
		}
		minLevel := slog.LevelDebug
		levelName := strings.TrimSpace(q.Get("level"))
		if levelName != "" {
			if err := minLevel.UnmarshalText([]byte(levelName)); err != nil {
				http.Error(w, "level must be one of debug, info, warn, error", http.StatusBadRequest)
				return
			}
		}
		lines, dropped := b.Filter(minLevel, tail)

		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, line := range lines {
				_, _ = fmt.Fprintln(w, line)
			}
			return
		}

		resp := LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		}
		if levelName != "" {
			resp.MinLevel = minLevel.String()
		}
		if resp.Lines == nil {
			resp.Lines = []string{}
		}
		writeJSON(w, resp)
	})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}
