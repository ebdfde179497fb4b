package web

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"airguard-gateway/internal/broker"
	"airguard-gateway/internal/cloud"
	"airguard-gateway/internal/gateway"
)

// Sources are the read-only views the status endpoint reports. Any of them
// may be nil.
type Sources struct {
	Pipeline func() gateway.Stats
	Broker   func() broker.Snapshot
	Cloud    func() cloud.Stats
	Stored   func(ctx context.Context) (int64, error)
}

type Status struct {
	startUnixNano int64
	input         atomic.Value // string
	src           Sources
}

func NewStatus(src Sources) *Status {
	s := &Status{src: src}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.input.Store("")
	return s
}

// SetInput records where lines come from (device path or replay file).
func (s *Status) SetInput(desc string) {
	s.input.Store(desc)
}

type BuildInfo struct {
	GoVersion string `json:"go_version"`
	Version   string `json:"version,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
}

type StatusSnapshot struct {
	Service    string           `json:"service"`
	NowUTC     string           `json:"now_utc"`
	UptimeSec  int64            `json:"uptime_sec"`
	Input      string           `json:"input"`
	Pipeline   *gateway.Stats   `json:"pipeline,omitempty"`
	Broker     *broker.Snapshot `json:"broker,omitempty"`
	Cloud      *cloud.Stats     `json:"cloud,omitempty"`
	StoredRows *int64           `json:"stored_rows,omitempty"`
	StoreError string           `json:"store_error,omitempty"`
	Build      BuildInfo        `json:"build"`
}

func (s *Status) Snapshot(ctx context.Context, nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   "airguard-gateway",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Input:     s.input.Load().(string),
		Build:     readBuildInfo(),
	}
	if s.src.Pipeline != nil {
		st := s.src.Pipeline()
		snap.Pipeline = &st
	}
	if s.src.Broker != nil {
		b := s.src.Broker()
		snap.Broker = &b
	}
	if s.src.Cloud != nil {
		c := s.src.Cloud()
		snap.Cloud = &c
	}
	if s.src.Stored != nil {
		n, err := s.src.Stored(ctx)
		if err != nil {
			snap.StoreError = err.Error()
		} else {
			snap.StoredRows = &n
		}
	}
	return snap
}

func readBuildInfo() BuildInfo {
	out := BuildInfo{GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return out
	}
	out.Version = bi.Main.Version
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.modified":
			out.Dirty = s.Value == "true"
		}
	}
	return out
}
