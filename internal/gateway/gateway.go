package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"airguard-gateway/internal/errs"
	"airguard-gateway/internal/framer"
	"airguard-gateway/internal/metrics"
	"airguard-gateway/internal/normalize"
	"airguard-gateway/internal/packet"
	"airguard-gateway/internal/serial"
	"airguard-gateway/internal/sink"
)

// LineSource yields text lines. NextLine returns serial.ErrTimeout when no
// line arrived in time, io.EOF when a finite source is exhausted, and a
// Transport error when the link failed.
type LineSource interface {
	NextLine(ctx context.Context) (string, error)
	Close() error
}

// Opener opens a fresh LineSource. Transport errors are retried after the
// reopen delay; any other error stops Run.
type Opener func(ctx context.Context) (LineSource, error)

// LineRecorder receives every raw line before framing. A recorder that also
// implements Flush() error is flushed at every packet boundary and whenever
// the link goes quiet.
type LineRecorder interface {
	WriteLine(now time.Time, line string) error
}

type flusher interface {
	Flush() error
}

// Config wires a Gateway to its line source and sinks. Open is required.
type Config struct {
	Open  Opener
	Sinks []sink.Sink

	// ReopenDelay is the wait between transport reopen attempts. Defaults
	// to 1s.
	ReopenDelay time.Duration

	Recorder LineRecorder
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Result is the outcome of one sink attempt for one packet.
type Result struct {
	Sink string
	Err  error
}

// Stats is a point-in-time copy of the loop counters for the status API.
type Stats struct {
	StartedUTC      string            `json:"started_utc"`
	Lines           uint64            `json:"lines"`
	Packets         uint64            `json:"packets"`
	ParseDrops      uint64            `json:"parse_drops"`
	ValidationDrops uint64            `json:"validation_drops"`
	Reopens         uint64            `json:"reopens"`
	SinkErrors      map[string]uint64 `json:"sink_errors"`
	LastBatchID     string            `json:"last_batch_id,omitempty"`
	LastPacketUTC   string            `json:"last_packet_utc,omitempty"`
}

// Gateway runs the ingestion loop: read a line, frame, normalize, and hand
// the packet to every sink in turn.
//
// The loop is single-threaded. A line is not read until fan-out for the
// previous packet has returned.
type Gateway struct {
	cfg     Config
	framer  *framer.Framer
	norm    *normalize.Normalizer
	logger  *slog.Logger
	metrics *metrics.Metrics
	started time.Time

	invalidLog rate.Sometimes
	recordLog  rate.Sometimes

	lines           atomic.Uint64
	packets         atomic.Uint64
	parseDrops      atomic.Uint64
	validationDrops atomic.Uint64
	reopens         atomic.Uint64

	mu         sync.Mutex
	src        LineSource
	sinkErrors map[string]uint64
	lastBatch  string
	lastPacket time.Time
}

// New validates cfg and fills its defaults.
func New(cfg Config) (*Gateway, error) {
	if cfg.Open == nil {
		return nil, fmt.Errorf("gateway: Open is required")
	}
	if cfg.ReopenDelay <= 0 {
		cfg.ReopenDelay = 1 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		cfg:        cfg,
		framer:     framer.New(),
		norm:       normalize.New(cfg.Now),
		logger:     logger,
		metrics:    cfg.Metrics,
		started:    cfg.Now(),
		invalidLog: rate.Sometimes{First: 5, Interval: 10 * time.Second},
		recordLog:  rate.Sometimes{First: 1, Interval: time.Minute},
		sinkErrors: make(map[string]uint64),
	}, nil
}

// Run drives the loop until ctx is cancelled or the source is exhausted,
// and returns nil in both cases. Transport failures close the source, wait
// ReopenDelay and reopen.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		src, err := g.openSource(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = g.consume(ctx, src)
		g.closeSource()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF):
			g.logger.Info("line source exhausted")
			return nil
		case errs.IsTransport(err):
			g.logger.Warn("transport failed; reopening", "error", err, "delay", g.cfg.ReopenDelay)
			// Bytes were lost with the link; a half-captured block cannot be
			// completed.
			g.framer.Reset()
			g.reopens.Add(1)
			g.metrics.Reopen()
			if sleepCtx(ctx, g.cfg.ReopenDelay) != nil {
				return nil
			}
		default:
			return err
		}
	}
}

func (g *Gateway) openSource(ctx context.Context) (LineSource, error) {
	for {
		src, err := g.cfg.Open(ctx)
		if err == nil {
			g.mu.Lock()
			g.src = src
			g.mu.Unlock()
			return src, nil
		}
		if !errs.IsTransport(err) {
			return nil, err
		}
		g.logger.Warn("transport open failed; retrying", "error", err, "delay", g.cfg.ReopenDelay)
		g.reopens.Add(1)
		g.metrics.Reopen()
		if err := sleepCtx(ctx, g.cfg.ReopenDelay); err != nil {
			return nil, err
		}
	}
}

func (g *Gateway) consume(ctx context.Context, src LineSource) error {
	for {
		line, err := src.NextLine(ctx)
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				g.flushRecorder()
				continue
			}
			return err
		}
		g.HandleLine(ctx, line)
	}
}

// HandleLine processes one raw line. It returns the per-sink results when
// the line completed a valid packet, and nil otherwise.
func (g *Gateway) HandleLine(ctx context.Context, line string) []Result {
	g.lines.Add(1)
	g.metrics.Line()
	g.logger.Debug("serial line", "line", line)

	if g.cfg.Recorder != nil {
		if err := g.cfg.Recorder.WriteLine(g.cfg.Now(), line); err != nil {
			g.recordLog.Do(func() {
				g.logger.Warn("capture write failed", "error", err)
			})
		}
	}

	p, ok, err := g.framer.Feed(line)
	if err != nil || ok {
		g.flushRecorder()
	}
	if err != nil {
		g.drop(err)
		return nil
	}
	if !ok {
		return nil
	}

	p, err = g.norm.Normalize(p)
	if err != nil {
		g.drop(err)
		return nil
	}

	g.packets.Add(1)
	g.metrics.Accepted()
	g.mu.Lock()
	g.lastBatch = p.BatchID
	g.lastPacket = p.ReceivedTS
	g.mu.Unlock()

	return g.Dispatch(ctx, p)
}

func (g *Gateway) flushRecorder() {
	f, ok := g.cfg.Recorder.(flusher)
	if !ok {
		return
	}
	if err := f.Flush(); err != nil {
		g.recordLog.Do(func() {
			g.logger.Warn("capture flush failed", "error", err)
		})
	}
}

func (g *Gateway) drop(err error) {
	if errs.IsValidation(err) {
		g.validationDrops.Add(1)
		g.metrics.Dropped(metrics.ReasonValidation)
		g.invalidLog.Do(func() {
			g.logger.Warn("incomplete packet dropped", "error", err)
		})
		return
	}
	g.parseDrops.Add(1)
	g.metrics.Dropped(metrics.ReasonParse)
	g.logger.Debug("unparseable input dropped", "error", err)
}

// Dispatch delivers p to every sink exactly once, in configuration order.
// A failing or panicking sink does not affect the others.
func (g *Gateway) Dispatch(ctx context.Context, p packet.Packet) []Result {
	results := make([]Result, 0, len(g.cfg.Sinks))
	failed := 0
	for _, s := range g.cfg.Sinks {
		start := time.Now()
		err := deliver(ctx, s, p)
		g.metrics.Delivery(s.Name(), time.Since(start), err)
		if err != nil {
			failed++
			g.mu.Lock()
			g.sinkErrors[s.Name()]++
			g.mu.Unlock()
			g.logger.Error("sink delivery failed", "sink", s.Name(), "batch_id", p.BatchID, "error", err)
		}
		results = append(results, Result{Sink: s.Name(), Err: err})
	}
	g.logger.Info("packet processed",
		"batch_id", p.BatchID,
		"samples", p.SampleCount,
		"sinks", len(results),
		"failed", failed,
	)
	return results
}

func deliver(ctx context.Context, s sink.Sink, p packet.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Newf(errs.Publish, s.Name(), "deliver", "panic: %v", r)
		}
	}()
	return s.Deliver(ctx, p)
}

func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	sinkErrors := make(map[string]uint64, len(g.sinkErrors))
	for k, v := range g.sinkErrors {
		sinkErrors[k] = v
	}
	lastBatch := g.lastBatch
	lastPacket := g.lastPacket
	g.mu.Unlock()

	out := Stats{
		StartedUTC:      g.started.UTC().Format(time.RFC3339),
		Lines:           g.lines.Load(),
		Packets:         g.packets.Load(),
		ParseDrops:      g.parseDrops.Load(),
		ValidationDrops: g.validationDrops.Load(),
		Reopens:         g.reopens.Load(),
		SinkErrors:      sinkErrors,
		LastBatchID:     lastBatch,
	}
	if !lastPacket.IsZero() {
		out.LastPacketUTC = lastPacket.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// Close releases the current transport, if Run left one open.
func (g *Gateway) Close() error {
	return g.closeSource()
}

func (g *Gateway) closeSource() error {
	g.mu.Lock()
	src := g.src
	g.src = nil
	g.mu.Unlock()
	if src == nil {
		return nil
	}
	return src.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
