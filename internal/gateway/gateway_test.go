package gateway

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airguard-gateway/internal/config"
	"airguard-gateway/internal/errs"
	"airguard-gateway/internal/metrics"
	"airguard-gateway/internal/packet"
	"airguard-gateway/internal/replay"
	"airguard-gateway/internal/serial"
	"airguard-gateway/internal/sink"
)

var sampleBlock = []string{
	"=== Received Data ===",
	"Batch: 0x5A17C2EF | Duration: 10342 ms | Samples: 187",
	"GPS Fix: 1, Sats: 7 | Date: 20251006 | Time: 132523.120",
	"Lat: 33.888630  Lon: 35.495480  Alt: 79.20 m",
	"Accel [m/s^2] X: -0.12  Y: 0.03  Z: 9.73",
	"Gyro  [rad/s] X: 0.01  Y: -0.02  Z: 0.00",
	"Temp: 28.10 °C",
	"====================",
}

var fixedNow = time.Date(2025, 10, 6, 13, 25, 23, 0, time.UTC)

type step struct {
	line string
	err  error
}

type fakeSource struct {
	mu     sync.Mutex
	steps  []step
	closed int
}

func lines(ls ...string) []step {
	out := make([]step, len(ls))
	for i, l := range ls {
		out[i] = step{line: l}
	}
	return out
}

func (s *fakeSource) NextLine(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.steps) == 0 {
		return "", io.EOF
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.line, st.err
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []packet.Packet
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Deliver(_ context.Context, p packet.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, p)
	return nil
}

func (r *recordingSink) packets() []packet.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]packet.Packet(nil), r.got...)
}

func failingSink(name string) sink.Sink {
	return sink.Func{SinkName: name, Fn: func(context.Context, packet.Packet) error {
		return errs.Newf(errs.Publish, name, "publish", "unreachable")
	}}
}

func newTestGateway(t *testing.T, open Opener, sinks ...sink.Sink) *Gateway {
	t.Helper()
	g, err := New(Config{
		Open:        open,
		Sinks:       sinks,
		ReopenDelay: time.Millisecond,
		Now:         func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return g
}

func noOpen(context.Context) (LineSource, error) { return nil, errors.New("unused") }

func feed(g *Gateway, ls []string) [][]Result {
	var out [][]Result
	for _, l := range ls {
		if res := g.HandleLine(context.Background(), l); res != nil {
			out = append(out, res)
		}
	}
	return out
}

func TestHandleLine_SampleBlockReachesEverySink(t *testing.T) {
	store := &recordingSink{name: "sqlite"}
	mq := &recordingSink{name: "mqtt"}
	cloud := &recordingSink{name: "cloud"}
	g := newTestGateway(t, noOpen, store, mq, cloud)

	results := feed(g, sampleBlock)
	require.Len(t, results, 1)
	require.Len(t, results[0], 3)
	for _, r := range results[0] {
		assert.NoError(t, r.Err, r.Sink)
	}

	for _, s := range []*recordingSink{store, mq, cloud} {
		got := s.packets()
		require.Len(t, got, 1, s.name)
		p := got[0]
		assert.Equal(t, "5A17C2EF", p.BatchID)
		assert.Equal(t, int64(10342), p.SessionMs)
		assert.Equal(t, int64(187), p.SampleCount)
		require.NotNil(t, p.Msec)
		assert.Equal(t, int64(120), *p.Msec)
		require.NotNil(t, p.TempC)
		assert.InDelta(t, 28.10, *p.TempC, 1e-9)
		assert.Equal(t, fixedNow, p.ReceivedTS)
	}

	st := g.Stats()
	assert.Equal(t, uint64(len(sampleBlock)), st.Lines)
	assert.Equal(t, uint64(1), st.Packets)
	assert.Equal(t, "5A17C2EF", st.LastBatchID)
}

func TestHandleLine_FastPathKeepsUnreportedFieldsUnset(t *testing.T) {
	rec := &recordingSink{name: "mqtt"}
	g := newTestGateway(t, noOpen, rec)

	res := g.HandleLine(context.Background(), `JSON:{"batchId":"0xab12","sessionMs":5,"samples":9,"lat":1.5}`)
	require.Len(t, res, 1)
	got := rec.packets()
	require.Len(t, got, 1)
	assert.Equal(t, "AB12", got[0].BatchID)
	assert.Nil(t, got[0].Lon)
	require.NotNil(t, got[0].Lat)
}

func TestDispatch_FaultIsolation(t *testing.T) {
	store := &recordingSink{name: "sqlite"}
	cloud := &recordingSink{name: "cloud"}
	panicky := sink.Func{SinkName: "panicky", Fn: func(context.Context, packet.Packet) error {
		panic("sink bug")
	}}
	g := newTestGateway(t, noOpen, failingSink("mqtt"), store, panicky, cloud)

	results := feed(g, sampleBlock)
	require.Len(t, results, 1)
	byName := map[string]error{}
	for _, r := range results[0] {
		byName[r.Sink] = r.Err
	}
	require.Len(t, byName, 4)
	assert.True(t, errs.IsPublish(byName["mqtt"]))
	assert.NoError(t, byName["sqlite"])
	assert.True(t, errs.IsPublish(byName["panicky"]))
	assert.Contains(t, byName["panicky"].Error(), "sink bug")
	assert.NoError(t, byName["cloud"])

	assert.Len(t, store.packets(), 1)
	assert.Len(t, cloud.packets(), 1)
	assert.Equal(t, map[string]uint64{"mqtt": 1, "panicky": 1}, g.Stats().SinkErrors)
}

func TestDispatch_StoreFailureDoesNotBlockPublishers(t *testing.T) {
	mqtt := &recordingSink{name: "mqtt"}
	cloud := &recordingSink{name: "cloud"}
	store := sink.Func{SinkName: "sqlite", Fn: func(context.Context, packet.Packet) error {
		return errs.Newf(errs.Storage, "store", "upsert", "database is locked")
	}}
	g := newTestGateway(t, noOpen, store, mqtt, cloud)

	results := feed(g, sampleBlock)
	require.Len(t, results, 1)
	byName := map[string]error{}
	for _, r := range results[0] {
		byName[r.Sink] = r.Err
	}
	require.Len(t, byName, 3)
	assert.True(t, errs.IsStorage(byName["sqlite"]))
	assert.NoError(t, byName["mqtt"])
	assert.NoError(t, byName["cloud"])

	require.Len(t, mqtt.packets(), 1)
	require.Len(t, cloud.packets(), 1)
	assert.Equal(t, "5A17C2EF", mqtt.packets()[0].BatchID)
	assert.Equal(t, map[string]uint64{"sqlite": 1}, g.Stats().SinkErrors)
}

func TestHandleLine_IncompleteInputNeverReachesSinks(t *testing.T) {
	rec := &recordingSink{name: "sqlite"}
	g := newTestGateway(t, noOpen, rec)

	feed(g, []string{
		"=== Received Data ===",
		"Batch: 0x01 | Samples: 3",
		"Temp: 20.0 °C",
		"====================",
	})
	feed(g, []string{
		`{"batchId":"0x01","samples":3}`,
		`{"batchId":"0xZZ","sessionMs":1,"samples":3}`,
		`{"batchId": broken`,
	})

	assert.Empty(t, rec.packets())
	st := g.Stats()
	assert.Equal(t, uint64(0), st.Packets)
	assert.Equal(t, uint64(3), st.ValidationDrops)
	assert.Equal(t, uint64(1), st.ParseDrops)
}

func TestHandleLine_MetricsAndRecorder(t *testing.T) {
	m := metrics.New()
	var recorded []string
	rec := recorderFunc(func(_ time.Time, line string) error {
		recorded = append(recorded, line)
		return errors.New("disk full")
	})
	g, err := New(Config{Open: noOpen, Metrics: m, Recorder: rec, Sinks: []sink.Sink{failingSink("cloud")}})
	require.NoError(t, err)

	feed(g, sampleBlock)
	feed(g, []string{`{bad`})

	assert.Equal(t, append(append([]string{}, sampleBlock...), `{bad`), recorded)
	assert.Equal(t, float64(len(sampleBlock)+1), testutil.ToFloat64(m.LinesRead))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsDropped.WithLabelValues(metrics.ReasonParse)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkDeliveries.WithLabelValues("cloud", "error")))
}

type recorderFunc func(time.Time, string) error

func (f recorderFunc) WriteLine(now time.Time, line string) error { return f(now, line) }

type flushingRecorder struct {
	lines   []string
	flushes int
}

func (r *flushingRecorder) WriteLine(_ time.Time, line string) error {
	r.lines = append(r.lines, line)
	return nil
}

func (r *flushingRecorder) Flush() error {
	r.flushes++
	return nil
}

func TestHandleLine_FlushesRecorderAtPacketBoundaries(t *testing.T) {
	rec := &flushingRecorder{}
	g, err := New(Config{Open: noOpen, Recorder: rec})
	require.NoError(t, err)

	feed(g, sampleBlock[:4])
	assert.Zero(t, rec.flushes, "no flush mid-block")
	feed(g, sampleBlock[4:])
	assert.Equal(t, 1, rec.flushes)

	feed(g, []string{"boot: rx ready", `{bad`, `JSON:{"batchId":"0x01","sessionMs":1,"samples":1}`})
	assert.Equal(t, 3, rec.flushes)
	assert.Len(t, rec.lines, len(sampleBlock)+3)
}

func TestRun_FlushesRecorderWhenIdle(t *testing.T) {
	rec := &flushingRecorder{}
	src := &fakeSource{steps: []step{
		{line: "boot: rx ready"},
		{err: serial.ErrTimeout},
		{err: serial.ErrTimeout},
	}}
	g, err := New(Config{
		Open:     func(context.Context) (LineSource, error) { return src, nil },
		Recorder: rec,
	})
	require.NoError(t, err)

	require.NoError(t, g.Run(context.Background()))
	assert.Equal(t, 2, rec.flushes)
	assert.Equal(t, []string{"boot: rx ready"}, rec.lines)
}

func TestRun_CaptureFileReadableBeforeClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")
	w, err := replay.CreateWriter(path)
	require.NoError(t, err)
	defer w.Close()

	src := &fakeSource{steps: lines(sampleBlock...)}
	g, err := New(Config{
		Open:     func(context.Context) (LineSource, error) { return src, nil },
		Recorder: w,
	})
	require.NoError(t, err)
	require.NoError(t, g.Run(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	recs, err := replay.NewReader(f).ReadAll()
	require.NoError(t, err)
	var got []string
	for _, r := range recs {
		if !r.Start {
			got = append(got, r.Line)
		}
	}
	assert.Equal(t, sampleBlock, got)
}

func TestRun_ReopensAfterTransportError(t *testing.T) {
	first := &fakeSource{steps: append(lines(sampleBlock[:3]...),
		step{err: errs.New(errs.Transport, "serial", "read", io.ErrUnexpectedEOF)})}
	second := &fakeSource{steps: lines(sampleBlock...)}
	sources := []*fakeSource{first, second}
	opens := 0
	open := func(context.Context) (LineSource, error) {
		s := sources[opens]
		opens++
		return s, nil
	}

	rec := &recordingSink{name: "sqlite"}
	g := newTestGateway(t, open, rec)
	require.NoError(t, g.Run(context.Background()))

	assert.Equal(t, 2, opens)
	assert.Equal(t, 1, first.closed)
	assert.Equal(t, 1, second.closed)
	assert.Len(t, rec.packets(), 1, "the half block from the failed link is discarded")
	assert.Equal(t, uint64(1), g.Stats().Reopens)
}

func TestRun_RetriesTransportOpenFailures(t *testing.T) {
	attempts := 0
	src := &fakeSource{steps: lines(sampleBlock...)}
	open := func(context.Context) (LineSource, error) {
		attempts++
		if attempts < 3 {
			return nil, errs.New(errs.Transport, "serial", "open", os.ErrNotExist)
		}
		return src, nil
	}
	rec := &recordingSink{name: "sqlite"}
	g := newTestGateway(t, open, rec)
	require.NoError(t, g.Run(context.Background()))

	assert.Equal(t, 3, attempts)
	assert.Len(t, rec.packets(), 1)
	assert.Equal(t, uint64(2), g.Stats().Reopens)
}

func TestRun_NonTransportOpenErrorStops(t *testing.T) {
	open := func(context.Context) (LineSource, error) {
		return nil, errs.Newf(errs.Config, "replay", "open", "no such file")
	}
	g := newTestGateway(t, open)
	err := g.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))
}

func TestRun_TimeoutsLoopUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &timeoutSource{cancelAfter: 5, cancel: cancel}
	g := newTestGateway(t, func(context.Context) (LineSource, error) { return src, nil })

	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, src.calls, 5)
	assert.Equal(t, 1, src.closed)
}

type timeoutSource struct {
	calls       int
	cancelAfter int
	cancel      context.CancelFunc
	closed      int
}

func (s *timeoutSource) NextLine(context.Context) (string, error) {
	s.calls++
	if s.calls == s.cancelAfter {
		s.cancel()
	}
	return "", serial.ErrTimeout
}

func (s *timeoutSource) Close() error {
	s.closed++
	return nil
}

func TestNew_RequiresOpener(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestShutdown_RunsEveryStep(t *testing.T) {
	var ran []string
	err := Shutdown(nil,
		Step{Name: "transport", Close: func() error { ran = append(ran, "transport"); return errors.New("tty gone") }},
		Step{Name: "broker", Close: func() error { ran = append(ran, "broker"); return nil }},
		Step{Name: "skipped"},
		Step{Name: "store", Close: func() error { ran = append(ran, "store"); return errors.New("busy") }},
	)
	assert.Equal(t, []string{"transport", "broker", "store"}, ran)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tty gone")
	assert.Contains(t, err.Error(), "busy")
}

func TestNewOpener_Replay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")
	body := ""
	for _, l := range sampleBlock {
		body += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	open := NewOpener(config.SerialConfig{Replay: config.ReplayConfig{Enable: true, Path: path}}, nil)
	rec := &recordingSink{name: "sqlite"}
	g := newTestGateway(t, open, rec)
	require.NoError(t, g.Run(context.Background()))
	require.Len(t, rec.packets(), 1)
	assert.Equal(t, "5A17C2EF", rec.packets()[0].BatchID)
}

func TestNewOpener_MissingReplayIsFatal(t *testing.T) {
	open := NewOpener(config.SerialConfig{Replay: config.ReplayConfig{Enable: true, Path: filepath.Join(t.TempDir(), "nope")}}, nil)
	_, err := open(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsFatal(err))
}

func TestNewOpener_MissingDeviceIsTransport(t *testing.T) {
	open := NewOpener(config.SerialConfig{Device: filepath.Join(t.TempDir(), "ttyUSB9"), Baud: 115200}, nil)
	_, err := open(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsTransport(err))
}
