package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"airguard-gateway/internal/config"
	"airguard-gateway/internal/errs"
	"airguard-gateway/internal/packet"
)

type EventKind int

const (
	Connected EventKind = iota + 1
	Disconnected
	Reconnecting
	Stopped
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is a connection state change. Err is set for Disconnected when the
// link was lost rather than closed.
type Event struct {
	Kind EventKind
	At   time.Time
	Err  error
}

type Snapshot struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Topic         string `json:"topic,omitempty"`
	State         string `json:"state"`
	LastError     string `json:"last_error,omitempty"`
	LastChangeUTC string `json:"last_change_utc,omitempty"`
	Published     uint64 `json:"published"`
	Failed        uint64 `json:"failed"`
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Connect() mqtt.Token
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

const eventBuffer = 16

// Publisher sends packets to a single MQTT topic.
//
// The paho client owns the socket, keep-alive and reconnects on its own
// goroutines. Deliver never waits longer than the publish timeout.
type Publisher struct {
	cfg    config.BrokerConfig
	logger *slog.Logger
	client client
	encode func(packet.Packet) ([]byte, error)

	published atomic.Uint64
	failed    atomic.Uint64

	closeOnce sync.Once

	mu         sync.Mutex
	state      string
	lastErr    string
	lastChange time.Time
	events     chan Event
	closed     bool
}

// New builds a publisher for cfg. When cfg has no host the publisher is
// disabled and Deliver succeeds without doing anything.
func New(cfg config.BrokerConfig, logger *slog.Logger) (*Publisher, error) {
	p, err := newPublisher(cfg, logger)
	if err != nil || !cfg.Enabled() {
		return p, err
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "airguard-gateway-" + uuid.NewString()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Addr()).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(func(mqtt.Client) { p.onConnect() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { p.onConnectionLost(err) }).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) { p.onReconnecting() })
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	p.client = mqtt.NewClient(opts)
	return p, nil
}

func newPublisher(cfg config.BrokerConfig, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Publisher{
		cfg:    cfg,
		logger: logger,
		state:  "disabled",
		events: make(chan Event, eventBuffer),
	}
	if !cfg.Enabled() {
		return p, nil
	}

	switch cfg.Encoding {
	case "", "json":
		p.encode = func(pk packet.Packet) ([]byte, error) { return json.Marshal(pk) }
	case "cbor":
		em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
		if err != nil {
			return nil, errs.New(errs.Config, "broker", "cbor", err)
		}
		p.encode = func(pk packet.Packet) ([]byte, error) { return em.Marshal(pk) }
	default:
		return nil, errs.Newf(errs.Config, "broker", "encoding", "unsupported encoding %q", cfg.Encoding)
	}
	if cfg.PublishTimeout <= 0 {
		p.cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		p.cfg.ConnectTimeout = 5 * time.Second
	}
	p.state = "stopped"
	return p, nil
}

// Start begins connecting. It waits up to the connect timeout for the first
// connection; if the broker is not reachable by then the client keeps
// retrying in the background and Start still returns nil.
func (p *Publisher) Start(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	p.setState("connecting", "")
	tok := p.client.Connect()

	wait := p.cfg.ConnectTimeout
	if d, ok := ctx.Deadline(); ok && time.Until(d) < wait {
		wait = time.Until(d)
	}
	if !tok.WaitTimeout(wait) {
		p.logger.Warn("mqtt broker not reachable yet; retrying in background",
			"addr", p.cfg.Addr(), "timeout", p.cfg.ConnectTimeout)
		return nil
	}
	if err := tok.Error(); err != nil {
		p.setState("disconnected", err.Error())
		p.logger.Warn("mqtt connect failed", "addr", p.cfg.Addr(), "error", err)
	}
	return nil
}

func (p *Publisher) Name() string { return "mqtt" }

// Deliver publishes pk once. A publish issued while disconnected fails
// immediately; nothing is queued for later.
func (p *Publisher) Deliver(_ context.Context, pk packet.Packet) error {
	if p.client == nil {
		return nil
	}
	if !p.client.IsConnectionOpen() {
		p.failed.Add(1)
		return errs.Newf(errs.Publish, "mqtt", "publish", "not connected to %s", p.cfg.Addr())
	}
	payload, err := p.encode(pk)
	if err != nil {
		p.failed.Add(1)
		return errs.New(errs.Publish, "mqtt", "encode", err)
	}

	tok := p.client.Publish(p.cfg.Topic, byte(p.cfg.QoS), false, payload)
	if !tok.WaitTimeout(p.cfg.PublishTimeout) {
		p.failed.Add(1)
		return errs.Newf(errs.Publish, "mqtt", "publish", "timed out after %s", p.cfg.PublishTimeout)
	}
	if err := tok.Error(); err != nil {
		p.failed.Add(1)
		return errs.New(errs.Publish, "mqtt", "publish", err)
	}
	p.published.Add(1)
	p.logger.Debug("mqtt published", "batch_id", pk.BatchID, "topic", p.cfg.Topic)
	return nil
}

// Events reports connection state changes. Slow readers miss events; the
// latest state is always available from Snapshot. The channel is closed
// after the Stopped event.
func (p *Publisher) Events() <-chan Event {
	return p.events
}

func (p *Publisher) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Snapshot{
		Enabled:   p.cfg.Enabled(),
		State:     p.state,
		LastError: p.lastErr,
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
	}
	if out.Enabled {
		out.Addr = p.cfg.Addr()
		out.Topic = p.cfg.Topic
	}
	if !p.lastChange.IsZero() {
		out.LastChangeUTC = p.lastChange.UTC().Format(time.RFC3339Nano)
	}
	return out
}

// Close disconnects gracefully, letting in-flight work finish for up to
// 250ms. It is safe to call more than once.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		if p.client != nil {
			p.client.Disconnect(250)
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = true
		if p.client != nil {
			p.state = "stopped"
			p.lastChange = time.Now()
			p.emitLocked(Event{Kind: Stopped, At: p.lastChange})
		}
		close(p.events)
	})
	return nil
}

func (p *Publisher) onConnect() {
	p.logger.Info("mqtt connected", "addr", p.cfg.Addr())
	p.transition("connected", "", Event{Kind: Connected})
}

func (p *Publisher) onConnectionLost(err error) {
	p.logger.Warn("mqtt connection lost", "addr", p.cfg.Addr(), "error", err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	p.transition("disconnected", msg, Event{Kind: Disconnected, Err: err})
}

func (p *Publisher) onReconnecting() {
	p.logger.Info("mqtt reconnecting", "addr", p.cfg.Addr())
	p.transition("reconnecting", "", Event{Kind: Reconnecting})
}

func (p *Publisher) transition(state, lastErr string, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.state = state
	if lastErr != "" {
		p.lastErr = lastErr
	}
	p.lastChange = time.Now()
	ev.At = p.lastChange
	p.emitLocked(ev)
}

func (p *Publisher) setState(state, lastErr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	if lastErr != "" {
		p.lastErr = lastErr
	}
	p.lastChange = time.Now()
}

func (p *Publisher) emitLocked(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}
