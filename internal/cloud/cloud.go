// Package cloud posts normalized packets to a remote HTTP collector.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"airguard-gateway/internal/config"
	"airguard-gateway/internal/errs"
	"airguard-gateway/internal/packet"
)

// maxErrorBody caps how much of a failed response is kept for the log.
const maxErrorBody = 512

// Publisher issues one POST per packet. Failures are returned, never
// retried.
type Publisher struct {
	cfg    config.CloudConfig
	client *http.Client
	logger *slog.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

type Stats struct {
	Enabled bool   `json:"enabled"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
}

// New returns a publisher for cfg. With no URL configured every Deliver is
// a successful no-op.
func New(cfg config.CloudConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (p *Publisher) Name() string { return "cloud" }

// Deliver posts pk as JSON. Only 200 and 201 count as success.
func (p *Publisher) Deliver(ctx context.Context, pk packet.Packet) error {
	if !p.cfg.Enabled() {
		return nil
	}
	if err := p.post(ctx, pk); err != nil {
		p.failed.Add(1)
		return err
	}
	p.sent.Add(1)
	p.logger.Debug("cloud post ok", "batch_id", pk.BatchID)
	return nil
}

func (p *Publisher) post(ctx context.Context, pk packet.Packet) error {
	body, err := json.Marshal(pk)
	if err != nil {
		return errs.New(errs.Publish, "cloud", "encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return errs.New(errs.Publish, "cloud", "request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return errs.New(errs.Publish, "cloud", "post", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	return errs.New(errs.Publish, "cloud", "post",
		fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)))
}

func (p *Publisher) Stats() Stats {
	return Stats{
		Enabled: p.cfg.Enabled(),
		Sent:    p.sent.Load(),
		Failed:  p.failed.Load(),
	}
}
