// Package sink defines the contract shared by every downstream consumer of
// a normalized packet.
package sink

import (
	"context"

	"airguard-gateway/internal/packet"
)

// Sink receives each normalized packet exactly once.
//
// Deliver must treat p as read-only. An unconfigured sink returns nil.
// Errors are reported to the caller and never retried by it.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, p packet.Packet) error
}

// Func adapts a function to the Sink interface.
type Func struct {
	SinkName string
	Fn       func(ctx context.Context, p packet.Packet) error
}

func (f Func) Name() string { return f.SinkName }

func (f Func) Deliver(ctx context.Context, p packet.Packet) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx, p)
}

// Nop is a sink that accepts every packet. It stands in for a sink whose
// target is not configured.
type Nop string

func (n Nop) Name() string { return string(n) }

func (Nop) Deliver(context.Context, packet.Packet) error { return nil }
