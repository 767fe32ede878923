// Package transport defines the uniform adapter contract the reconciliation
// engine fans envelopes out through, plus the three concrete adapters:
// realtime (channel signaling), relay (HTTP push + poll), and broadcast
// (same-process fan-out). Delivery on every adapter is at-least-once and
// unordered; the engine owns dedup and convergence.
package transport

import (
	"context"

	"github.com/pairwave/pairwave/internal/proto"
)

// Outcome is the result of a send attempt. Unavailability is an expected
// condition, not an error — redundant adapters are the correctness mechanism.
type Outcome int

const (
	Delivered Outcome = iota
	Unavailable
)

func (o Outcome) String() string {
	if o == Delivered {
		return "delivered"
	}
	return "unavailable"
}

// Handler is invoked once per envelope observed by an adapter.
type Handler func(env *proto.Envelope)

// Adapter is the uniform transport surface. Send never returns an error for
// ordinary delivery failure. OnReceive registers a handler; adapters suppress
// wire-level duplicates where feasible, but receivers must still dedup.
type Adapter interface {
	Name() string
	Send(ctx context.Context, env *proto.Envelope) Outcome
	OnReceive(h Handler)
}
