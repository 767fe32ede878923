package transport

import (
	"context"
	"sync"

	"github.com/pairwave/pairwave/internal/proto"
)

// Bus is a same-process fan-out: every participant running in this process
// group attaches one Broadcast adapter to the shared bus. Near-zero latency,
// never relied upon exclusively.
type Bus struct {
	mu      sync.RWMutex
	members map[*Broadcast]struct{}
}

func NewBus() *Bus {
	return &Bus{members: make(map[*Broadcast]struct{})}
}

// Broadcast is the local-broadcast adapter: a handle on the shared Bus.
type Broadcast struct {
	bus    *Bus
	selfID int64

	handlerMu sync.RWMutex
	handlers  []Handler
}

// Attach creates a Broadcast adapter for participant selfID and registers it
// on the bus.
func (b *Bus) Attach(selfID int64) *Broadcast {
	a := &Broadcast{bus: b, selfID: selfID}
	b.mu.Lock()
	b.members[a] = struct{}{}
	b.mu.Unlock()
	return a
}

// Detach removes the adapter from the bus. Further sends from other members
// no longer reach it.
func (a *Broadcast) Detach() {
	a.bus.mu.Lock()
	delete(a.bus.members, a)
	a.bus.mu.Unlock()
}

func (a *Broadcast) Name() string { return "broadcast" }

// Send delivers env to every other member of the bus. A bus with no other
// members is Unavailable, mirroring the other adapters' best-effort contract.
func (a *Broadcast) Send(_ context.Context, env *proto.Envelope) Outcome {
	a.bus.mu.RLock()
	peers := make([]*Broadcast, 0, len(a.bus.members))
	for m := range a.bus.members {
		if m != a {
			peers = append(peers, m)
		}
	}
	a.bus.mu.RUnlock()

	if len(peers) == 0 {
		return Unavailable
	}
	for _, m := range peers {
		// Deliver asynchronously so a member's handler (which feeds its
		// engine queue) can never stall the sender's loop.
		go m.dispatch(env)
	}
	return Delivered
}

func (a *Broadcast) OnReceive(h Handler) {
	a.handlerMu.Lock()
	a.handlers = append(a.handlers, h)
	a.handlerMu.Unlock()
}

func (a *Broadcast) dispatch(env *proto.Envelope) {
	a.handlerMu.RLock()
	handlers := make([]Handler, len(a.handlers))
	copy(handlers, a.handlers)
	a.handlerMu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}
