package transport

import (
	"context"
	"sync"

	"github.com/pairwave/pairwave/internal/proto"
)

// ChannelSession is the slice of the media client's signaling plane the
// realtime adapter rides on. Implemented by p2p.Node; kept as a local
// interface so this package does not import the p2p stack.
type ChannelSession interface {
	// Attached reports whether the local client is currently joined to the
	// realtime channel. Sends while detached are silently impossible.
	Attached() bool
	PublishEnvelope(ctx context.Context, env *proto.Envelope) error
	SubscribeEnvelopes() (<-chan *proto.Envelope, func())
}

// Realtime delivers envelopes over the channel session's own signaling.
// Fastest path, but drops silently when the recipient is not attached —
// the relay and broadcast adapters cover that window.
type Realtime struct {
	session ChannelSession

	handlerMu sync.RWMutex
	handlers  []Handler
}

func NewRealtime(session ChannelSession) *Realtime {
	return &Realtime{session: session}
}

func (r *Realtime) Name() string { return "realtime" }

func (r *Realtime) Send(ctx context.Context, env *proto.Envelope) Outcome {
	if !r.session.Attached() {
		return Unavailable
	}
	if err := r.session.PublishEnvelope(ctx, env); err != nil {
		return Unavailable
	}
	return Delivered
}

func (r *Realtime) OnReceive(h Handler) {
	r.handlerMu.Lock()
	r.handlers = append(r.handlers, h)
	r.handlerMu.Unlock()
}

// Run consumes the session's envelope subscription until ctx is cancelled.
func (r *Realtime) Run(ctx context.Context) {
	ch, cancel := r.session.SubscribeEnvelopes()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if env == nil || !env.Valid() {
				continue
			}
			r.dispatch(env)
		}
	}
}

func (r *Realtime) dispatch(env *proto.Envelope) {
	r.handlerMu.RLock()
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	r.handlerMu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}
