package engine

import (
	"context"
	"log"

	"github.com/pairwave/pairwave/internal/proto"
)

// sweep is the periodic garbage collector, run on the engine goroutine.
// It removes stale presence records (releasing any partners they held),
// prunes ended and expired conversations, and ages the dedup set out.
func (e *Engine) sweep() {
	now := e.cfg.Now()

	presenceCutoff := now - e.cfg.PresenceHorizon.Milliseconds()
	removed := e.reg.PruneStale(presenceCutoff, now)
	for _, id := range removed {
		log.Printf("ENGINE: pruned stale participant %d", id)
	}

	// If a pruned record was the local partner, the registry cascade already
	// released the local participant; the conversation record and recording
	// still need closing.
	if conv, ok := e.convs.ActiveFor(e.cfg.SelfID); ok {
		partner := conv.PartnerOf(e.cfg.SelfID)
		if _, alive := e.reg.Get(partner); !alive {
			e.endLocalConversation(context.Background(), "partner pruned")
		}
	}

	// An active conversation stays fresh as long as both members do:
	// heartbeats only touch presence, so without this a long call would age
	// past the conversation horizon mid-call. Only abandoned records — a
	// member vanished without an end envelope — keep their old timestamp
	// and fall to the prune below.
	for _, conv := range e.convs.Snapshot() {
		if conv.Status != proto.ConvActive {
			continue
		}
		if _, ok := e.reg.Get(conv.Low); !ok {
			continue
		}
		if _, ok := e.reg.Get(conv.High); !ok {
			continue
		}
		conv.LastUpdated = now
		e.convs.Upsert(conv)
	}

	convCutoff := now - e.cfg.ConversationHorizon.Milliseconds()
	for _, conv := range e.convs.Prune(convCutoff) {
		if conv.Status == proto.ConvActive {
			// Expired while still marked active: release whoever is still
			// bound to it, same cascade as a stale presence record.
			e.releasePair(conv.Low, conv.High, now)
			if conv.Involves(e.cfg.SelfID) {
				e.stopRecordingOnce(conv.ID)
				if e.hooks.ConversationEnded != nil {
					e.hooks.ConversationEnded(conv, conv.PartnerOf(e.cfg.SelfID))
				}
				log.Printf("ENGINE: pruned expired conversation %s while still active", conv.ID)
			}
		}
		delete(e.recStarted, conv.ID)
	}

	e.seen.Expire(now)
}

// Sweep runs one garbage-collection pass synchronously. Exposed for the
// monitor surface and tests; normal operation relies on the Run ticker.
func (e *Engine) Sweep() {
	e.do(func() { e.sweep() })
}
