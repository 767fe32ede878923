package engine

import (
	"context"
	"errors"
	"log"

	"github.com/pairwave/pairwave/internal/proto"
	"github.com/pairwave/pairwave/internal/state"
)

var (
	// ErrAlreadyPaired is returned when the local participant is already in
	// a conversation.
	ErrAlreadyPaired = errors.New("already in a conversation")
	// ErrTargetUnavailable is returned when a directly requested partner is
	// unknown or not available.
	ErrTargetUnavailable = errors.New("requested partner is not available")
)

// PairingResult is the outcome of RequestPairing. Either Waiting is true and
// Conversation is zero, or a conversation was started.
type PairingResult struct {
	Waiting      bool
	Conversation state.Conversation
	Partner      int64
}

// RequestPairing tries to pair the local participant. With targetID 0 the
// oldest available participant (by JoinedAt) is picked; a nonzero targetID
// requests that specific partner. When nobody is available the local
// participant transitions to waiting and is picked up by a later arrival's
// request.
//
// State mutates locally first, then conversation_start plus refreshed
// presence fan out on every adapter; an unavailable adapter never rolls the
// pairing back.
func (e *Engine) RequestPairing(ctx context.Context, targetID int64) (PairingResult, error) {
	var (
		res PairingResult
		err error
	)
	e.do(func() {
		res, err = e.requestPairing(ctx, targetID)
	})
	return res, err
}

func (e *Engine) requestPairing(ctx context.Context, targetID int64) (PairingResult, error) {
	self, ok := e.reg.Get(e.cfg.SelfID)
	if !ok {
		return PairingResult{}, errors.New("local participant not announced")
	}
	if self.Status == proto.StatusInConversation {
		return PairingResult{}, ErrAlreadyPaired
	}

	now := e.cfg.Now()
	partner, found := e.pickPartner(targetID)
	if !found {
		if targetID != 0 {
			return PairingResult{}, ErrTargetUnavailable
		}
		self.Status = proto.StatusWaiting
		self.LastUpdated = e.commitStamp(self, now)
		e.reg.Upsert(self)
		e.fanOut(ctx, e.presenceEnvelope(self, false))
		log.Printf("ENGINE: no partner available, participant %d is waiting", e.cfg.SelfID)
		return PairingResult{Waiting: true}, nil
	}

	low, high := proto.PairKey(e.cfg.SelfID, partner)
	e.convs.RetirePair(low, high, now-1)
	conv := state.Conversation{
		ID:          proto.NewConversationID(),
		Low:         low,
		High:        high,
		Status:      proto.ConvActive,
		StartedAt:   now,
		LastUpdated: now,
	}
	e.convs.Upsert(conv)
	e.bindPair(e.cfg.SelfID, partner, now)

	e.startRecordingOnce(conv.ID)
	if e.hooks.ConversationStarted != nil {
		e.hooks.ConversationStarted(conv, partner)
	}

	e.fanOut(ctx, e.startEnvelope(conv))
	if self2, ok := e.reg.Get(e.cfg.SelfID); ok {
		e.fanOut(ctx, e.presenceEnvelope(self2, false))
	}
	log.Printf("ENGINE: started conversation %s with participant %d", conv.ID, partner)
	return PairingResult{Conversation: conv, Partner: partner}, nil
}

// pickPartner selects the pairing candidate. Waiting participants outrank
// available ones; within each bucket the longest-joined wins, which keeps
// the queue first-come-first-served.
func (e *Engine) pickPartner(targetID int64) (int64, bool) {
	if targetID != 0 {
		if targetID == e.cfg.SelfID {
			return 0, false
		}
		p, ok := e.reg.Get(targetID)
		if !ok || p.Status == proto.StatusInConversation {
			return 0, false
		}
		return p.ID, true
	}
	for _, status := range [2]string{proto.StatusWaiting, proto.StatusAvailable} {
		for _, p := range e.reg.ListByStatus(status) {
			if p.ID == e.cfg.SelfID {
				continue
			}
			return p.ID, true
		}
	}
	return 0, false
}
