// Package engine is the reconciliation core: the single logical actor that
// owns the Presence Registry and Conversation Table. Adapter callbacks, local
// actions, and the garbage-collector tick are all serialized through one
// goroutine; nothing else mutates the tables. Given the same set of
// envelopes, the engine reaches the same final state regardless of arrival
// order.
package engine

import (
	"context"
	"log"
	"time"

	"github.com/pairwave/pairwave/internal/proto"
	"github.com/pairwave/pairwave/internal/state"
	"github.com/pairwave/pairwave/internal/transport"
)

// Recorder is the recording collaborator. Commands are fire-and-forget;
// retries are owned by the recording subsystem. Failures never roll back a
// presence transition.
type Recorder interface {
	StartRecording(conversationID string)
	StopRecording(conversationID string)
}

// NopRecorder satisfies Recorder with no side effects.
type NopRecorder struct{}

func (NopRecorder) StartRecording(string) {}
func (NopRecorder) StopRecording(string)  {}

// Hooks are optional callbacks fired on the engine goroutine after a
// conversation transition commits. Implementations must not block; the app
// layer uses them to drive the media call session.
type Hooks struct {
	ConversationStarted func(conv state.Conversation, partner int64)
	ConversationEnded   func(conv state.Conversation, partner int64)
}

// Config parameterizes one participant's engine.
type Config struct {
	SelfID int64

	// Now supplies wall-clock millis; tests substitute a fake clock.
	Now func() int64

	// PresenceHorizon: registry records older than this are swept.
	PresenceHorizon time.Duration
	// ConversationHorizon: conversation records older than this are swept
	// regardless of status. Longer than PresenceHorizon.
	ConversationHorizon time.Duration
	SweepInterval       time.Duration

	DedupCapacity int
	DedupWindow   time.Duration

	// Debug enables logging of dropped duplicate/stale envelopes.
	Debug bool
}

func (c *Config) fill() {
	if c.Now == nil {
		c.Now = proto.NowMillis
	}
	if c.PresenceHorizon <= 0 {
		c.PresenceHorizon = time.Minute
	}
	if c.ConversationHorizon <= 0 {
		c.ConversationHorizon = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 512
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 30 * time.Second
	}
}

// Engine consumes envelopes from all adapters plus local actions, applies the
// idempotent transition rules, and fans resulting envelopes back out through
// every adapter.
type Engine struct {
	cfg      Config
	reg      *state.Registry
	convs    *state.Table
	rec      Recorder
	adapters []transport.Adapter
	hooks    Hooks

	seen *dedup

	// recStarted guards the at-most-once recording side effect per
	// conversation id.
	recStarted map[string]bool

	tasks chan func()
}

// New wires an engine to its tables, recorder, and adapters. Each adapter's
// OnReceive is registered here; received envelopes are queued onto the
// engine's single goroutine.
func New(cfg Config, reg *state.Registry, convs *state.Table, rec Recorder, adapters ...transport.Adapter) *Engine {
	cfg.fill()
	if rec == nil {
		rec = NopRecorder{}
	}
	e := &Engine{
		cfg:        cfg,
		reg:        reg,
		convs:      convs,
		rec:        rec,
		adapters:   adapters,
		seen:       newDedup(cfg.DedupCapacity, cfg.DedupWindow),
		recStarted: make(map[string]bool),
		tasks:      make(chan func(), 256),
	}
	for _, a := range adapters {
		a.OnReceive(e.enqueueEnvelope)
	}
	return e
}

// SetHooks installs conversation lifecycle callbacks. Call before Run.
func (e *Engine) SetHooks(h Hooks) { e.hooks = h }

// Run processes the task queue and the sweep ticker until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.tasks:
			fn()
		case <-ticker.C:
			e.sweep()
		}
	}
}

// do runs fn on the engine goroutine and waits for it to complete. This is
// the synchronous façade local actions go through.
func (e *Engine) do(fn func()) {
	done := make(chan struct{})
	e.tasks <- func() {
		fn()
		close(done)
	}
	<-done
}

// enqueueEnvelope is the adapter receive handler. Never blocks the adapter
// beyond queue admission.
func (e *Engine) enqueueEnvelope(env *proto.Envelope) {
	e.tasks <- func() { e.apply(env) }
}

// ── Local actions ────────────────────────────────────────────────────────────

// Announce registers the local participant as available and fans its
// presence out on every adapter.
func (e *Engine) Announce(ctx context.Context) {
	e.do(func() {
		now := e.cfg.Now()
		p := state.Participant{
			ID:          e.cfg.SelfID,
			Status:      proto.StatusAvailable,
			JoinedAt:    now,
			LastUpdated: now,
		}
		e.reg.Upsert(p)
		e.fanOut(ctx, e.presenceEnvelope(p, false))
	})
}

// Heartbeat refreshes the local participant's LastUpdated and re-announces
// presence so remote staleness horizons keep seeing activity.
func (e *Engine) Heartbeat(ctx context.Context) {
	e.do(func() {
		p, ok := e.reg.Get(e.cfg.SelfID)
		if !ok {
			return
		}
		p.LastUpdated = e.cfg.Now()
		e.reg.Upsert(p)
		e.fanOut(ctx, e.presenceEnvelope(p, false))
	})
}

// EndConversation ends the local participant's active conversation, if any.
// Reports whether a conversation was ended.
func (e *Engine) EndConversation(ctx context.Context) bool {
	var ended bool
	e.do(func() {
		ended = e.endLocalConversation(ctx, "local end")
	})
	return ended
}

// Depart ends any active conversation, removes the local participant, and
// fans a departed presence envelope out so remote registries drop the record
// without waiting for the staleness horizon.
func (e *Engine) Depart(ctx context.Context) {
	e.do(func() {
		e.endLocalConversation(ctx, "departing")
		now := e.cfg.Now()
		p, _, ok := e.reg.Remove(e.cfg.SelfID, now)
		if !ok {
			p = state.Participant{ID: e.cfg.SelfID, JoinedAt: now}
		}
		p.Status = proto.StatusAvailable
		p.Partner = 0
		p.LastUpdated = now
		e.fanOut(ctx, e.presenceEnvelope(p, true))
	})
}

// ParticipantJoined feeds a media-client joined event: the participant is
// seeded as available if unknown. Presence envelopes carrying real status
// overwrite this seed via last-write-wins.
func (e *Engine) ParticipantJoined(ctx context.Context, id int64) {
	if id == e.cfg.SelfID {
		return
	}
	e.tasks <- func() {
		if _, ok := e.reg.Get(id); ok {
			return
		}
		now := e.cfg.Now()
		e.reg.Upsert(state.Participant{
			ID:          id,
			Status:      proto.StatusAvailable,
			JoinedAt:    now,
			LastUpdated: now,
		})
		log.Printf("ENGINE: participant %d joined the channel", id)
	}
}

// ParticipantLeft feeds a media-client left event: the participant is
// removed, and if it was the local partner the conversation is ended.
func (e *Engine) ParticipantLeft(ctx context.Context, id int64) {
	if id == e.cfg.SelfID {
		return
	}
	e.tasks <- func() {
		now := e.cfg.Now()
		_, released, ok := e.reg.Remove(id, now)
		if !ok {
			return
		}
		log.Printf("ENGINE: participant %d left the channel", id)
		if released == e.cfg.SelfID {
			e.endLocalConversation(ctx, "partner left")
		}
	}
}

// Stats is a point-in-time summary for the monitor surface.
type Stats struct {
	Participants        int `json:"participants"`
	Available           int `json:"available"`
	Waiting             int `json:"waiting"`
	ActiveConversations int `json:"activeConversations"`
}

func (e *Engine) Stats() Stats {
	var s Stats
	e.do(func() {
		s = Stats{
			Participants:        e.reg.Len(),
			Available:           len(e.reg.ListByStatus(proto.StatusAvailable)),
			Waiting:             len(e.reg.ListByStatus(proto.StatusWaiting)),
			ActiveConversations: e.convs.ActiveCount(),
		}
	})
	return s
}

// ── Envelope application (runs on the engine goroutine) ─────────────────────

func (e *Engine) apply(env *proto.Envelope) {
	if env == nil || !env.Valid() {
		return
	}
	if env.SenderID == e.cfg.SelfID {
		return // own echo
	}
	now := e.cfg.Now()
	if e.seen.Seen(env.MessageID, now) {
		if e.cfg.Debug {
			log.Printf("ENGINE: dropped duplicate %s envelope %s", env.Kind, env.MessageID)
		}
		return
	}

	switch env.Kind {
	case proto.KindPresence:
		e.applyPresence(env)
	case proto.KindConversationStart:
		e.applyConversationStart(env)
	case proto.KindConversationEnd:
		e.applyConversationEnd(env)
	}
}

func (e *Engine) applyPresence(env *proto.Envelope) {
	p := env.Presence
	if p.ParticipantID == e.cfg.SelfID {
		// Remote view of the local participant; local state is authoritative.
		return
	}

	if p.Departed {
		now := e.cfg.Now()
		if _, released, ok := e.reg.Remove(p.ParticipantID, now); ok {
			log.Printf("ENGINE: participant %d departed", p.ParticipantID)
			if released == e.cfg.SelfID {
				e.endLocalConversation(context.Background(), "partner departed")
			}
		}
		return
	}

	applied := e.reg.Upsert(state.Participant{
		ID:          p.ParticipantID,
		Status:      p.Status,
		Partner:     p.Partner,
		JoinedAt:    p.JoinedAt,
		LastUpdated: env.TS,
	})
	if !applied && e.cfg.Debug {
		log.Printf("ENGINE: dropped stale presence for %d (ts %d)", p.ParticipantID, env.TS)
	}
}

func (e *Engine) applyConversationStart(env *proto.Envelope) {
	c := env.Conversation

	if !e.involvesSelf(c) {
		// Third-party conversation: cache the record and both members' states.
		e.convs.RetirePair(c.Low, c.High, env.TS-1)
		applied := e.convs.Upsert(state.Conversation{
			ID: c.ConversationID, Low: c.Low, High: c.High,
			Status: proto.ConvActive, StartedAt: c.StartedAt, LastUpdated: env.TS,
		})
		if !applied {
			// A newer record (typically the end, delivered first) wins.
			return
		}
		e.cachePairStatus(c, env.TS)
		return
	}

	// The canonical pair must match what we compute locally from (self,
	// sender); anything else is a sync conflict and never overwrites state.
	low, high := proto.PairKey(e.cfg.SelfID, env.SenderID)
	if c.Low != low || c.High != high {
		log.Printf("ENGINE: sync conflict — conversation %s pair (%d,%d) does not match local (%d,%d), discarded",
			c.ConversationID, c.Low, c.High, low, high)
		return
	}

	self, _ := e.reg.Get(e.cfg.SelfID)
	if self.Status == proto.StatusInConversation {
		if cur, ok := e.convs.ActiveFor(e.cfg.SelfID); ok && cur.ID != c.ConversationID {
			log.Printf("ENGINE: sync conflict — already in conversation %s, discarding start of %s",
				cur.ID, c.ConversationID)
			return
		}
		// Same conversation replayed through another adapter: no-op.
		return
	}

	partner := e.partnerIn(c)
	e.convs.RetirePair(c.Low, c.High, env.TS-1)
	conv := state.Conversation{
		ID: c.ConversationID, Low: c.Low, High: c.High,
		Status: proto.ConvActive, StartedAt: c.StartedAt, LastUpdated: env.TS,
	}
	if !e.convs.Upsert(conv) {
		// The end for this conversation beat its start here; stay out of it.
		return
	}
	e.bindPair(e.cfg.SelfID, partner, env.TS)

	// Recording starts before any outward envelope so it cannot race the
	// remote side's own start.
	e.startRecordingOnce(conv.ID)
	if e.hooks.ConversationStarted != nil {
		e.hooks.ConversationStarted(conv, partner)
	}

	if self2, ok := e.reg.Get(e.cfg.SelfID); ok {
		e.fanOut(context.Background(), e.presenceEnvelope(self2, false))
	}
	log.Printf("ENGINE: joined conversation %s with participant %d", conv.ID, partner)
}

func (e *Engine) applyConversationEnd(env *proto.Envelope) {
	c := env.Conversation

	if !e.involvesSelf(c) {
		if e.convs.End(c.ConversationID, env.TS) {
			e.releasePair(c.Low, c.High, env.TS)
		} else {
			e.tombstone(c, env.TS)
		}
		return
	}

	cur, ok := e.convs.ActiveFor(e.cfg.SelfID)
	if !ok || cur.ID != c.ConversationID {
		// Not in that conversation (anymore): defined no-op.
		if !e.convs.End(c.ConversationID, env.TS) {
			e.tombstone(c, env.TS)
		}
		return
	}

	partner := e.partnerIn(c)
	e.convs.End(c.ConversationID, env.TS)
	e.releasePair(c.Low, c.High, env.TS)
	e.stopRecordingOnce(c.ConversationID)
	if e.hooks.ConversationEnded != nil {
		e.hooks.ConversationEnded(cur, partner)
	}

	if self, ok := e.reg.Get(e.cfg.SelfID); ok {
		e.fanOut(context.Background(), e.presenceEnvelope(self, false))
	}
	log.Printf("ENGINE: conversation %s ended by participant %d", c.ConversationID, env.SenderID)
}

// ── Shared transition helpers (engine goroutine only) ───────────────────────

func (e *Engine) involvesSelf(c *proto.ConversationPayload) bool {
	return c.Low == e.cfg.SelfID || c.High == e.cfg.SelfID
}

func (e *Engine) partnerIn(c *proto.ConversationPayload) int64 {
	if c.Low == e.cfg.SelfID {
		return c.High
	}
	return c.Low
}

// commitStamp returns the timestamp an engine-committed transition must carry
// so it beats the registry's strict last-write-wins. LWW gates remote presence
// snapshots; a transition the engine has already accepted must never lose to
// the record it is replacing, even inside the same wall-clock millisecond.
func (e *Engine) commitStamp(p state.Participant, ts int64) int64 {
	if now := e.cfg.Now(); now > ts {
		ts = now
	}
	if p.LastUpdated >= ts {
		ts = p.LastUpdated + 1
	}
	return ts
}

// bindPair sets both members to in_conversation with each other at ts.
func (e *Engine) bindPair(a, b, ts int64) {
	for _, pair := range [2][2]int64{{a, b}, {b, a}} {
		p, ok := e.reg.Get(pair[0])
		if !ok {
			p = state.Participant{ID: pair[0], JoinedAt: ts}
		}
		p.Status = proto.StatusInConversation
		p.Partner = pair[1]
		p.LastUpdated = e.commitStamp(p, ts)
		e.reg.Upsert(p)
	}
}

// releasePair resets both members to available with no partner at ts.
func (e *Engine) releasePair(a, b, ts int64) {
	for _, id := range [2]int64{a, b} {
		p, ok := e.reg.Get(id)
		if !ok {
			continue
		}
		p.Status = proto.StatusAvailable
		p.Partner = 0
		p.LastUpdated = e.commitStamp(p, ts)
		e.reg.Upsert(p)
	}
}

// tombstone records an ended conversation we never saw start. Transports are
// unordered, so the end can arrive first; without the tombstone the late
// start would recreate the conversation as active.
func (e *Engine) tombstone(c *proto.ConversationPayload, ts int64) {
	if _, ok := e.convs.Get(c.ConversationID); ok {
		return
	}
	e.convs.Upsert(state.Conversation{
		ID: c.ConversationID, Low: c.Low, High: c.High,
		Status: proto.ConvEnded, StartedAt: c.StartedAt, LastUpdated: ts,
	})
}

// cachePairStatus mirrors a third-party conversation_start into the two
// members' cached registry records.
func (e *Engine) cachePairStatus(c *proto.ConversationPayload, ts int64) {
	e.bindPair(c.Low, c.High, ts)
}

// endLocalConversation ends the local participant's active conversation and
// fans the end + refreshed presence out. Returns false when not paired.
func (e *Engine) endLocalConversation(ctx context.Context, reason string) bool {
	conv, ok := e.convs.ActiveFor(e.cfg.SelfID)
	if !ok {
		return false
	}
	now := e.cfg.Now()
	partner := conv.PartnerOf(e.cfg.SelfID)

	e.convs.End(conv.ID, now)
	e.releasePair(conv.Low, conv.High, now)
	e.stopRecordingOnce(conv.ID)
	if e.hooks.ConversationEnded != nil {
		e.hooks.ConversationEnded(conv, partner)
	}

	e.fanOut(ctx, e.endEnvelope(conv, now))
	if self, ok := e.reg.Get(e.cfg.SelfID); ok {
		e.fanOut(ctx, e.presenceEnvelope(self, false))
	}
	log.Printf("ENGINE: ended conversation %s (%s)", conv.ID, reason)
	return true
}

func (e *Engine) startRecordingOnce(conversationID string) {
	if e.recStarted[conversationID] {
		return
	}
	e.recStarted[conversationID] = true
	e.rec.StartRecording(conversationID)
}

func (e *Engine) stopRecordingOnce(conversationID string) {
	if !e.recStarted[conversationID] {
		return
	}
	delete(e.recStarted, conversationID)
	e.rec.StopRecording(conversationID)
}

// ── Outward fan-out ─────────────────────────────────────────────────────────

// fanOut submits env to every adapter. Per-adapter unavailability is
// expected; only all-adapters-unavailable is worth a warning.
func (e *Engine) fanOut(ctx context.Context, env *proto.Envelope) {
	delivered := 0
	for _, a := range e.adapters {
		if a.Send(ctx, env) == transport.Delivered {
			delivered++
		} else if e.cfg.Debug {
			log.Printf("ENGINE: %s adapter unavailable for %s envelope", a.Name(), env.Kind)
		}
	}
	if delivered == 0 && len(e.adapters) > 0 {
		log.Printf("ENGINE: WARNING all %d adapters unavailable for %s envelope %s",
			len(e.adapters), env.Kind, env.MessageID)
	}
}

func (e *Engine) presenceEnvelope(p state.Participant, departed bool) *proto.Envelope {
	return &proto.Envelope{
		Kind:      proto.KindPresence,
		MessageID: proto.NewMessageID(),
		SenderID:  e.cfg.SelfID,
		TargetID:  proto.BroadcastTarget,
		TS:        p.LastUpdated,
		Presence: &proto.PresencePayload{
			ParticipantID: p.ID,
			Status:        p.Status,
			Partner:       p.Partner,
			JoinedAt:      p.JoinedAt,
			Departed:      departed,
		},
	}
}

func (e *Engine) startEnvelope(conv state.Conversation) *proto.Envelope {
	return &proto.Envelope{
		Kind:      proto.KindConversationStart,
		MessageID: proto.NewMessageID(),
		SenderID:  e.cfg.SelfID,
		TargetID:  conv.PartnerOf(e.cfg.SelfID),
		TS:        conv.LastUpdated,
		Conversation: &proto.ConversationPayload{
			ConversationID: conv.ID,
			Low:            conv.Low,
			High:           conv.High,
			Status:         proto.ConvActive,
			StartedAt:      conv.StartedAt,
		},
	}
}

func (e *Engine) endEnvelope(conv state.Conversation, ts int64) *proto.Envelope {
	return &proto.Envelope{
		Kind:      proto.KindConversationEnd,
		MessageID: proto.NewMessageID(),
		SenderID:  e.cfg.SelfID,
		TargetID:  conv.PartnerOf(e.cfg.SelfID),
		TS:        ts,
		Conversation: &proto.ConversationPayload{
			ConversationID: conv.ID,
			Low:            conv.Low,
			High:           conv.High,
			Status:         proto.ConvEnded,
			StartedAt:      conv.StartedAt,
		},
	}
}
