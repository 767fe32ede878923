package state

import (
	"sync"

	"github.com/pairwave/pairwave/internal/proto"
)

// Conversation is the canonical two-party record. Low < High always, so two
// independently-reconciling sides agree on a single record for an unordered
// pair without coordination.
type Conversation struct {
	ID          string `json:"id"`
	Low         int64  `json:"low"`
	High        int64  `json:"high"`
	Status      string `json:"status"`
	StartedAt   int64  `json:"startedAt"`
	LastUpdated int64  `json:"lastUpdated"`
}

// Involves reports whether id is one of the two members.
func (c Conversation) Involves(id int64) bool { return c.Low == id || c.High == id }

// PartnerOf returns the other member, or 0 if id is not a member.
func (c Conversation) PartnerOf(id int64) int64 {
	switch id {
	case c.Low:
		return c.High
	case c.High:
		return c.Low
	}
	return 0
}

// ConvEvent is published to table listeners on every applied mutation.
type ConvEvent struct {
	Type         string        `json:"type"` // "update" or "remove"
	Conversation *Conversation `json:"conversation,omitempty"`
	ID           string        `json:"id"`
}

// Table holds all known conversation records. Like the Registry, upserts are
// last-write-wins on LastUpdated.
type Table struct {
	mu        sync.Mutex
	convs     map[string]Conversation
	listeners []chan ConvEvent
}

func NewTable() *Table {
	return &Table{
		convs:     map[string]Conversation{},
		listeners: make([]chan ConvEvent, 0),
	}
}

// Upsert applies c if unknown or strictly newer. Returns true when applied.
func (t *Table) Upsert(c Conversation) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.convs[c.ID]; ok {
		if c.LastUpdated <= existing.LastUpdated {
			return false
		}
	}
	t.convs[c.ID] = c
	t.notify(ConvEvent{Type: "update", Conversation: &c, ID: c.ID})
	return true
}

// Get returns the record for id.
func (t *Table) Get(id string) (Conversation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.convs[id]
	return c, ok
}

// ActiveForPair returns the active conversation for the unordered pair (a, b).
func (t *Table) ActiveForPair(a, b int64) (Conversation, bool) {
	low, high := proto.PairKey(a, b)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.convs {
		if c.Status == proto.ConvActive && c.Low == low && c.High == high {
			return c, true
		}
	}
	return Conversation{}, false
}

// ActiveFor returns the active conversation involving participant id, if any.
func (t *Table) ActiveFor(id int64) (Conversation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.convs {
		if c.Status == proto.ConvActive && c.Involves(id) {
			return c, true
		}
	}
	return Conversation{}, false
}

// End marks conversation id ended with timestamp ts. Idempotent: ending an
// already-ended record reports false.
func (t *Table) End(id string, ts int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.convs[id]
	if !ok || c.Status == proto.ConvEnded {
		return false
	}
	c.Status = proto.ConvEnded
	c.LastUpdated = ts
	t.convs[id] = c
	t.notify(ConvEvent{Type: "update", Conversation: &c, ID: c.ID})
	return true
}

// RetirePair ends every active conversation for the unordered pair (a, b) and
// returns the retired ids. Starting a fresh conversation for a pair must call
// this first so at most one active record exists per pair.
func (t *Table) RetirePair(a, b, ts int64) []string {
	low, high := proto.PairKey(a, b)
	t.mu.Lock()
	defer t.mu.Unlock()
	var retired []string
	for id, c := range t.convs {
		if c.Status == proto.ConvActive && c.Low == low && c.High == high {
			c.Status = proto.ConvEnded
			c.LastUpdated = ts
			t.convs[id] = c
			retired = append(retired, id)
			t.notify(ConvEvent{Type: "update", Conversation: &c, ID: id})
		}
	}
	return retired
}

// ActiveCount returns the number of active conversations.
func (t *Table) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.convs {
		if c.Status == proto.ConvActive {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of all records.
func (t *Table) Snapshot() map[string]Conversation {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]Conversation, len(t.convs))
	for k, v := range t.convs {
		cp[k] = v
	}
	return cp
}

// Prune physically removes records that are ended, or whose LastUpdated is
// older than cutoff regardless of status (defends against a partner vanishing
// without ever sending an end event). Returns the removed records.
func (t *Table) Prune(cutoff int64) []Conversation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []Conversation
	for id, c := range t.convs {
		if c.Status == proto.ConvEnded || c.LastUpdated < cutoff {
			delete(t.convs, id)
			removed = append(removed, c)
			t.notify(ConvEvent{Type: "remove", ID: id})
		}
	}
	return removed
}

// Subscribe returns a channel fed with table events. Slow listeners drop
// events rather than block mutations.
func (t *Table) Subscribe() chan ConvEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan ConvEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *Table) Unsubscribe(ch chan ConvEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notify(evt ConvEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
