package state

import (
	"sort"
	"sync"

	"github.com/pairwave/pairwave/internal/proto"
)

// Participant is one endpoint (user/device/tab) with a presence status.
// Partner must be 0 unless Status == in_conversation.
type Participant struct {
	ID          int64  `json:"id"`
	Status      string `json:"status"`
	Partner     int64  `json:"partner,omitempty"`
	JoinedAt    int64  `json:"joinedAt"`
	LastUpdated int64  `json:"lastUpdated"`
}

// Event is published to registry listeners on every applied mutation.
type Event struct {
	Type        string       `json:"type"` // "update" or "remove"
	Participant *Participant `json:"participant,omitempty"`
	ID          int64        `json:"id"`
}

// Registry is the authoritative local view of all known participants.
// Upserts are last-write-wins keyed on LastUpdated: an incoming record is
// applied only when strictly newer than the stored one, so replaying a
// duplicate or reordered envelope is a no-op.
type Registry struct {
	mu        sync.Mutex
	parts     map[int64]Participant
	listeners []chan Event
}

func NewRegistry() *Registry {
	return &Registry{
		parts:     map[int64]Participant{},
		listeners: make([]chan Event, 0),
	}
}

// Upsert applies p if no record exists for p.ID or p.LastUpdated is strictly
// newer than the stored record's. Returns true when the record was applied.
func (r *Registry) Upsert(p Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.parts[p.ID]; ok {
		if p.LastUpdated <= existing.LastUpdated {
			return false
		}
		// JoinedAt is set once at announce time; keep the original so FIFO
		// pairing stays stable across status updates.
		if existing.JoinedAt != 0 && existing.JoinedAt < p.JoinedAt {
			p.JoinedAt = existing.JoinedAt
		}
	}
	r.parts[p.ID] = p
	r.notify(Event{Type: "update", Participant: &p, ID: p.ID})
	return true
}

// Remove deletes a participant. When the removed participant had a
// conversation partner, the partner is released back to available with no
// partner, stamped with ts. Returns the removed record and the released
// partner id (0 if none).
func (r *Registry) Remove(id, ts int64) (Participant, int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parts[id]
	if !ok {
		return Participant{}, 0, false
	}
	delete(r.parts, id)
	r.notify(Event{Type: "remove", ID: id})

	released := int64(0)
	if p.Partner != 0 {
		if partner, ok := r.parts[p.Partner]; ok && partner.Partner == id {
			partner.Status = proto.StatusAvailable
			partner.Partner = 0
			partner.LastUpdated = ts
			r.parts[partner.ID] = partner
			released = partner.ID
			r.notify(Event{Type: "update", Participant: &partner, ID: partner.ID})
		}
	}
	return p, released, true
}

// Get returns the participant record for id.
func (r *Registry) Get(id int64) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.parts[id]
	return p, ok
}

// ListByStatus returns all participants with the given status, ordered by
// JoinedAt ascending (ties broken by id) so pairing selection is deterministic.
func (r *Registry) ListByStatus(status string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.parts))
	for _, p := range r.parts {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns a copy of all participant records.
func (r *Registry) Snapshot() map[int64]Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(map[int64]Participant, len(r.parts))
	for k, v := range r.parts {
		cp[k] = v
	}
	return cp
}

// Len returns the number of known participants.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parts)
}

// PruneStale removes every participant whose LastUpdated is older than
// cutoff, releasing partners of the removed (stamped with ts) the same way
// Remove does. Returns the removed ids.
func (r *Registry) PruneStale(cutoff, ts int64) []int64 {
	r.mu.Lock()
	stale := make([]int64, 0)
	for id, p := range r.parts {
		if p.LastUpdated < cutoff {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.Remove(id, ts)
	}
	return stale
}

// Subscribe returns a channel fed with registry events. Slow listeners drop
// events rather than block mutations.
func (r *Registry) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

func (r *Registry) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) notify(evt Event) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
