package engine

import (
	"time"

	"github.com/pairwave/pairwave/internal/util"
)

// seenEntry is one ring slot: the id plus when that sighting happened. The
// timestamp lets eviction tell a stale slot from a fresher re-sighting of the
// same id (possible after Expire dropped the first one).
type seenEntry struct {
	id string
	at int64
}

// dedup is the bounded recently-seen message-id set. At-least-once delivery
// across three redundant transports routinely hands the engine the same
// logical event 2-3 times; repeats are dropped here before they reach the
// transition table.
//
// Bounded two ways: by count (ring-buffer eviction order) and by age
// (expire drops ids older than the window). Only touched from the engine
// goroutine, so no locking beyond the ring's own.
type dedup struct {
	ids    map[string]int64 // message id → first-seen millis
	order  *util.RingBuffer[seenEntry]
	window int64 // millis
}

func newDedup(capacity int, window time.Duration) *dedup {
	return &dedup{
		ids:    make(map[string]int64, capacity),
		order:  util.NewRingBuffer[seenEntry](capacity),
		window: window.Milliseconds(),
	}
}

// Seen records id and reports whether it was already present.
func (d *dedup) Seen(id string, now int64) bool {
	if _, ok := d.ids[id]; ok {
		return true
	}
	if evicted, full := d.order.Push(seenEntry{id: id, at: now}); full {
		// Drop the map entry only if it belongs to this slot; a newer
		// sighting of the same id keeps its full window.
		if at, ok := d.ids[evicted.id]; ok && at <= evicted.at {
			delete(d.ids, evicted.id)
		}
	}
	d.ids[id] = now
	return false
}

// Expire forgets ids first seen more than the window ago. Their ring slots
// age out on their own through eviction.
func (d *dedup) Expire(now int64) {
	cutoff := now - d.window
	for id, seen := range d.ids {
		if seen < cutoff {
			delete(d.ids, id)
		}
	}
}

func (d *dedup) Len() int { return len(d.ids) }
