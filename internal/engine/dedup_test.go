package engine

import (
	"testing"
	"time"
)

func TestDedupDropsRepeatsWithinWindow(t *testing.T) {
	d := newDedup(8, time.Second)

	if d.Seen("a", 100) {
		t.Fatal("first sighting reported as seen")
	}
	if !d.Seen("a", 200) {
		t.Fatal("repeat within window not detected")
	}

	d.Expire(2000)
	if d.Seen("a", 2000) {
		t.Fatal("id past the window still reported as seen")
	}
}

func TestDedupCapacityEviction(t *testing.T) {
	d := newDedup(2, time.Hour)

	d.Seen("a", 100)
	d.Seen("b", 110)
	d.Seen("c", 120) // evicts a

	if d.Seen("a", 130) {
		t.Fatal("evicted id still reported as seen")
	}
	if !d.Seen("c", 140) {
		t.Fatal("retained id not reported as seen")
	}
	if d.Len() != 2 {
		t.Fatalf("len = %d, want capacity 2", d.Len())
	}
}

// An id can be sighted again after its first sighting expired. The stale ring
// slot from the first sighting eventually gets evicted; that eviction must not
// take the fresh sighting's window with it.
func TestDedupStaleSlotEvictionKeepsResighting(t *testing.T) {
	d := newDedup(2, time.Second)

	d.Seen("a", 100)
	d.Expire(2000) // a's window lapsed; its ring slot lingers

	if d.Seen("a", 2000) {
		t.Fatal("expired id reported as seen on re-sighting")
	}
	d.Seen("b", 2100) // ring full: evicts the stale a slot from ts 100

	if !d.Seen("a", 2150) {
		t.Fatal("fresh re-sighting lost its window to the stale slot's eviction")
	}
}
