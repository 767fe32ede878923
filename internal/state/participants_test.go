package state

import (
	"testing"

	"github.com/pairwave/pairwave/internal/proto"
)

func TestUpsertLastWriteWins(t *testing.T) {
	r := NewRegistry()

	p := Participant{ID: 1, Status: proto.StatusAvailable, JoinedAt: 100, LastUpdated: 100}
	if !r.Upsert(p) {
		t.Fatal("first upsert should apply")
	}

	// Same timestamp: duplicate delivery, must be a no-op.
	stale := Participant{ID: 1, Status: proto.StatusWaiting, JoinedAt: 100, LastUpdated: 100}
	if r.Upsert(stale) {
		t.Fatal("equal-timestamp upsert should not apply")
	}

	// Older timestamp: reordered delivery, must be a no-op.
	older := Participant{ID: 1, Status: proto.StatusWaiting, JoinedAt: 100, LastUpdated: 50}
	if r.Upsert(older) {
		t.Fatal("older upsert should not apply")
	}

	got, _ := r.Get(1)
	if got.Status != proto.StatusAvailable {
		t.Fatalf("status = %q, want available", got.Status)
	}

	// Strictly newer wins.
	newer := Participant{ID: 1, Status: proto.StatusWaiting, JoinedAt: 100, LastUpdated: 101}
	if !r.Upsert(newer) {
		t.Fatal("newer upsert should apply")
	}
	got, _ = r.Get(1)
	if got.Status != proto.StatusWaiting {
		t.Fatalf("status = %q, want waiting", got.Status)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	r := NewRegistry()
	p := Participant{ID: 7, Status: proto.StatusAvailable, JoinedAt: 10, LastUpdated: 10}

	for i := 0; i < 5; i++ {
		r.Upsert(p)
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
	got, _ := r.Get(7)
	if got != p {
		t.Fatalf("got %+v, want %+v", got, p)
	}
}

func TestUpsertKeepsOriginalJoinedAt(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Participant{ID: 1, Status: proto.StatusAvailable, JoinedAt: 100, LastUpdated: 100})
	r.Upsert(Participant{ID: 1, Status: proto.StatusWaiting, JoinedAt: 500, LastUpdated: 500})

	got, _ := r.Get(1)
	if got.JoinedAt != 100 {
		t.Fatalf("JoinedAt = %d, want original 100", got.JoinedAt)
	}
}

func TestRemoveCascadesToPartner(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Participant{ID: 1, Status: proto.StatusInConversation, Partner: 2, JoinedAt: 1, LastUpdated: 10})
	r.Upsert(Participant{ID: 2, Status: proto.StatusInConversation, Partner: 1, JoinedAt: 2, LastUpdated: 10})

	_, released, ok := r.Remove(1, 20)
	if !ok || released != 2 {
		t.Fatalf("Remove = (released %d, ok %v), want (2, true)", released, ok)
	}
	if _, ok := r.Get(1); ok {
		t.Fatal("participant 1 still present after remove")
	}
	p2, _ := r.Get(2)
	if p2.Status != proto.StatusAvailable || p2.Partner != 0 {
		t.Fatalf("partner not released: %+v", p2)
	}
	if p2.LastUpdated != 20 {
		t.Fatalf("partner LastUpdated = %d, want 20", p2.LastUpdated)
	}
}

func TestListByStatusOrderedByJoinedAt(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Participant{ID: 3, Status: proto.StatusAvailable, JoinedAt: 300, LastUpdated: 1})
	r.Upsert(Participant{ID: 1, Status: proto.StatusAvailable, JoinedAt: 100, LastUpdated: 1})
	r.Upsert(Participant{ID: 2, Status: proto.StatusWaiting, JoinedAt: 200, LastUpdated: 1})

	avail := r.ListByStatus(proto.StatusAvailable)
	if len(avail) != 2 || avail[0].ID != 1 || avail[1].ID != 3 {
		t.Fatalf("ListByStatus(available) = %+v, want [1 3] by JoinedAt", avail)
	}
}

func TestPruneStale(t *testing.T) {
	r := NewRegistry()
	r.Upsert(Participant{ID: 1, Status: proto.StatusInConversation, Partner: 2, JoinedAt: 1, LastUpdated: 100})
	r.Upsert(Participant{ID: 2, Status: proto.StatusInConversation, Partner: 1, JoinedAt: 2, LastUpdated: 900})
	r.Upsert(Participant{ID: 3, Status: proto.StatusAvailable, JoinedAt: 3, LastUpdated: 950})

	removed := r.PruneStale(500, 1000)
	if len(removed) != 1 || removed[0] != 1 {
		t.Fatalf("PruneStale removed %v, want [1]", removed)
	}
	// Stale in-conversation participant released its partner.
	p2, _ := r.Get(2)
	if p2.Status != proto.StatusAvailable || p2.Partner != 0 {
		t.Fatalf("partner of pruned participant not released: %+v", p2)
	}
	if _, ok := r.Get(3); !ok {
		t.Fatal("fresh participant 3 was pruned")
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	r := NewRegistry()
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	r.Upsert(Participant{ID: 5, Status: proto.StatusAvailable, JoinedAt: 1, LastUpdated: 1})

	select {
	case evt := <-ch:
		if evt.Type != "update" || evt.ID != 5 {
			t.Fatalf("event = %+v, want update for 5", evt)
		}
	default:
		t.Fatal("no event delivered")
	}
}
