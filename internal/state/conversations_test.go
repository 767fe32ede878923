package state

import (
	"testing"

	"github.com/pairwave/pairwave/internal/proto"
)

func conv(id string, low, high int64, status string, ts int64) Conversation {
	return Conversation{ID: id, Low: low, High: high, Status: status, StartedAt: ts, LastUpdated: ts}
}

func TestActiveForPairOrderIndependent(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(conv("c1", 1, 2, proto.ConvActive, 100))

	if _, ok := tbl.ActiveForPair(1, 2); !ok {
		t.Fatal("ActiveForPair(1,2) not found")
	}
	if _, ok := tbl.ActiveForPair(2, 1); !ok {
		t.Fatal("ActiveForPair(2,1) not found")
	}
	if _, ok := tbl.ActiveForPair(1, 3); ok {
		t.Fatal("ActiveForPair(1,3) unexpectedly found")
	}
}

func TestRetirePairLeavesOneActive(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(conv("old", 1, 2, proto.ConvActive, 100))

	retired := tbl.RetirePair(2, 1, 200)
	if len(retired) != 1 || retired[0] != "old" {
		t.Fatalf("RetirePair = %v, want [old]", retired)
	}
	tbl.Upsert(conv("new", 1, 2, proto.ConvActive, 200))

	if n := tbl.ActiveCount(); n != 1 {
		t.Fatalf("active count = %d, want 1", n)
	}
	c, ok := tbl.ActiveForPair(1, 2)
	if !ok || c.ID != "new" {
		t.Fatalf("active conversation = %+v, want new", c)
	}
}

func TestEndIdempotent(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(conv("c1", 1, 2, proto.ConvActive, 100))

	if !tbl.End("c1", 150) {
		t.Fatal("first End should apply")
	}
	if tbl.End("c1", 160) {
		t.Fatal("second End should be a no-op")
	}
	if tbl.End("missing", 160) {
		t.Fatal("End of unknown id should be a no-op")
	}
	c, _ := tbl.Get("c1")
	if c.Status != proto.ConvEnded || c.LastUpdated != 150 {
		t.Fatalf("conversation = %+v, want ended at 150", c)
	}
}

func TestUpsertLastWriteWinsConversation(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(conv("c1", 1, 2, proto.ConvActive, 100))

	// Replayed older record must not resurrect an ended conversation.
	tbl.End("c1", 200)
	if tbl.Upsert(conv("c1", 1, 2, proto.ConvActive, 150)) {
		t.Fatal("older upsert should not apply")
	}
	c, _ := tbl.Get("c1")
	if c.Status != proto.ConvEnded {
		t.Fatalf("status = %q, want ended", c.Status)
	}
}

func TestPruneRemovesEndedAndExpired(t *testing.T) {
	tbl := NewTable()
	tbl.Upsert(conv("ended", 1, 2, proto.ConvEnded, 900))
	tbl.Upsert(conv("stale", 3, 4, proto.ConvActive, 100))
	tbl.Upsert(conv("live", 5, 6, proto.ConvActive, 900))

	removed := tbl.Prune(500)
	if len(removed) != 2 {
		t.Fatalf("Prune removed %d records, want 2", len(removed))
	}
	if _, ok := tbl.Get("live"); !ok {
		t.Fatal("live conversation was pruned")
	}
	if _, ok := tbl.Get("ended"); ok {
		t.Fatal("ended conversation survived prune")
	}
	if _, ok := tbl.Get("stale"); ok {
		t.Fatal("stale conversation survived prune")
	}
}

func TestPartnerOf(t *testing.T) {
	c := conv("c1", 1, 2, proto.ConvActive, 1)
	if c.PartnerOf(1) != 2 || c.PartnerOf(2) != 1 || c.PartnerOf(9) != 0 {
		t.Fatalf("PartnerOf wrong: %d %d %d", c.PartnerOf(1), c.PartnerOf(2), c.PartnerOf(9))
	}
}
