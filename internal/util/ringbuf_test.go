package util

import "testing"

func TestRingBufferEviction(t *testing.T) {
	rb := NewRingBuffer[int](3)

	for i := 1; i <= 3; i++ {
		if _, evicted := rb.Push(i); evicted {
			t.Fatalf("push %d evicted before full", i)
		}
	}
	if rb.Len() != 3 {
		t.Fatalf("len = %d, want 3", rb.Len())
	}

	old, evicted := rb.Push(4)
	if !evicted || old != 1 {
		t.Fatalf("push into full buffer: evicted=%v old=%d, want true/1", evicted, old)
	}

	got := rb.Snapshot()
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", got, want)
		}
	}
}
