package scrollback

import "testing"

func TestRingEvictsOldest(t *testing.T) {
	r := NewRing(3)

	for i := 0; i < 5; i++ {
		r.Append(Line{Text: string(rune('a' + i))})
	}

	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	if r.Total() != 5 {
		t.Fatalf("Total() = %d, want 5", r.Total())
	}

	got := r.All()
	want := []string{"c", "d", "e"}
	for i, l := range got {
		if l.Text != want[i] {
			t.Errorf("All()[%d] = %q, want %q", i, l.Text, want[i])
		}
	}
}

func TestRingIterFromAfterEviction(t *testing.T) {
	r := NewRing(2)
	for i := 0; i < 4; i++ {
		r.Append(Line{Text: string(rune('a' + i))})
	}

	// Offset 1 ("b") was evicted; IterFrom should clamp to the earliest
	// retained line rather than panic or skip past it.
	got := r.IterFrom(1)
	if len(got) != 2 || got[0].Text != "c" {
		t.Fatalf("IterFrom(1) = %+v, want starting at \"c\"", got)
	}
}

func TestRingUnread(t *testing.T) {
	r := NewRing(10)
	r.Append(Line{Text: "1"})
	r.Append(Line{Text: "2"})
	r.MarkRead()
	r.Append(Line{Text: "3"})

	if u := r.Unread(); u != 1 {
		t.Fatalf("Unread() = %d, want 1", u)
	}
}

func TestRingClearResetsOffsets(t *testing.T) {
	r := NewRing(10)
	r.Append(Line{Text: "1"})
	r.MarkRead()
	r.Clear()

	if r.Len() != 0 || r.Total() != 0 || r.LastReadMarker() != 0 {
		t.Fatalf("Clear() did not fully reset ring: %+v", r)
	}
}

func TestRingDefaultCapacity(t *testing.T) {
	r := NewRing(0)
	if r.cap != DefaultCap {
		t.Fatalf("NewRing(0) cap = %d, want %d", r.cap, DefaultCap)
	}
}
