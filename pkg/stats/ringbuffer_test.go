package stats

import "testing"

func TestRingBufferWrapsAndOrdersNewestFirst(t *testing.T) {
	rb := NewRingBuffer(3)
	rb.Add(Event{URL: "a", Kind: "x"})
	rb.Add(Event{URL: "b", Kind: "x"})
	rb.Add(Event{URL: "c", Kind: "x"})
	rb.Add(Event{URL: "d", Kind: "x"}) // overwrites "a"

	recent := rb.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(recent))
	}
	if recent[0].URL != "d" || recent[2].URL != "b" {
		t.Fatalf("unexpected order: %+v", recent)
	}
}

func TestRingBufferLimit(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Add(Event{URL: "a"})
	rb.Add(Event{URL: "b"})

	recent := rb.Recent(1)
	if len(recent) != 1 || recent[0].URL != "b" {
		t.Fatalf("expected [b], got %+v", recent)
	}
}
