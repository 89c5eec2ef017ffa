package cacheagent

import (
	"testing"

	"github.com/ductranprof99/go-image-downloader/resource"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := New(Config{HighLimit: 10, LowLimit: 10})
	c.Put("u1", "img1", resource.Low)
	c.Put("u1", "img2", resource.Low) // P1: last value wins

	got, ok := c.Get("u1")
	if !ok || got != "img2" {
		t.Fatalf("expected img2, got %v (%v)", got, ok)
	}
}

func TestCapacityInvariant(t *testing.T) {
	c := New(Config{HighLimit: 2, LowLimit: 2})
	c.Put("a", "1", resource.Low)
	c.Put("b", "2", resource.Low)
	c.Put("c", "3", resource.Low)

	if c.LowCount() > 2 {
		t.Fatalf("P2 violated: low count %d > limit 2", c.LowCount())
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected LRU entry 'a' to have been evicted")
	}
}

func TestClearLowLeavesHighUnchanged(t *testing.T) {
	c := New(Config{HighLimit: 10, LowLimit: 10})
	c.Put("h1", "hi", resource.High)
	c.Put("l1", "lo", resource.Low)

	c.ClearLow()

	if _, ok := c.Get("h1"); !ok {
		t.Fatal("P3 violated: high entry disappeared after ClearLow")
	}
	if _, ok := c.Get("l1"); ok {
		t.Fatal("expected low entry to be gone after ClearLow")
	}
}

func TestHighOverflowSpillsExactlyOnce(t *testing.T) {
	c := New(Config{HighLimit: 1, LowLimit: 10})

	var spilled []string
	c.OnEvictHigh(func(url string, p resource.Priority, img interface{}) {
		spilled = append(spilled, url)
	})

	c.Put("u1", "I1", resource.High)
	c.Put("u2", "I2", resource.High)

	if len(spilled) != 1 || spilled[0] != "u1" {
		t.Fatalf("P4 violated: expected exactly one spill of u1, got %v", spilled)
	}
	if _, ok := c.Get("u1"); ok {
		t.Fatal("expected u1 evicted from cache")
	}
	got, ok := c.Get("u2")
	if !ok || got != "I2" {
		t.Fatalf("expected u2=I2 to remain cached, got %v (%v)", got, ok)
	}
}

func TestPriorityMoveNoDuplication(t *testing.T) {
	c := New(Config{HighLimit: 10, LowLimit: 10})
	c.Put("u1", "I1", resource.Low)
	c.Put("u1", "I1", resource.High)

	if c.LowCount() != 0 {
		t.Fatalf("C2 violated: url present in both buckets, low count %d", c.LowCount())
	}
	if c.HighCount() != 1 {
		t.Fatalf("expected url moved into high bucket, high count %d", c.HighCount())
	}
}

func TestRoundTripHighSurvivesClearLow(t *testing.T) {
	c := New(Config{HighLimit: 10, LowLimit: 10})
	c.Put("u1", "img", resource.High)
	c.ClearLow()
	got, ok := c.Get("u1")
	if !ok || got != "img" {
		t.Fatalf("P10: high entry should survive ClearLow, got %v (%v)", got, ok)
	}

	c2 := New(Config{HighLimit: 10, LowLimit: 10})
	c2.Put("u2", "img2", resource.Low)
	c2.ClearLow()
	if _, ok := c2.Get("u2"); ok {
		t.Fatal("P10: low entry should not survive ClearLow")
	}
}

func TestHardResetClearsStats(t *testing.T) {
	c := New(Config{HighLimit: 10, LowLimit: 10})
	c.Put("u1", "img", resource.High)
	c.Get("u1")
	c.Get("missing")

	c.HardReset()
	s := c.Snapshot()
	if s.HighCount != 0 || s.LowCount != 0 || s.Hits != 0 || s.Misses != 0 {
		t.Fatalf("expected hard reset state, got %+v", s)
	}
}
