// Package system exercises the wall clock adapter.
package system

import (
	"testing"
	"time"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestClockMeasuresElapsed(t *testing.T) {
	t.Parallel()

	clk := New()
	start := clk.Now()
	time.Sleep(5 * time.Millisecond)
	if elapsed := clk.Now().Sub(start); elapsed < 5*time.Millisecond {
		t.Fatalf("expected at least 5ms elapsed, got %v", elapsed)
	}
}
