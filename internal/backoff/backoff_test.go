package backoff

import (
	"testing"
	"time"
)

func TestTimerDoublesToMaximum(t *testing.T) {
	b := New(10*time.Millisecond, 35*time.Millisecond)
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Fatalf("step %d: expected %s, got %s", i, w, got)
		}
	}
	b.Reset()
	if got := b.Next(); got != 10*time.Millisecond {
		t.Fatalf("expected reset to initial, got %s", got)
	}
}

func TestTimerDefaults(t *testing.T) {
	b := New(0, 0)
	if got := b.Next(); got != time.Second {
		t.Fatalf("expected 1s default, got %s", got)
	}
	if got := b.Next(); got != time.Second {
		t.Fatalf("expected maximum clamped to initial, got %s", got)
	}
}

func TestWaitStopsOnQuit(t *testing.T) {
	b := New(time.Minute, time.Minute)
	quit := make(chan struct{})
	close(quit)
	start := time.Now()
	if b.Wait(quit) {
		t.Fatalf("expected Wait to report quit")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Wait did not return promptly")
	}
	if !New(time.Millisecond, time.Millisecond).Wait(make(chan struct{})) {
		t.Fatalf("expected Wait to complete")
	}
}
