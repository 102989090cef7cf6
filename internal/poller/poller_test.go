//go:build linux

package poller

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadableAfterPeerWrite(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	defer p.Close()

	local, remote := socketPair(t)
	if err := p.Register(local, Readable); err != nil {
		t.Fatalf("register: %v", err)
	}

	events, err := p.Wait(0)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}

	if _, err := unix.Write(remote, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	events, err = p.Wait(time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(events) != 1 || events[0].Fd != local || events[0].Ready&Readable == 0 {
		t.Fatalf("expected readable event for %d, got %v", local, events)
	}
}

func TestModifyToWritable(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	defer p.Close()

	local, _ := socketPair(t)
	if err := p.Register(local, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if events, _ := p.Wait(0); len(events) != 0 {
		t.Fatalf("zero mask reported %v", events)
	}
	if err := p.Modify(local, Writable); err != nil {
		t.Fatalf("modify: %v", err)
	}
	events, err := p.Wait(time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(events) != 1 || events[0].Ready&Writable == 0 {
		t.Fatalf("expected writable event, got %v", events)
	}
	if err := p.Unregister(local); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if events, _ := p.Wait(0); len(events) != 0 {
		t.Fatalf("unregistered fd reported %v", events)
	}
}

func TestWakeInterruptsWait(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	defer p.Close()

	done := make(chan []Event, 1)
	go func() {
		events, _ := p.Wait(-1)
		done <- events
	}()
	time.Sleep(20 * time.Millisecond)
	if err := p.Wake(); err != nil {
		t.Fatalf("wake: %v", err)
	}
	select {
	case events := <-done:
		if len(events) != 0 {
			t.Fatalf("wake should not surface events, got %v", events)
		}
	case <-time.After(time.Second):
		t.Fatal("wait was not interrupted")
	}
}

func TestCloseTwice(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := p.Wait(0); err != ErrClosed {
		t.Fatalf("expected ErrClosed from wait, got %v", err)
	}
}

func TestHangupReportedWithoutInterest(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("new poller: %v", err)
	}
	defer p.Close()

	local, remote := socketPair(t)
	if err := p.Register(local, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := unix.Shutdown(remote, unix.SHUT_RDWR); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	events, err := p.Wait(time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if len(events) != 1 || events[0].Fd != local || events[0].Ready&Hangup == 0 {
		t.Fatalf("expected hangup for %d, got %v", local, events)
	}
}
