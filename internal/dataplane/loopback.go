package dataplane

import (
	"sync"
	"sync/atomic"
)

// Loopback reflects every delivered frame back onto Outbound, so a device
// pumped through it sees its own traffic again. Observers can Subscribe to
// the frames of a peer and Inject frames of their own.
type Loopback struct {
	outbound    chan Frame
	mu          sync.RWMutex
	subscribers map[string][]chan []byte
	closed      bool
	dropped     atomic.Uint64
}

func NewLoopback(buffer int) *Loopback {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loopback{
		outbound:    make(chan Frame, buffer),
		subscribers: make(map[string][]chan []byte),
	}
}

// Inject queues a frame on Outbound as if it had been delivered.
func (l *Loopback) Inject(peer string, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	return l.push(Frame{Peer: peer, Payload: append([]byte(nil), payload...)})
}

func (l *Loopback) push(frame Frame) error {
	select {
	case l.outbound <- frame:
		return nil
	default:
		l.dropped.Add(1)
		return ErrQueueFull
	}
}

func (l *Loopback) Outbound() <-chan Frame {
	return l.outbound
}

// Deliver copies payload to the peer's subscribers and echoes it on
// Outbound. Slow subscribers miss frames rather than stall the plane.
func (l *Loopback) Deliver(peer string, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	for _, ch := range l.subscribers[peer] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return l.push(Frame{Peer: peer, Payload: append([]byte(nil), payload...)})
}

// Subscribe registers a consumer for frames delivered to peer. The channel
// is closed when the loopback shuts down.
func (l *Loopback) Subscribe(peer string, buffer int) (<-chan []byte, error) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan []byte, buffer)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	l.subscribers[peer] = append(l.subscribers[peer], ch)
	return ch, nil
}

// Dropped counts frames that did not fit on Outbound.
func (l *Loopback) Dropped() uint64 {
	return l.dropped.Load()
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, listeners := range l.subscribers {
		for _, ch := range listeners {
			close(ch)
		}
	}
	close(l.outbound)
	return nil
}
