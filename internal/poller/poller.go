//go:build linux

// Package poller is a small epoll wrapper reporting read/write readiness for
// registered descriptors. It is level-triggered and can be woken from another
// goroutine.
package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is a readiness mask.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
	// Hangup is only reported, never registered. epoll delivers it for
	// every descriptor, whatever its mask.
	Hangup
)

func (i Interest) String() string {
	switch i {
	case 0:
		return "none"
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Readable | Writable:
		return "readable|writable"
	default:
		return fmt.Sprintf("interest(%d)", uint32(i))
	}
}

// Event is one readiness notification.
type Event struct {
	Fd    int
	Ready Interest
}

var ErrClosed = errors.New("poller closed")

type Poller struct {
	epfd   int
	wakefd int

	mu     sync.Mutex
	closed bool
	events []unix.EpollEvent
}

func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add eventfd: %w", err)
	}
	return &Poller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, 16),
	}, nil
}

func toEpoll(mask Interest) uint32 {
	var events uint32
	if mask&Readable != 0 {
		events |= unix.EPOLLIN
	}
	if mask&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

func fromEpoll(events uint32) Interest {
	var mask Interest
	if events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		mask |= Readable
	}
	if events&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
		mask |= Writable
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		mask |= Hangup
	}
	return mask
}

// Register starts watching fd with the given mask. A zero mask keeps fd
// registered without reporting anything.
func (p *Poller) Register(fd int, mask Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}
	return nil
}

func (p *Poller) Modify(fd int, mask Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod %d: %w", fd, err)
	}
	return nil
}

func (p *Poller) Unregister(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered descriptor is ready, Wake is
// called, or timeout elapses (negative timeout waits forever). Only one
// goroutine may call Wait at a time.
func (p *Poller) Wait(timeout time.Duration) ([]Event, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	for {
		n, err := unix.EpollWait(p.epfd, p.events, msec)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}
		out := make([]Event, 0, n)
		for _, ev := range p.events[:n] {
			if int(ev.Fd) == p.wakefd {
				p.drainWake()
				continue
			}
			out = append(out, Event{Fd: int(ev.Fd), Ready: fromEpoll(ev.Events)})
		}
		return out, nil
	}
}

// Wake interrupts a concurrent Wait.
func (p *Poller) Wake() error {
	var one [8]byte
	one[0] = 1
	if _, err := unix.Write(p.wakefd, one[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *Poller) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
}

func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	err1 := unix.Close(p.wakefd)
	err2 := unix.Close(p.epfd)
	return errors.Join(err1, err2)
}
