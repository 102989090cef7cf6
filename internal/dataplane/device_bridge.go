package dataplane

import (
	"sync"
)

// FrameDevice is the part of device.Device a DeviceBridge drives.
type FrameDevice interface {
	Name() string
	Submit(frame []byte) error
	StartRead() error
	StopRead() error
}

// DeviceBridge exposes a TUN/TAP device as an Interface. Frames read from
// the device appear on Outbound. When Outbound is full the bridge stops
// reading from the device and resumes once the backlog has been handed
// over, so the kernel queue absorbs the burst instead of the bridge dropping
// frames.
//
// Handle must be installed as the device's handler before the device is
// opened; Attach then binds the device itself.
type DeviceBridge struct {
	outbound chan Frame

	mu      sync.Mutex
	dev     FrameDevice
	backlog []Frame
	paused  bool
	closed  bool
	pauses  uint64
	quit    chan struct{}
	wg      sync.WaitGroup
}

func NewDeviceBridge(buffer int) *DeviceBridge {
	if buffer <= 0 {
		buffer = 256
	}
	return &DeviceBridge{
		outbound: make(chan Frame, buffer),
		quit:     make(chan struct{}),
	}
}

func (b *DeviceBridge) Attach(dev FrameDevice) {
	b.mu.Lock()
	b.dev = dev
	b.mu.Unlock()
}

// Handle accepts one inbound frame from the device.
func (b *DeviceBridge) Handle(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.dev == nil {
		return
	}
	f := Frame{Peer: b.dev.Name(), Payload: frame}
	if b.paused {
		b.backlog = append(b.backlog, f)
		return
	}
	select {
	case b.outbound <- f:
		return
	default:
	}
	b.paused = true
	b.pauses++
	b.backlog = append(b.backlog, f)
	_ = b.dev.StopRead()
	b.wg.Add(1)
	go b.drain()
}

func (b *DeviceBridge) drain() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		if len(b.backlog) == 0 {
			b.paused = false
			dev := b.dev
			b.mu.Unlock()
			_ = dev.StartRead()
			return
		}
		f := b.backlog[0]
		b.mu.Unlock()

		select {
		case b.outbound <- f:
		case <-b.quit:
			return
		}

		b.mu.Lock()
		b.backlog[0] = Frame{}
		b.backlog = b.backlog[1:]
		b.mu.Unlock()
	}
}

func (b *DeviceBridge) Outbound() <-chan Frame {
	return b.outbound
}

// Deliver submits payload to the device. peer is ignored; the device is
// the only endpoint.
func (b *DeviceBridge) Deliver(_ string, payload []byte) error {
	b.mu.Lock()
	dev, closed := b.dev, b.closed
	b.mu.Unlock()
	if closed || dev == nil {
		return ErrClosed
	}
	return dev.Submit(payload)
}

// Paused reports whether reading is currently held back.
func (b *DeviceBridge) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Pauses counts how many times Outbound filled up.
func (b *DeviceBridge) Pauses() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pauses
}

// Close stops the bridge and closes Outbound. The device stays open.
func (b *DeviceBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.quit)
	b.mu.Unlock()

	b.wg.Wait()
	b.mu.Lock()
	b.backlog = nil
	close(b.outbound)
	b.mu.Unlock()
	return nil
}
