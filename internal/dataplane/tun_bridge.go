//go:build linux

package dataplane

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"tuntap/codec"
	"tuntap/ethertype"
	"tuntap/internal/backoff"
)

const (
	defaultTUNMTU = 1420
	// tunOffset leaves room for the virtio header wireguard's linux device
	// writes in front of each packet.
	tunOffset  = 16
	maxSegment = 65535
)

// TUNBridge relays IP packets between the managed interface and a second
// kernel TUN device driven by wireguard-go's tun package. Frames in both
// directions use the managed interface's codec.
type TUNBridge struct {
	device   tun.Device
	framing  func() codec.Codec
	outbound chan Frame
	dropped  atomic.Uint64
	quit     chan struct{}
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
}

// CreateTUNBridge creates the kernel device name and bridges to it.
func CreateTUNBridge(name string, mtu int, framing func() codec.Codec, buffer int) (*TUNBridge, error) {
	if mtu <= 0 {
		mtu = defaultTUNMTU
	}
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, err
	}
	return NewTUNBridge(dev, framing, buffer), nil
}

func NewTUNBridge(dev tun.Device, framing func() codec.Codec, buffer int) *TUNBridge {
	if buffer <= 0 {
		buffer = 256
	}
	t := &TUNBridge{
		device:   dev,
		framing:  framing,
		outbound: make(chan Frame, buffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *TUNBridge) Outbound() <-chan Frame {
	return t.outbound
}

// Deliver writes the IP packet carried by payload to the peer device.
func (t *TUNBridge) Deliver(_ string, payload []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	et, packet, err := t.framing().Split(payload)
	if err != nil {
		return err
	}
	if et != ethertype.IPv4 && et != ethertype.IPv6 {
		t.dropped.Add(1)
		return fmt.Errorf("tun bridge: unsupported ethertype 0x%04x", et)
	}
	buf := make([]byte, tunOffset+len(packet))
	copy(buf[tunOffset:], packet)
	_, err = t.device.Write([][]byte{buf}, tunOffset)
	return err
}

// Dropped counts packets that were neither IPv4 nor IPv6 or found the
// outbound queue full.
func (t *TUNBridge) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *TUNBridge) Name() string {
	name, _ := t.device.Name()
	return name
}

func (t *TUNBridge) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.quit)
	t.mu.Unlock()
	err := t.device.Close()
	<-t.done
	close(t.outbound)
	return err
}

func (t *TUNBridge) readLoop() {
	defer close(t.done)
	batch := t.device.BatchSize()
	if batch <= 0 {
		batch = 1
	}
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, tunOffset+maxSegment)
	}
	sizes := make([]int, batch)
	retry := backoff.New(10*time.Millisecond, time.Second)

	for {
		n, err := t.device.Read(bufs, sizes, tunOffset)
		if err != nil {
			if errors.Is(err, tun.ErrTooManySegments) {
				continue
			}
			if !retry.Wait(t.quit) {
				return
			}
			continue
		}
		retry.Reset()
		framing := t.framing()
		for i := 0; i < n; i++ {
			if sizes[i] == 0 {
				continue
			}
			packet := bufs[i][tunOffset : tunOffset+sizes[i]]
			var et uint16
			switch packet[0] >> 4 {
			case 4:
				et = ethertype.IPv4
			case 6:
				et = ethertype.IPv6
			default:
				t.dropped.Add(1)
				continue
			}
			frame, err := framing.Join(et, packet)
			if err != nil {
				t.dropped.Add(1)
				continue
			}
			select {
			case t.outbound <- Frame{Payload: frame}:
			default:
				t.dropped.Add(1)
			}
		}
	}
}
