//go:build linux

package dataplane

import (
	"bytes"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/tun"

	"tuntap/codec"
	"tuntap/ethertype"
)

type fakeTUN struct {
	packets chan []byte
	events  chan tun.Event

	mu      sync.Mutex
	written [][]byte
	offsets []int
	once    sync.Once
}

func newFakeTUN() *fakeTUN {
	return &fakeTUN{packets: make(chan []byte, 8), events: make(chan tun.Event)}
}

func (f *fakeTUN) File() *os.File { return nil }

func (f *fakeTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	packet, ok := <-f.packets
	if !ok {
		return 0, os.ErrClosed
	}
	sizes[0] = copy(bufs[0][offset:], packet)
	return 1, nil
}

func (f *fakeTUN) Write(bufs [][]byte, offset int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, buf := range bufs {
		f.written = append(f.written, append([]byte(nil), buf[offset:]...))
		f.offsets = append(f.offsets, offset)
	}
	return len(bufs), nil
}

func (f *fakeTUN) MTU() (int, error)        { return 1420, nil }
func (f *fakeTUN) Name() (string, error)    { return "wgpeer0", nil }
func (f *fakeTUN) Events() <-chan tun.Event { return f.events }
func (f *fakeTUN) BatchSize() int           { return 1 }

func (f *fakeTUN) Close() error {
	f.once.Do(func() { close(f.packets) })
	return nil
}

func (f *fakeTUN) writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func halfFraming() codec.Codec {
	return codec.New(codec.ModeHalf, nil)
}

func TestTUNBridgeDeliverStripsHeader(t *testing.T) {
	dev := newFakeTUN()
	bridge := NewTUNBridge(dev, halfFraming, 4)
	defer bridge.Close()

	packet := []byte{0x45, 0, 0, 20, 1, 2, 3, 4}
	if err := bridge.Deliver("", append([]byte{0x08, 0x00}, packet...)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	writes := dev.writes()
	if len(writes) != 1 || !bytes.Equal(writes[0], packet) {
		t.Fatalf("unexpected writes %x", writes)
	}
	if dev.offsets[0] != tunOffset {
		t.Fatalf("unexpected offset %d", dev.offsets[0])
	}

	if err := bridge.Deliver("", []byte{0x08, 0x06, 0, 1}); err == nil {
		t.Fatalf("expected arp to be rejected")
	}
	if bridge.Dropped() != 1 {
		t.Fatalf("expected 1 drop, got %d", bridge.Dropped())
	}
	if bridge.Name() != "wgpeer0" {
		t.Fatalf("unexpected name %q", bridge.Name())
	}
}

func TestTUNBridgeReadAddsHeader(t *testing.T) {
	dev := newFakeTUN()
	table := ethertype.Default()
	bridge := NewTUNBridge(dev, func() codec.Codec { return codec.New(codec.ModeFull, table) }, 4)
	defer bridge.Close()

	v6 := make([]byte, 40)
	v6[0] = 0x60
	dev.packets <- []byte{0x00, 0x01}
	dev.packets <- v6

	select {
	case frame := <-bridge.Outbound():
		if frame.Payload[0] != table.ID(ethertype.IPv6) || !bytes.Equal(frame.Payload[1:], v6) {
			t.Fatalf("unexpected frame %x", frame.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	if bridge.Dropped() != 1 {
		t.Fatalf("expected the non-ip packet to be dropped, got %d", bridge.Dropped())
	}
}

func TestTUNBridgeClose(t *testing.T) {
	dev := newFakeTUN()
	bridge := NewTUNBridge(dev, halfFraming, 1)
	if err := bridge.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-bridge.Outbound(); ok {
		t.Fatalf("outbound still open")
	}
	if err := bridge.Deliver("", []byte{0x08, 0x00, 0x45}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := bridge.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
