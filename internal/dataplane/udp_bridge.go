package dataplane

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"tuntap/internal/backoff"
)

// UDPBridge carries frames as UDP datagrams, one frame per datagram. Each
// named peer maps to a fixed endpoint; datagrams from unknown sources are
// ignored.
type UDPBridge struct {
	conn     *net.UDPConn
	outbound chan Frame
	peers    map[string]netip.AddrPort
	reverse  map[netip.AddrPort]string
	mu       sync.RWMutex
	closed   bool
	dropped  atomic.Uint64
	done     chan struct{}
}

func NewUDPBridge(listen string, peerEndpoints map[string]string, buffer int) (*UDPBridge, error) {
	if listen == "" {
		return nil, errors.New("udp bridge requires listen address")
	}
	if buffer <= 0 {
		buffer = 128
	}
	peers := make(map[string]netip.AddrPort, len(peerEndpoints))
	reverse := make(map[netip.AddrPort]string, len(peerEndpoints))
	for name, endpoint := range peerEndpoints {
		addr, err := netip.ParseAddrPort(endpoint)
		if err != nil {
			return nil, err
		}
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		peers[name] = addr
		reverse[addr] = name
	}

	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	bridge := &UDPBridge{
		conn:     conn,
		outbound: make(chan Frame, buffer),
		peers:    peers,
		reverse:  reverse,
		done:     make(chan struct{}),
	}
	go bridge.readLoop()
	return bridge, nil
}

func (b *UDPBridge) Outbound() <-chan Frame {
	return b.outbound
}

func (b *UDPBridge) Deliver(peer string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	addr, ok := b.peers[peer]
	b.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	if _, err := b.conn.WriteToUDPAddrPort(payload, addr); err != nil {
		return err
	}
	return nil
}

// Dropped counts datagrams discarded because Outbound was full.
func (b *UDPBridge) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *UDPBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	err := b.conn.Close()
	<-b.done
	close(b.outbound)
	return err
}

func (b *UDPBridge) LocalAddr() net.Addr {
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

func (b *UDPBridge) readLoop() {
	defer close(b.done)
	buf := make([]byte, 65535)
	retry := backoff.New(time.Millisecond, 250*time.Millisecond)
	for {
		n, addr, err := b.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			b.mu.RLock()
			closed := b.closed
			b.mu.RUnlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			time.Sleep(retry.Next())
			continue
		}
		retry.Reset()
		peer, ok := b.lookupPeer(addr)
		if !ok {
			continue
		}
		frame := Frame{Peer: peer, Payload: append([]byte(nil), buf[:n]...)}
		select {
		case b.outbound <- frame:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *UDPBridge) lookupPeer(addr netip.AddrPort) (string, bool) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	b.mu.RLock()
	peer, ok := b.reverse[addr]
	b.mu.RUnlock()
	return peer, ok
}
