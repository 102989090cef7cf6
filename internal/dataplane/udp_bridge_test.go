package dataplane

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func TestUDPBridgeDeliverAndReceive(t *testing.T) {
	remoteAddr, remoteConn := createUDPListener(t)
	defer remoteConn.Close()

	bridge, err := NewUDPBridge("127.0.0.1:0", map[string]string{"tap0": remoteAddr.String()}, 4)
	if err != nil {
		t.Fatalf("new udp bridge: %v", err)
	}
	defer bridge.Close()

	want := []byte("hello")
	if err := bridge.Deliver("tap0", want); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := bridge.Deliver("tap1", want); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}

	_ = remoteConn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, _, err := remoteConn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from remote: %v", err)
	}
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("unexpected payload %q", buf[:n])
	}

	bridgeAddr := bridge.LocalAddr().(*net.UDPAddr)
	inbound := []byte("from-remote")
	if _, err := remoteConn.WriteToUDP(inbound, bridgeAddr); err != nil {
		t.Fatalf("write to bridge: %v", err)
	}

	select {
	case frame := <-bridge.Outbound():
		if frame.Peer != "tap0" {
			t.Fatalf("unexpected peer %q", frame.Peer)
		}
		if !bytes.Equal(frame.Payload, inbound) {
			t.Fatalf("unexpected inbound payload %q", frame.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for outbound frame")
	}
}

func TestUDPBridgeIgnoresStrangers(t *testing.T) {
	remoteAddr, remoteConn := createUDPListener(t)
	defer remoteConn.Close()
	_, stranger := createUDPListener(t)
	defer stranger.Close()

	bridge, err := NewUDPBridge("127.0.0.1:0", map[string]string{"tap0": remoteAddr.String()}, 4)
	if err != nil {
		t.Fatalf("new udp bridge: %v", err)
	}
	bridgeAddr := bridge.LocalAddr().(*net.UDPAddr)
	if _, err := stranger.WriteToUDP([]byte("nope"), bridgeAddr); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case frame := <-bridge.Outbound():
		t.Fatalf("unexpected frame %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}

	if err := bridge.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-bridge.Outbound(); ok {
		t.Fatalf("outbound left open")
	}
	if err := bridge.Deliver("tap0", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestUDPBridgeRejectsBadPeer(t *testing.T) {
	if _, err := NewUDPBridge("127.0.0.1:0", map[string]string{"tap0": "not-an-endpoint"}, 0); err == nil {
		t.Fatalf("expected error for bad peer endpoint")
	}
	if _, err := NewUDPBridge("", nil, 0); err == nil {
		t.Fatalf("expected error without listen address")
	}
}

func createUDPListener(t *testing.T) (*net.UDPAddr, *net.UDPConn) {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve udp: %v", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	return conn.LocalAddr().(*net.UDPAddr), conn
}
