//go:build linux

package netconfig

import (
	"errors"
	"testing"
)

func TestInspectLoopback(t *testing.T) {
	state, err := Inspect("lo")
	if err != nil {
		t.Skipf("netlink unavailable: %v", err)
	}
	if state.Name != "lo" || state.Index == 0 || state.MTU == 0 {
		t.Fatalf("unexpected state %+v", state)
	}
	if state.Mode != "" {
		t.Fatalf("loopback reported a tun/tap mode %q", state.Mode)
	}
}

func TestInspectMissing(t *testing.T) {
	_, err := Inspect("tuntap-missing0")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoveRefusesOtherLinks(t *testing.T) {
	if _, err := Inspect("lo"); err != nil {
		t.Skipf("netlink unavailable: %v", err)
	}
	if err := Remove("lo"); !errors.Is(err, ErrNotTunTap) {
		t.Fatalf("expected ErrNotTunTap, got %v", err)
	}
}
