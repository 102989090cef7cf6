//go:build linux

// Package netconfig reads and removes links through rtnetlink. It is the
// out-of-band view of an interface: what the kernel reports regardless of
// which process holds the descriptor.
package netconfig

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

var (
	ErrNotFound  = errors.New("link not found")
	ErrNotTunTap = errors.New("link is not a tun/tap device")
)

// LinkState is a snapshot of one link.
type LinkState struct {
	Name         string   `json:"name"`
	Index        int      `json:"index"`
	Type         string   `json:"type"`
	Mode         string   `json:"mode,omitempty"`
	MTU          int      `json:"mtu"`
	Up           bool     `json:"up"`
	Running      bool     `json:"running"`
	OperState    string   `json:"operState"`
	HardwareAddr string   `json:"hardwareAddr,omitempty"`
	Addrs        []string `json:"addrs,omitempty"`
	TxQueueLen   int      `json:"txQueueLen"`
}

// Inspect looks up name and reports its flags, MTU and IPv4 addresses.
func Inspect(name string) (LinkState, error) {
	link, err := lookup(name)
	if err != nil {
		return LinkState{}, err
	}
	attrs := link.Attrs()
	state := LinkState{
		Name:       attrs.Name,
		Index:      attrs.Index,
		Type:       link.Type(),
		MTU:        attrs.MTU,
		Up:         attrs.Flags&net.FlagUp != 0,
		Running:    attrs.Flags&net.FlagRunning != 0,
		OperState:  attrs.OperState.String(),
		TxQueueLen: attrs.TxQLen,
	}
	if len(attrs.HardwareAddr) > 0 {
		state.HardwareAddr = attrs.HardwareAddr.String()
	}
	if tt, ok := link.(*netlink.Tuntap); ok {
		state.Mode = tuntapMode(tt.Mode)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return state, fmt.Errorf("list addresses of %s: %w", name, err)
	}
	for _, addr := range addrs {
		if addr.IPNet != nil {
			state.Addrs = append(state.Addrs, addr.IPNet.String())
		}
	}
	return state, nil
}

// Remove deletes a tun/tap link, typically one left behind by persist.
// Other link types are refused.
func Remove(name string) error {
	link, err := lookup(name)
	if err != nil {
		return err
	}
	if link.Type() != "tuntap" {
		return fmt.Errorf("%w: %s is %s", ErrNotTunTap, name, link.Type())
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("set %s down: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func lookup(name string) (netlink.Link, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("lookup %s: %w", name, err)
	}
	return link, nil
}

func tuntapMode(mode netlink.TuntapMode) string {
	switch mode {
	case netlink.TUNTAP_MODE_TUN:
		return "tun"
	case netlink.TUNTAP_MODE_TAP:
		return "tap"
	default:
		return ""
	}
}
