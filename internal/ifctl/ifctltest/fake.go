//go:build linux

// Package ifctltest provides an in-memory ifctl.System for tests that cannot
// touch /dev/net/tun. The interface descriptor is one end of a SOCK_SEQPACKET
// socketpair so frame boundaries survive the trip like they do on a real
// TUN/TAP device; the other end is available through Peer.
package ifctltest

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"tuntap/internal/ifctl"
)

// Call records one control operation.
type Call struct {
	Op    string
	Iface string
	Value uint32
}

// Fake implements ifctl.System.
type Fake struct {
	mu sync.Mutex

	calls    []Call
	fail     map[string]error
	openErr  error
	peers    map[int]int
	closed   map[int]bool
	sockets  map[int]bool
	nextSock int
	nextIdx  int
	flags    map[string]uint16
	mtu      map[string]uint32
	persist  map[string]bool
	addrs    map[string]map[string][4]byte
	current  map[int]string
	lastPeer int
	writeCap int
}

func New() *Fake {
	return &Fake{
		fail:     map[string]error{},
		peers:    map[int]int{},
		closed:   map[int]bool{},
		sockets:  map[int]bool{},
		nextSock: 1 << 20,
		flags:    map[string]uint16{},
		mtu:      map[string]uint32{},
		persist:  map[string]bool{},
		addrs:    map[string]map[string][4]byte{},
		current:  map[int]string{},
		lastPeer: -1,
	}
}

// FailOn makes every later call to op return err.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

// FailOpen makes OpenDevice return err.
func (f *Fake) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// LimitWrite truncates every write to n bytes, emulating a short write.
// Zero disables the limit.
func (f *Fake) LimitWrite(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCap = n
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Ops returns just the operation names, in order.
func (f *Fake) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Op)
	}
	return out
}

func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Peer returns the far end of the most recently opened device.
func (f *Fake) Peer() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPeer
}

// Closed reports whether fd was closed through the fake.
func (f *Fake) Closed(fd int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[fd]
}

// OpenSockets counts control sockets that were opened and not closed.
func (f *Fake) OpenSockets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

func (f *Fake) Flags(name string) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[name]
}

func (f *Fake) MTU(name string) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mtu[name]
}

func (f *Fake) Persist(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persist[name]
}

// Addr returns the address stored by op (SIOCSIFADDR and friends).
func (f *Fake) Addr(name, op string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.addrs[name][op]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", raw[0], raw[1], raw[2], raw[3])
}

// ClosePeers closes every socketpair end the fake still holds.
func (f *Fake) ClosePeers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fd, peer := range f.peers {
		_ = unix.Close(peer)
		if !f.closed[fd] {
			_ = unix.Close(fd)
			f.closed[fd] = true
		}
	}
	f.peers = map[int]int{}
}

func (f *Fake) OpenDevice(string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return -1, f.openErr
	}
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	delete(f.closed, pair[0])
	delete(f.closed, pair[1])
	f.peers[pair[0]] = pair[1]
	f.lastPeer = pair[1]
	return pair[0], nil
}

func (f *Fake) ControlSocket() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["socket"]; err != nil {
		return -1, err
	}
	fd := f.nextSock
	f.nextSock++
	f.sockets[fd] = true
	return fd, nil
}

func (f *Fake) IoctlIfreq(fd int, req uint, ifr *unix.Ifreq) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := ifctl.IoctlName(req)
	name := ifr.Name()
	if req == unix.TUNGETIFF {
		name = f.current[fd]
	}
	call := Call{Op: op, Iface: name}
	if err := f.fail[op]; err != nil {
		f.calls = append(f.calls, call)
		return err
	}
	switch req {
	case unix.TUNSETIFF:
		call.Value = uint32(ifr.Uint16())
		if name == "" {
			if ifr.Uint16()&unix.IFF_TAP != 0 {
				name = fmt.Sprintf("tap%d", f.nextIdx)
			} else {
				name = fmt.Sprintf("tun%d", f.nextIdx)
			}
			f.nextIdx++
		}
		f.current[fd] = name
	case unix.TUNGETIFF:
		echo, err := unix.NewIfreq(name)
		if err != nil {
			return err
		}
		*ifr = *echo
	case unix.SIOCSIFMTU:
		call.Value = ifr.Uint32()
		f.mtu[name] = call.Value
	case unix.SIOCSIFADDR, unix.SIOCSIFNETMASK, unix.SIOCSIFDSTADDR:
		addr, err := ifr.Inet4Addr()
		if err != nil {
			return err
		}
		if f.addrs[name] == nil {
			f.addrs[name] = map[string][4]byte{}
		}
		var raw [4]byte
		copy(raw[:], addr)
		f.addrs[name][op] = raw
	case unix.SIOCGIFFLAGS:
		ifr.SetUint16(f.flags[name])
		call.Value = uint32(f.flags[name])
	case unix.SIOCSIFFLAGS:
		call.Value = uint32(ifr.Uint16())
		f.flags[name] = ifr.Uint16()
	}
	f.calls = append(f.calls, call)
	return nil
}

func (f *Fake) IoctlSetInt(fd int, req uint, value int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	op := ifctl.IoctlName(req)
	name := f.current[fd]
	f.calls = append(f.calls, Call{Op: op, Iface: name, Value: uint32(value)})
	if err := f.fail[op]; err != nil {
		return err
	}
	if req == unix.TUNSETPERSIST {
		f.persist[name] = value != 0
	}
	return nil
}

func (f *Fake) Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (f *Fake) Write(fd int, p []byte) (int, error) {
	f.mu.Lock()
	limit := f.writeCap
	f.mu.Unlock()
	if limit > 0 && len(p) > limit {
		if _, err := unix.Write(fd, p[:limit]); err != nil {
			return 0, err
		}
		return limit, nil
	}
	return unix.Write(fd, p)
}

func (f *Fake) Close(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sockets[fd] {
		delete(f.sockets, fd)
		return nil
	}
	if f.closed[fd] {
		return unix.EBADF
	}
	f.closed[fd] = true
	delete(f.current, fd)
	return unix.Close(fd)
}

var _ ifctl.System = (*Fake)(nil)
