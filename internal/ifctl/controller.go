//go:build linux

package ifctl

import (
	"errors"

	"golang.org/x/sys/unix"

	"tuntap/config"
	"tuntap/internal/logging"
)

// Controller creates and reconfigures TUN/TAP interfaces through a System.
type Controller struct {
	sys    System
	path   string
	logger *logging.Logger
}

type Option func(*Controller)

// WithDevicePath overrides the clone device path.
func WithDevicePath(path string) Option {
	return func(c *Controller) {
		if path != "" {
			c.path = path
		}
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(sys System, opts ...Option) *Controller {
	if sys == nil {
		sys = Unix{}
	}
	c := &Controller{sys: sys, path: DevicePath, logger: logging.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create opens the clone device and brings up an interface described by
// cfg. cfg.Name is updated with the name the kernel assigned. On failure
// every descriptor Create opened has been released.
func (c *Controller) Create(cfg *config.Interface) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fd, err := c.sys.OpenDevice(c.path)
	if err != nil {
		return nil, &OpenError{Path: c.path, Err: err}
	}
	name, err := c.setup(fd, cfg)
	if err != nil {
		_ = c.sys.Close(fd)
		return nil, err
	}
	cfg.Name = name
	h := newHandle(c.sys, fd, name, cfg.BufferSize())
	c.logger.Debug("interface created", map[string]interface{}{
		"iface": name,
		"type":  cfg.Mode.String(),
		"mtu":   cfg.MTU,
	})
	return h, nil
}

func (c *Controller) setup(fd int, cfg *config.Interface) (string, error) {
	ifr, err := unix.NewIfreq(cfg.Name)
	if err != nil {
		return "", &ControlError{Op: "TUNSETIFF", Iface: cfg.Name, Err: err}
	}
	flags := uint16(unix.IFF_TUN)
	if cfg.Mode == config.ModeTAP {
		flags = unix.IFF_TAP
	}
	ifr.SetUint16(flags)
	if err := c.ioctl(fd, unix.TUNSETIFF, cfg.Name, ifr); err != nil {
		return "", err
	}
	got, err := unix.NewIfreq("")
	if err != nil {
		return "", &ControlError{Op: "TUNGETIFF", Err: err}
	}
	if err := c.ioctl(fd, unix.TUNGETIFF, cfg.Name, got); err != nil {
		return "", err
	}
	name := got.Name()
	if name == "" {
		name = cfg.Name
	}
	if err := c.setPersist(fd, name, cfg.Persist); err != nil {
		return "", err
	}

	sock, err := c.sys.ControlSocket()
	if err != nil {
		return "", &ControlError{Op: "socket", Iface: name, Err: err}
	}
	defer c.sys.Close(sock)

	if err := c.setMTU(sock, name, cfg.MTU); err != nil {
		return "", err
	}
	if cfg.Addr != "" {
		if err := c.setAddr(sock, unix.SIOCSIFADDR, name, cfg.Addr); err != nil {
			return "", err
		}
		if cfg.Mask != "" {
			if err := c.setAddr(sock, unix.SIOCSIFNETMASK, name, cfg.Mask); err != nil {
				return "", err
			}
		}
		if cfg.Dest != "" {
			if err := c.setAddr(sock, unix.SIOCSIFDSTADDR, name, cfg.Dest); err != nil {
				return "", err
			}
		}
	}
	up, running := cfg.Up, cfg.Running
	if err := c.setFlags(sock, name, &up, &running); err != nil {
		return "", err
	}
	return name, nil
}

// Reconfigure applies every field present in patch to the live interface.
// Fields are applied independently; all failures are returned together.
func (c *Controller) Reconfigure(h *Handle, patch config.Patch) error {
	if err := patch.CheckMutable(); err != nil {
		return err
	}
	if patch.Empty() {
		return nil
	}
	fd, err := h.FD()
	if err != nil {
		return err
	}
	name := h.Name()
	var errs []error

	if patch.Has(config.FieldPersist) {
		errs = append(errs, c.setPersist(fd, name, patch.Values.Persist))
	}

	needsSocket := false
	for _, f := range patch.Fields() {
		switch f {
		case config.FieldPersist, config.FieldCodec:
		default:
			needsSocket = true
		}
	}
	if !needsSocket {
		return errors.Join(errs...)
	}
	sock, err := c.sys.ControlSocket()
	if err != nil {
		errs = append(errs, &ControlError{Op: "socket", Iface: name, Err: err})
		return errors.Join(errs...)
	}
	defer c.sys.Close(sock)

	if patch.Has(config.FieldMTU) {
		errs = append(errs, c.setMTU(sock, name, patch.Values.MTU))
	}
	if patch.Has(config.FieldAddr) {
		addr := patch.Values.Addr
		if addr == "" {
			addr = "0.0.0.0"
		}
		errs = append(errs, c.setAddr(sock, unix.SIOCSIFADDR, name, addr))
	}
	if patch.Has(config.FieldMask) && patch.Values.Mask != "" {
		errs = append(errs, c.setAddr(sock, unix.SIOCSIFNETMASK, name, patch.Values.Mask))
	}
	if patch.Has(config.FieldDest) && patch.Values.Dest != "" {
		errs = append(errs, c.setAddr(sock, unix.SIOCSIFDSTADDR, name, patch.Values.Dest))
	}
	var up, running *bool
	if patch.Has(config.FieldUp) {
		v := patch.Values.Up
		up = &v
	}
	if patch.Has(config.FieldRunning) {
		v := patch.Values.Running
		running = &v
	}
	if up != nil || running != nil {
		errs = append(errs, c.setFlags(sock, name, up, running))
	}
	return errors.Join(errs...)
}

// Destroy closes the interface descriptor. A second call returns ErrClosed.
func (c *Controller) Destroy(h *Handle) error {
	if h == nil {
		return ErrClosed
	}
	name := h.Name()
	if err := h.close(); err != nil {
		return err
	}
	c.logger.Debug("interface closed", map[string]interface{}{"iface": name})
	return nil
}

func (c *Controller) ioctl(fd int, req uint, name string, ifr *unix.Ifreq) error {
	if err := c.sys.IoctlIfreq(fd, req, ifr); err != nil {
		return &ControlError{Op: IoctlName(req), Iface: name, Err: err}
	}
	return nil
}

func (c *Controller) setPersist(fd int, name string, persist bool) error {
	value := 0
	if persist {
		value = 1
	}
	if err := c.sys.IoctlSetInt(fd, unix.TUNSETPERSIST, value); err != nil {
		return &ControlError{Op: "TUNSETPERSIST", Iface: name, Err: err}
	}
	return nil
}

func (c *Controller) setMTU(sock int, name string, mtu int) error {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return &ControlError{Op: "SIOCSIFMTU", Iface: name, Err: err}
	}
	ifr.SetUint32(uint32(mtu))
	return c.ioctl(sock, unix.SIOCSIFMTU, name, ifr)
}

func (c *Controller) setAddr(sock int, req uint, name, value string) error {
	addr, err := config.ParseIPv4(value)
	if err != nil {
		return &ControlError{Op: IoctlName(req), Iface: name, Err: err}
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return &ControlError{Op: IoctlName(req), Iface: name, Err: err}
	}
	raw := addr.As4()
	if err := ifr.SetInet4Addr(raw[:]); err != nil {
		return &ControlError{Op: IoctlName(req), Iface: name, Err: err}
	}
	return c.ioctl(sock, req, name, ifr)
}

// setFlags updates IFF_UP and IFF_RUNNING. A nil pointer leaves that bit as
// the kernel has it.
func (c *Controller) setFlags(sock int, name string, up, running *bool) error {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return &ControlError{Op: "SIOCGIFFLAGS", Iface: name, Err: err}
	}
	if err := c.ioctl(sock, unix.SIOCGIFFLAGS, name, ifr); err != nil {
		return err
	}
	flags := ifr.Uint16()
	flags = toggle(flags, unix.IFF_UP, up)
	flags = toggle(flags, unix.IFF_RUNNING, running)
	ifr.SetUint16(flags)
	return c.ioctl(sock, unix.SIOCSIFFLAGS, name, ifr)
}

func toggle(flags uint16, bit uint16, on *bool) uint16 {
	switch {
	case on == nil:
		return flags
	case *on:
		return flags | bit
	default:
		return flags &^ bit
	}
}
