package ifctl

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceOpen = errors.New("cannot open tun/tap device")
	ErrClosed     = errors.New("interface handle already closed")
)

// OpenError reports a failure to open the clone device.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("cannot open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() []error {
	return []error{ErrDeviceOpen, e.Err}
}

// ControlError reports a failed control call. Op is the ioctl name (or
// "socket" for the control socket itself).
type ControlError struct {
	Op    string
	Iface string
	Err   error
}

func (e *ControlError) Error() string {
	if e.Iface == "" {
		return fmt.Sprintf("ioctl %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ioctl %s on %s: %v", e.Op, e.Iface, e.Err)
}

func (e *ControlError) Unwrap() error {
	return e.Err
}
