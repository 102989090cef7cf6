//go:build linux

package ifctl

import (
	"golang.org/x/sys/unix"
)

// DevicePath is the TUN/TAP clone device.
const DevicePath = "/dev/net/tun"

// System is the slice of the OS the controller talks to.
type System interface {
	OpenDevice(path string) (int, error)
	// ControlSocket opens the AF_INET datagram socket used for SIOC* calls.
	ControlSocket() (int, error)
	IoctlIfreq(fd int, req uint, ifr *unix.Ifreq) error
	IoctlSetInt(fd int, req uint, value int) error
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Close(fd int) error
}

// Unix is the real System.
type Unix struct{}

func (Unix) OpenDevice(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
}

func (Unix) ControlSocket() (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
}

func (Unix) IoctlIfreq(fd int, req uint, ifr *unix.Ifreq) error {
	return unix.IoctlIfreq(fd, req, ifr)
}

func (Unix) IoctlSetInt(fd int, req uint, value int) error {
	return unix.IoctlSetInt(fd, req, value)
}

func (Unix) Read(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (Unix) Write(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

func (Unix) Close(fd int) error {
	return unix.Close(fd)
}

var ioctlNames = map[uint]string{
	unix.TUNSETIFF:      "TUNSETIFF",
	unix.TUNGETIFF:      "TUNGETIFF",
	unix.TUNSETPERSIST:  "TUNSETPERSIST",
	unix.SIOCSIFMTU:     "SIOCSIFMTU",
	unix.SIOCSIFADDR:    "SIOCSIFADDR",
	unix.SIOCSIFNETMASK: "SIOCSIFNETMASK",
	unix.SIOCSIFDSTADDR: "SIOCSIFDSTADDR",
	unix.SIOCGIFFLAGS:   "SIOCGIFFLAGS",
	unix.SIOCSIFFLAGS:   "SIOCSIFFLAGS",
}

// IoctlName returns the symbolic name of a request number.
func IoctlName(req uint) string {
	if name, ok := ioctlNames[req]; ok {
		return name
	}
	return "ioctl"
}
