//go:build linux

package ifctl

import "sync"

// Handle is an open interface descriptor together with its read buffer.
type Handle struct {
	sys  System
	name string

	mu     sync.Mutex
	fd     int
	buf    []byte
	closed bool
}

func newHandle(sys System, fd int, name string, size int) *Handle {
	return &Handle{sys: sys, fd: fd, name: name, buf: make([]byte, size)}
}

func (h *Handle) Name() string {
	return h.name
}

// FD returns the descriptor, or ErrClosed once the handle is closed.
func (h *Handle) FD() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return -1, ErrClosed
	}
	return h.fd, nil
}

// Buffer is the fixed read buffer sized MTU plus the packet information
// header. It is nil after close.
func (h *Handle) Buffer() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf
}

func (h *Handle) Read(p []byte) (int, error) {
	fd, err := h.FD()
	if err != nil {
		return 0, err
	}
	return h.sys.Read(fd, p)
}

func (h *Handle) Write(p []byte) (int, error) {
	fd, err := h.FD()
	if err != nil {
		return 0, err
	}
	return h.sys.Write(fd, p)
}

func (h *Handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.closed = true
	err := h.sys.Close(h.fd)
	h.fd = -1
	h.buf = nil
	return err
}
