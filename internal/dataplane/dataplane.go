// Package dataplane connects a TUN/TAP device to whatever carries its frames
// elsewhere: a UDP peer, a second TUN device, an in-process loopback or a
// test.
package dataplane

import "errors"

var (
	ErrClosed      = errors.New("dataplane closed")
	ErrQueueFull   = errors.New("dataplane outbound queue full")
	ErrUnknownPeer = errors.New("unknown peer")
)

// Frame is one link-layer or network-layer frame together with the name of
// the endpoint it belongs to.
type Frame struct {
	Peer    string
	Payload []byte
}

// Interface is a bidirectional frame plane. Frames the plane produces appear
// on Outbound; frames handed to Deliver leave through it.
type Interface interface {
	Outbound() <-chan Frame

	// Deliver hands a payload to the plane. The caller keeps ownership of
	// payload.
	Deliver(peer string, payload []byte) error

	Close() error
}

// Pump copies frames from src.Outbound into dst until src closes its
// channel. Delivery errors are passed to onError when it is non-nil.
func Pump(src, dst Interface, onError func(Frame, error)) {
	for frame := range src.Outbound() {
		if err := dst.Deliver(frame.Peer, frame.Payload); err != nil && onError != nil {
			onError(frame, err)
		}
	}
}
