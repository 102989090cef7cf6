//go:build linux

// Package pipeline moves frames between an interface descriptor and its
// consumer as the descriptor becomes ready. A Pipeline is not safe for
// concurrent use; the owner serializes every call.
package pipeline

import (
	"errors"

	"golang.org/x/sys/unix"

	"tuntap/codec"
	"tuntap/internal/logging"
	"tuntap/internal/poller"
	"tuntap/internal/ratelimit"
)

var ErrClosed = errors.New("pipeline closed")

// FrameIO reads and writes whole frames. Buffer is the fixed buffer reads
// land in.
type FrameIO interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Buffer() []byte
}

// Registrar is the subset of the poller a pipeline drives.
type Registrar interface {
	Register(fd int, mask poller.Interest) error
	Modify(fd int, mask poller.Interest) error
	Unregister(fd int) error
}

// Sink receives decoded inbound frames. The slice is owned by the sink.
type Sink interface {
	Deliver(frame []byte)
}

type SinkFunc func(frame []byte)

func (f SinkFunc) Deliver(frame []byte) { f(frame) }

// Diagnostic describes a dropped or damaged frame.
type Diagnostic struct {
	Kind string
	Err  error
	Want int
	Got  int
}

const (
	DiagRead       = "read"
	DiagDecode     = "decode"
	DiagWrite      = "write"
	DiagShortWrite = "short_write"
	DiagPoll       = "poll"
	DiagHangup     = "hangup"
)

type Stats struct {
	FramesIn     uint64
	FramesOut    uint64
	BytesIn      uint64
	BytesOut     uint64
	ReadErrors   uint64
	DecodeErrors uint64
	WriteErrors  uint64
	ShortWrites  uint64
	Retries      uint64
	Queued       int
	QueuedBytes  int
	Reading      bool
	Interest     poller.Interest
}

type Pipeline struct {
	fd    int
	io    FrameIO
	reg   Registrar
	codec codec.Codec
	sink  Sink

	queue   Queue
	reading bool
	mask    poller.Interest
	closed  bool
	// parked is set while fd is out of the poller after a hangup that
	// nothing was waiting for.
	parked bool
	stats  Stats

	logger   *logging.Logger
	limiter  *ratelimit.Limiter
	diagnose func(Diagnostic)
}

type Option func(*Pipeline)

func WithLogger(logger *logging.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithLimiter bounds how often diagnostics reach the log. Counters are
// updated regardless.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(p *Pipeline) {
		p.limiter = l
	}
}

// WithDiagnostics registers fn to be told about every dropped frame.
func WithDiagnostics(fn func(Diagnostic)) Option {
	return func(p *Pipeline) {
		p.diagnose = fn
	}
}

// New registers fd for readability and returns a pipeline that starts
// reading immediately.
func New(fd int, io FrameIO, reg Registrar, c codec.Codec, sink Sink, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		fd:      fd,
		io:      io,
		reg:     reg,
		codec:   c,
		sink:    sink,
		reading: true,
		mask:    poller.Readable,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := reg.Register(fd, p.mask); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) FD() int {
	return p.fd
}

func (p *Pipeline) Closed() bool {
	return p.closed
}

func (p *Pipeline) Interest() poller.Interest {
	return p.mask
}

func (p *Pipeline) StartRead() {
	if p.closed {
		return
	}
	p.reading = true
	p.reconcile()
}

func (p *Pipeline) StopRead() {
	if p.closed {
		return
	}
	p.reading = false
	p.reconcile()
}

// SetCodec changes the transform for frames read or submitted from now on.
// Frames already queued keep the encoding they were submitted with.
func (p *Pipeline) SetCodec(c codec.Codec) {
	p.codec = c
}

func (p *Pipeline) Codec() codec.Codec {
	return p.codec
}

// Submit encodes frame and queues it for writing. The caller keeps
// ownership of frame.
func (p *Pipeline) Submit(frame []byte) error {
	if p.closed {
		return ErrClosed
	}
	encoded, err := p.codec.Encode(frame)
	if err != nil {
		return err
	}
	p.queue.Push(encoded)
	p.reconcile()
	return nil
}

// Dispatch handles a readiness event. Bits outside the registered interest
// are ignored. A hangup the pipeline has no interest to act on takes fd out
// of the poller until reading or writing is wanted again, since a level
// triggered hangup would otherwise be reported on every wait.
func (p *Pipeline) Dispatch(ready poller.Interest) {
	if p.closed {
		return
	}
	hangup := ready&poller.Hangup != 0
	ready &= p.mask
	if ready == 0 && hangup {
		p.park()
		return
	}
	if ready&poller.Readable != 0 {
		p.HandleReadable()
	}
	if ready&poller.Writable != 0 && !p.closed {
		p.HandleWritable()
	}
}

// HandleReadable performs exactly one read.
func (p *Pipeline) HandleReadable() {
	if p.closed {
		return
	}
	buf := p.io.Buffer()
	n, err := p.io.Read(buf)
	if errors.Is(err, unix.EAGAIN) {
		return
	}
	if err != nil || n <= 0 {
		p.stats.ReadErrors++
		p.report(Diagnostic{Kind: DiagRead, Err: err, Got: n}, "read failed")
		return
	}
	frame, err := p.codec.Decode(buf[:n])
	if err != nil {
		p.stats.DecodeErrors++
		p.report(Diagnostic{Kind: DiagDecode, Err: err, Want: p.codec.Mode.HeaderRoom(), Got: n}, "frame dropped")
		return
	}
	p.stats.FramesIn++
	p.stats.BytesIn += uint64(n)
	out := make([]byte, len(frame))
	copy(out, frame)
	p.sink.Deliver(out)
}

// HandleWritable writes at most one queued frame.
func (p *Pipeline) HandleWritable() {
	if p.closed {
		return
	}
	frame, ok := p.queue.Pop()
	if !ok {
		p.reconcile()
		return
	}
	n, err := p.io.Write(frame)
	switch {
	case errors.Is(err, unix.EAGAIN):
		p.stats.Retries++
		p.queue.PushFront(frame)
		return
	case err != nil:
		p.stats.WriteErrors++
		p.report(Diagnostic{Kind: DiagWrite, Err: err, Want: len(frame)}, "write failed")
	case n != len(frame):
		// The device takes one packet per write; the tail cannot be sent on
		// its own.
		p.stats.ShortWrites++
		p.report(Diagnostic{Kind: DiagShortWrite, Want: len(frame), Got: n}, "short write")
	default:
		p.stats.FramesOut++
		p.stats.BytesOut += uint64(n)
	}
	p.reconcile()
}

// Close unregisters the descriptor and drops every queued frame. It does
// not close the descriptor.
func (p *Pipeline) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true
	p.reading = false
	p.queue.Clear()
	var err error
	if !p.parked {
		err = p.reg.Unregister(p.fd)
	}
	p.mask = 0
	return err
}

func (p *Pipeline) Stats() Stats {
	s := p.stats
	s.Queued = p.queue.Len()
	s.QueuedBytes = p.queue.Bytes()
	s.Reading = p.reading
	s.Interest = p.mask
	return s
}

func (p *Pipeline) reconcile() {
	var want poller.Interest
	if p.reading {
		want |= poller.Readable
	}
	if p.queue.Len() > 0 {
		want |= poller.Writable
	}
	if p.parked {
		if want == 0 {
			return
		}
		if err := p.reg.Register(p.fd, want); err != nil {
			p.report(Diagnostic{Kind: DiagPoll, Err: err}, "poll update failed")
			return
		}
		p.parked = false
		p.mask = want
		return
	}
	if want == p.mask {
		return
	}
	if err := p.reg.Modify(p.fd, want); err != nil {
		p.report(Diagnostic{Kind: DiagPoll, Err: err}, "poll update failed")
		return
	}
	p.mask = want
}

func (p *Pipeline) park() {
	if err := p.reg.Unregister(p.fd); err != nil {
		p.report(Diagnostic{Kind: DiagPoll, Err: err}, "poll update failed")
		return
	}
	p.parked = true
	p.mask = 0
	p.report(Diagnostic{Kind: DiagHangup}, "descriptor hung up")
}

func (p *Pipeline) report(d Diagnostic, msg string) {
	if p.diagnose != nil {
		p.diagnose(d)
	}
	if !p.limiter.Allow() {
		return
	}
	fields := map[string]interface{}{"kind": d.Kind, "fd": p.fd}
	if d.Err != nil {
		fields["error"] = d.Err.Error()
	}
	if d.Want > 0 {
		fields["want"] = d.Want
		fields["got"] = d.Got
	}
	if n := p.limiter.TakeSuppressed(); n > 0 {
		fields["suppressed"] = n
	}
	p.logger.Warn(msg, fields)
}
