//go:build linux

// Package device is the public face of a TUN/TAP interface: open it, feed it
// frames, receive frames from it and change its parameters while it runs.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tuntap/codec"
	"tuntap/config"
	"tuntap/ethertype"
	"tuntap/internal/ifctl"
	"tuntap/internal/logging"
	"tuntap/internal/pipeline"
	"tuntap/internal/poller"
	"tuntap/internal/ratelimit"
)

var (
	ErrAlreadyOpen = errors.New("interface already open")
	ErrClosed      = errors.New("already closed")
	ErrShutdown    = errors.New("device shut down")
	ErrRunning     = errors.New("device loop already running")
)

// Handler receives each decoded inbound frame. It runs on the goroutine
// executing Run, outside the device lock, so it may call back into the
// device, Shutdown included.
type Handler func(frame []byte)

type Device struct {
	mu sync.Mutex

	cfg    config.Interface
	table  *ethertype.Table
	ctl    *ifctl.Controller
	poll   *poller.Poller
	logger *logging.Logger

	limiter *ratelimit.Limiter
	handler Handler
	frames  chan []byte
	onDiag  func(pipeline.Diagnostic)

	handle *ifctl.Handle
	pipe   *pipeline.Pipeline
	inbox  [][]byte
	diags  []pipeline.Diagnostic

	totals   pipeline.Stats
	opens    uint64
	openedAt time.Time

	running     bool
	dispatching bool
	shutdown    bool
	// release hands closing the poller and the frame channel to Run.
	release bool
	quit     chan struct{}
	done     chan struct{}
}

type options struct {
	sys       ifctl.System
	path      string
	logger    *logging.Logger
	table     *ethertype.Table
	handler   Handler
	frameBuf  int
	withChan  bool
	onDiag    func(pipeline.Diagnostic)
	diagRate  int
	diagBurst int
}

type Option func(*options)

// WithHandler installs a callback for inbound frames.
func WithHandler(h Handler) Option {
	return func(o *options) { o.handler = h }
}

// WithFrameChannel delivers inbound frames on a channel of the given
// capacity, available through Frames. A full channel stalls the device loop
// until the consumer catches up.
func WithFrameChannel(capacity int) Option {
	return func(o *options) {
		o.withChan = true
		o.frameBuf = capacity
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSystem replaces the OS layer, mostly for tests.
func WithSystem(sys ifctl.System) Option {
	return func(o *options) { o.sys = sys }
}

func WithDevicePath(path string) Option {
	return func(o *options) { o.path = path }
}

// WithTable sets the ethertype table used by full compression.
func WithTable(t *ethertype.Table) Option {
	return func(o *options) { o.table = t }
}

// WithDiagnostics is told about every frame the device drops.
func WithDiagnostics(fn func(pipeline.Diagnostic)) Option {
	return func(o *options) { o.onDiag = fn }
}

// WithDiagnosticRate bounds diagnostic log lines per minute.
func WithDiagnosticRate(perMinute, burst int) Option {
	return func(o *options) {
		o.diagRate = perMinute
		o.diagBurst = burst
	}
}

// New prepares a device for cfg. The interface is not created until Open.
func New(cfg config.Interface, opts ...Option) (*Device, error) {
	o := options{diagRate: 60, diagBurst: 10}
	for _, opt := range opts {
		opt(&o)
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = logging.Discard()
	}
	if o.table == nil {
		o.table = ethertype.Default()
	}
	poll, err := poller.New()
	if err != nil {
		return nil, err
	}
	d := &Device{
		cfg:     cfg,
		table:   o.table,
		ctl:     ifctl.New(o.sys, ifctl.WithDevicePath(o.path), ifctl.WithLogger(o.logger)),
		poll:    poll,
		logger:  o.logger,
		limiter: ratelimit.New(o.diagRate, o.diagBurst),
		handler: o.handler,
		onDiag:  o.onDiag,
		quit:    make(chan struct{}),
	}
	if o.withChan {
		d.frames = make(chan []byte, o.frameBuf)
	}
	return d, nil
}

// Frames returns the inbound channel, or nil without WithFrameChannel. It
// is closed by Shutdown.
func (d *Device) Frames() <-chan []byte {
	return d.frames
}

// Open creates the interface and starts reading from it.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return ErrShutdown
	}
	if d.handle != nil {
		return ErrAlreadyOpen
	}
	cfg := d.cfg
	h, err := d.ctl.Create(&cfg)
	if err != nil {
		d.logger.Error("interface open failed", map[string]interface{}{
			"iface": d.cfg.Name,
			"error": err.Error(),
		})
		return err
	}
	fd, err := h.FD()
	if err != nil {
		_ = d.ctl.Destroy(h)
		return err
	}
	pipe, err := pipeline.New(fd, h, d.poll, codec.New(cfg.Codec, d.table), pipeline.SinkFunc(d.collect),
		pipeline.WithLogger(d.logger.With(map[string]interface{}{"iface": cfg.Name})),
		pipeline.WithLimiter(d.limiter),
		pipeline.WithDiagnostics(d.collectDiag),
	)
	if err != nil {
		_ = d.ctl.Destroy(h)
		return err
	}
	d.cfg.Name = cfg.Name
	d.handle = h
	d.pipe = pipe
	d.opens++
	d.openedAt = time.Now()
	d.logger.Info("interface opened", map[string]interface{}{
		"iface":        cfg.Name,
		"type":         cfg.Mode.String(),
		"mtu":          cfg.MTU,
		"ethtype_comp": cfg.Codec.String(),
	})
	return nil
}

// Close tears the interface down. Queued frames are dropped.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *Device) closeLocked() error {
	if d.handle == nil {
		return ErrClosed
	}
	stats := d.pipe.Stats()
	err := errors.Join(ignoreClosed(d.pipe.Close()), d.ctl.Destroy(d.handle))
	d.totals = addStats(d.totals, stats)
	d.handle = nil
	d.pipe = nil
	d.inbox = nil
	d.logger.Info("interface closed", map[string]interface{}{
		"iface":   d.cfg.Name,
		"dropped": stats.Queued,
	})
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, pipeline.ErrClosed) {
		return nil
	}
	return err
}

// Configure changes the fields present in patch. The type and name are
// fixed once the device exists. On a live interface each field is applied
// independently and every failure is returned; the stored configuration
// takes the requested values either way.
func (d *Device) Configure(patch config.Patch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := patch.CheckMutable(); err != nil {
		return err
	}
	return d.applyLocked(patch)
}

// Unset restores fields to their defaults, applying them live when open.
func (d *Device) Unset(fields ...config.Field) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := d.cfg
	patch, err := next.Reset(fields...)
	if err != nil {
		return err
	}
	return d.applyLocked(patch)
}

func (d *Device) applyLocked(patch config.Patch) error {
	if patch.Empty() {
		return nil
	}
	next := d.cfg
	next.Apply(patch)
	if err := next.Validate(); err != nil {
		return err
	}
	var err error
	if d.handle != nil {
		err = d.ctl.Reconfigure(d.handle, patch)
		if patch.Has(config.FieldCodec) {
			d.pipe.SetCodec(codec.New(next.Codec, d.table))
		}
	}
	d.cfg = next
	fields := map[string]interface{}{"iface": d.cfg.Name, "fields": fieldNames(patch.Fields()), "live": d.handle != nil}
	if err != nil {
		fields["error"] = err.Error()
		d.logger.Warn("interface reconfigured with errors", fields)
	} else {
		d.logger.Debug("interface reconfigured", fields)
	}
	return err
}

func fieldNames(fields []config.Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.String()
	}
	return out
}

// Submit queues frame for the interface. The caller keeps ownership of
// frame; it is written once the descriptor is writable.
func (d *Device) Submit(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipe == nil {
		return ErrClosed
	}
	return d.pipe.Submit(frame)
}

func (d *Device) StartRead() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipe == nil {
		return ErrClosed
	}
	d.pipe.StartRead()
	return nil
}

func (d *Device) StopRead() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipe == nil {
		return ErrClosed
	}
	d.pipe.StopRead()
	return nil
}

// Run waits for readiness and moves frames until ctx is done or Shutdown is
// called. Only one Run may be active.
func (d *Device) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return ErrShutdown
	}
	if d.running {
		d.mu.Unlock()
		return ErrRunning
	}
	d.running = true
	done := make(chan struct{})
	d.done = done
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		release := d.release
		d.mu.Unlock()
		if release {
			_ = d.releaseResources()
		}
		close(done)
	}()
	stop := context.AfterFunc(ctx, func() { _ = d.poll.Wake() })
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-d.quit:
			return nil
		default:
		}
		events, err := d.poll.Wait(-1)
		if err != nil {
			if errors.Is(err, poller.ErrClosed) {
				return nil
			}
			return err
		}
		if err := d.dispatch(ctx, events); err != nil {
			return err
		}
	}
}

func (d *Device) dispatch(ctx context.Context, events []poller.Event) error {
	d.mu.Lock()
	for _, ev := range events {
		if d.pipe == nil || ev.Fd != d.pipe.FD() {
			continue
		}
		d.pipe.Dispatch(ev.Ready)
	}
	inbox, diags := d.inbox, d.diags
	d.inbox, d.diags = nil, nil
	d.dispatching = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.dispatching = false
		d.mu.Unlock()
	}()

	if d.onDiag != nil {
		for _, diag := range diags {
			d.onDiag(diag)
		}
	}
	for _, frame := range inbox {
		if d.handler != nil {
			d.handler(frame)
		}
		select {
		case <-d.quit:
			return nil
		default:
		}
		if d.frames == nil {
			continue
		}
		select {
		case d.frames <- frame:
		case <-d.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Device) collect(frame []byte) {
	d.inbox = append(d.inbox, frame)
}

func (d *Device) collectDiag(diag pipeline.Diagnostic) {
	if d.onDiag != nil {
		d.diags = append(d.diags, diag)
	}
}

// Shutdown closes the interface if open, stops Run and releases the poller.
// The device cannot be reopened afterwards. Called while Run is delivering
// frames, for example from a Handler, it returns without waiting and Run
// releases the poller on its way out.
func (d *Device) Shutdown() error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return ErrShutdown
	}
	d.shutdown = true
	close(d.quit)
	var err error
	if d.handle != nil {
		err = d.closeLocked()
	}
	done := d.done
	running := d.running
	if running && d.dispatching {
		d.release = true
	}
	release := d.release
	d.mu.Unlock()

	_ = d.poll.Wake()
	if release {
		return err
	}
	if running && done != nil {
		<-done
	}
	return errors.Join(err, d.releaseResources())
}

func (d *Device) releaseResources() error {
	if d.frames != nil {
		close(d.frames)
	}
	return d.poll.Close()
}

// SetDiagnosticRate changes how many diagnostic log lines per minute get
// through. Values of zero or less keep the current setting.
func (d *Device) SetDiagnosticRate(perMinute, burst int) {
	d.limiter.Update(perMinute, burst)
}

// Config returns a copy of the current configuration.
func (d *Device) Config() config.Interface {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Codec returns the frame codec currently in effect.
func (d *Device) Codec() codec.Codec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return codec.New(d.cfg.Codec, d.table)
}

// Name is the interface name, filled in by the kernel on first open when
// none was configured.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Name
}

func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle != nil
}

func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("%s(%s)", d.cfg.Mode, d.cfg.Name)
}
