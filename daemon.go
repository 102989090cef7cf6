//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tuntap/config"
	"tuntap/device"
	"tuntap/ethertype"
	"tuntap/internal/audit"
	"tuntap/internal/dataplane"
	"tuntap/internal/inspect"
	"tuntap/internal/logging"
	"tuntap/internal/management"
	"tuntap/internal/netconfig"
	"tuntap/internal/pipeline"
	"tuntap/internal/state"
	"tuntap/internal/watch"
)

// daemon owns one managed interface and whatever carries its frames.
type daemon struct {
	logger  *logging.Logger
	base    *logging.Logger
	dev     *device.Device
	bridge  *dataplane.DeviceBridge
	plane   dataplane.Interface
	tap     *management.Tap
	tracker *state.ReloadTracker
	audit   *audit.Logger
	mgmt    *management.Server

	// pinned is set when the interface came from the command line, so file
	// reloads leave it alone.
	pinned bool

	mu  sync.Mutex
	cfg *config.Config
}

type daemonOptions struct {
	pinned  bool
	devOpts []device.Option
}

func newDaemon(cfg *config.Config, base *logging.Logger, opts daemonOptions) (*daemon, error) {
	d := &daemon{
		base:    base,
		logger:  base.With(map[string]interface{}{"component": "tuntapd"}),
		tap:     management.NewTap(64),
		tracker: state.NewReloadTracker(20),
		pinned:  opts.pinned,
		cfg:     cfg,
	}
	if cfg.Audit.Path != "" {
		al, err := audit.New(audit.Config{Path: cfg.Audit.Path, RotateSize: cfg.Audit.RotateSize})
		if err != nil {
			return nil, err
		}
		d.audit = al
	}
	if cfg.Bridge.Type != "none" {
		d.bridge = dataplane.NewDeviceBridge(cfg.EffectiveBridgeBuffer())
	}

	devOpts := append([]device.Option{
		device.WithLogger(base.With(map[string]interface{}{"component": "device"})),
		device.WithTable(ethertype.Default()),
		device.WithHandler(d.handleFrame),
		device.WithDiagnostics(d.diagnostic),
		device.WithDiagnosticRate(cfg.EffectiveDiagnosticsRate(), cfg.EffectiveDiagnosticsBurst()),
	}, opts.devOpts...)
	dev, err := device.New(cfg.Interface, devOpts...)
	if err != nil {
		d.closeAudit()
		return nil, err
	}
	d.dev = dev
	if d.bridge != nil {
		d.bridge.Attach(dev)
	}
	return d, nil
}

// start opens the interface, the frame plane and the management server.
// Everything started is torn down by stop.
func (d *daemon) start(ctx context.Context) (<-chan error, error) {
	err := d.dev.Open()
	d.lifecycle("open", err)
	if err != nil {
		return nil, err
	}
	d.logger.Info("interface open", map[string]interface{}{"interface": d.dev.Name(), "config": config.EncodeURL(d.dev.Config())})

	if d.bridge != nil {
		plane, err := d.openPlane()
		if err != nil {
			return nil, err
		}
		d.plane = plane
		go dataplane.Pump(d.bridge, d.plane, d.deliveryError("plane"))
		go dataplane.Pump(d.plane, observed{Interface: d.bridge, d: d}, d.deliveryError("device"))
	}

	mgmtOpts := []management.Option{
		management.WithMetrics(d.metrics),
		management.WithACL(d.config().ManagementPrefixes()),
		management.WithConfigurator(d.dev),
		management.WithChangeHook(d.apiChange),
		management.WithTap(d.tap),
	}
	if d.audit != nil {
		mgmtOpts = append(mgmtOpts, management.WithAudit(d.audit))
	}
	d.mgmt, err = management.New(d.config().Management.Bind, d.snapshot, d.logger, mgmtOpts...)
	if err != nil {
		return nil, err
	}
	d.mgmt.Start()
	d.logger.Info("management listening", map[string]interface{}{"addr": d.mgmt.Addr()})

	runErr := make(chan error, 1)
	go func() { runErr <- d.dev.Run(ctx) }()
	return runErr, nil
}

func (d *daemon) openPlane() (dataplane.Interface, error) {
	cfg := d.config()
	buffer := cfg.EffectiveBridgeBuffer()
	switch cfg.Bridge.Type {
	case "loopback":
		return dataplane.NewLoopback(buffer), nil
	case "udp":
		return dataplane.NewUDPBridge(cfg.Bridge.Listen, map[string]string{d.dev.Name(): cfg.Bridge.Peer}, buffer)
	case "tun":
		return dataplane.CreateTUNBridge(cfg.Bridge.Name, cfg.Bridge.MTU, d.dev.Codec, buffer)
	default:
		return nil, fmt.Errorf("unsupported bridge type %q", cfg.Bridge.Type)
	}
}

// watch applies configuration file changes until ctx is done.
func (d *daemon) watch(ctx context.Context, path string) {
	w := &watch.Watcher{
		Path:     path,
		Interval: d.config().EffectiveWatchInterval(),
		Log:      d.logger.Logr().WithName("watch"),
		Apply:    d.applyFile,
		Fail: func(err error) {
			d.tracker.RecordFailure(state.SourceFile, err)
		},
	}
	w.Run(ctx)
}

func (d *daemon) applyFile(updated *config.Config) {
	d.mu.Lock()
	prev := d.cfg
	d.cfg = updated
	d.mu.Unlock()

	if updated.NormalisedLevel() != prev.NormalisedLevel() {
		d.base.SetLevel(logging.ParseLevel(updated.NormalisedLevel()))
	}
	if d.mgmt != nil {
		d.mgmt.SetACL(updated.ManagementPrefixes())
	}
	if updated.Bridge != prev.Bridge || updated.Management.Bind != prev.Management.Bind {
		d.logger.Warn("bridge and management bind changes need a restart", nil)
	}
	if updated.Diagnostics != prev.Diagnostics {
		rate, burst := updated.EffectiveDiagnosticsRate(), updated.EffectiveDiagnosticsBurst()
		d.dev.SetDiagnosticRate(rate, burst)
		d.logger.Info("diagnostic rate updated", map[string]interface{}{"rate": rate, "burst": burst})
	}
	if d.pinned {
		return
	}

	patch, dropped := prev.Interface.Diff(updated.Interface).SplitMutable()
	if len(dropped) > 0 {
		d.logger.Warn("ignoring changes to immutable fields", map[string]interface{}{"fields": names(dropped)})
	}
	if patch.Empty() {
		return
	}
	err := d.dev.Configure(patch)
	d.tracker.Record(state.SourceFile, patch.Fields(), err)
	d.auditChange("configure", string(state.SourceFile), "", patch.Fields(), err)
	if err == nil {
		return
	}
	d.logger.Warn("interface reconfigure failed", map[string]interface{}{"error": err.Error()})
	if errors.Is(err, config.ErrInvalidArgument) {
		// Nothing was applied, so the next reload must diff against what
		// the interface still runs with.
		d.mu.Lock()
		if d.cfg == updated {
			kept := *updated
			kept.Interface = prev.Interface
			d.cfg = &kept
		}
		d.mu.Unlock()
	}
}

func (d *daemon) apiChange(remote, action string, fields []config.Field, err error) {
	d.tracker.Record(state.SourceAPI, fields, err)
	d.auditChange(action, string(state.SourceAPI), remote, fields, err)
}

func (d *daemon) handleFrame(frame []byte) {
	d.observe("in", frame)
	if d.bridge != nil {
		d.bridge.Handle(frame)
	}
}

func (d *daemon) observe(direction string, frame []byte) {
	if !d.tap.Active() {
		return
	}
	in := inspect.Inspector{Mode: d.dev.Config().Mode, Codec: d.dev.Codec()}
	d.tap.Publish(in.Summarize(direction, frame))
}

// diagnostic shows dropped frames to tap clients. The device already logs
// them through its rate limiter.
func (d *daemon) diagnostic(diag pipeline.Diagnostic) {
	if !d.tap.Active() {
		return
	}
	msg := diag.Kind
	if diag.Err != nil {
		msg += ": " + diag.Err.Error()
	}
	d.tap.Publish(inspect.Summary{Time: time.Now().UTC(), Direction: "drop", Length: diag.Got, Error: msg})
}

func (d *daemon) deliveryError(target string) func(dataplane.Frame, error) {
	return func(frame dataplane.Frame, err error) {
		if errors.Is(err, dataplane.ErrClosed) || errors.Is(err, device.ErrClosed) {
			return
		}
		d.logger.Debug("frame delivery failed", map[string]interface{}{
			"target": target,
			"peer":   frame.Peer,
			"length": len(frame.Payload),
			"error":  err.Error(),
		})
	}
}

func (d *daemon) snapshot() interface{} {
	out := map[string]interface{}{
		"device":  d.dev.Snapshot(),
		"reloads": d.tracker.History(),
	}
	if link, err := netconfig.Inspect(d.dev.Name()); err == nil {
		out["link"] = link
	} else {
		out["linkError"] = err.Error()
	}
	if d.bridge != nil {
		out["bridge"] = map[string]interface{}{
			"type":   d.config().Bridge.Type,
			"paused": d.bridge.Paused(),
			"pauses": d.bridge.Pauses(),
		}
	}
	if d.audit != nil {
		out["audit"] = d.audit.Recent(10)
	}
	return out
}

func (d *daemon) metrics() map[string]float64 {
	m := d.dev.Metrics()
	total, ok, failed := d.tracker.Stats()
	m["config_changes_total"] = float64(total)
	m["config_changes_ok"] = float64(ok)
	m["config_changes_failed"] = float64(failed)
	m["tap_missed_total"] = float64(d.tap.Missed())
	if d.bridge != nil {
		m["bridge_pauses_total"] = float64(d.bridge.Pauses())
		m["bridge_paused"] = 0
		if d.bridge.Paused() {
			m["bridge_paused"] = 1
		}
	}
	if dropper, ok := d.plane.(interface{ Dropped() uint64 }); ok {
		m["bridge_dropped_total"] = float64(dropper.Dropped())
	}
	return m
}

// stop shuts everything down in reverse order of start.
func (d *daemon) stop() error {
	name := d.dev.Name()
	err := d.dev.Shutdown()
	if errors.Is(err, device.ErrShutdown) {
		err = nil
	}
	d.lifecycleName(name, "close", err)
	if d.bridge != nil {
		_ = d.bridge.Close()
	}
	if d.plane != nil {
		if perr := d.plane.Close(); perr != nil {
			err = errors.Join(err, perr)
		}
	}
	if d.mgmt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if merr := d.mgmt.Close(ctx); merr != nil {
			d.logger.Warn("management server close error", map[string]interface{}{"error": merr.Error()})
		}
	}
	d.closeAudit()
	return err
}

func (d *daemon) config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *daemon) lifecycle(action string, err error) {
	d.lifecycleName(d.dev.Name(), action, err)
}

func (d *daemon) lifecycleName(name, action string, err error) {
	if d.audit == nil {
		return
	}
	if aerr := d.audit.Lifecycle(name, action, err); aerr != nil {
		d.logger.Warn("audit write failed", map[string]interface{}{"error": aerr.Error()})
	}
}

func (d *daemon) auditChange(action, source, remote string, fields []config.Field, err error) {
	if d.audit == nil {
		return
	}
	if aerr := d.audit.Configuration(d.dev.Name(), action, source, remote, names(fields), err); aerr != nil {
		d.logger.Warn("audit write failed", map[string]interface{}{"error": aerr.Error()})
	}
}

func (d *daemon) closeAudit() {
	if d.audit != nil {
		_ = d.audit.Close()
	}
}

// observed reports frames on their way into the device to the tap.
type observed struct {
	dataplane.Interface
	d *daemon
}

func (o observed) Deliver(peer string, payload []byte) error {
	o.d.observe("out", payload)
	return o.Interface.Deliver(peer, payload)
}

func names(fields []config.Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.String()
	}
	return out
}
