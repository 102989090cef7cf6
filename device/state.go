//go:build linux

package device

import (
	"time"

	"tuntap/config"
	"tuntap/internal/pipeline"
)

// Stats are the frame counters of the device, summed over every time it has
// been opened.
type Stats struct {
	pipeline.Stats
	Open  bool
	Opens uint64
}

// State is the JSON view served on the management endpoint.
type State struct {
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Open     bool              `json:"open"`
	Opens    uint64            `json:"opens"`
	OpenedAt time.Time         `json:"openedAt,omitempty"`
	Reading  bool              `json:"reading"`
	Interest string            `json:"interest"`
	Queued   int               `json:"queued"`
	Config   config.Interface  `json:"config"`
	Counters map[string]uint64 `json:"counters"`
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statsLocked()
}

func (d *Device) statsLocked() Stats {
	s := Stats{Stats: d.totals, Open: d.handle != nil, Opens: d.opens}
	if d.pipe != nil {
		cur := d.pipe.Stats()
		s.Stats = addStats(d.totals, cur)
		s.Queued = cur.Queued
		s.QueuedBytes = cur.QueuedBytes
		s.Reading = cur.Reading
		s.Interest = cur.Interest
	}
	return s
}

func (d *Device) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.statsLocked()
	state := State{
		Name:     d.cfg.Name,
		Type:     d.cfg.Mode.String(),
		Open:     s.Open,
		Opens:    s.Opens,
		Reading:  s.Reading,
		Interest: s.Interest.String(),
		Queued:   s.Queued,
		Config:   d.cfg,
		Counters: counters(s.Stats),
	}
	if s.Open {
		state.OpenedAt = d.openedAt
	}
	return state
}

func (d *Device) Metrics() map[string]float64 {
	d.mu.Lock()
	s := d.statsLocked()
	mtu := d.cfg.MTU
	openedAt := d.openedAt
	d.mu.Unlock()
	rate, burst, _ := d.limiter.Stats()

	metrics := map[string]float64{
		"device_open":         boolToFloat(s.Open),
		"device_opens_total":  float64(s.Opens),
		"device_reading":      boolToFloat(s.Reading),
		"device_queue_frames": float64(s.Queued),
		"device_queue_bytes":  float64(s.QueuedBytes),
		"device_mtu":          float64(mtu),

		"device_diagnostic_rate":  float64(rate),
		"device_diagnostic_burst": float64(burst),
	}
	for name, v := range counters(s.Stats) {
		metrics["device_"+name+"_total"] = float64(v)
	}
	if s.Open && !openedAt.IsZero() {
		metrics["device_uptime_seconds"] = time.Since(openedAt).Seconds()
	}
	return metrics
}

func counters(s pipeline.Stats) map[string]uint64 {
	return map[string]uint64{
		"frames_in":     s.FramesIn,
		"frames_out":    s.FramesOut,
		"bytes_in":      s.BytesIn,
		"bytes_out":     s.BytesOut,
		"read_errors":   s.ReadErrors,
		"decode_errors": s.DecodeErrors,
		"write_errors":  s.WriteErrors,
		"short_writes":  s.ShortWrites,
		"write_retries": s.Retries,
	}
}

func addStats(a, b pipeline.Stats) pipeline.Stats {
	a.FramesIn += b.FramesIn
	a.FramesOut += b.FramesOut
	a.BytesIn += b.BytesIn
	a.BytesOut += b.BytesOut
	a.ReadErrors += b.ReadErrors
	a.DecodeErrors += b.DecodeErrors
	a.WriteErrors += b.WriteErrors
	a.ShortWrites += b.ShortWrites
	a.Retries += b.Retries
	return a
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
