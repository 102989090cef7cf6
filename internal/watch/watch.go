// Package watch reloads the daemon configuration file when it changes.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"tuntap/config"
)

const defaultSettle = 100 * time.Millisecond

// Watcher calls Apply with every successfully parsed version of the file
// and Fail with every load error.
type Watcher struct {
	Path     string
	Interval time.Duration
	Log      logr.Logger // the zero value discards
	Apply    func(*config.Config)
	Fail     func(error)

	// Poll skips fsnotify and only stats the file every Interval.
	Poll bool
	// Settle groups bursts of events from editors that write in several steps.
	Settle time.Duration
}

// Run blocks until ctx is done. Watching the directory rather than the file
// survives editors that replace the file by rename.
func (w *Watcher) Run(ctx context.Context) {
	if w.Path == "" || w.Path == "-" || w.Apply == nil {
		return
	}
	if w.Interval <= 0 {
		w.Interval = 2 * time.Second
	}
	if w.Settle <= 0 {
		w.Settle = defaultSettle
	}
	if !w.Poll {
		fw, err := fsnotify.NewWatcher()
		if err == nil {
			if err = fw.Add(filepath.Dir(w.Path)); err == nil {
				w.notify(ctx, fw)
				return
			}
			fw.Close()
		}
		w.Log.Error(err, "config notify unavailable, polling", "path", w.Path)
	}
	w.poll(ctx)
}

func (w *Watcher) notify(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()
	target := filepath.Clean(w.Path)
	settle := time.NewTimer(w.Settle)
	settle.Stop()
	defer settle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			settle.Reset(w.Settle)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.Log.Error(err, "config notify error", "path", w.Path)
		case <-settle.C:
			w.reload()
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	var lastMod time.Time
	if info, err := os.Stat(w.Path); err != nil {
		w.Log.Error(err, "config watcher stat failed", "path", w.Path)
	} else {
		lastMod = info.ModTime()
	}
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(w.Path)
			if err != nil {
				w.Log.Error(err, "config watcher stat failed", "path", w.Path)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			lastMod = info.ModTime()
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := config.Load(w.Path)
	if err != nil {
		w.Log.Error(err, "config reload failed", "path", w.Path)
		if w.Fail != nil {
			w.Fail(err)
		}
		return
	}
	w.Log.Info("config reloaded", "path", w.Path)
	w.Apply(cfg)
}
