package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tuntap/config"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func runWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func expectMTU(t *testing.T, ch <-chan *config.Config, mtu int) {
	t.Helper()
	select {
	case cfg := <-ch:
		if cfg.Interface.MTU != mtu {
			t.Fatalf("expected mtu %d, got %d", mtu, cfg.Interface.MTU)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for reload to mtu %d", mtu)
	}
}

func TestWatcherNotify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuntapd.json")
	writeConfig(t, path, `{"interface": {"mtu": 1400}}`)

	applied := make(chan *config.Config, 4)
	failed := make(chan error, 4)
	runWatcher(t, &Watcher{
		Path:   path,
		Apply:  func(c *config.Config) { applied <- c },
		Fail:   func(err error) { failed <- err },
		Settle: 20 * time.Millisecond,
	})
	time.Sleep(100 * time.Millisecond)

	writeConfig(t, path, `{"interface": {"mtu": 1300}}`)
	expectMTU(t, applied, 1300)

	writeConfig(t, path, `{"interface": {"addr": "bogus"}}`)
	select {
	case <-failed:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected a load failure")
	}

	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.json"), []byte(`{}`), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-applied:
		t.Fatalf("unrelated file triggered a reload: %+v", cfg)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherPoll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuntapd.yaml")
	writeConfig(t, path, "interface:\n  mtu: 1400\n")
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	applied := make(chan *config.Config, 4)
	runWatcher(t, &Watcher{
		Path:     path,
		Interval: 20 * time.Millisecond,
		Poll:     true,
		Apply:    func(c *config.Config) { applied <- c },
	})
	time.Sleep(50 * time.Millisecond)

	writeConfig(t, path, "interface:\n  mtu: 1200\n")
	expectMTU(t, applied, 1200)
}

func TestWatcherIgnoresStdin(t *testing.T) {
	done := make(chan struct{})
	go func() {
		(&Watcher{Path: "-", Apply: func(*config.Config) {}}).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("watcher on stdin should return immediately")
	}
}
