package management

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tuntap/codec"
	"tuntap/config"
	"tuntap/internal/audit"
	"tuntap/internal/inspect"
	"tuntap/internal/logging"
)

func TestServerMetrics(t *testing.T) {
	logger := logging.New(logging.LevelError, io.Discard)
	srv, err := New(
		"127.0.0.1:0",
		func() interface{} { return map[string]int{"value": 1} },
		logger,
		WithMetrics(func() map[string]float64 {
			return map[string]float64{"device_test_metric": 42}
		}),
		WithACL([]netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}),
	)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.Start()
	defer srv.Close(context.Background())

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := string(data)
	if !strings.Contains(body, "device_test_metric") {
		t.Fatalf("metrics output missing expected metric: %s", body)
	}
}

func TestServerACL(t *testing.T) {
	s := &Server{}
	allowPrefixes := []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}
	s.SetACL(allowPrefixes)

	if !s.allowed("127.0.0.1:1234") {
		t.Fatalf("expected request from loopback to be allowed")
	}
	if s.allowed("203.0.113.1:8080") {
		t.Fatalf("expected request outside ACL to be rejected")
	}
}

type fakeConfigurator struct {
	mu  sync.Mutex
	cfg config.Interface
	err error
}

func (f *fakeConfigurator) Config() config.Interface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *fakeConfigurator) Configure(p config.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := p.CheckMutable(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.cfg.Apply(p)
	return nil
}

func (f *fakeConfigurator) Unset(fields ...config.Field) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.cfg.Reset(fields...)
	return err
}

func (f *fakeConfigurator) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	srv, err := New("127.0.0.1:0", func() interface{} { return map[string]int{"value": 1} }, logging.Discard(), opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv.Start()
	t.Cleanup(func() { _ = srv.Close(context.Background()) })
	return srv
}

func doRequest(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func TestServerConfigEndpoint(t *testing.T) {
	conf := &fakeConfigurator{cfg: config.Default()}
	conf.cfg.SetName("tap0")
	var (
		mu      sync.Mutex
		actions []string
	)
	srv := startServer(t, WithConfigurator(conf), WithChangeHook(func(remote, action string, fields []config.Field, err error) {
		mu.Lock()
		actions = append(actions, action)
		mu.Unlock()
	}))
	url := "http://" + srv.Addr() + "/config"

	status, body := doRequest(t, http.MethodPatch, url, `{"mtu": 1400, "ethtype_comp": "half"}`)
	if status != http.StatusOK {
		t.Fatalf("patch: %d %s", status, body)
	}
	var got config.Interface
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MTU != 1400 || got.Codec != codec.ModeHalf {
		t.Fatalf("unexpected config %+v", got)
	}

	if status, body := doRequest(t, http.MethodPatch, url, `{"name": "other"}`); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for immutable field, got %d %s", status, body)
	}
	if status, _ := doRequest(t, http.MethodPatch, url, `{"mtu": "big"}`); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad value, got %d", status)
	}
	if status, _ := doRequest(t, http.MethodPatch, url, `not json`); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", status)
	}

	status, body = doRequest(t, http.MethodDelete, url+"?fields=mtu", "")
	if status != http.StatusOK || conf.Config().MTU != config.DefaultMTU {
		t.Fatalf("unset: %d %s", status, body)
	}
	if status, _ := doRequest(t, http.MethodDelete, url, ""); status != http.StatusBadRequest {
		t.Fatalf("expected 400 without fields, got %d", status)
	}
	if status, _ := doRequest(t, http.MethodPut, url, ""); status != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", status)
	}
	// configure, rejected name change, unset
	mu.Lock()
	seen := append([]string(nil), actions...)
	mu.Unlock()
	if len(seen) != 3 || seen[1] != "configure" || seen[2] != "unset" {
		t.Fatalf("unexpected change hook calls %v", seen)
	}

	conf.fail(errors.New("ioctl SIOCSIFMTU: operation not permitted"))
	if status, body := doRequest(t, http.MethodPatch, url, `{"mtu": 1300}`); status != http.StatusInternalServerError || !strings.Contains(body, "SIOCSIFMTU") {
		t.Fatalf("expected 500 carrying the ioctl error, got %d %s", status, body)
	}
}

func TestServerConfigDisabled(t *testing.T) {
	srv := startServer(t)
	if status, _ := doRequest(t, http.MethodGet, "http://"+srv.Addr()+"/config", ""); status != http.StatusNotFound {
		t.Fatalf("expected 404 without configurator, got %d", status)
	}
}

func TestServerAudit(t *testing.T) {
	auditLog := audit.NewWriter(io.Discard, 10)
	if err := auditLog.Lifecycle("tap0", "open", nil); err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	if err := auditLog.Configuration("tap0", "configure", "api", "127.0.0.1:1", []string{"mtu"}, nil); err != nil {
		t.Fatalf("configuration: %v", err)
	}
	if err := auditLog.Configuration("tap1", "unset", "file", "", []string{"addr"}, nil); err != nil {
		t.Fatalf("configuration: %v", err)
	}
	srv := startServer(t, WithAudit(auditLog))
	base := "http://" + srv.Addr() + "/audit"

	status, body := doRequest(t, http.MethodGet, base+"?type=configuration&iface=tap0", "")
	if status != http.StatusOK {
		t.Fatalf("audit status %d: %s", status, body)
	}
	var events []audit.Event
	if err := json.Unmarshal([]byte(body), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].Action != "configure" || events[0].Remote != "127.0.0.1:1" {
		t.Fatalf("unexpected events %+v", events)
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	if status, body = doRequest(t, http.MethodGet, base+"?since="+future, ""); status != http.StatusOK || strings.TrimSpace(body) != "[]" {
		t.Fatalf("expected no events after %s, got %d %s", future, status, body)
	}
	if status, _ = doRequest(t, http.MethodGet, base+"?since=yesterday", ""); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad since, got %d", status)
	}
	if status, _ = doRequest(t, http.MethodPost, base, ""); status != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", status)
	}
}

func TestServerTap(t *testing.T) {
	tap := NewTap(4)
	srv := startServer(t, WithTap(tap))

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/tap", nil)
	if err != nil {
		t.Fatalf("dial tap: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for !tap.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !tap.Active() {
		t.Fatalf("tap client not registered")
	}
	tap.Publish(inspect.Summary{Direction: "in", Length: 62, EtherType: "0x0800"})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var got inspect.Summary
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if got.Length != 62 || got.EtherType != "0x0800" {
		t.Fatalf("unexpected summary %+v", got)
	}

	conn.Close()
	deadline = time.Now().Add(time.Second)
	for tap.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tap.Active() {
		t.Fatalf("tap client not removed after disconnect")
	}
}
