package management

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tuntap/internal/inspect"
)

// Tap fans frame summaries out to websocket clients. Publishing never
// blocks; a client that falls behind misses summaries.
type Tap struct {
	mu      sync.Mutex
	subs    map[chan inspect.Summary]struct{}
	missed  atomic.Uint64
	buffer  int
	clients atomic.Int64
}

func NewTap(buffer int) *Tap {
	if buffer <= 0 {
		buffer = 64
	}
	return &Tap{subs: make(map[chan inspect.Summary]struct{}), buffer: buffer}
}

// Active reports whether anyone is listening, so callers can skip building
// summaries nobody reads.
func (t *Tap) Active() bool {
	return t.clients.Load() > 0
}

func (t *Tap) Publish(s inspect.Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.subs {
		select {
		case ch <- s:
		default:
			t.missed.Add(1)
		}
	}
}

// Missed counts summaries dropped for slow clients.
func (t *Tap) Missed() uint64 {
	return t.missed.Load()
}

func (t *Tap) subscribe() chan inspect.Summary {
	ch := make(chan inspect.Summary, t.buffer)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	t.clients.Add(1)
	return ch
}

func (t *Tap) unsubscribe(ch chan inspect.Summary) {
	t.mu.Lock()
	delete(t.subs, ch)
	t.mu.Unlock()
	t.clients.Add(-1)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("tap upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	ch := s.tap.subscribe()
	defer s.tap.unsubscribe(ch)
	s.logger.Debug("tap client connected", map[string]interface{}{"remote": r.RemoteAddr})

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case summary := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(summary); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
