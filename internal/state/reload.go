package state

import (
	"sync"
	"time"

	"tuntap/config"
)

// Source says where a configuration change came from.
type Source string

const (
	SourceFile Source = "file"
	SourceAPI  Source = "api"
)

// ReloadEvent is one attempt to change the live interface configuration.
type ReloadEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// ReloadTracker keeps a bounded history of configuration changes.
type ReloadTracker struct {
	mu      sync.RWMutex
	history []ReloadEvent
	maxSize int
	now     func() time.Time
}

func NewReloadTracker(maxSize int) *ReloadTracker {
	if maxSize <= 0 {
		maxSize = 10
	}
	return &ReloadTracker{
		history: make([]ReloadEvent, 0, maxSize),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Record stores the outcome of applying fields. A partially applied
// change is recorded as a failure that still lists its fields.
func (rt *ReloadTracker) Record(source Source, fields []config.Field, err error) {
	event := ReloadEvent{
		Source:  source,
		Success: err == nil,
		Changes: fieldNames(fields),
	}
	if err != nil {
		event.Error = err.Error()
	}
	rt.add(event)
}

// RecordFailure stores a change that never reached the device, such as an
// unreadable config file.
func (rt *ReloadTracker) RecordFailure(source Source, err error) {
	rt.add(ReloadEvent{Source: source, Error: err.Error()})
}

func (rt *ReloadTracker) add(event ReloadEvent) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	event.Timestamp = rt.now()
	rt.history = append(rt.history, event)
	if len(rt.history) > rt.maxSize {
		rt.history = append(rt.history[:0], rt.history[len(rt.history)-rt.maxSize:]...)
	}
}

// History returns a copy, oldest first.
func (rt *ReloadTracker) History() []ReloadEvent {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	result := make([]ReloadEvent, len(rt.history))
	for i, event := range rt.history {
		event.Changes = append([]string(nil), event.Changes...)
		result[i] = event
	}
	return result
}

func (rt *ReloadTracker) Last() *ReloadEvent {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if len(rt.history) == 0 {
		return nil
	}
	event := rt.history[len(rt.history)-1]
	event.Changes = append([]string(nil), event.Changes...)
	return &event
}

// Stats counts the retained events.
func (rt *ReloadTracker) Stats() (total, successful, failed int) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	total = len(rt.history)
	for _, event := range rt.history {
		if event.Success {
			successful++
		} else {
			failed++
		}
	}
	return
}

func fieldNames(fields []config.Field) []string {
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.String()
	}
	return out
}
