// Package audit keeps a JSON-lines record of interface lifecycle and
// configuration changes.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EventType groups audit events.
type EventType string

const (
	EventLifecycle     EventType = "lifecycle"
	EventConfiguration EventType = "configuration"
)

// Event is one audited action.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Interface string                 `json:"interface,omitempty"`
	Action    string                 `json:"action"`
	Source    string                 `json:"source,omitempty"`
	Remote    string                 `json:"remote,omitempty"`
	Fields    []string               `json:"fields,omitempty"`
	Result    string                 `json:"result"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Config selects the log destination. An empty Path or "stdout" writes to
// standard output and never rotates.
type Config struct {
	Path       string
	Recent     int
	RotateSize int64
}

// Logger writes events and keeps the most recent ones in memory.
type Logger struct {
	mu          sync.Mutex
	encoder     *json.Encoder
	file        *os.File
	recent      []Event
	maxRecent   int
	rotateSize  int64
	currentSize int64
	now         func() time.Time
}

func New(cfg Config) (*Logger, error) {
	var output io.Writer = os.Stdout
	var file *os.File
	var size int64
	if cfg.Path != "" && cfg.Path != "stdout" {
		f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to stat audit log: %w", err)
		}
		file, output, size = f, f, info.Size()
	}
	return newLogger(output, file, size, cfg), nil
}

// NewWriter logs to w without rotation.
func NewWriter(w io.Writer, recent int) *Logger {
	return newLogger(w, nil, 0, Config{Recent: recent})
}

func newLogger(w io.Writer, file *os.File, size int64, cfg Config) *Logger {
	if cfg.Recent <= 0 {
		cfg.Recent = 100
	}
	return &Logger{
		encoder:     json.NewEncoder(w),
		file:        file,
		maxRecent:   cfg.Recent,
		rotateSize:  cfg.RotateSize,
		currentSize: size,
		now:         time.Now,
	}
}

// Log stamps and writes event.
func (l *Logger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	event.Timestamp = l.now().UTC()
	if event.Result == "" {
		event.Result = ResultSuccess
		if event.Error != "" {
			event.Result = ResultFailure
		}
	}
	l.recent = append(l.recent, event)
	if len(l.recent) > l.maxRecent {
		l.recent = append(l.recent[:0], l.recent[len(l.recent)-l.maxRecent:]...)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	if err := l.encoder.Encode(json.RawMessage(data)); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if l.file != nil {
		l.currentSize += int64(len(data)) + 1
		if l.rotateSize > 0 && l.currentSize >= l.rotateSize {
			return l.rotate()
		}
	}
	return nil
}

// Lifecycle records an open, close or remove of iface.
func (l *Logger) Lifecycle(iface, action string, err error) error {
	return l.Log(Event{Type: EventLifecycle, Interface: iface, Action: action, Error: errString(err)})
}

// Configuration records a configuration change from source (file or api).
func (l *Logger) Configuration(iface, action, source, remote string, fields []string, err error) error {
	return l.Log(Event{
		Type:      EventConfiguration,
		Interface: iface,
		Action:    action,
		Source:    source,
		Remote:    remote,
		Fields:    fields,
		Error:     errString(err),
	})
}

// Recent returns up to count of the latest events, oldest first.
func (l *Logger) Recent(count int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if count <= 0 || count > len(l.recent) {
		count = len(l.recent)
	}
	out := make([]Event, count)
	copy(out, l.recent[len(l.recent)-count:])
	return out
}

// Search filters the retained events. Zero values match everything.
func (l *Logger) Search(typ EventType, iface string, since time.Time) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, event := range l.recent {
		if typ != "" && event.Type != typ {
			continue
		}
		if iface != "" && event.Interface != iface {
			continue
		}
		if !since.IsZero() && event.Timestamp.Before(since) {
			continue
		}
		out = append(out, event)
	}
	return out
}

func (l *Logger) rotate() error {
	oldPath := l.file.Name()
	if err := l.file.Close(); err != nil {
		return err
	}
	newPath := fmt.Sprintf("%s.%s", oldPath, l.now().Format("20060102-150405.000"))
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	file, err := os.OpenFile(oldPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = file
	l.encoder = json.NewEncoder(file)
	l.currentSize = 0
	return nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
