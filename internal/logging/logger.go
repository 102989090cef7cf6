package logging

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(input string) Level {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes one JSON object per entry. Children created with With share
// the level and the output of their parent.
type Logger struct {
	mu    *sync.Mutex
	level *atomic.Int32
	base  map[string]interface{}
	log   *log.Logger
}

func New(level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	lv := new(atomic.Int32)
	lv.Store(int32(level))
	return &Logger{
		mu:    new(sync.Mutex),
		level: lv,
		base:  map[string]interface{}{},
		log:   log.New(output, "", 0),
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(LevelError+1, io.Discard)
}

func (l *Logger) With(fields map[string]interface{}) *Logger {
	child := &Logger{
		mu:    l.mu,
		level: l.level,
		log:   l.log,
		base:  make(map[string]interface{}, len(l.base)+len(fields)),
	}
	for k, v := range l.base {
		child.base[k] = v
	}
	for k, v := range fields {
		child.base[k] = v
	}
	return child
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level Level) bool {
	return int32(level) >= l.level.Load()
}

func (l *Logger) logf(level Level, msg string, fields map[string]interface{}) {
	if !l.Enabled(level) {
		return
	}
	payload := make(map[string]interface{}, len(l.base)+len(fields)+3)
	for k, v := range l.base {
		payload[k] = v
	}
	for k, v := range fields {
		payload[k] = v
	}
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	payload["level"] = levelString(level)
	payload["message"] = msg
	data, err := json.Marshal(payload)
	if err != nil {
		l.mu.Lock()
		l.log.Printf("{\"level\":\"error\",\"message\":\"log marshal failed\",\"error\":%q}", err.Error())
		l.mu.Unlock()
		return
	}
	l.mu.Lock()
	l.log.Println(string(data))
	l.mu.Unlock()
}

func levelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.logf(LevelDebug, msg, fields)
}

func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.logf(LevelInfo, msg, fields)
}

func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.logf(LevelWarn, msg, fields)
}

func (l *Logger) Error(msg string, fields map[string]interface{}) {
	l.logf(LevelError, msg, fields)
}

func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}
