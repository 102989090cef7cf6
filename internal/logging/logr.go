package logging

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Logr exposes l through the logr API. V(0) maps to info, higher verbosity
// to debug.
func (l *Logger) Logr() logr.Logger {
	return logr.New(&sink{logger: l})
}

type sink struct {
	logger *Logger
	name   string
}

func (s *sink) Init(logr.RuntimeInfo) {}

func (s *sink) Enabled(level int) bool {
	return s.logger.Enabled(vLevel(level))
}

func (s *sink) Info(level int, msg string, keysAndValues ...interface{}) {
	s.logger.logf(vLevel(level), msg, s.fields(keysAndValues))
}

func (s *sink) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := s.fields(keysAndValues)
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logger.Error(msg, fields)
}

func (s *sink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	return &sink{logger: s.logger.With(pairs(keysAndValues)), name: s.name}
}

func (s *sink) WithName(name string) logr.LogSink {
	if s.name != "" {
		name = s.name + "/" + name
	}
	return &sink{logger: s.logger.With(map[string]interface{}{"logger": name}), name: name}
}

func (s *sink) fields(keysAndValues []interface{}) map[string]interface{} {
	return pairs(keysAndValues)
}

func vLevel(v int) Level {
	if v > 0 {
		return LevelDebug
	}
	return LevelInfo
}

func pairs(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 >= len(keysAndValues) {
			fields[key] = "(MISSING)"
			break
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
