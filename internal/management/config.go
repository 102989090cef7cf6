package management

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"tuntap/config"
)

// Configurator is the live configuration surface of a device.
type Configurator interface {
	Config() config.Interface
	Configure(patch config.Patch) error
	Unset(fields ...config.Field) error
}

// ChangeFunc observes a configuration request: action is "configure" or
// "unset".
type ChangeFunc func(remote, action string, fields []config.Field, err error)

const maxConfigBody = 64 << 10

// handleConfig serves GET (current values), PATCH/POST (a JSON object of
// fields to set) and DELETE ?fields=mtu,addr (reset to defaults).
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPatch, http.MethodPost:
		var raw map[string]interface{}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
		patch, err := config.ParsePatch(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = s.conf.Configure(patch)
		s.changed(r, "configure", patch.Fields(), err)
		if err != nil {
			s.configError(w, err)
			return
		}
	case http.MethodDelete:
		names := strings.Split(r.URL.Query().Get("fields"), ",")
		fields, err := config.ParseFields(nonEmpty(names))
		if err == nil && len(fields) == 0 {
			err = errors.New("fields query parameter required")
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = s.conf.Unset(fields...)
		s.changed(r, "unset", fields, err)
		if err != nil {
			s.configError(w, err)
			return
		}
	default:
		w.Header().Set("Allow", "GET, PATCH, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload, err := json.Marshal(s.conf.Config())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) changed(r *http.Request, action string, fields []config.Field, err error) {
	if s.onChange != nil {
		s.onChange(r.RemoteAddr, action, fields, err)
	}
}

func (s *Server) configError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, config.ErrInvalidArgument) {
		status = http.StatusBadRequest
	}
	s.logger.Warn("configuration request failed", map[string]interface{}{"error": err.Error()})
	http.Error(w, err.Error(), status)
}

func nonEmpty(items []string) []string {
	out := items[:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
