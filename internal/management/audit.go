package management

import (
	"encoding/json"
	"net/http"
	"time"

	"tuntap/internal/audit"
)

// AuditSource answers /audit queries.
type AuditSource interface {
	Search(typ audit.EventType, iface string, since time.Time) []audit.Event
}

// WithAudit enables /audit?type=configuration&iface=tap0&since=RFC3339.
func WithAudit(src AuditSource) Option {
	return func(s *Server) {
		s.audit = src
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if !s.allowed(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	var since time.Time
	if raw := query.Get("since"); raw != "" {
		var err error
		if since, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, "since: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	events := s.audit.Search(audit.EventType(query.Get("type")), query.Get("iface"), since)
	if events == nil {
		events = []audit.Event{}
	}
	payload, err := json.Marshal(events)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}
