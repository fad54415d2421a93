package server

import (
	"encoding/json"
	"net/http"

	"github.com/conneroisu/xfailflake/internal/format"
)

// handleTabular serves the dashboard bundle on the root path.
func (s *Server) handleTabular(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records, err := s.current(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBundle(w, r, format.Tabular(records, s.opts.Schema))
}

func (s *Server) handleDefault(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records, err := s.current(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeBundle(w, r, format.Default(records, s.opts.Repo))
}

// handleHealth reports liveness without scanning.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to encode health response")
	}
}

func (s *Server) writeBundle(w http.ResponseWriter, r *http.Request, bundle interface{}) {
	body, err := s.encode(bundle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error(r.Context(), err, "Scan failed", "path", r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
