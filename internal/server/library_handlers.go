package server

import (
	"encoding/json"
	"net/http"
	"time"

	"unison/internal/session"
)

// handleGetTracks lists the library catalog. Clients pick item ids from
// here when building play queues.
func (s *Server) handleGetTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.catalog.GetAllTracks()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list tracks")
		http.Error(w, "Failed to list tracks", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, tracks)
}

// handleNowPlaying records what the session reports as currently playing.
// A group created by this session adopts the reported queue and position.
func (s *Server) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	if !requirePOST(w, r) {
		return
	}
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}

	var np session.NowPlaying
	if err := json.NewDecoder(r.Body).Decode(&np); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	s.registry.UpdateNowPlaying(sess.ID, &np)
	w.WriteHeader(http.StatusNoContent)
}

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Database  string                 `json:"database"`
	Sessions  int                    `json:"activeSessions"`
	Tracks    int                    `json:"trackCount"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// handleHealthCheck returns basic liveness + dependency checks.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "ok",
		Sessions:  len(s.registry.ListActive()),
		Details:   make(map[string]interface{}),
	}

	tracks, err := s.catalog.GetAllTracks()
	if err != nil {
		health.Status = "unhealthy"
		health.Database = "error"
		health.Details["database_error"] = err.Error()
	} else {
		health.Tracks = len(tracks)
	}

	if health.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.respondJSON(w, health)
}
