package server

import (
	"net/http"
	"time"

	"github.com/omnii/recall/internal/schedule"
)

type relevanceRequest struct {
	Timestamp time.Time  `json:"timestamp" validate:"required"`
	At        *time.Time `json:"at,omitempty"`
}

func (s *Server) handleRelevance(w http.ResponseWriter, r *http.Request) {
	var req relevanceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.scorer.Score(req.Timestamp, s.at(req.At)))
}

type freeSlotsRequest struct {
	Events             []schedule.Event `json:"events" validate:"max=1000"`
	MinDurationMinutes int              `json:"min_duration_minutes" validate:"gt=0,lte=1440"`
	Timezone           string           `json:"timezone"`
	At                 *time.Time       `json:"at,omitempty"`
}

func (s *Server) handleFreeSlots(w http.ResponseWriter, r *http.Request) {
	var req freeSlotsRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	an, err := s.analyzer.FindFreeSlots(req.Events, req.MinDurationMinutes, tz, s.at(req.At))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, an)
}

type prioritizeRequest struct {
	Actions []schedule.Action `json:"actions" validate:"max=1000"`
}

func (s *Server) handlePrioritize(w http.ResponseWriter, r *http.Request) {
	var req prioritizeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": s.prioritizer.Prioritize(req.Actions)})
}

func (s *Server) at(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return s.now().UTC()
	}
	return t.UTC()
}
