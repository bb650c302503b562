package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omnii/recall/internal/engine"
	"github.com/omnii/recall/internal/memory"
)

type mentionDTO struct {
	Name     string  `json:"name" validate:"required,max=120"`
	Strength float64 `json:"strength" validate:"gte=0,lte=1"`
}

type ingestRequest struct {
	ID               string       `json:"id,omitempty" validate:"max=128"`
	UserID           string       `json:"user_id" validate:"required,max=128"`
	Content          string       `json:"content" validate:"required"`
	Channel          string       `json:"channel" validate:"required,oneof=sms chat websocket"`
	SourceIdentifier string       `json:"source_identifier,omitempty"`
	IsIncoming       bool         `json:"is_incoming"`
	Timestamp        time.Time    `json:"timestamp"`
	Mentions         []mentionDTO `json:"mentions,omitempty" validate:"max=32,dive"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	in := engine.IncomingMessage{
		ID:               req.ID,
		UserID:           req.UserID,
		Content:          req.Content,
		Channel:          memory.Channel(req.Channel),
		SourceIdentifier: req.SourceIdentifier,
		IsIncoming:       req.IsIncoming,
		Timestamp:        req.Timestamp,
	}
	for _, m := range req.Mentions {
		in.Mentions = append(in.Mentions, memory.Mention{Name: m.Name, Strength: m.Strength})
	}

	res, err := s.engine.IngestMessage(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type modifiedRequest struct {
	Reason string `json:"reason" validate:"required,max=64"`
}

func (s *Server) handleMarkModified(w http.ResponseWriter, r *http.Request) {
	var req modifiedRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.engine.UpdateMessageModification(r.Context(), chi.URLParam(r, "messageID"), memory.ModificationReason(req.Reason))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleWorkingMemory(w http.ResponseWriter, r *http.Request) {
	ref, err := s.refTime(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wm, err := s.engine.GetWorkingMemory(r.Context(), chi.URLParam(r, "userID"), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wm)
}

func (s *Server) handleRecentlyModified(w http.ResponseWriter, r *http.Request) {
	ref, err := s.refTime(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hours, err := queryInt(r, "hours", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.engine.GetRecentlyModifiedMessages(r.Context(), chi.URLParam(r, "userID"), ref, time.Duration(hours)*time.Hour)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []memory.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleMemoryContext(w http.ResponseWriter, r *http.Request) {
	ref, err := s.refTime(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	mc, err := s.engine.GetMemoryContext(r.Context(), chi.URLParam(r, "userID"), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mc)
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	ref, err := s.refTime(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.engine.AnalyzeMemory(r.Context(), chi.URLParam(r, "userID"), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleContext returns ranked context; ?format=markdown returns the
// rendered block for prompt injection instead.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	ref, err := s.refTime(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rc, err := s.engine.RelevantContext(r.Context(), chi.URLParam(r, "userID"), ref, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		writeJSON(w, http.StatusOK, map[string]string{"context": rc.Markdown()})
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

type episodeRequest struct {
	MessageIDs []string `json:"message_ids" validate:"required,min=1,max=500,dive,required"`
	Summary    string   `json:"summary,omitempty" validate:"max=2000"`
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req episodeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.engine.ConsolidateEpisode(r.Context(), engine.EpisodeRequest{
		UserID:     chi.URLParam(r, "userID"),
		MessageIDs: req.MessageIDs,
		Summary:    req.Summary,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

func (s *Server) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	depth, err := queryInt(r, "depth", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ns, err := s.engine.RelatedConcepts(r.Context(), chi.URLParam(r, "conceptID"), depth, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ns == nil {
		ns = []memory.Neighbor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"neighbors": ns})
}
