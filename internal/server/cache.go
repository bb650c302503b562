package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omnii/recall/internal/cache"
)

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	res, err := s.cache.Get(r.Context(), chi.URLParam(r, "userID"),
		cache.DataType(chi.URLParam(r, "dataType")), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cachePutRequest struct {
	Data json.RawMessage `json:"data" validate:"required"`
	// TTLSeconds of 0 applies the data type's default TTL.
	TTLSeconds int `json:"ttl_seconds,omitempty" validate:"gte=0"`
}

func (s *Server) handleCachePut(w http.ResponseWriter, r *http.Request) {
	var req cachePutRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.cache.Put(r.Context(), chi.URLParam(r, "userID"),
		cache.DataType(chi.URLParam(r, "dataType")), chi.URLParam(r, "key"),
		req.Data, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleCacheInvalidate removes one key, or every key of the data type when
// the key segment is absent.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	n, err := s.cache.Invalidate(r.Context(), chi.URLParam(r, "userID"),
		cache.DataType(chi.URLParam(r, "dataType")), chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}
