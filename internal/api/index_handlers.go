package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-extractor/internal/vectorindex"
)

const maxSearchK = 50

type indexRequest struct {
	Entries []vectorindex.Entry `json:"entries"`
}

type indexResponse struct {
	SessionID string `json:"session_id"`
	Size      int    `json:"size"`
}

type searchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
	// SessionID selects a session; empty searches the most recent one.
	SessionID string `json:"session_id"`
}

type searchResponse struct {
	SessionID string               `json:"session_id"`
	Results   []vectorindex.Result `json:"results"`
}

func (s *Server) initIndex(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "vector index unavailable")
		return
	}
	var req indexRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !hasText(req.Entries) {
		writeError(w, http.StatusBadRequest, "entries with text required")
		return
	}
	session, err := s.sessions.Init(r.Context(), req.Entries)
	if err != nil {
		s.logger.Warn("index init failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, indexResponse{SessionID: session.ID(), Size: session.Len()})
}

func (s *Server) appendIndex(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "vector index unavailable")
		return
	}
	id := chi.URLParam(r, "session_id")
	session, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	var req indexRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !hasText(req.Entries) {
		writeError(w, http.StatusBadRequest, "entries with text required")
		return
	}
	if err := session.Index(r.Context(), req.Entries); err != nil {
		s.logger.Warn("index append failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, indexResponse{SessionID: session.ID(), Size: session.Len()})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "vector index unavailable")
		return
	}
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateQuery(req.Query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.K < 0 || req.K > maxSearchK {
		writeError(w, http.StatusBadRequest, "k out of range")
		return
	}

	var session *vectorindex.Session
	if req.SessionID != "" {
		var ok bool
		if session, ok = s.sessions.Get(req.SessionID); !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
	} else {
		var err error
		if session, err = s.sessions.Current(); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	}

	results, err := session.Search(r.Context(), req.Query, req.K)
	switch {
	case err == nil:
		if results == nil {
			results = []vectorindex.Result{}
		}
		writeJSON(w, http.StatusOK, searchResponse{SessionID: session.ID(), Results: results})
	case errors.Is(err, vectorindex.ErrNotInitialized):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Warn("search failed", zap.String("session_id", session.ID()), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) dropIndex(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "vector index unavailable")
		return
	}
	if !s.sessions.Drop(chi.URLParam(r, "session_id")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func hasText(entries []vectorindex.Entry) bool {
	for _, e := range entries {
		if strings.TrimSpace(e.Text) != "" {
			return true
		}
	}
	return false
}
