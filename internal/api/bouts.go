package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/pit/internal/domain"
)

// ─── Synchronous Bout API ───────────────────────────────────────────────────
// POST /api/v1/bout runs a whole bout and returns the transcript in one
// response. Lab tier only.

type v1Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type v1Response struct {
	BoutID     string        `json:"boutId"`
	Status     string        `json:"status"`
	Transcript []domain.Turn `json:"transcript"`
	ShareLine  string        `json:"shareLine,omitempty"`
	Agents     []v1Agent     `json:"agents"`
	Usage      domain.Usage  `json:"usage"`
}

func (s *Server) handleV1Bout(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.signedIn(w, r)
	if !ok {
		return
	}

	if !s.engine.IsResearch(caller) {
		t, err := s.tiers.ResolveTier(r.Context(), caller.UserID)
		if err != nil {
			s.log.Error("resolve tier", slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable.")
			return
		}
		if !domain.TierConfigs[t].APIAccess {
			writeError(w, http.StatusForbidden, "API access requires a Pit Lab subscription.")
			return
		}
	}

	var req domain.BoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}

	bc, err := s.engine.Prepare(r.Context(), req, caller)
	if err != nil {
		s.writeBoutError(w, err)
		return
	}
	s.announceStart(bc)
	res, err := s.engine.Run(r.Context(), bc, nil)
	s.publish(bc, res, err)
	if err != nil {
		s.writeBoutError(w, err)
		return
	}

	agents := make([]v1Agent, len(bc.Preset.Agents))
	for i, a := range bc.Preset.Agents {
		agents[i] = v1Agent{ID: a.ID, Name: a.Name}
	}
	writeJSON(w, http.StatusOK, v1Response{
		BoutID:     res.BoutID,
		Status:     string(domain.BoutCompleted),
		Transcript: res.Transcript,
		ShareLine:  res.ShareLine,
		Agents:     agents,
		Usage:      res.Usage,
	})
}

// handleGetBout returns a bout record. Bouts owned by someone else are
// reported as missing.
func (s *Server) handleGetBout(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	b, err := s.bouts.Bout(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrBoutNotFound) || (err == nil && b.OwnerID != "" && b.OwnerID != caller.UserID) {
		writeError(w, http.StatusNotFound, "Bout not found.")
		return
	}
	if err != nil {
		s.log.Error("load bout", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	writeJSON(w, http.StatusOK, b)
}
