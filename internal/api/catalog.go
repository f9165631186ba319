package api

import (
	"log/slog"
	"net/http"

	"github.com/tutu-network/pit/internal/app/tier"
	"github.com/tutu-network/pit/internal/domain"
)

// ─── Catalog ────────────────────────────────────────────────────────────────
//
// GET /api/presets   preset lineups without system prompts
// GET /api/models    models available to the caller's tier
// GET /api/free-pool today's shared free bout pool

type presetAgent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type presetResponse struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Tier          string        `json:"tier"`
	MaxTurns      int           `json:"maxTurns"`
	RequiresInput bool          `json:"requiresInput"`
	Agents        []presetAgent `json:"agents"`
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	presets := s.engine.Presets().List()
	out := make([]presetResponse, 0, len(presets))
	for _, p := range presets {
		agents := make([]presetAgent, len(p.Agents))
		for i, a := range p.Agents {
			agents[i] = presetAgent{ID: a.ID, Name: a.Name, Color: a.Color}
		}
		out = append(out, presetResponse{
			ID:            p.ID,
			Name:          p.Name,
			Description:   p.Description,
			Tier:          string(p.Tier),
			MaxTurns:      p.MaxTurns,
			RequiresInput: p.RequiresInput,
			Agents:        agents,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": out})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	t := domain.TierFree
	if caller.UserID != "" {
		var err error
		if t, err = s.tiers.ResolveTier(r.Context(), caller.UserID); err != nil {
			s.log.Error("resolve tier", slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable.")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tier":   t,
		"models": tier.AvailableModels(t),
		"byok":   t.Paid(),
	})
}

func (s *Server) handleFreePool(w http.ResponseWriter, r *http.Request) {
	st, err := s.pool.Status(r.Context())
	if err != nil {
		s.log.Error("free pool status", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
