package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/pit/internal/app/provenance"
	"github.com/tutu-network/pit/internal/app/tier"
	"github.com/tutu-network/pit/internal/domain"
)

// ─── Credits ────────────────────────────────────────────────────────────────
//
// GET /api/credits/balance       current balance
// GET /api/credits/transactions  newest first, ?limit= (default 50)

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.signedIn(w, r)
	if !ok {
		return
	}
	b, err := s.ledger.Balance(r.Context(), caller.UserID)
	if err != nil {
		s.log.Error("load balance", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":       b.UserID,
		"balance_micro": b.BalanceMicro,
		"credits":       b.Credits(),
		"enabled":       s.ledger.Enabled(),
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.signedIn(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	txs, err := s.ledger.Transactions(r.Context(), caller.UserID, limit)
	if err != nil {
		s.log.Error("list transactions", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	if txs == nil {
		txs = []domain.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// ─── Agents ─────────────────────────────────────────────────────────────────
//
// POST /api/agents      create an agent, returns its provenance hashes
// GET  /api/agents/{id} stored agent plus a fresh hash verification

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.signedIn(w, r)
	if !ok {
		return
	}
	var in provenance.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	in.OwnerID = caller.UserID

	t, err := s.tiers.ResolveTier(r.Context(), caller.UserID)
	if err != nil {
		s.log.Error("resolve tier", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable.")
		return
	}
	owned, err := s.counts.CountAgentsByOwner(r.Context(), caller.UserID)
	if err != nil {
		s.log.Error("count agents", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable.")
		return
	}
	if d := tier.CanCreateAgent(t, owned); !d.Allowed {
		writeError(w, http.StatusForbidden, d.Reason)
		return
	}
	if in.Tier == "" {
		in.Tier = "custom"
	}

	rec, err := s.agents.Create(r.Context(), in)
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, provenance.ErrManifestMismatch):
		writeError(w, http.StatusConflict, "Manifest hash does not match.")
		return
	case err != nil:
		s.log.Error("create agent", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"agentId":      rec.Manifest.AgentID,
		"promptHash":   rec.PromptHash,
		"manifestHash": rec.ManifestHash,
		"hashVersion":  rec.HashVersion,
		"manifest":     rec.Manifest,
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	verified, err := s.agents.Verify(r.Context(), id)
	if errors.Is(err, domain.ErrAgentNotFound) {
		writeError(w, http.StatusNotFound, "Agent not found.")
		return
	}
	if err != nil {
		s.log.Error("verify agent", slog.String("agent_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	rec, err := s.agents.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":    rec,
		"verified": verified,
	})
}
