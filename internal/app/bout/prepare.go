package bout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tutu-network/pit/internal/app/experiment"
	"github.com/tutu-network/pit/internal/app/prompt"
	"github.com/tutu-network/pit/internal/app/tier"
	"github.com/tutu-network/pit/internal/domain"
	"github.com/tutu-network/pit/internal/infra/presets"
)

// unsafePattern rejects links and markup in caller-supplied topics.
var unsafePattern = regexp.MustCompile(`(?i)https?://|www\.|<script|javascript:|on\w+\s*=|data:text/html`)

const (
	rateLimitPolicy = "bout-creation"
	rateLimitWindow = time.Hour
)

// Prepare validates req for caller and reserves everything the bout needs:
// the bout row, a rate-limit token, a free pool slot and the credit
// preauthorization. Rejections are *Error values carrying the HTTP status;
// when a later step rejects, earlier reservations are released.
//
// The returned context must be passed to Run exactly once.
func (e *Engine) Prepare(ctx context.Context, req domain.BoutRequest, caller domain.Caller) (*domain.BoutContext, error) {
	research := e.IsResearch(caller)
	if hasExperiment(req) && !research {
		return nil, reject(http.StatusForbidden, "research", domain.ErrResearchKeyRequired,
			"Valid X-Research-Key header required.")
	}

	boutID := strings.TrimSpace(req.BoutID)
	if boutID == "" {
		return nil, reject(http.StatusBadRequest, "invalid", domain.ErrInvalidRequest, "Missing boutId.")
	}
	topic := strings.TrimSpace(req.Topic)
	if utf8.RuneCountInString(topic) > e.cfg.TopicMaxChars {
		return nil, reject(http.StatusBadRequest, "invalid", domain.ErrInvalidRequest,
			fmt.Sprintf("Topic must be %d characters or fewer.", e.cfg.TopicMaxChars))
	}
	if unsafePattern.MatchString(topic) {
		return nil, reject(http.StatusBadRequest, "unsafe", domain.ErrInvalidRequest,
			"Input contains disallowed content.")
	}
	if e.Saturated() {
		return nil, reject(http.StatusServiceUnavailable, "capacity", domain.ErrAtCapacity,
			"The arena is at capacity. Try again shortly.")
	}

	// ─── Idempotency ────────────────────────────────────────────────
	existing, err := e.bouts.Bout(ctx, boutID)
	switch {
	case errors.Is(err, domain.ErrBoutNotFound):
		existing = domain.Bout{}
	case err != nil:
		e.log.Error("load bout", slog.String("bout_id", boutID), slog.String("error", err.Error()))
		return nil, reject(http.StatusServiceUnavailable, "store", err, "Service temporarily unavailable.")
	}
	if rerr := conflict(existing, caller); rerr != nil {
		return nil, rerr
	}

	// ─── Preset ─────────────────────────────────────────────────────
	presetID := strings.TrimSpace(req.PresetID)
	if presetID == "" {
		presetID = existing.PresetID
	}
	if presetID == "" {
		return nil, reject(http.StatusBadRequest, "invalid", domain.ErrInvalidRequest, "Missing presetId.")
	}
	preset, rerr := e.resolvePreset(presetID, req)
	if rerr != nil {
		return nil, rerr
	}
	if topic == "" {
		topic = existing.Topic
	}
	lengthID := firstNonEmpty(strings.TrimSpace(req.ResponseLength), existing.ResponseLength)
	formatID := firstNonEmpty(strings.TrimSpace(req.ResponseFormat), existing.ResponseFormat)
	length, _ := prompt.ResolveLength(lengthID)
	format, _ := prompt.ResolveFormat(formatID)

	// ─── Experiment ─────────────────────────────────────────────────
	var compiled experiment.Compiled
	if hasExperiment(req) {
		compiled, err = experiment.Compile(req.ExperimentConfig, preset.MaxTurns, len(preset.Agents))
		if err != nil {
			return nil, reject(http.StatusBadRequest, "experiment", err, err.Error())
		}
	}
	if research {
		e.log.Info("research bypass active", slog.String("bout_id", boutID), slog.String("preset_id", presetID))
	}

	// ─── Tier & rate limit ──────────────────────────────────────────
	anonymous := caller.UserID == ""
	t := domain.TierFree
	switch {
	case research:
		t = domain.TierLab
	case !anonymous:
		if t, err = e.tiers.ResolveTier(ctx, caller.UserID); err != nil {
			return nil, reject(http.StatusServiceUnavailable, "store", err, "Service temporarily unavailable.")
		}
	}
	if !research && e.limiter != nil {
		if limit, ok := tier.BoutRateLimit(t, anonymous); ok {
			identity := caller.UserID
			if identity == "" {
				identity = caller.ClientID
			}
			if res := e.limiter.Check(rateLimitPolicy, limit, rateLimitWindow, identity); !res.Success {
				rl := reject(http.StatusTooManyRequests, "rate_limited", domain.ErrRateLimited,
					fmt.Sprintf("Rate limit exceeded. Max %d bouts per hour.", limit))
				rl.Limit, rl.ResetAt = limit, res.ResetAt
				return nil, rl
			}
		}
	}

	// ─── Access & model ─────────────────────────────────────────────
	isByok := req.Model == domain.ModelBYOK
	if isByok && anonymous {
		return nil, reject(http.StatusUnauthorized, "auth", domain.ErrTierRequired, "Sign in to use your own API key.")
	}
	if !anonymous && !research {
		decision, err := e.tiers.CanRunBout(ctx, caller.UserID, t, isByok)
		if err != nil {
			return nil, reject(http.StatusServiceUnavailable, "store", err, "Service temporarily unavailable.")
		}
		if !decision.Allowed {
			return nil, reject(http.StatusPaymentRequired, "tier", decision.Err, decision.Reason)
		}
	}
	if isByok && (caller.Byok == nil || caller.Byok.Key == "") {
		return nil, reject(http.StatusBadRequest, "byok", domain.ErrInvalidRequest, "BYOK key required.")
	}

	mr, modelID, source, rerr := e.chooseModel(ctx, req, preset, t, anonymous, isByok, caller.UserID)
	if rerr != nil {
		return nil, rerr
	}

	bc := &domain.BoutContext{
		BoutID:        boutID,
		PresetID:      presetID,
		Preset:        preset,
		Topic:         topic,
		Length:        length,
		Format:        format,
		ModelID:       modelID,
		UserID:        caller.UserID,
		Tier:          t,
		PromptHook:    compiled.Hook,
		ScriptedTurns: compiled.Scripted,
		Research:      research,
		RequestID:     caller.RequestID,
	}
	if isByok {
		cred := *caller.Byok
		bc.Byok = &cred
	}

	// ─── Reservations ───────────────────────────────────────────────
	// The bout row is claimed first so a duplicate id never moves credits.
	claimed, current, err := e.bouts.ClaimBout(ctx, domain.Bout{
		ID:             boutID,
		OwnerID:        caller.UserID,
		PresetID:       presetID,
		Topic:          topic,
		ModelID:        modelID,
		ResponseLength: length.ID,
		ResponseFormat: format.ID,
	})
	if err != nil {
		e.log.Error("claim bout row", slog.String("bout_id", boutID), slog.String("error", err.Error()))
		return nil, reject(http.StatusServiceUnavailable, "store", err, "Service temporarily unavailable.")
	}
	if !claimed {
		if rerr := conflict(current, caller); rerr != nil {
			return nil, rerr
		}
		return nil, reject(http.StatusConflict, "conflict", domain.ErrBoutInProgress, "Bout is already running.")
	}
	abort := func() {
		e.release(ctx, bc)
		if err := e.bouts.ReleaseBout(context.WithoutCancel(ctx), boutID); err != nil {
			e.log.Warn("release bout row", slog.String("bout_id", boutID), slog.String("error", err.Error()))
		}
	}

	if source == tier.SourcePromotion {
		if rerr := e.applyPromotion(ctx, bc, mr); rerr != nil {
			abort()
			return nil, rerr
		}
		modelID = bc.ModelID
	}

	estimate := e.ledger.Pricing().EstimateBoutCostMicro(preset.MaxTurns, modelID, length.OutputTokensPerTurn)

	if !research && !isByok && t == domain.TierFree {
		day, ok, err := e.pool.Consume(ctx, estimate)
		if err != nil {
			abort()
			return nil, reject(http.StatusServiceUnavailable, "store", err, "Service temporarily unavailable.")
		}
		if !ok {
			abort()
			return nil, reject(http.StatusTooManyRequests, "free_pool", domain.ErrFreePoolExhausted, e.poolExhaustedMessage(ctx))
		}
		bc.FreePoolDay = day
		bc.EstimateMicro = estimate
	}

	if e.ledger.Enabled() && !research && !anonymous {
		res, err := e.ledger.Preauthorize(ctx, caller.UserID, estimate, boutID, map[string]any{
			"boutId":   boutID,
			"presetId": presetID,
			"modelId":  modelID,
		})
		if err != nil {
			abort()
			return nil, reject(http.StatusServiceUnavailable, "store", err, "Service temporarily unavailable.")
		}
		if !res.Success {
			abort()
			return nil, reject(http.StatusPaymentRequired, "credits", domain.ErrInsufficientCredits, "Insufficient credits.")
		}
		bc.PreauthMicro = estimate
	}

	e.log.Info("bout prepared",
		slog.String("request_id", caller.RequestID),
		slog.String("bout_id", boutID),
		slog.String("preset_id", presetID),
		slog.String("model_id", modelID),
		slog.String("tier", string(t)),
		slog.Int64("preauth_micro", bc.PreauthMicro),
		slog.Bool("free_pool", bc.FreePoolDay != ""))
	return bc, nil
}

// conflict rejects a bout id that is already in use: a started or completed
// bout, or a row owned by another user.
func conflict(b domain.Bout, caller domain.Caller) *Error {
	switch {
	case b.Status == domain.BoutCompleted:
		return reject(http.StatusConflict, "conflict", domain.ErrBoutCompleted, "Bout has already completed.")
	case b.Status == domain.BoutRunning && b.StartedAt != nil:
		return reject(http.StatusConflict, "conflict", domain.ErrBoutInProgress, "Bout is already running.")
	case b.OwnerID != "" && b.OwnerID != caller.UserID:
		return reject(http.StatusForbidden, "forbidden", domain.ErrInvalidRequest, "Forbidden.")
	}
	return nil
}

func (e *Engine) resolvePreset(id string, req domain.BoutRequest) (domain.Preset, *Error) {
	if id == domain.ArenaPresetID {
		if len(req.Agents) == 0 {
			return domain.Preset{}, reject(http.StatusNotFound, "preset", domain.ErrPresetNotFound, "Unknown preset.")
		}
		p, err := presets.Arena(req.Agents, req.MaxTurns)
		if err != nil {
			return domain.Preset{}, reject(http.StatusBadRequest, "invalid", domain.ErrInvalidRequest, err.Error())
		}
		return p, nil
	}
	p, ok := e.presets.Preset(id)
	if !ok {
		return domain.Preset{}, reject(http.StatusNotFound, "preset", domain.ErrPresetNotFound, "Unknown preset.")
	}
	return p, nil
}

// chooseModel applies the model precedence. A promotion pick is only
// tentative until applyPromotion claims it.
func (e *Engine) chooseModel(ctx context.Context, req domain.BoutRequest, preset domain.Preset, t domain.Tier, anonymous, isByok bool, userID string) (tier.ModelRequest, string, tier.ModelSource, *Error) {
	mr := tier.ModelRequest{
		Tier:      t,
		Anonymous: anonymous,
		Requested: strings.TrimSpace(req.Model),
		Preset:    preset,
	}
	if !anonymous && !isByok && mr.Requested == "" && t == domain.TierFree {
		eligible, err := e.tiers.PromotionEligible(ctx, userID)
		if err != nil {
			return mr, "", "", reject(http.StatusServiceUnavailable, "store", err, "Service temporarily unavailable.")
		}
		mr.PromotionEligible = eligible
	}

	modelID, source, err := e.tiers.ModelForRequest(mr)
	switch {
	case errors.Is(err, domain.ErrUnknownModel):
		return mr, "", "", reject(http.StatusBadRequest, "model", err, "Unknown model.")
	case errors.Is(err, domain.ErrModelNotAllowed) && anonymous:
		return mr, "", "", reject(http.StatusUnauthorized, "auth", err, "Sign in to choose a model.")
	case errors.Is(err, domain.ErrModelNotAllowed):
		return mr, "", "", reject(http.StatusPaymentRequired, "model", err,
			"Your plan does not include access to this model. Upgrade or use BYOK.")
	case err != nil:
		return mr, "", "", reject(http.StatusInternalServerError, "model", err, "Internal server error.")
	}
	return mr, modelID, source, nil
}

// applyPromotion claims the first-bout promotion for bc. When another bout
// claimed it first, bc falls back to the next model in precedence.
func (e *Engine) applyPromotion(ctx context.Context, bc *domain.BoutContext, mr tier.ModelRequest) *Error {
	claimed, err := e.tiers.ClaimPromotion(ctx, bc.UserID)
	if err != nil {
		return reject(http.StatusServiceUnavailable, "store", err, "Service temporarily unavailable.")
	}
	if claimed {
		e.log.Info("first-bout promotion applied", slog.String("user_id", bc.UserID), slog.String("model_id", bc.ModelID))
		return nil
	}
	mr.PromotionEligible = false
	modelID, _, _ := e.tiers.ModelForRequest(mr)
	if err := e.bouts.SetBoutModel(ctx, bc.BoutID, modelID); err != nil {
		return reject(http.StatusServiceUnavailable, "store", err, "Service temporarily unavailable.")
	}
	bc.ModelID = modelID
	return nil
}

// poolExhaustedMessage tells slot exhaustion apart from the spend cap.
func (e *Engine) poolExhaustedMessage(ctx context.Context) string {
	if st, err := e.pool.Status(ctx); err == nil && st.Remaining > 0 {
		return "Daily free tier spend cap reached. Upgrade your plan or try again tomorrow."
	}
	return "Daily free bout pool exhausted. Upgrade your plan or use your own API key (BYOK)."
}

// release undoes the reservations of a bout that will not run.
func (e *Engine) release(ctx context.Context, bc *domain.BoutContext) {
	ctx = context.WithoutCancel(ctx)
	if bc.PreauthMicro > 0 {
		if _, err := e.ledger.ApplyDelta(ctx, bc.UserID, bc.PreauthMicro, domain.TxRefund, bc.BoutID, map[string]any{
			"boutId": bc.BoutID,
			"reason": "prepare-aborted",
		}); err != nil {
			e.log.Error("refund preauth", slog.String("bout_id", bc.BoutID), slog.String("error", err.Error()))
		}
		bc.PreauthMicro = 0
	}
	if bc.FreePoolDay != "" {
		if err := e.pool.Refund(ctx, bc.FreePoolDay, bc.EstimateMicro); err != nil {
			e.log.Error("refund free pool", slog.String("bout_id", bc.BoutID), slog.String("error", err.Error()))
		}
		bc.FreePoolDay = ""
	}
}

// Release refunds a prepared bout that the caller decided not to run.
func (e *Engine) Release(ctx context.Context, bc *domain.BoutContext) {
	e.release(ctx, bc)
	if err := e.bouts.FailBout(context.WithoutCancel(ctx), bc.BoutID, nil, domain.Usage{}, "released before start"); err != nil {
		e.log.Warn("mark released bout", slog.String("bout_id", bc.BoutID), slog.String("error", err.Error()))
	}
}

func hasExperiment(req domain.BoutRequest) bool {
	raw := strings.TrimSpace(string(req.ExperimentConfig))
	return raw != "" && raw != "null"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
