// Package tier resolves subscription tiers and answers the access questions
// asked before a bout starts: may this user run a bout, may they use this
// model, which model do they get, and how hard are they rate limited.
package tier

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tutu-network/pit/internal/domain"
)

// Config controls tier resolution.
type Config struct {
	// SubscriptionsEnabled=false resolves every signed-in user to lab.
	SubscriptionsEnabled bool     `toml:"subscriptions_enabled"`
	AdminUsers           []string `toml:"admin_users"` // always lab
	PromotionEnabled     bool     `toml:"promotion_enabled"`
	// PremiumModels are tried in order for premium presets.
	PremiumModels []string `toml:"premium_models"`
	DefaultModel  string   `toml:"default_model"`
}

// DefaultConfig returns the production tier policy.
func DefaultConfig() Config {
	return Config{
		SubscriptionsEnabled: true,
		PromotionEnabled:     true,
		PremiumModels:        []string{domain.ModelSonnet, domain.ModelOpus45, domain.ModelOpus46},
		DefaultModel:         domain.ModelHaiku,
	}
}

// Policy answers tier and access questions. It holds no mutable state.
type Policy struct {
	store domain.TierStore
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

// NewPolicy creates a tier policy.
func NewPolicy(store domain.TierStore, cfg Config, log *slog.Logger) *Policy {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = domain.ModelHaiku
	}
	return &Policy{
		store: store,
		cfg:   cfg,
		log:   log.With(slog.String("component", "tier")),
		now:   time.Now,
	}
}

// ─── Tier Resolution ────────────────────────────────────────────────────────

// ResolveTier returns the user's effective tier. Admins are always lab.
func (p *Policy) ResolveTier(ctx context.Context, userID string) (domain.Tier, error) {
	if slices.Contains(p.cfg.AdminUsers, userID) || !p.cfg.SubscriptionsEnabled {
		return domain.TierLab, nil
	}
	t, _, err := p.store.UserTier(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("resolve tier %s: %w", userID, err)
	}
	return t, nil
}

// PromotionEligible reports whether a free user has not yet used the
// first-bout promotion.
func (p *Policy) PromotionEligible(ctx context.Context, userID string) (bool, error) {
	if !p.cfg.PromotionEnabled || userID == "" {
		return false, nil
	}
	t, used, err := p.store.UserTier(ctx, userID)
	if err != nil {
		return false, err
	}
	return t == domain.TierFree && !used, nil
}

// ClaimPromotion marks the promotion used. false means a concurrent bout
// claimed it first.
func (p *Policy) ClaimPromotion(ctx context.Context, userID string) (bool, error) {
	return p.store.ClaimFreeBoutPromotion(ctx, userID)
}

// ─── Bout Allowance ─────────────────────────────────────────────────────────

// Decision is the outcome of an access check. Reason is caller-facing.
type Decision struct {
	Allowed bool
	Reason  string
	Err     error // sentinel for errors.Is matching, nil when allowed
}

func allow() Decision { return Decision{Allowed: true} }

func deny(err error, reason string) Decision {
	return Decision{Reason: reason, Err: err}
}

// tierLabel is the product name of a tier.
func tierLabel(t domain.Tier) string {
	switch t {
	case domain.TierPass:
		return "Pit Pass"
	case domain.TierLab:
		return "Pit Lab"
	default:
		return "Free"
	}
}

// CanRunBout checks whether the user may start a bout now. BYOK bouts need
// a paid tier but do not count against the daily allowance.
func (p *Policy) CanRunBout(ctx context.Context, userID string, t domain.Tier, isByok bool) (Decision, error) {
	if isByok {
		if !t.Paid() {
			return deny(domain.ErrTierRequired,
				"Bring-your-own-key bouts require a Pit Pass or Pit Lab subscription."), nil
		}
		return allow(), nil
	}

	cfg := domain.TierConfigs[t]
	midnight := p.now().UTC().Truncate(24 * time.Hour)
	used, err := p.store.CountBoutsSince(ctx, userID, midnight)
	if err != nil {
		return Decision{}, fmt.Errorf("count daily bouts: %w", err)
	}
	if used >= cfg.BoutsPerDay {
		next := "Wait until tomorrow"
		if t == domain.TierFree {
			next = "Upgrade"
		}
		return deny(domain.ErrDailyLimitReached, fmt.Sprintf(
			"Daily limit reached (%d bouts/day for %s tier). %s or use your own API key (BYOK).",
			cfg.BoutsPerDay, tierLabel(t), next)), nil
	}
	return allow(), nil
}

// CanCreateAgent checks the owned-agent cap.
func CanCreateAgent(t domain.Tier, owned int) Decision {
	cfg := domain.TierConfigs[t]
	if cfg.MaxAgents == domain.UnlimitedAgents || owned < cfg.MaxAgents {
		return allow()
	}
	plural := "s"
	if cfg.MaxAgents == 1 {
		plural = ""
	}
	return deny(domain.ErrTierRequired, fmt.Sprintf(
		"%s tier allows %d custom agent%s. Upgrade to create more.", tierLabel(t), cfg.MaxAgents, plural))
}

// ─── Model Access ───────────────────────────────────────────────────────────

// CanAccessModel reports whether tier t may use modelID. Unknown ids are
// denied. BYOK is allowed here; its tier gate lives in CanRunBout.
func CanAccessModel(t domain.Tier, modelID string) bool {
	if modelID == domain.ModelBYOK {
		return true
	}
	m, ok := domain.LookupModel(modelID)
	if !ok {
		return false
	}
	cfg, ok := domain.TierConfigs[t]
	return ok && cfg.AllowsFamily(m.Family)
}

// AvailableModels lists the platform model ids tier t may use.
func AvailableModels(t domain.Tier) []string {
	var out []string
	for id := range domain.KnownModels {
		if CanAccessModel(t, id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// ModelSource names the precedence step that picked a model.
type ModelSource string

const (
	SourceByok          ModelSource = "byok"
	SourceRequested     ModelSource = "requested"
	SourcePremiumPreset ModelSource = "premium-preset"
	SourcePromotion     ModelSource = "promotion"
	SourceDefault       ModelSource = "default"
)

// ModelRequest is the input to ModelForRequest.
type ModelRequest struct {
	Tier              domain.Tier
	Anonymous         bool
	Requested         string
	Preset            domain.Preset
	PromotionEligible bool
}

// ModelForRequest picks the bout model, in order:
//  1. "byok" when requested (tier gate checked separately)
//  2. an explicitly requested model, if known and allowed for the tier
//  3. for premium presets and arena lineups, the first allowed premium model
//  4. the promotion model for an eligible free user with no request
//  5. the default model
//
// A requested id that is unknown or not allowed is an error, never a
// silent downgrade. Anonymous callers only ever get the default model.
func (p *Policy) ModelForRequest(req ModelRequest) (string, ModelSource, error) {
	if req.Anonymous {
		if req.Requested != "" && req.Requested != p.cfg.DefaultModel {
			return "", "", domain.ErrModelNotAllowed
		}
		return p.cfg.DefaultModel, SourceDefault, nil
	}

	switch {
	case req.Requested == domain.ModelBYOK:
		return domain.ModelBYOK, SourceByok, nil

	case req.Requested != "":
		if _, ok := domain.LookupModel(req.Requested); !ok {
			return "", "", fmt.Errorf("%w: %s", domain.ErrUnknownModel, req.Requested)
		}
		if !CanAccessModel(req.Tier, req.Requested) {
			return "", "", domain.ErrModelNotAllowed
		}
		return req.Requested, SourceRequested, nil

	case req.Preset.Tier == domain.PresetPremium || req.Preset.ID == domain.ArenaPresetID:
		for _, m := range p.cfg.PremiumModels {
			if CanAccessModel(req.Tier, m) {
				return m, SourcePremiumPreset, nil
			}
		}

	case req.Tier == domain.TierFree && req.PromotionEligible:
		return domain.PromotionModel, SourcePromotion, nil
	}

	return p.cfg.DefaultModel, SourceDefault, nil
}

// ─── Rate Limits ────────────────────────────────────────────────────────────

// boutRateLimits is bouts per hour. Lab callers are not rate limited.
var boutRateLimits = map[domain.Tier]int{
	domain.TierFree: 5,
	domain.TierPass: 15,
}

const anonymousBoutRateLimit = 2

// BoutRateLimit returns the hourly bout limit, or ok=false when the caller
// is exempt.
func BoutRateLimit(t domain.Tier, anonymous bool) (int, bool) {
	if anonymous {
		return anonymousBoutRateLimit, true
	}
	n, ok := boutRateLimits[t]
	return n, ok
}
