package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// CreditStore is the persistence port for the credit ledger.
// Every mutating method is a single atomic database operation.
type CreditStore interface {
	EnsureCreditAccount(ctx context.Context, userID string, startingMicro int64) (created bool, err error)
	CreditBalance(ctx context.Context, userID string) (CreditBalance, error)

	// Preauthorize decrements only if balance >= amount. Success=false
	// means nothing was written.
	Preauthorize(ctx context.Context, userID string, amount int64, source TxSource, ref string, meta map[string]any) (PreauthResult, error)

	// SettleCharge deducts min(amount, balance). Missing user → Applied=false.
	SettleCharge(ctx context.Context, userID string, amount int64, source TxSource, ref string, meta map[string]any) (SettleResult, error)

	// ApplyCreditDelta unconditionally adjusts the balance by delta.
	ApplyCreditDelta(ctx context.Context, userID string, delta int64, source TxSource, ref string, meta map[string]any) (SettleResult, error)

	ListCreditTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)
	TransactionsByReference(ctx context.Context, ref string) ([]CreditTransaction, error)
}

// TierStore persists subscription state.
type TierStore interface {
	UserTier(ctx context.Context, userID string) (tier Tier, promotionUsed bool, err error)
	SetUserTier(ctx context.Context, userID string, tier Tier) error
	ClaimFreeBoutPromotion(ctx context.Context, userID string) (bool, error)
	CountBoutsSince(ctx context.Context, ownerID string, since time.Time) (int, error)
}

// BoutStore persists bout records.
type BoutStore interface {
	// CreateBout inserts a running bout. When the id already exists the
	// existing record is returned with created=false.
	CreateBout(ctx context.Context, b Bout) (created bool, existing Bout, err error)
	// ClaimBout atomically marks a bout as started, inserting it when absent.
	// A row that is already started, or owned by someone else, is not
	// claimed and is returned with claimed=false. Failed bouts may be
	// claimed again.
	ClaimBout(ctx context.Context, b Bout) (claimed bool, existing Bout, err error)
	// ReleaseBout clears the start mark of a bout that never ran.
	ReleaseBout(ctx context.Context, id string) error
	SetBoutModel(ctx context.Context, id, modelID string) error
	Bout(ctx context.Context, id string) (Bout, error)
	CompleteBout(ctx context.Context, id string, transcript []Turn, shareLine string, usage Usage) error
	FailBout(ctx context.Context, id string, transcript []Turn, usage Usage, errMsg string) error
}

// FreeBoutPool is the shared daily allowance for platform-funded free bouts.
type FreeBoutPool interface {
	Consume(ctx context.Context, estimateMicro int64) (day string, ok bool, err error)
	Refund(ctx context.Context, day string, estimateMicro int64) error
	SettleSpend(ctx context.Context, day string, deltaMicro int64) error
}

// AgentStore persists agents with their provenance hashes.
type AgentStore interface {
	InsertAgent(ctx context.Context, rec AgentRecord) error
	Agent(ctx context.Context, id string) (AgentRecord, error)
}

// ─── Model Provider ─────────────────────────────────────────────────────────

// GenerateRequest is one model call.
type GenerateRequest struct {
	ModelID         string
	System          string
	User            string
	MaxOutputTokens int64
	Byok            *ByokCredential
}

// GenerateResult is the outcome of a completed model call.
// UsageReported=false means the provider returned no token counts.
type GenerateResult struct {
	Text          string
	Usage         Usage
	UsageReported bool
}

// ModelProvider streams a completion. onDelta is invoked for every text
// fragment in order; the full text is also returned.
type ModelProvider interface {
	Generate(ctx context.Context, req GenerateRequest, onDelta func(string)) (GenerateResult, error)
}

// ─── Collaborators ──────────────────────────────────────────────────────────

// RateLimitResult mirrors a sliding-window decision.
type RateLimitResult struct {
	Success   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a best-effort anti-abuse throttle.
type RateLimiter interface {
	Check(policy string, limit int, window time.Duration, identity string) RateLimitResult
}

// EventSink receives streamed bout events. Emit must not block.
type EventSink interface {
	Emit(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Emit calls f(ev).
func (f EventSinkFunc) Emit(ev Event) { f(ev) }

// PresetCatalog resolves preset ids.
type PresetCatalog interface {
	Preset(id string) (Preset, bool)
	List() []Preset
}
