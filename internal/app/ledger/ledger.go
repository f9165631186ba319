// Package ledger is the credit ledger: preauthorize before a bout, settle
// against actual usage after it, and refund on failure. Every balance
// change is one atomic statement in the store plus an append-only
// transaction, so concurrent bouts for one user cannot overdraw.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tutu-network/pit/internal/domain"
	"github.com/tutu-network/pit/internal/infra/observability"
)

// Config controls the ledger.
type Config struct {
	Enabled         bool    `toml:"enabled"`
	StartingCredits int64   `toml:"starting_credits"`
	Pricing         Pricing `toml:"pricing"`
}

// DefaultConfig returns the ledger defaults: enabled, 500 starting credits.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		StartingCredits: 500,
		Pricing:         DefaultPricing(),
	}
}

// Service wraps a CreditStore with pricing, logging and metrics.
type Service struct {
	store   domain.CreditStore
	cfg     Config
	log     *slog.Logger
	pricing Pricing
}

// NewService creates a ledger service.
func NewService(store domain.CreditStore, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		log:     log.With(slog.String("component", "ledger")),
		pricing: cfg.Pricing,
	}
}

// Enabled reports whether credits are enforced. When false the bout engine
// skips every ledger call.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Pricing returns the cost model.
func (s *Service) Pricing() Pricing { return s.pricing }

func record(op string, err error, ok bool, yes, no string) {
	outcome := no
	switch {
	case err != nil:
		outcome = "error"
	case ok:
		outcome = yes
	}
	observability.LedgerOps.WithLabelValues(op, outcome).Inc()
}

func moved(source domain.TxSource, delta int64) {
	if delta < 0 {
		delta = -delta
	}
	observability.CreditsMoved.WithLabelValues(string(source)).Add(float64(delta))
}

// ─── Accounts ───────────────────────────────────────────────────────────────

// EnsureAccount provisions the starting balance for a new user. Existing
// accounts are left untouched.
func (s *Service) EnsureAccount(ctx context.Context, userID string) (bool, error) {
	created, err := s.store.EnsureCreditAccount(ctx, userID, s.cfg.StartingCredits*domain.MicroPerCredit)
	record("ensure", err, created, "created", "exists")
	if err != nil {
		return false, fmt.Errorf("ensure account %s: %w", userID, err)
	}
	if created {
		s.log.Info("credit account created",
			slog.String("user_id", userID),
			slog.Int64("starting_credits", s.cfg.StartingCredits))
	}
	return created, nil
}

// Balance returns the user's balance.
func (s *Service) Balance(ctx context.Context, userID string) (domain.CreditBalance, error) {
	return s.store.CreditBalance(ctx, userID)
}

// Transactions returns the user's most recent transactions.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	return s.store.ListCreditTransactions(ctx, userID, limit)
}

// ByReference returns every transaction for one reference (bout id),
// oldest first. Their sum is the reference's net cost.
func (s *Service) ByReference(ctx context.Context, ref string) ([]domain.CreditTransaction, error) {
	return s.store.TransactionsByReference(ctx, ref)
}

// ─── Preauthorize / Settle ──────────────────────────────────────────────────

// Preauthorize reserves amount against the user's balance. Insufficient
// funds is Success=false with a nil error and nothing written.
func (s *Service) Preauthorize(ctx context.Context, userID string, amount int64, ref string, meta map[string]any) (domain.PreauthResult, error) {
	if amount < 0 {
		return domain.PreauthResult{}, domain.ErrInvalidAmount
	}
	res, err := s.store.Preauthorize(ctx, userID, amount, domain.TxPreauth, ref, meta)
	record("preauth", err, res.Success, "reserved", "insufficient")
	if err != nil {
		return domain.PreauthResult{}, fmt.Errorf("preauthorize %s: %w", userID, err)
	}
	if res.Success {
		moved(domain.TxPreauth, amount)
	} else {
		s.log.Info("preauthorization declined",
			slog.String("user_id", userID),
			slog.String("reference_id", ref),
			slog.Int64("amount_micro", amount),
			slog.Int64("balance_micro", res.BalanceAfter))
	}
	return res, nil
}

// Settle reconciles a reservation. delta is actual cost minus the reserved
// amount:
//
//   - delta <= 0 credits |delta| back unconditionally
//   - delta > 0 deducts min(delta, balance) in one clamped statement
//
// A missing user is logged and skipped with Applied=false.
func (s *Service) Settle(ctx context.Context, userID string, delta int64, source domain.TxSource, ref string, meta map[string]any) (domain.SettleResult, error) {
	var (
		res domain.SettleResult
		err error
	)
	if delta > 0 {
		res, err = s.store.SettleCharge(ctx, userID, delta, source, ref, meta)
		if err == nil && res.Applied && -res.DeltaMicro < delta {
			s.log.Warn("settlement clamped to balance",
				slog.String("user_id", userID),
				slog.String("reference_id", ref),
				slog.Int64("requested_micro", delta),
				slog.Int64("charged_micro", -res.DeltaMicro))
		}
	} else {
		res, err = s.store.ApplyCreditDelta(ctx, userID, -delta, source, ref, meta)
		if errors.Is(err, domain.ErrUserNotFound) {
			res, err = domain.SettleResult{}, nil
		}
	}
	record("settle", err, res.Applied, "applied", "skipped")
	if err != nil {
		return domain.SettleResult{}, fmt.Errorf("settle %s: %w", userID, err)
	}
	if !res.Applied {
		s.log.Warn("settlement skipped: no credit account",
			slog.String("user_id", userID),
			slog.String("reference_id", ref),
			slog.Int64("delta_micro", delta))
		return res, nil
	}
	moved(source, res.DeltaMicro)
	return res, nil
}

// ApplyDelta is the unconditional adjustment primitive used for grants,
// purchases and referral bonuses. Negative deltas that would cross zero
// fail with ErrInsufficientCredits.
func (s *Service) ApplyDelta(ctx context.Context, userID string, delta int64, source domain.TxSource, ref string, meta map[string]any) (domain.SettleResult, error) {
	if !source.Valid() {
		return domain.SettleResult{}, fmt.Errorf("unknown transaction source %q", source)
	}
	res, err := s.store.ApplyCreditDelta(ctx, userID, delta, source, ref, meta)
	outcome := "applied"
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		outcome = "insufficient"
	case errors.Is(err, domain.ErrUserNotFound):
		outcome = "missing"
	case err != nil:
		outcome = "error"
	}
	observability.LedgerOps.WithLabelValues("apply", outcome).Inc()
	if err != nil {
		return domain.SettleResult{}, err
	}
	moved(source, delta)
	s.log.Info("credit delta applied",
		slog.String("user_id", userID),
		slog.String("source", string(source)),
		slog.Int64("delta_micro", delta),
		slog.Int64("balance_micro", res.BalanceAfter))
	return res, nil
}

// Grant adds whole credits to a user, provisioning the account if needed.
func (s *Service) Grant(ctx context.Context, userID string, credits int64, source domain.TxSource, meta map[string]any) (domain.SettleResult, error) {
	if credits <= 0 {
		return domain.SettleResult{}, domain.ErrInvalidAmount
	}
	if _, err := s.EnsureAccount(ctx, userID); err != nil {
		return domain.SettleResult{}, err
	}
	return s.ApplyDelta(ctx, userID, credits*domain.MicroPerCredit, source, "", meta)
}
