package tier

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tutu-network/pit/internal/domain"
	"github.com/tutu-network/pit/internal/infra/observability"
)

// ─── Free Bout Pool ─────────────────────────────────────────────────────────
// A shared daily allowance bounding aggregate platform spend on free-tier
// and anonymous bouts. Days are UTC; each bout remembers the day it was
// charged against so settlement after midnight hits the right row.

// PoolStore is the persistence the pool needs.
type PoolStore interface {
	ConsumeFreeBout(ctx context.Context, day string, maxDaily int, capMicro, estimateMicro int64) (bool, error)
	RefundFreeBout(ctx context.Context, day string, estimateMicro int64) error
	SettleFreeBoutSpend(ctx context.Context, day string, deltaMicro int64) error
	FreePoolStatus(ctx context.Context, day string) (used int, spendMicro int64, err error)
}

// PoolConfig bounds the daily pool.
type PoolConfig struct {
	MaxDaily      int   `toml:"max_daily"`
	SpendCapMicro int64 `toml:"spend_cap_micro"` // 0 disables the spend cap
}

// DefaultPoolConfig allows 500 free bouts or 20 GBP of spend per day.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxDaily:      500,
		SpendCapMicro: 200_000,
	}
}

// FreePool implements domain.FreeBoutPool.
type FreePool struct {
	store PoolStore
	cfg   PoolConfig
	now   func() time.Time
}

var _ domain.FreeBoutPool = (*FreePool)(nil)

// NewFreePool creates the pool service.
func NewFreePool(store PoolStore, cfg PoolConfig) *FreePool {
	return &FreePool{store: store, cfg: cfg, now: time.Now}
}

// Day returns the current pool day, YYYY-MM-DD in UTC.
func (f *FreePool) Day() string {
	return f.now().UTC().Format(time.DateOnly)
}

// Consume takes one slot for a bout estimated at estimateMicro.
func (f *FreePool) Consume(ctx context.Context, estimateMicro int64) (string, bool, error) {
	day := f.Day()
	capMicro := f.cfg.SpendCapMicro
	if capMicro <= 0 {
		capMicro = math.MaxInt64 / 4
	}
	ok, err := f.store.ConsumeFreeBout(ctx, day, f.cfg.MaxDaily, capMicro, estimateMicro)
	if err != nil {
		observability.FreePool.WithLabelValues("error").Inc()
		return "", false, fmt.Errorf("consume free bout: %w", err)
	}
	if !ok {
		observability.FreePool.WithLabelValues("exhausted").Inc()
		return "", false, nil
	}
	observability.FreePool.WithLabelValues("consumed").Inc()
	return day, true, nil
}

// Refund returns a slot taken on day.
func (f *FreePool) Refund(ctx context.Context, day string, estimateMicro int64) error {
	if day == "" {
		return nil
	}
	return f.store.RefundFreeBout(ctx, day, estimateMicro)
}

// SettleSpend corrects day's spend by actual minus estimate.
func (f *FreePool) SettleSpend(ctx context.Context, day string, deltaMicro int64) error {
	if day == "" || deltaMicro == 0 {
		return nil
	}
	return f.store.SettleFreeBoutSpend(ctx, day, deltaMicro)
}

// PoolStatus is today's pool usage.
type PoolStatus struct {
	Day        string `json:"day"`
	Used       int    `json:"used"`
	Max        int    `json:"max"`
	Remaining  int    `json:"remaining"`
	SpendMicro int64  `json:"spend_micro"`
	Exhausted  bool   `json:"exhausted"`
}

// Status reports today's usage.
func (f *FreePool) Status(ctx context.Context) (PoolStatus, error) {
	day := f.Day()
	used, spend, err := f.store.FreePoolStatus(ctx, day)
	if err != nil {
		return PoolStatus{}, err
	}
	remaining := max(0, f.cfg.MaxDaily-used)
	exhausted := remaining == 0 || (f.cfg.SpendCapMicro > 0 && spend >= f.cfg.SpendCapMicro)
	return PoolStatus{
		Day:        day,
		Used:       used,
		Max:        f.cfg.MaxDaily,
		Remaining:  remaining,
		SpendMicro: spend,
		Exhausted:  exhausted,
	}, nil
}
