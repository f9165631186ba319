package ledger

import (
	"math"

	"github.com/tutu-network/pit/internal/domain"
)

// ─── Cost Model ─────────────────────────────────────────────────────────────
// tokens → GBP → micro-credits. GBP values are floats only until ToMicro,
// which rounds up so the platform never undercharges by a fraction.

// Price is a model's token price in GBP per million tokens.
type Price struct {
	InputPerMTok  float64 `toml:"input_per_mtok"`
	OutputPerMTok float64 `toml:"output_per_mtok"`
}

// Pricing converts token usage to micro-credits.
type Pricing struct {
	CreditValueGBP      float64          `toml:"credit_value_gbp"`
	PlatformMargin      float64          `toml:"platform_margin"`
	OutputTokensPerTurn int64            `toml:"output_tokens_per_turn"`
	InputFactor         float64          `toml:"input_factor"`
	ByokFeeGBPPer1K     float64          `toml:"byok_fee_gbp_per_1k"`
	ByokMinGBP          float64          `toml:"byok_min_gbp"`
	Prices              map[string]Price `toml:"prices"` // overrides for the built-in table
}

// DefaultPricing returns the platform cost model.
func DefaultPricing() Pricing {
	return Pricing{
		CreditValueGBP:      domain.CreditValueGBP,
		PlatformMargin:      0.10,
		OutputTokensPerTurn: 120,
		InputFactor:         5.5,
		ByokFeeGBPPer1K:     0.0002,
		ByokMinGBP:          0.001,
	}
}

func (p Pricing) price(modelID string) (Price, bool) {
	if pr, ok := p.Prices[modelID]; ok {
		return pr, true
	}
	if m, ok := domain.LookupModel(modelID); ok {
		return Price{InputPerMTok: m.InputPerMTok, OutputPerMTok: m.OutputPerMTok}, true
	}
	return Price{}, false
}

// ToMicro converts GBP to micro-credits, rounding up.
func (p Pricing) ToMicro(gbp float64) int64 {
	microValue := p.CreditValueGBP / domain.MicroPerCredit
	if gbp <= 0 || microValue <= 0 {
		return 0
	}
	// Round away float noise before the ceiling so 0.0001/0.0001 is 1, not 2.
	q := math.Round(gbp/microValue*1e9) / 1e9
	return int64(math.Ceil(q))
}

// EstimateTokens returns the worst-case token estimate for a bout.
// perTurn <= 0 uses the configured default.
func (p Pricing) EstimateTokens(turns int, perTurn int64) domain.Usage {
	if perTurn <= 0 {
		perTurn = p.OutputTokensPerTurn
	}
	out := max(int64(1), int64(turns)*perTurn)
	in := max(int64(1), int64(math.Ceil(float64(out)*p.InputFactor)))
	return domain.Usage{InputTokens: in, OutputTokens: out}
}

// CostGBP prices usage for modelID. BYOK usage pays the platform fee only.
// Unknown models price at zero; model access is checked before pricing.
func (p Pricing) CostGBP(u domain.Usage, modelID string) float64 {
	if modelID == domain.ModelBYOK {
		total := float64(u.InputTokens + u.OutputTokens)
		return math.Max(total/1000*p.ByokFeeGBPPer1K, p.ByokMinGBP)
	}
	pr, ok := p.price(modelID)
	if !ok {
		return 0
	}
	raw := (float64(u.InputTokens)*pr.InputPerMTok + float64(u.OutputTokens)*pr.OutputPerMTok) / 1_000_000
	return raw * (1 + p.PlatformMargin)
}

// EstimateBoutCostMicro is the preauthorization amount for a bout.
func (p Pricing) EstimateBoutCostMicro(turns int, modelID string, perTurn int64) int64 {
	return p.ToMicro(p.CostGBP(p.EstimateTokens(turns, perTurn), modelID))
}

// ComputeCostMicro prices actual usage.
func (p Pricing) ComputeCostMicro(u domain.Usage, modelID string) int64 {
	return p.ToMicro(p.CostGBP(u, modelID))
}
