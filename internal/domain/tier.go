package domain

import "fmt"

// ─── Subscription Tiers ─────────────────────────────────────────────────────

// Tier is a user's subscription level.
type Tier string

const (
	TierFree Tier = "free"
	TierPass Tier = "pass"
	TierLab  Tier = "lab"
)

// Paid reports whether the tier is a paid subscription.
func (t Tier) Paid() bool { return t == TierPass || t == TierLab }

// ParseTier converts a stored or user-provided string to a Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierFree, TierPass, TierLab:
		return Tier(s), nil
	case "":
		return TierFree, nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// UnlimitedAgents marks a tier without an owned-agent cap.
const UnlimitedAgents = -1

// TierConfig is static per-tier policy. Read-only at runtime.
type TierConfig struct {
	Tier            Tier          `json:"tier"`
	BoutsPerDay     int           `json:"bouts_per_day"`
	AllowedFamilies []ModelFamily `json:"allowed_families"`
	MaxAgents       int           `json:"max_agents"`
	APIAccess       bool          `json:"api_access"`
}

// AllowsFamily reports whether models of family f may be used.
func (c TierConfig) AllowsFamily(f ModelFamily) bool {
	for _, af := range c.AllowedFamilies {
		if af == f {
			return true
		}
	}
	return false
}

// TierConfigs is the built-in tier table.
var TierConfigs = map[Tier]TierConfig{
	TierFree: {
		Tier:            TierFree,
		BoutsPerDay:     5,
		AllowedFamilies: []ModelFamily{FamilyHaiku, FamilySonnet},
		MaxAgents:       1,
	},
	TierPass: {
		Tier:            TierPass,
		BoutsPerDay:     15,
		AllowedFamilies: []ModelFamily{FamilyHaiku, FamilySonnet},
		MaxAgents:       5,
	},
	TierLab: {
		Tier:            TierLab,
		BoutsPerDay:     100,
		AllowedFamilies: []ModelFamily{FamilyHaiku, FamilySonnet, FamilyOpus},
		MaxAgents:       UnlimitedAgents,
		APIAccess:       true,
	},
}
