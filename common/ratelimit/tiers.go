package ratelimit

// Tier buckets run submissions by priority. Urgent submissions get a small
// dedicated budget; bulk work gets a large one that cannot crowd it out.
type Tier string

const (
	TierExpress  Tier = "express"  // priority 8-10
	TierStandard Tier = "standard" // priority 4-7
	TierBulk     Tier = "bulk"     // priority 1-3
)

// TierConfig defines one tier's window and budget
type TierConfig struct {
	Tier          Tier
	Limit         int64
	WindowSeconds int
}

// DefaultTierConfigs are the per-user budgets by tier
var DefaultTierConfigs = map[Tier]TierConfig{
	TierExpress:  {Tier: TierExpress, Limit: 30, WindowSeconds: 60},
	TierStandard: {Tier: TierStandard, Limit: 120, WindowSeconds: 60},
	TierBulk:     {Tier: TierBulk, Limit: 300, WindowSeconds: 60},
}

// DefaultGlobalLimit is the service-wide submission budget per minute
const DefaultGlobalLimit int64 = 1000

// TierFor maps a submission priority to its tier
func TierFor(priority int) Tier {
	switch {
	case priority >= 8:
		return TierExpress
	case priority >= 4:
		return TierStandard
	default:
		return TierBulk
	}
}

// LimitForTier returns the tier's budget, defaulting to the most restrictive
func LimitForTier(tier Tier) int64 {
	if cfg, ok := DefaultTierConfigs[tier]; ok {
		return cfg.Limit
	}
	return DefaultTierConfigs[TierExpress].Limit
}

// WindowForTier returns the tier's window in seconds
func WindowForTier(tier Tier) int {
	if cfg, ok := DefaultTierConfigs[tier]; ok {
		return cfg.WindowSeconds
	}
	return DefaultTierConfigs[TierExpress].WindowSeconds
}
