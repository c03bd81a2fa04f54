package ratelimit

// TierConfig defines admission limits for one workflow tier.
type TierConfig struct {
	Tier          Tier
	Limit         int64 // Executions allowed per window
	WindowSeconds int   // Time window in seconds
	Description   string
}

// DefaultTierConfigs maps each tier to its window. Agent-heavy
// workflows burn model tokens and subprocess slots, so they get the
// tightest budget.
var DefaultTierConfigs = map[Tier]TierConfig{
	TierSimple: {
		Tier:          TierSimple,
		Limit:         100,
		WindowSeconds: 60,
		Description:   "Simple workflows (no agent nodes) - 100 executions/minute",
	},
	TierStandard: {
		Tier:          TierStandard,
		Limit:         20,
		WindowSeconds: 60,
		Description:   "Standard workflows (1-2 agent nodes) - 20 executions/minute",
	},
	TierHeavy: {
		Tier:          TierHeavy,
		Limit:         5,
		WindowSeconds: 60,
		Description:   "Heavy workflows (3+ agent nodes) - 5 executions/minute",
	},
}

// GlobalConfig caps total admissions across all users.
type GlobalConfig struct {
	Limit         int64
	WindowSeconds int
}

// DefaultGlobalConfig admits 100 executions per minute per worker fleet.
var DefaultGlobalConfig = GlobalConfig{
	Limit:         100,
	WindowSeconds: 60,
}

// LimitForTier returns the execution budget for a tier, falling back to
// the most restrictive tier for unknown values.
func LimitForTier(tier Tier) int64 {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.Limit
	}
	return DefaultTierConfigs[TierHeavy].Limit
}

// WindowForTier returns the window length for a tier.
func WindowForTier(tier Tier) int {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.WindowSeconds
	}
	return DefaultTierConfigs[TierHeavy].WindowSeconds
}
