package strategy

import (
	"github.com/mojtabashariatzade/adder-repo/internal/config"
)

// Tier band ceilings. Worker counts never exceed the number of usable
// accounts, so exclusivity is preserved without workers idling.
const (
	lowCap    = 3
	mediumCap = 6
)

// Select picks an execution strategy from the number of usable accounts.
// Thresholds come from config so operators can widen or narrow the bands.
func Select(usable int, cfg config.Config) Strategy {
	switch {
	case usable < cfg.TierLowMin:
		return Sequential{}
	case usable < cfg.TierMediumMin:
		return Parallel{Tier: "low", Workers: capped(usable, lowCap)}
	case usable < cfg.TierHighMin:
		return Parallel{Tier: "medium", Workers: capped(usable, mediumCap)}
	default:
		return Parallel{Tier: "high", Workers: usable}
	}
}

func capped(n, limit int) int {
	if n > limit {
		return limit
	}
	return n
}
