package schedule

import "pulseline/internal/domain"

// DefaultWeight applies when a bot's style has no entry for a type.
const DefaultWeight = 0.5

// Weight returns the acceptance probability of t for the given style.
func Weight(style domain.EngagementStyle, t domain.EngagementType) float64 {
	if w, ok := style[t]; ok {
		return w
	}
	return DefaultWeight
}

// Accept draws once from rng and accepts iff the draw is below the weight.
func Accept(rng Rand, style domain.EngagementStyle, t domain.EngagementType) bool {
	return rng.Float64() < Weight(style, t)
}
