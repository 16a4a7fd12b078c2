package schedule

import (
	"math"

	"pulseline/internal/domain"
)

// Range is an inclusive integer range.
type Range struct {
	Min, Max int
}

var countRanges = map[domain.Intensity]map[domain.EngagementType]Range{
	domain.IntensityLow: {
		domain.EngagementLike:     {3, 8},
		domain.EngagementRepost:   {0, 2},
		domain.EngagementComment:  {0, 1},
		domain.EngagementBookmark: {1, 3},
		domain.EngagementQuote:    {0, 1},
	},
	domain.IntensityMedium: {
		domain.EngagementLike:     {8, 20},
		domain.EngagementRepost:   {2, 5},
		domain.EngagementComment:  {1, 3},
		domain.EngagementBookmark: {2, 6},
		domain.EngagementQuote:    {0, 2},
	},
	domain.IntensityHigh: {
		domain.EngagementLike:     {20, 50},
		domain.EngagementRepost:   {5, 15},
		domain.EngagementComment:  {3, 8},
		domain.EngagementBookmark: {5, 12},
		domain.EngagementQuote:    {1, 4},
	},
}

// CountRange returns the base range for a type at an intensity. Follow has
// no range of its own; it is derived from likes.
func CountRange(intensity domain.Intensity, t domain.EngagementType) (Range, bool) {
	r, ok := countRanges[intensity][t]
	return r, ok
}

// Counts is the number of engagements to schedule per type.
type Counts map[domain.EngagementType]int

// Total sums every type.
func (c Counts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// PlanCounts draws base counts for every ranged type. Unknown intensities
// fall back to medium.
func PlanCounts(rng Rand, intensity domain.Intensity) Counts {
	ranges, ok := countRanges[intensity]
	if !ok {
		ranges = countRanges[domain.IntensityMedium]
	}
	out := make(Counts, len(ranges))
	// iterate in a fixed order so a seeded rng yields a fixed plan
	for _, t := range domain.EngagementTypes {
		r, ok := ranges[t]
		if !ok {
			continue
		}
		out[t] = Between(rng, r.Min, r.Max)
	}
	return out
}

// Scale applies a curated-content multiplier, rounding and flooring at zero.
func (c Counts) Scale(multiplier float64) Counts {
	if math.IsNaN(multiplier) || multiplier < 0 {
		multiplier = 0
	}
	out := make(Counts, len(c))
	for t, v := range c {
		n := int(math.Round(float64(v) * multiplier))
		if n < 0 {
			n = 0
		}
		out[t] = n
	}
	return out
}

// FollowCount sizes author follows from the scaled like count. No likes
// means no follows.
func FollowCount(likes int) int {
	if likes <= 0 {
		return 0
	}
	return max(1, int(math.Round(float64(likes)*0.1)))
}
