package schedule

import (
	"slices"
	"time"

	"pulseline/internal/domain"
)

// Available reports whether the bot may act at now. Hours and weekdays are
// evaluated in loc; an empty hour or day set means the bot never acts.
func Available(b domain.Bot, now time.Time, loc *time.Location) bool {
	if !b.IsActive {
		return false
	}
	if b.EngagementsToday >= b.DailyEngagementLimit {
		return false
	}
	return TimeEligible(b, now, loc)
}

// TimeEligible checks only the preferred hours and active days.
func TimeEligible(b domain.Bot, now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return slices.Contains(b.PreferredHours, local.Hour()) &&
		slices.Contains(b.ActiveDays, int(local.Weekday()))
}

// FilterAvailable keeps the available bots in input order.
func FilterAvailable(bots []domain.Bot, now time.Time, loc *time.Location) []domain.Bot {
	out := make([]domain.Bot, 0, len(bots))
	for _, b := range bots {
		if Available(b, now, loc) {
			out = append(out, b)
		}
	}
	return out
}
