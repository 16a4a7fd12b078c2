package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseline/internal/domain"
	"pulseline/internal/schedule"
)

// 2024-01-03 is a Wednesday.
var wednesdayNoon = time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

func allHours() []int {
	h := make([]int, 24)
	for i := range h {
		h[i] = i
	}
	return h
}

func newBot() domain.Bot {
	return domain.Bot{
		ID:                   "bot-1",
		Persona:              domain.PersonaCasual,
		PreferredHours:       allHours(),
		ActiveDays:           []int{0, 1, 2, 3, 4, 5, 6},
		DailyEngagementLimit: 10,
		IsActive:             true,
	}
}

func TestAvailable(t *testing.T) {
	b := newBot()
	assert.True(t, schedule.Available(b, wednesdayNoon, time.UTC))

	inactive := newBot()
	inactive.IsActive = false
	assert.False(t, schedule.Available(inactive, wednesdayNoon, time.UTC))

	noHours := newBot()
	noHours.PreferredHours = []int{}
	assert.False(t, schedule.Available(noHours, wednesdayNoon, time.UTC))

	noDays := newBot()
	noDays.ActiveDays = nil
	assert.False(t, schedule.Available(noDays, wednesdayNoon, time.UTC))

	weekend := newBot()
	weekend.ActiveDays = []int{0, 6}
	assert.False(t, schedule.Available(weekend, wednesdayNoon, time.UTC))

	exhausted := newBot()
	exhausted.EngagementsToday = 10
	assert.False(t, schedule.Available(exhausted, wednesdayNoon, time.UTC))
}

func TestAvailableUsesReferenceZone(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	b := newBot()
	b.PreferredHours = []int{21}
	// 12:00 UTC is 21:00 in JST
	assert.True(t, schedule.Available(b, wednesdayNoon, tokyo))
	assert.False(t, schedule.Available(b, wednesdayNoon, time.UTC))
}

func TestFilterAvailableKeepsOrder(t *testing.T) {
	a, b, c := newBot(), newBot(), newBot()
	a.ID, b.ID, c.ID = "a", "b", "c"
	b.IsActive = false
	got := schedule.FilterAvailable([]domain.Bot{a, b, c}, wednesdayNoon, time.UTC)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

func TestAcceptWeights(t *testing.T) {
	rng := schedule.NewSource(1)
	style := domain.EngagementStyle{domain.EngagementLike: 1, domain.EngagementQuote: 0}
	for i := 0; i < 200; i++ {
		assert.True(t, schedule.Accept(rng, style, domain.EngagementLike))
		assert.False(t, schedule.Accept(rng, style, domain.EngagementQuote))
	}
	assert.Equal(t, schedule.DefaultWeight, schedule.Weight(style, domain.EngagementRepost))

	accepted := 0
	for i := 0; i < 4000; i++ {
		if schedule.Accept(rng, style, domain.EngagementRepost) {
			accepted++
		}
	}
	assert.InDelta(t, 0.5, float64(accepted)/4000, 0.05)
}

func TestPlanCountsWithinRanges(t *testing.T) {
	rng := schedule.NewSource(7)
	for _, intensity := range []domain.Intensity{domain.IntensityLow, domain.IntensityMedium, domain.IntensityHigh} {
		sums := map[domain.EngagementType]int{}
		const draws = 1000
		for i := 0; i < draws; i++ {
			counts := schedule.PlanCounts(rng, intensity)
			_, hasFollow := counts[domain.EngagementFollow]
			require.False(t, hasFollow, "follows are derived, not drawn")
			for typ, n := range counts {
				r, ok := schedule.CountRange(intensity, typ)
				require.True(t, ok)
				require.GreaterOrEqual(t, n, r.Min)
				require.LessOrEqual(t, n, r.Max)
				sums[typ] += n
			}
		}
		for typ, sum := range sums {
			r, _ := schedule.CountRange(intensity, typ)
			mean := float64(sum) / draws
			assert.GreaterOrEqual(t, mean, float64(r.Min), "%s %s", intensity, typ)
			assert.LessOrEqual(t, mean, float64(r.Max), "%s %s", intensity, typ)
		}
	}
}

func TestPlanCountsReproducible(t *testing.T) {
	a := schedule.PlanCounts(schedule.NewSource(42), domain.IntensityHigh)
	b := schedule.PlanCounts(schedule.NewSource(42), domain.IntensityHigh)
	assert.Equal(t, a, b)
}

func TestScale(t *testing.T) {
	base := schedule.Counts{domain.EngagementLike: 10, domain.EngagementQuote: 1}
	assert.Equal(t, 0, base.Scale(0).Total())
	assert.Equal(t, 0, base.Scale(-1).Total())
	doubled := base.Scale(2)
	assert.Equal(t, 20, doubled[domain.EngagementLike])
	assert.Equal(t, 2, doubled[domain.EngagementQuote])
	half := base.Scale(0.25)
	assert.Equal(t, 3, half[domain.EngagementLike]) // 2.5 rounds away from zero
	assert.Equal(t, 0, half[domain.EngagementQuote])
}

func TestFollowCount(t *testing.T) {
	assert.Equal(t, 0, schedule.FollowCount(0))
	assert.Equal(t, 1, schedule.FollowCount(3))
	assert.Equal(t, 2, schedule.FollowCount(20))
	assert.Equal(t, 5, schedule.FollowCount(50))
}

func TestAgeDecay(t *testing.T) {
	assert.Equal(t, 0.3, schedule.AgeFactor(30*time.Minute))
	assert.Equal(t, 0.7, schedule.AgeFactor(2*time.Hour))
	assert.Equal(t, 1.0, schedule.AgeFactor(10*time.Hour))
	fresh := schedule.AdjustedSpread(90, 30*time.Minute)
	old := schedule.AdjustedSpread(90, 10*time.Hour)
	assert.Less(t, fresh, old)
	assert.InDelta(t, 27.0, fresh, 1e-9)
	assert.InDelta(t, 90.0, old, 1e-9)
}

func TestTimeOfDayWeight(t *testing.T) {
	for _, h := range []int{9, 10, 11, 14, 15, 16, 19, 20, 21, 22} {
		assert.Equal(t, 1.0, schedule.TimeOfDayWeight(h), "hour %d", h)
	}
	for h := 0; h <= 6; h++ {
		assert.Equal(t, 1.8, schedule.TimeOfDayWeight(h), "hour %d", h)
	}
	for _, h := range []int{7, 8, 12, 13, 17, 18, 23} {
		assert.Equal(t, 1.3, schedule.TimeOfDayWeight(h), "hour %d", h)
	}
}

func TestOffsets(t *testing.T) {
	// 09:00 is peak, so weights stay at 1.0 for a 30 minute window
	nine := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, []int{10, 20, 30}, schedule.Offsets(3, 30, nine, time.UTC))
	// 03:00 is night: 10*1.8, 20*1.8, 30*1.8
	three := time.Date(2024, 1, 3, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, []int{18, 36, 54}, schedule.Offsets(3, 30, three, time.UTC))
}

func TestGenerateTimesOrderedAndNotBeforeNow(t *testing.T) {
	rng := schedule.NewSource(3)
	now := wednesdayNoon
	times := schedule.GenerateTimes(rng, 5, domain.IntensityMedium, now, now, time.UTC)
	require.Len(t, times, 5)
	for i, ts := range times {
		assert.False(t, ts.Before(now), "timestamp %d before now", i)
		if i > 0 {
			assert.False(t, ts.Before(times[i-1]), "timestamp %d out of order", i)
		}
	}
}

func TestGenerateTimesBounds(t *testing.T) {
	rng := schedule.NewSource(11)
	now := wednesdayNoon
	old := now.Add(-10 * time.Hour)
	for i := 0; i < 200; i++ {
		times := schedule.GenerateTimes(rng, 8, domain.IntensityHigh, old, now, time.UTC)
		last := times[len(times)-1]
		// high spread is at most 60 minutes, weighted by at most 1.8, plus 45s jitter
		assert.LessOrEqual(t, last.Sub(now), 108*time.Minute+45*time.Second)
	}
	assert.Nil(t, schedule.GenerateTimes(rng, 0, domain.IntensityLow, now, now, time.UTC))
}

func TestGenerateTimesReproducible(t *testing.T) {
	now := wednesdayNoon
	a := schedule.GenerateTimes(schedule.NewSource(99), 6, domain.IntensityLow, now.Add(-2*time.Hour), now, time.UTC)
	b := schedule.GenerateTimes(schedule.NewSource(99), 6, domain.IntensityLow, now.Add(-2*time.Hour), now, time.UTC)
	assert.Equal(t, a, b)
}
