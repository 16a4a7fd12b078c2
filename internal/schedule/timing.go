package schedule

import (
	"math"
	"sort"
	"time"

	"pulseline/internal/domain"
)

type window struct {
	spread Range // minutes
	jitter Range // seconds
}

var windows = map[domain.Intensity]window{
	domain.IntensityLow:    {spread: Range{120, 240}, jitter: Range{60, 120}},
	domain.IntensityMedium: {spread: Range{60, 120}, jitter: Range{30, 90}},
	domain.IntensityHigh:   {spread: Range{30, 60}, jitter: Range{15, 45}},
}

func windowFor(intensity domain.Intensity) window {
	if w, ok := windows[intensity]; ok {
		return w
	}
	return windows[domain.IntensityMedium]
}

// SpreadRange is the scheduling window in minutes for an intensity.
func SpreadRange(intensity domain.Intensity) Range { return windowFor(intensity).spread }

// JitterRange is the jitter magnitude in seconds for an intensity.
func JitterRange(intensity domain.Intensity) Range { return windowFor(intensity).jitter }

// AgeFactor tightens the window for fresh content.
func AgeFactor(age time.Duration) float64 {
	switch {
	case age < time.Hour:
		return 0.3
	case age < 6*time.Hour:
		return 0.7
	default:
		return 1.0
	}
}

// AdjustedSpread scales a spread by the content age factor.
func AdjustedSpread(spreadMinutes int, age time.Duration) float64 {
	return float64(spreadMinutes) * AgeFactor(age)
}

var peakHours = map[int]bool{9: true, 10: true, 11: true, 14: true, 15: true, 16: true, 19: true, 20: true, 21: true, 22: true}

// TimeOfDayWeight stretches offsets that land outside peak hours.
func TimeOfDayWeight(hour int) float64 {
	switch {
	case peakHours[hour]:
		return 1.0
	case hour >= 0 && hour <= 6:
		return 1.8
	default:
		return 1.3
	}
}

// Offsets returns the weighted minute offsets for count candidates, before
// jitter. Candidate i (1-based) sits at i/count of the adjusted spread.
func Offsets(count int, adjustedSpread float64, now time.Time, loc *time.Location) []int {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]int, 0, count)
	for i := 1; i <= count; i++ {
		base := int(math.Round(float64(i) / float64(count) * adjustedSpread))
		hour := now.Add(time.Duration(base) * time.Minute).In(loc).Hour()
		out = append(out, int(math.Round(float64(base)*TimeOfDayWeight(hour))))
	}
	return out
}

// GenerateTimes returns count ascending timestamps, none earlier than now.
func GenerateTimes(rng Rand, count int, intensity domain.Intensity, contentCreatedAt, now time.Time, loc *time.Location) []time.Time {
	if count <= 0 {
		return nil
	}
	w := windowFor(intensity)
	spread := Between(rng, w.spread.Min, w.spread.Max)
	adjusted := AdjustedSpread(spread, now.Sub(contentCreatedAt))
	offsets := Offsets(count, adjusted, now, loc)
	out := make([]time.Time, 0, count)
	for _, minutes := range offsets {
		jitter := Between(rng, w.jitter.Min, w.jitter.Max)
		if rng.IntN(2) == 0 {
			jitter = -jitter
		}
		at := now.Add(time.Duration(minutes)*time.Minute + time.Duration(jitter)*time.Second)
		if at.Before(now) {
			at = now
		}
		out = append(out, at)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
