package domain

import (
	"fmt"
	"sort"
)

const (
	MinDailyLimit = 1
	MaxDailyLimit = 200
)

// ValidationError reports malformed bot configuration.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ApplyPersonaDefaults fills unset schedule fields from the persona profile.
// A nil slice is unset; an empty non-nil slice is kept (the bot never acts).
func (b *Bot) ApplyPersonaDefaults() {
	if !b.Persona.Valid() {
		return
	}
	prof := b.Persona.Profile()
	if b.ActivityLevel == "" {
		b.ActivityLevel = prof.ActivityLevel()
	}
	if b.PreferredHours == nil {
		b.PreferredHours = prof.PreferredHours()
	}
	if b.ActiveDays == nil {
		b.ActiveDays = prof.ActiveDays()
	}
	if b.EngagementStyle == nil {
		b.EngagementStyle = prof.EngagementStyle()
	}
	if b.DailyEngagementLimit == 0 {
		b.DailyEngagementLimit = prof.DailyLimit()
	}
}

// Validate checks the bot's configuration fields.
func (b Bot) Validate() error {
	if !b.Persona.Valid() {
		return ValidationError{Field: "persona_type", Reason: fmt.Sprintf("unknown persona %q", b.Persona)}
	}
	switch b.ActivityLevel {
	case ActivityHigh, ActivityMedium, ActivityLow:
	default:
		return ValidationError{Field: "activity_level", Reason: fmt.Sprintf("unknown activity level %q", b.ActivityLevel)}
	}
	for _, h := range b.PreferredHours {
		if h < 0 || h > 23 {
			return ValidationError{Field: "preferred_hours", Reason: fmt.Sprintf("hour %d out of range 0-23", h)}
		}
	}
	for _, d := range b.ActiveDays {
		if d < 0 || d > 6 {
			return ValidationError{Field: "active_days", Reason: fmt.Sprintf("day %d out of range 0-6", d)}
		}
	}
	for t, w := range b.EngagementStyle {
		if !t.Valid() {
			return ValidationError{Field: "engagement_style", Reason: fmt.Sprintf("unknown engagement type %q", t)}
		}
		if w < 0 || w > 1 {
			return ValidationError{Field: "engagement_style", Reason: fmt.Sprintf("weight %v for %s out of range [0,1]", w, t)}
		}
	}
	if b.DailyEngagementLimit < MinDailyLimit || b.DailyEngagementLimit > MaxDailyLimit {
		return ValidationError{Field: "daily_engagement_limit", Reason: fmt.Sprintf("%d out of range %d-%d", b.DailyEngagementLimit, MinDailyLimit, MaxDailyLimit)}
	}
	if b.EngagementsToday < 0 {
		return ValidationError{Field: "engagements_today", Reason: "negative"}
	}
	return nil
}

// NormalizeSet sorts and de-duplicates an hour or day set.
func NormalizeSet(in []int) []int {
	if in == nil {
		return nil
	}
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Validate checks the settings snapshot.
func (s Settings) Validate() error {
	if !s.Intensity.Valid() {
		return fmt.Errorf("settings.intensity must be low, medium or high (got %q)", s.Intensity)
	}
	if s.BotPostFrequency < 0 {
		return fmt.Errorf("settings.bot_post_frequency must be >= 0")
	}
	if s.BotProjectFrequency < 0 {
		return fmt.Errorf("settings.bot_project_frequency must be >= 0")
	}
	return nil
}
