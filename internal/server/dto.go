package server

import (
	"encoding/json"
	"time"

	"pulseline/internal/domain"
)

// Request payloads

type CreateBotRequest struct {
	ID                   string                 `json:"id,omitempty"`
	Handle               string                 `json:"handle"`
	Persona              string                 `json:"persona_type" enum:"enthusiast,casual,supportive,lurker"`
	PreferredHours       []int                  `json:"preferred_hours,omitempty"`
	ActiveDays           []int                  `json:"active_days,omitempty"`
	EngagementStyle      domain.EngagementStyle `json:"engagement_style,omitempty"`
	DailyEngagementLimit int                    `json:"daily_engagement_limit,omitempty"`
	Inactive             bool                   `json:"inactive,omitempty"`
}

type UpdateBotRequest struct {
	Persona              *string                `json:"persona_type,omitempty" enum:"enthusiast,casual,supportive,lurker"`
	PreferredHours       []int                  `json:"preferred_hours,omitempty"`
	ActiveDays           []int                  `json:"active_days,omitempty"`
	EngagementStyle      domain.EngagementStyle `json:"engagement_style,omitempty"`
	DailyEngagementLimit *int                   `json:"daily_engagement_limit,omitempty"`
	IsActive             *bool                  `json:"is_active,omitempty"`
}

type AddContentRequest struct {
	ID        string     `json:"id"`
	Type      string     `json:"type" enum:"Post,Project"`
	AuthorID  string     `json:"author_id"`
	CreatedAt *time.Time `json:"created_at,omitempty" format:"date-time"`
}

type SetBoostRequest struct {
	Priority             int        `json:"priority"`
	EngagementMultiplier float64    `json:"engagement_multiplier" minimum:"0"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty" format:"date-time"`
}

type UpdateSettingsRequest struct {
	Enabled             *bool   `json:"enabled,omitempty"`
	Intensity           *string `json:"intensity,omitempty" enum:"low,medium,high"`
	BotPostsEnabled     *bool   `json:"bot_posts_enabled,omitempty"`
	BotPostFrequency    *int    `json:"bot_post_frequency,omitempty"`
	BotProjectsEnabled  *bool   `json:"bot_projects_enabled,omitempty"`
	BotProjectFrequency *int    `json:"bot_project_frequency,omitempty"`
}

func (r UpdateSettingsRequest) apply(s *domain.Settings) {
	if r.Enabled != nil {
		s.Enabled = *r.Enabled
	}
	if r.Intensity != nil {
		s.Intensity = domain.Intensity(*r.Intensity)
	}
	if r.BotPostsEnabled != nil {
		s.BotPostsEnabled = *r.BotPostsEnabled
	}
	if r.BotPostFrequency != nil {
		s.BotPostFrequency = *r.BotPostFrequency
	}
	if r.BotProjectsEnabled != nil {
		s.BotProjectsEnabled = *r.BotProjectsEnabled
	}
	if r.BotProjectFrequency != nil {
		s.BotProjectFrequency = *r.BotProjectFrequency
	}
}

// Response payloads

type IntentList struct {
	Items  []domain.EngagementIntent   `json:"items"`
	Counts map[domain.IntentStatus]int `json:"counts"`
}

type QuotaResetResponse struct {
	BotsReset int64 `json:"bots_reset"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &out.Payload)
	}
	return out
}
