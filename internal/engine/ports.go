package engine

import (
	"context"
	"errors"

	"pulseline/internal/domain"
	"pulseline/internal/repo"
)

// ActionRequest describes one engagement to perform on the platform.
type ActionRequest struct {
	IntentID   string                `json:"intent_id"`
	BotID      string                `json:"bot_id"`
	TargetType domain.TargetType     `json:"target_type"`
	TargetID   string                `json:"target_id"`
	Type       domain.EngagementType `json:"type"`
	Text       string                `json:"text,omitempty"`
}

type ActionResult struct {
	Success  bool            `json:"success"`
	Metadata domain.Metadata `json:"metadata,omitempty"`
}

// ContentAction performs engagements against the social platform.
type ContentAction interface {
	Perform(ctx context.Context, req ActionRequest) (ActionResult, error)
}

// GenerationContext is the input for comment and quote text.
type GenerationContext struct {
	BotID      string                `json:"bot_id"`
	Persona    domain.Persona        `json:"persona"`
	Type       domain.EngagementType `json:"type"`
	TargetType domain.TargetType     `json:"target_type"`
	TargetID   string                `json:"target_id"`
}

// ContentGenerator produces short text. Implementations never fail; they
// fall back to a canned phrase.
type ContentGenerator interface {
	Generate(ctx context.Context, gc GenerationContext) string
}

// SettingsSource returns the current operator settings.
type SettingsSource interface {
	Settings(ctx context.Context) (domain.Settings, error)
}

// RepoSettings reads settings from the database, falling back to a seed
// snapshot when none has been stored.
type RepoSettings struct {
	Repo repo.Repo
	Seed domain.Settings
}

func (s RepoSettings) Settings(ctx context.Context) (domain.Settings, error) {
	st, err := s.Repo.GetSettings(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return s.Seed, nil
	}
	return st, err
}
