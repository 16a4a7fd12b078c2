package engine

import (
	"context"

	"pulseline/internal/domain"
)

// Target is what an engagement acts on.
type Target struct {
	Type domain.TargetType `json:"type"`
	ID   string            `json:"id"`
}

// targetFor resolves the engagement target for content. Follows act on the
// content author; everything else acts on the content itself.
func targetFor(c domain.Content, t domain.EngagementType) Target {
	if t == domain.EngagementFollow {
		return Target{Type: domain.TargetUser, ID: c.AuthorID}
	}
	return Target{Type: c.Type, ID: c.ID}
}

// HasOpenIntent reports whether the bot already has a pending, scheduled or
// executed intent of this type on the target.
func (e Engine) HasOpenIntent(ctx context.Context, botID string, target Target, t domain.EngagementType) (bool, error) {
	return e.Repo.HasOpenIntent(ctx, nil, botID, target.Type, target.ID, t, "")
}

// heldTargets lists bots that may not receive another intent for target and t.
func (e Engine) heldTargets(ctx context.Context, target Target, t domain.EngagementType) (map[string]bool, error) {
	return e.Repo.OpenIntentBots(ctx, target.Type, target.ID, t)
}
