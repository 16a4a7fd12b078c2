package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pulseline/internal/domain"
	"pulseline/internal/events"
	"pulseline/internal/metrics"
	"pulseline/internal/repo"
)

const maxCounterAttempts = 3

// RecordEngagement counts one executed engagement against the bot. The
// daily counter never passes the bot's limit.
func (e Engine) RecordEngagement(ctx context.Context, tx *sql.Tx, botID string, at time.Time) (domain.Bot, error) {
	for attempt := 0; attempt < maxCounterAttempts; attempt++ {
		b, err := e.Repo.GetBot(ctx, tx, botID)
		if err != nil {
			return domain.Bot{}, err
		}
		today := min(b.EngagementsToday+1, b.DailyEngagementLimit)
		total := b.TotalEngagements + 1
		err = e.Repo.CompareAndSetCounters(ctx, tx, botID, b.EngagementsToday, b.TotalEngagements, today, total, at)
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.Bot{}, err
		}
		b.EngagementsToday, b.TotalEngagements = today, total
		t := at.UTC()
		b.LastEngagedAt = &t
		b.UpdatedAt = t
		return b, nil
	}
	return domain.Bot{}, fmt.Errorf("record engagement for bot %s: %w", botID, repo.ErrConflict)
}

// ResetDaily zeroes every bot's daily counter. A second run in the same
// window changes nothing.
func (e Engine) ResetDaily(ctx context.Context, actorID string) (int64, error) {
	var n int64
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = e.Repo.ResetDailyCounters(ctx, tx, e.now())
		if err != nil {
			return fmt.Errorf("reset daily counters: %w", err)
		}
		return e.Events.Append(ctx, tx, events.QuotaReset, "bot", "", actorID, events.EventPayload{"bots": n})
	})
	if err != nil {
		return 0, err
	}
	metrics.QuotaResets.Inc()
	e.log().Info("daily quota reset", "bots", n)
	return n, nil
}
