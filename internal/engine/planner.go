package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"pulseline/internal/domain"
	"pulseline/internal/events"
	"pulseline/internal/metrics"
	"pulseline/internal/repo"
	"pulseline/internal/schedule"
)

// oversample is how many candidates are gathered per requested engagement
// before the final random pick.
const oversample = 2

// Plan is the outcome of planning engagement on one content item.
type Plan struct {
	Content    domain.Content                     `json:"content"`
	Intensity  domain.Intensity                   `json:"intensity"`
	Multiplier float64                            `json:"multiplier"`
	Counts     schedule.Counts                    `json:"counts"`
	Targets    map[domain.EngagementType]Target   `json:"targets"`
	Selected   map[domain.EngagementType][]string `json:"selected"`
	IntentIDs  []string                           `json:"intent_ids"`
	Shortfalls []NoEligibleBotsError              `json:"shortfalls,omitempty"`
}

// PlanContent schedules engagement on c without marking it planned.
func (e Engine) PlanContent(ctx context.Context, c domain.Content, intensity domain.Intensity, multiplier float64) (Plan, error) {
	return e.planContent(ctx, c, intensity, multiplier, false)
}

func (e Engine) planContent(ctx context.Context, c domain.Content, intensity domain.Intensity, multiplier float64, markPlanned bool) (plan Plan, err error) {
	ctx, span := e.tracer().Start(ctx, "engine.PlanContent")
	span.SetAttributes(
		attribute.String("content.type", string(c.Type)),
		attribute.String("content.id", c.ID),
		attribute.String("intensity", string(intensity)),
		attribute.Float64("multiplier", multiplier),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if c.Type != domain.TargetPost && c.Type != domain.TargetProject {
		return Plan{}, domain.ValidationError{Field: "content.type", Reason: fmt.Sprintf("cannot plan %q", c.Type)}
	}
	if !intensity.Valid() {
		return Plan{}, domain.ValidationError{Field: "intensity", Reason: fmt.Sprintf("unknown intensity %q", intensity)}
	}
	now := e.now()
	rng := e.rng()

	counts := schedule.PlanCounts(rng, intensity).Scale(multiplier)
	if c.Type == domain.TargetPost {
		counts[domain.EngagementFollow] = schedule.FollowCount(counts[domain.EngagementLike])
	}
	plan = Plan{
		Content:    c,
		Intensity:  intensity,
		Multiplier: multiplier,
		Counts:     counts,
		Targets:    map[domain.EngagementType]Target{},
		Selected:   map[domain.EngagementType][]string{},
	}

	bots, err := e.Repo.ListBots(ctx, repo.BotFilter{ActiveOnly: true, WithQuota: true})
	if err != nil {
		return Plan{}, fmt.Errorf("list bots: %w", err)
	}
	available := schedule.FilterAvailable(bots, now, e.loc())

	var intents []domain.EngagementIntent
	for _, t := range domain.EngagementTypes {
		n := counts[t]
		if n <= 0 {
			continue
		}
		target := targetFor(c, t)
		plan.Targets[t] = target
		held, err := e.heldTargets(ctx, target, t)
		if err != nil {
			return Plan{}, fmt.Errorf("open intents for %s: %w", t, err)
		}
		picked := pickBots(rng, available, t, n, func(b domain.Bot) bool {
			return b.ID != c.AuthorID && !held[b.ID]
		})
		if len(picked) == 0 {
			plan.Shortfalls = append(plan.Shortfalls, NoEligibleBotsError{Type: t})
			e.log().Debug("no eligible bots", "content", c.ID, "type", t, "wanted", n)
			continue
		}
		times := schedule.GenerateTimes(rng, len(picked), intensity, c.CreatedAt, now, e.loc())
		for i, b := range picked {
			intents = append(intents, domain.EngagementIntent{
				ID:             uuid.NewString(),
				BotID:          b.ID,
				EngagementType: t,
				TargetType:     target.Type,
				TargetID:       target.ID,
				ContentID:      c.ID,
				ScheduledFor:   times[i],
				Status:         domain.StatusPending,
				Metadata:       domain.Metadata{"intensity": string(intensity), "multiplier": multiplier, "content_type": string(c.Type)},
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
	}

	err = e.withTx(ctx, func(tx *sql.Tx) error {
		for _, it := range intents {
			err := e.Repo.InsertIntent(ctx, tx, it)
			if errors.Is(err, repo.ErrDuplicateIntent) {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert intent: %w", err)
			}
			plan.Selected[it.EngagementType] = append(plan.Selected[it.EngagementType], it.BotID)
			plan.IntentIDs = append(plan.IntentIDs, it.ID)
		}
		if markPlanned {
			if err := e.Repo.MarkContentPlanned(ctx, tx, c.Type, c.ID, now); err != nil {
				return fmt.Errorf("mark planned: %w", err)
			}
		}
		return e.Events.Append(ctx, tx, events.ContentPlanned, "content", c.ID, events.SystemActor, events.EventPayload{
			"content_type": c.Type,
			"intensity":    intensity,
			"multiplier":   multiplier,
			"intents":      len(plan.IntentIDs),
		})
	})
	if err != nil {
		return Plan{}, err
	}
	for t, ids := range plan.Selected {
		metrics.IntentsPlanned.WithLabelValues(string(t)).Add(float64(len(ids)))
	}
	span.SetAttributes(attribute.Int("intents", len(plan.IntentIDs)))
	return plan, nil
}

// pickBots walks a shuffled copy of bots collecting up to oversample*n that
// pass keep and accept t under their engagement style, then returns a
// random n of them.
func pickBots(rng schedule.Rand, bots []domain.Bot, t domain.EngagementType, n int, keep func(domain.Bot) bool) []domain.Bot {
	pool := append([]domain.Bot(nil), bots...)
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	var candidates []domain.Bot
	for _, b := range pool {
		if len(candidates) >= oversample*n {
			break
		}
		if !keep(b) || !schedule.Accept(rng, b.EngagementStyle, t) {
			continue
		}
		candidates = append(candidates, b)
	}
	rng.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// ScanReport summarizes one content-scan trigger.
type ScanReport struct {
	Disabled bool     `json:"disabled,omitempty"`
	Scanned  int      `json:"scanned"`
	Planned  int      `json:"planned"`
	Failed   int      `json:"failed"`
	Intents  int      `json:"intents"`
	Errors   []string `json:"errors,omitempty"`
}

// ScanContent plans every unplanned item inside the lookback window and
// every boosted item not planned since its boost was set. A failing item is
// logged and recorded without stopping the rest.
func (e Engine) ScanContent(ctx context.Context) (ScanReport, error) {
	ctx, span := e.tracer().Start(ctx, "engine.ScanContent")
	defer span.End()

	settings, err := e.CurrentSettings(ctx)
	if err != nil {
		return ScanReport{}, fmt.Errorf("load settings: %w", err)
	}
	if !settings.Enabled {
		e.log().Info("scan skipped: engagement disabled")
		return ScanReport{Disabled: true}, nil
	}
	now := e.now()
	lookback, batch := 24*time.Hour, 100
	if e.Config != nil {
		lookback, batch = e.Config.Scan.Lookback.Duration, e.Config.Scan.Batch
	}
	candidates, err := e.Repo.ListScanCandidates(ctx, now.Add(-lookback), now, batch)
	if err != nil {
		return ScanReport{}, fmt.Errorf("list scan candidates: %w", err)
	}
	var report ScanReport
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Scanned++
		multiplier := 1.0
		if cand.Boost != nil && cand.Boost.Active(now) {
			multiplier = cand.Boost.EngagementMultiplier
		}
		plan, err := e.planContent(ctx, cand.Content, settings.Intensity, multiplier, true)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s/%s: %v", cand.Content.Type, cand.Content.ID, err))
			metrics.ContentScanned.WithLabelValues("failed").Inc()
			e.log().Error("plan content failed", "content_type", cand.Content.Type, "content", cand.Content.ID, "err", err)
			e.recordPlanFailure(ctx, cand.Content, err)
			continue
		}
		report.Planned++
		report.Intents += len(plan.IntentIDs)
		metrics.ContentScanned.WithLabelValues("planned").Inc()
		e.log().Info("content planned", "content_type", cand.Content.Type, "content", cand.Content.ID,
			"multiplier", multiplier, "intents", len(plan.IntentIDs))
	}
	span.SetAttributes(attribute.Int("scanned", report.Scanned), attribute.Int("intents", report.Intents))
	return report, nil
}

func (e Engine) recordPlanFailure(ctx context.Context, c domain.Content, cause error) {
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Events.Append(ctx, tx, events.ContentFailed, "content", c.ID, events.SystemActor, events.EventPayload{
			"content_type": c.Type, "error": cause.Error(),
		})
	})
	if err != nil {
		e.log().Warn("record plan failure", "content", c.ID, "err", err)
	}
}
