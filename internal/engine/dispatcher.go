package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"pulseline/internal/domain"
	"pulseline/internal/events"
	"pulseline/internal/metrics"
	"pulseline/internal/repo"
)

// DispatchReport summarizes one dispatch tick.
type DispatchReport struct {
	Disabled  bool `json:"disabled,omitempty"`
	Due       int  `json:"due"`
	Executed  int  `json:"executed"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Expired   int  `json:"expired"`
	Conflicts int  `json:"conflicts"`
	Errors    int  `json:"errors"`
}

type outcome int

const (
	outcomeExecuted outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeConflict
	outcomeError
)

func (r *DispatchReport) add(o outcome) {
	switch o {
	case outcomeExecuted:
		r.Executed++
	case outcomeFailed:
		r.Failed++
	case outcomeSkipped:
		r.Skipped++
	case outcomeConflict:
		r.Conflicts++
	case outcomeError:
		r.Errors++
	}
}

// DispatchDue executes intents whose time has come. Each intent is claimed,
// performed and finished on its own, so one failure never affects the
// others. Cancelling ctx stops the tick between intents.
func (e Engine) DispatchDue(ctx context.Context) (DispatchReport, error) {
	ctx, span := e.tracer().Start(ctx, "engine.DispatchDue")
	defer span.End()

	if e.Actions == nil {
		return DispatchReport{}, errors.New("content action not configured")
	}
	settings, err := e.CurrentSettings(ctx)
	if err != nil {
		return DispatchReport{}, fmt.Errorf("load settings: %w", err)
	}
	if !settings.Enabled {
		e.log().Info("dispatch skipped: engagement disabled")
		return DispatchReport{Disabled: true}, nil
	}

	var report DispatchReport
	expired, err := e.ExpireClaims(ctx)
	if err != nil {
		return report, err
	}
	report.Expired = expired

	batch, workers := 50, 4
	if e.Config != nil {
		batch, workers = e.Config.Dispatch.BatchSize, e.Config.Dispatch.Workers
	}
	due, err := e.Repo.ListDueIntents(ctx, e.now(), batch)
	if err != nil {
		return report, fmt.Errorf("list due intents: %w", err)
	}
	report.Due = len(due)

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(workers)
	for _, it := range due {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o := e.dispatchOne(ctx, it)
			mu.Lock()
			report.add(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	span.SetAttributes(
		attribute.Int("due", report.Due),
		attribute.Int("executed", report.Executed),
		attribute.Int("failed", report.Failed),
		attribute.Int("skipped", report.Skipped),
	)
	e.log().Info("dispatch tick", "due", report.Due, "executed", report.Executed, "failed", report.Failed,
		"skipped", report.Skipped, "expired", report.Expired, "conflicts", report.Conflicts, "errors", report.Errors)
	return report, ctx.Err()
}

// ExpireClaims fails intents whose claim is older than the claim TTL.
func (e Engine) ExpireClaims(ctx context.Context) (int, error) {
	ttl := 5 * time.Minute
	if e.Config != nil {
		ttl = e.Config.Dispatch.ClaimTTL.Duration
	}
	now := e.now()
	var ids []string
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ids, err = e.Repo.ExpireClaims(ctx, tx, now.Add(-ttl), now)
		if err != nil {
			return fmt.Errorf("expire claims: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		return e.Events.Append(ctx, tx, events.ClaimsExpired, "intent", "", events.SystemActor, events.EventPayload{"intents": ids})
	})
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		metrics.ClaimsExpired.Add(float64(len(ids)))
		e.log().Warn("expired stale claims", "count", len(ids))
	}
	return len(ids), nil
}

func (e Engine) dispatchOne(ctx context.Context, it domain.EngagementIntent) outcome {
	ctx, span := e.tracer().Start(ctx, "engine.DispatchIntent")
	defer span.End()
	span.SetAttributes(
		attribute.String("intent.id", it.ID),
		attribute.String("intent.type", string(it.EngagementType)),
		attribute.String("bot.id", it.BotID),
	)
	log := e.log().With("intent", it.ID, "bot", it.BotID, "type", it.EngagementType)

	token := uuid.NewString()
	bot, skipped, err := e.claim(ctx, it, token)
	if errors.Is(err, repo.ErrConflict) {
		log.Debug("intent taken by another worker")
		return outcomeConflict
	}
	if err != nil {
		log.Error("claim intent", "err", err)
		span.RecordError(err)
		return outcomeError
	}
	if skipped {
		return outcomeSkipped
	}

	var text string
	if it.EngagementType.NeedsText() && e.Generator != nil {
		text = e.Generator.Generate(ctx, GenerationContext{
			BotID:      bot.ID,
			Persona:    bot.Persona,
			Type:       it.EngagementType,
			TargetType: it.TargetType,
			TargetID:   it.TargetID,
		})
	}

	// the outcome is recorded even when the tick is being cancelled
	fctx := context.WithoutCancel(ctx)
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			actErr := ActionExecutionError{Reason: ReasonCanceled, Err: err}
			if err := e.finish(fctx, it, token, domain.StatusFailed, failureMetadata(actErr, text)); err != nil {
				log.Error("finish canceled intent", "err", err)
				return finishOutcome(err)
			}
			return outcomeFailed
		}
	}
	// the action runs only under a claim that is still ours and freshly renewed
	if err := e.renewClaim(ctx, it.ID, token); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			log.Warn("claim lost before action")
			return outcomeConflict
		}
		log.Error("renew claim", "err", err)
		span.RecordError(err)
		return outcomeError
	}

	res, actErr := e.perform(ctx, it, text)
	if actErr != nil {
		span.RecordError(actErr)
		log.Warn("engagement failed", "err", actErr)
		if err := e.finish(fctx, it, token, domain.StatusFailed, failureMetadata(actErr, text)); err != nil {
			log.Error("finish failed intent", "err", err)
			return finishOutcome(err)
		}
		return outcomeFailed
	}
	meta := maps.Clone(res.Metadata)
	if meta == nil {
		meta = domain.Metadata{}
	}
	if text != "" {
		meta["text"] = text
	}
	if err := e.finish(fctx, it, token, domain.StatusExecuted, meta); err != nil {
		log.Error("finish executed intent", "err", err)
		return finishOutcome(err)
	}
	log.Info("engagement executed")
	return outcomeExecuted
}

func finishOutcome(err error) outcome {
	if errors.Is(err, repo.ErrConflict) {
		return outcomeConflict
	}
	return outcomeError
}

func (e Engine) renewClaim(ctx context.Context, id, token string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.RenewClaim(ctx, tx, id, token, e.now())
	})
}

// perform calls the platform under the action timeout. A success reported
// by the adapter wins over a deadline that expired on the way back.
func (e Engine) perform(ctx context.Context, it domain.EngagementIntent, text string) (ActionResult, error) {
	timeout := 30 * time.Second
	if e.Config != nil {
		timeout = e.Config.Dispatch.ActionTimeout.Duration
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := e.Actions.Perform(actx, ActionRequest{
		IntentID:   it.ID,
		BotID:      it.BotID,
		TargetType: it.TargetType,
		TargetID:   it.TargetID,
		Type:       it.EngagementType,
		Text:       text,
	})
	metrics.ActionDuration.WithLabelValues(string(it.EngagementType)).Observe(time.Since(start).Seconds())
	switch {
	case err == nil && res.Success:
		return res, nil
	case errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return ActionResult{}, ActionExecutionError{Reason: ReasonTimeout, Err: context.DeadlineExceeded}
	case ctx.Err() != nil:
		return ActionResult{}, ActionExecutionError{Reason: ReasonCanceled, Err: ctx.Err()}
	case err != nil:
		return ActionResult{}, ActionExecutionError{Reason: ReasonActionError, Err: err}
	}
	return ActionResult{}, ActionExecutionError{Reason: ReasonRejected}
}

func failureMetadata(err error, text string) domain.Metadata {
	meta := domain.Metadata{"failure_reason": ReasonActionError, "error": err.Error()}
	var ae ActionExecutionError
	if errors.As(err, &ae) {
		meta["failure_reason"] = ae.Reason
	}
	if text != "" {
		meta["text"] = text
	}
	return meta
}

// claim re-checks the intent's preconditions and takes ownership of it in
// one transaction. Violations move the intent to skipped instead.
func (e Engine) claim(ctx context.Context, it domain.EngagementIntent, token string) (bot domain.Bot, skipped bool, err error) {
	now := e.now()
	var reason string
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetIntent(ctx, tx, it.ID)
		if err != nil {
			return err
		}
		if !cur.Status.Due() || cur.ClaimToken != "" {
			return repo.ErrConflict
		}
		reason, err = e.checkPreconditions(ctx, tx, cur, &bot)
		if err != nil {
			return err
		}
		if reason == "" {
			return e.Repo.ClaimIntent(ctx, tx, cur.ID, token, now)
		}
		if err := ensureIntentTransition(cur.Status, domain.StatusSkipped); err != nil {
			return err
		}
		if err := e.Repo.SkipIntent(ctx, tx, cur.ID, reason, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.IntentSkipped, "intent", cur.ID, events.SystemActor, events.EventPayload{
			"bot_id": cur.BotID, "type": cur.EngagementType, "skip_reason": reason,
		})
	})
	if err != nil {
		return domain.Bot{}, false, err
	}
	if reason != "" {
		metrics.DispatchOutcomes.WithLabelValues(string(domain.StatusSkipped), string(it.EngagementType)).Inc()
		e.log().Info("intent skipped", "intent", it.ID, "bot", it.BotID, "reason", reason)
		return bot, true, nil
	}
	return bot, false, nil
}

// checkPreconditions returns a skip reason, or "" when the intent may run.
func (e Engine) checkPreconditions(ctx context.Context, tx *sql.Tx, it domain.EngagementIntent, bot *domain.Bot) (string, error) {
	b, err := e.Repo.GetBot(ctx, tx, it.BotID)
	if errors.Is(err, repo.ErrNotFound) {
		return ReasonBotMissing, nil
	}
	if err != nil {
		return "", err
	}
	*bot = b
	if !b.IsActive {
		return ReasonBotInactive, nil
	}
	inflight, err := e.Repo.CountInflightClaims(ctx, tx, b.ID, it.ID)
	if err != nil {
		return "", err
	}
	if b.RemainingQuota()-inflight <= 0 {
		e.log().Debug("quota exhausted", "err", QuotaExceededError{BotID: b.ID}, "inflight", inflight)
		return ReasonQuotaExceeded, nil
	}
	dup, err := e.Repo.HasOpenIntent(ctx, tx, b.ID, it.TargetType, it.TargetID, it.EngagementType, it.ID)
	if err != nil {
		return "", err
	}
	if dup {
		return ReasonDuplicate, nil
	}
	return "", nil
}

// finish records the terminal outcome of a claimed intent. A success also
// counts against the bot's quota in the same transaction.
func (e Engine) finish(ctx context.Context, it domain.EngagementIntent, token string, status domain.IntentStatus, extra domain.Metadata) error {
	if err := ensureIntentTransition(it.Status, status); err != nil {
		return err
	}
	now := e.now()
	meta := maps.Clone(it.Metadata)
	if meta == nil {
		meta = domain.Metadata{}
	}
	maps.Copy(meta, extra)
	var executedAt *time.Time
	evt := events.IntentFailed
	if status == domain.StatusExecuted {
		executedAt = &now
		evt = events.IntentExecuted
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.FinishIntent(ctx, tx, it.ID, token, status, executedAt, meta, now); err != nil {
			return err
		}
		if status == domain.StatusExecuted {
			if _, err := e.RecordEngagement(ctx, tx, it.BotID, now); err != nil {
				return fmt.Errorf("record engagement: %w", err)
			}
		}
		payload := events.EventPayload{"bot_id": it.BotID, "type": it.EngagementType, "target_id": it.TargetID}
		if reason, ok := meta["failure_reason"]; ok && status == domain.StatusFailed {
			payload["failure_reason"] = reason
		}
		return e.Events.Append(ctx, tx, evt, "intent", it.ID, it.BotID, payload)
	})
	if err != nil {
		return err
	}
	metrics.DispatchOutcomes.WithLabelValues(string(status), string(it.EngagementType)).Inc()
	return nil
}
