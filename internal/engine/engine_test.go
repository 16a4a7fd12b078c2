package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/events"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
	"pulseline/internal/schedule"
)

var epoch = time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

type fakeAction struct {
	mu    sync.Mutex
	calls []engine.ActionRequest
	fail  map[string]bool
	block bool
}

func (f *fakeAction) Perform(ctx context.Context, req engine.ActionRequest) (engine.ActionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fail := f.fail[req.TargetID]
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return engine.ActionResult{}, ctx.Err()
	}
	if fail {
		return engine.ActionResult{}, errors.New("platform unavailable")
	}
	return engine.ActionResult{Success: true, Metadata: domain.Metadata{"platform_ref": "ref-" + req.TargetID}}, nil
}

func (f *fakeAction) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type cannedText string

// gatedText blocks generation until gate is closed, signalling started first.
type gatedText struct {
	started chan struct{}
	gate    chan struct{}
}

func (g gatedText) Generate(context.Context, engine.GenerationContext) string {
	g.started <- struct{}{}
	<-g.gate
	return "late reply"
}

// lateSuccess reports success only after the action deadline has passed.
type lateSuccess struct{}

func (lateSuccess) Perform(ctx context.Context, req engine.ActionRequest) (engine.ActionResult, error) {
	<-ctx.Done()
	return engine.ActionResult{Success: true}, nil
}

func (c cannedText) Generate(context.Context, engine.GenerationContext) string { return string(c) }

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Action *fakeAction
	now    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Seed = 42
	eng, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), Action: &fakeAction{fail: map[string]bool{}}}
	now := epoch
	env.now = &now
	eng.Now = func() time.Time { return *env.now }
	eng.Rand = schedule.NewSource(42)
	eng.Actions = env.Action
	eng.Generator = cannedText("great work")
	eng.Limiter = nil
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func allHours() []int {
	h := make([]int, 24)
	for i := range h {
		h[i] = i
	}
	return h
}

func (env *testEnv) addBot(t *testing.T, handle string, limit int) domain.Bot {
	t.Helper()
	style := domain.EngagementStyle{}
	for _, typ := range domain.EngagementTypes {
		style[typ] = 1
	}
	b, err := env.Engine.CreateBot(env.Ctx, engine.BotCreateOptions{
		ID:              handle,
		Handle:          handle,
		Persona:         domain.PersonaEnthusiast,
		PreferredHours:  allHours(),
		ActiveDays:      []int{0, 1, 2, 3, 4, 5, 6},
		EngagementStyle: style,
		DailyLimit:      limit,
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("create bot %s: %v", handle, err)
	}
	return b
}

func (env *testEnv) addIntent(t *testing.T, botID, targetID string, typ domain.EngagementType) domain.EngagementIntent {
	t.Helper()
	it := domain.EngagementIntent{
		ID:             "intent-" + botID + "-" + targetID + "-" + string(typ),
		BotID:          botID,
		EngagementType: typ,
		TargetType:     domain.TargetPost,
		TargetID:       targetID,
		ContentID:      targetID,
		ScheduledFor:   *env.now,
		Status:         domain.StatusPending,
		CreatedAt:      *env.now,
		UpdatedAt:      *env.now,
	}
	if err := env.Engine.Repo.InsertIntent(env.Ctx, nil, it); err != nil {
		t.Fatalf("insert intent: %v", err)
	}
	return it
}

func (env *testEnv) intent(t *testing.T, id string) domain.EngagementIntent {
	t.Helper()
	it, err := env.Engine.Repo.GetIntent(env.Ctx, nil, id)
	if err != nil {
		t.Fatalf("get intent %s: %v", id, err)
	}
	return it
}

func (env *testEnv) bot(t *testing.T, id string) domain.Bot {
	t.Helper()
	b, err := env.Engine.Repo.GetBot(env.Ctx, nil, id)
	if err != nil {
		t.Fatalf("get bot %s: %v", id, err)
	}
	return b
}

func TestCreateBotUsesPersonaDefaults(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.CreateBot(env.Ctx, engine.BotCreateOptions{Handle: "quiet-owl", Persona: domain.PersonaLurker})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	prof := domain.PersonaLurker.Profile()
	if b.DailyEngagementLimit != prof.DailyLimit() || b.ActivityLevel != prof.ActivityLevel() {
		t.Fatalf("defaults not applied: %+v", b)
	}
	stored := env.bot(t, b.ID)
	if len(stored.ActiveDays) != len(prof.ActiveDays()) || !stored.IsActive {
		t.Fatalf("unexpected stored bot %+v", stored)
	}
	_, err = env.Engine.CreateBot(env.Ctx, engine.BotCreateOptions{Handle: "bad", Persona: domain.PersonaCasual, PreferredHours: []int{24}})
	var verr domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "preferred_hours" {
		t.Fatalf("expected preferred_hours validation error, got %v", err)
	}
	if _, err := env.Engine.CreateBot(env.Ctx, engine.BotCreateOptions{Handle: "quiet-owl", Persona: domain.PersonaLurker}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected handle conflict, got %v", err)
	}
}

func TestRecordEngagementNeverPassesLimit(t *testing.T) {
	env := newTestEnv(t)
	env.addBot(t, "b1", 2)
	for i := 0; i < 3; i++ {
		tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.RecordEngagement(env.Ctx, tx, "b1", *env.now); err != nil {
			t.Fatalf("record: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	b := env.bot(t, "b1")
	if b.EngagementsToday != 2 || b.TotalEngagements != 3 {
		t.Fatalf("expected today=2 total=3, got %d/%d", b.EngagementsToday, b.TotalEngagements)
	}
	if b.LastEngagedAt == nil || !b.LastEngagedAt.Equal(epoch) {
		t.Fatalf("unexpected last_engaged_at %v", b.LastEngagedAt)
	}
}

func TestResetDailyIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addBot(t, "b1", 5)
	env.addBot(t, "b2", 5)
	if _, err := env.Engine.RecordEngagement(env.Ctx, nil, "b1", *env.now); err != nil {
		t.Fatal(err)
	}
	n, err := env.Engine.ResetDaily(env.Ctx, "tester")
	if err != nil || n != 1 {
		t.Fatalf("first reset: n=%d err=%v", n, err)
	}
	n, err = env.Engine.ResetDaily(env.Ctx, "tester")
	if err != nil || n != 0 {
		t.Fatalf("second reset: n=%d err=%v", n, err)
	}
	b := env.bot(t, "b1")
	if b.EngagementsToday != 0 || b.TotalEngagements != 1 {
		t.Fatalf("reset touched totals: %+v", b)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, "quota.reset", "", "")
	if err != nil || len(evts) != 2 {
		t.Fatalf("expected 2 quota.reset events, got %d (%v)", len(evts), err)
	}
}

func TestUpdateBotClampsToday(t *testing.T) {
	env := newTestEnv(t)
	env.addBot(t, "b1", 5)
	for i := 0; i < 4; i++ {
		if _, err := env.Engine.RecordEngagement(env.Ctx, nil, "b1", *env.now); err != nil {
			t.Fatal(err)
		}
	}
	limit := 2
	inactive := false
	b, err := env.Engine.UpdateBot(env.Ctx, engine.BotUpdateOptions{ID: "b1", DailyLimit: &limit, Active: &inactive})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	stored := env.bot(t, "b1")
	if stored.EngagementsToday != 2 || stored.DailyEngagementLimit != 2 || stored.IsActive || b.IsActive {
		t.Fatalf("unexpected bot after update %+v", stored)
	}
	if _, err := env.Engine.UpdateBot(env.Ctx, engine.BotUpdateOptions{ID: "missing", DailyLimit: &limit}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func (env *testEnv) addContent(t *testing.T, id, author string) domain.Content {
	t.Helper()
	c, err := env.Engine.AddContent(env.Ctx, domain.Content{ID: id, Type: domain.TargetPost, AuthorID: author, CreatedAt: env.now.Add(-10 * time.Minute)})
	if err != nil {
		t.Fatalf("add content: %v", err)
	}
	return c
}

func TestPlanContentSelectsDistinctEligibleBots(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 30; i++ {
		env.addBot(t, fmt.Sprintf("bot-%02d", i), 50)
	}
	c := env.addContent(t, "post-1", "bot-00")
	plan, err := env.Engine.PlanContent(env.Ctx, c, domain.IntensityMedium, 1)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.IntentIDs) == 0 {
		t.Fatalf("expected intents")
	}
	intents, err := env.Engine.Repo.ListIntents(env.Ctx, repo.IntentFilter{ContentID: "post-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(intents) != len(plan.IntentIDs) {
		t.Fatalf("stored %d intents, plan reports %d", len(intents), len(plan.IntentIDs))
	}
	seen := map[string]bool{}
	for _, it := range intents {
		if it.BotID == "bot-00" {
			t.Fatalf("author selected as actor: %+v", it)
		}
		if it.Status != domain.StatusPending {
			t.Fatalf("expected pending, got %s", it.Status)
		}
		if it.ScheduledFor.Before(epoch) {
			t.Fatalf("scheduled in the past: %s", it.ScheduledFor)
		}
		if it.EngagementType == domain.EngagementFollow {
			if it.TargetType != domain.TargetUser || it.TargetID != "bot-00" {
				t.Fatalf("follow must target the author, got %s/%s", it.TargetType, it.TargetID)
			}
		} else if it.TargetType != domain.TargetPost || it.TargetID != "post-1" {
			t.Fatalf("unexpected target %s/%s", it.TargetType, it.TargetID)
		}
		key := it.BotID + "|" + string(it.TargetType) + "|" + it.TargetID + "|" + string(it.EngagementType)
		if seen[key] {
			t.Fatalf("duplicate intent for %s", key)
		}
		seen[key] = true
	}
	for typ, ids := range plan.Selected {
		if len(ids) > plan.Counts[typ] {
			t.Fatalf("%s: selected %d > count %d", typ, len(ids), plan.Counts[typ])
		}
	}
	if plan.Counts[domain.EngagementLike] > 0 && plan.Counts[domain.EngagementFollow] < 1 {
		t.Fatalf("posts with likes should plan a follow, counts %+v", plan.Counts)
	}
}

func TestPlanContentMultiplierZero(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.addBot(t, fmt.Sprintf("bot-%d", i), 50)
	}
	c := env.addContent(t, "post-1", "author")
	plan, err := env.Engine.PlanContent(env.Ctx, c, domain.IntensityHigh, 0)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Counts.Total() != 0 || len(plan.IntentIDs) != 0 {
		t.Fatalf("multiplier 0 must plan nothing, got counts %+v intents %d", plan.Counts, len(plan.IntentIDs))
	}
}

func TestPlanContentTwiceNeverDuplicates(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 4; i++ {
		env.addBot(t, fmt.Sprintf("bot-%d", i), 50)
	}
	c := env.addContent(t, "post-1", "author")
	first, err := env.Engine.PlanContent(env.Ctx, c, domain.IntensityHigh, 1)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.PlanContent(env.Ctx, c, domain.IntensityHigh, 1)
	if err != nil {
		t.Fatal(err)
	}
	// four bots cap every type at four intents across both runs
	intents, err := env.Engine.Repo.ListIntents(env.Ctx, repo.IntentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(intents) != len(first.IntentIDs)+len(second.IntentIDs) {
		t.Fatalf("stored %d, planned %d+%d", len(intents), len(first.IntentIDs), len(second.IntentIDs))
	}
	perType := map[domain.EngagementType]map[string]bool{}
	for _, it := range intents {
		if perType[it.EngagementType] == nil {
			perType[it.EngagementType] = map[string]bool{}
		}
		if perType[it.EngagementType][it.BotID] {
			t.Fatalf("bot %s has two %s intents on the same target", it.BotID, it.EngagementType)
		}
		perType[it.EngagementType][it.BotID] = true
	}
	if len(second.Shortfalls) == 0 {
		t.Fatalf("expected shortfalls once every bot holds a like")
	}
}

func TestInsertIntentRejectsOpenDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.addBot(t, "b1", 10)
	it := env.addIntent(t, "b1", "post-1", domain.EngagementLike)
	dup := it
	dup.ID = "other"
	if err := env.Engine.Repo.InsertIntent(env.Ctx, nil, dup); !errors.Is(err, repo.ErrDuplicateIntent) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	open, err := env.Engine.HasOpenIntent(env.Ctx, "b1", engine.Target{Type: domain.TargetPost, ID: "post-1"}, domain.EngagementLike)
	if err != nil || !open {
		t.Fatalf("expected open intent, got %v %v", open, err)
	}
}

func TestScanContentPlansOnceAndReplansBoosts(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		env.addBot(t, fmt.Sprintf("bot-%d", i), 50)
	}
	env.addContent(t, "post-1", "author")
	if _, err := env.Engine.AddContent(env.Ctx, domain.Content{ID: "old", Type: domain.TargetPost, AuthorID: "author", CreatedAt: epoch.Add(-48 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	report, err := env.Engine.ScanContent(env.Ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Scanned != 1 || report.Planned != 1 || report.Intents == 0 {
		t.Fatalf("unexpected first scan %+v", report)
	}
	report, err = env.Engine.ScanContent(env.Ctx)
	if err != nil || report.Scanned != 0 {
		t.Fatalf("second scan should be empty: %+v %v", report, err)
	}
	env.advance(time.Minute)
	if _, err := env.Engine.SetBoost(env.Ctx, domain.CuratedContentBoost{ContentType: domain.TargetPost, ContentID: "old", Priority: 5, EngagementMultiplier: 2}, "tester"); err != nil {
		t.Fatalf("boost: %v", err)
	}
	report, err = env.Engine.ScanContent(env.Ctx)
	if err != nil || report.Scanned != 1 || report.Planned != 1 {
		t.Fatalf("boosted content should be planned: %+v %v", report, err)
	}
	c, err := env.Engine.Repo.GetContent(env.Ctx, nil, domain.TargetPost, "old")
	if err != nil || c.PlannedAt == nil {
		t.Fatalf("boosted content not marked planned: %+v %v", c, err)
	}
}

func TestDisabledSettingsAreNoop(t *testing.T) {
	env := newTestEnv(t)
	env.addBot(t, "b1", 10)
	env.addContent(t, "post-1", "author")
	env.addIntent(t, "b1", "post-2", domain.EngagementLike)
	s := domain.Settings{Enabled: false, Intensity: domain.IntensityMedium}
	if _, err := env.Engine.UpdateSettings(env.Ctx, s, "tester"); err != nil {
		t.Fatal(err)
	}
	scan, err := env.Engine.ScanContent(env.Ctx)
	if err != nil || !scan.Disabled {
		t.Fatalf("scan should be disabled: %+v %v", scan, err)
	}
	dispatch, err := env.Engine.DispatchDue(env.Ctx)
	if err != nil || !dispatch.Disabled {
		t.Fatalf("dispatch should be disabled: %+v %v", dispatch, err)
	}
	if env.Action.count() != 0 {
		t.Fatalf("no action expected while disabled")
	}
}

func TestDispatchIsolatesFailures(t *testing.T) {
	env := newTestEnv(t)
	env.addBot(t, "b1", 10)
	ok1 := env.addIntent(t, "b1", "post-1", domain.EngagementLike)
	bad := env.addIntent(t, "b1", "post-2", domain.EngagementLike)
	ok2 := env.addIntent(t, "b1", "post-3", domain.EngagementComment)
	env.Action.fail["post-2"] = true

	report, err := env.Engine.DispatchDue(env.Ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Executed != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, id := range []string{ok1.ID, ok2.ID} {
		it := env.intent(t, id)
		if it.Status != domain.StatusExecuted || it.ExecutedAt == nil {
			t.Fatalf("intent %s not executed: %+v", id, it)
		}
	}
	failed := env.intent(t, bad.ID)
	if failed.Status != domain.StatusFailed || failed.Metadata["failure_reason"] != engine.ReasonActionError {
		t.Fatalf("unexpected failed intent %+v", failed)
	}
	comment := env.intent(t, ok2.ID)
	if comment.Metadata["text"] != "great work" || comment.Metadata["platform_ref"] != "ref-post-3" {
		t.Fatalf("comment metadata not merged: %+v", comment.Metadata)
	}
	b := env.bot(t, "b1")
	if b.EngagementsToday != 2 || b.TotalEngagements != 2 {
		t.Fatalf("only successes count: %+v", b)
	}

	again, err := env.Engine.DispatchDue(env.Ctx)
	if err != nil || again.Due != 0 {
		t.Fatalf("second tick should find nothing: %+v %v", again, err)
	}
	if env.Action.count() != 3 {
		t.Fatalf("expected 3 action calls, got %d", env.Action.count())
	}
}

func TestDispatchTimeoutFails(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Dispatch.ActionTimeout = config.Duration{Duration: 20 * time.Millisecond}
	env.Action.block = true
	env.addBot(t, "b1", 10)
	it := env.addIntent(t, "b1", "post-1", domain.EngagementLike)
	report, err := env.Engine.DispatchDue(env.Ctx)
	if err != nil || report.Failed != 1 {
		t.Fatalf("expected one failure: %+v %v", report, err)
	}
	got := env.intent(t, it.ID)
	if got.Status != domain.StatusFailed || got.Metadata["failure_reason"] != engine.ReasonTimeout {
		t.Fatalf("expected timeout failure, got %+v", got)
	}
	if b := env.bot(t, "b1"); b.EngagementsToday != 0 || b.TotalEngagements != 0 {
		t.Fatalf("failed intent touched counters: %+v", b)
	}
}

func TestDispatchRespectsQuotaUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)
	env.addBot(t, "b1", 2)
	for i := 0; i < 5; i++ {
		env.addIntent(t, "b1", fmt.Sprintf("post-%d", i), domain.EngagementLike)
	}
	report, err := env.Engine.DispatchDue(env.Ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Executed != 2 || report.Skipped != 3 {
		t.Fatalf("expected 2 executed and 3 skipped, got %+v", report)
	}
	b := env.bot(t, "b1")
	if b.EngagementsToday != 2 {
		t.Fatalf("quota exceeded: %+v", b)
	}
	skipped, err := env.Engine.Repo.ListIntents(env.Ctx, repo.IntentFilter{Status: domain.StatusSkipped})
	if err != nil || len(skipped) != 3 {
		t.Fatalf("expected 3 skipped intents: %d %v", len(skipped), err)
	}
	for _, it := range skipped {
		if it.Metadata["skip_reason"] != engine.ReasonQuotaExceeded {
			t.Fatalf("unexpected skip reason %+v", it.Metadata)
		}
	}
}

func TestDispatchSkipsInactiveBot(t *testing.T) {
	env := newTestEnv(t)
	env.addBot(t, "b1", 10)
	it := env.addIntent(t, "b1", "post-1", domain.EngagementLike)
	off := false
	if _, err := env.Engine.UpdateBot(env.Ctx, engine.BotUpdateOptions{ID: "b1", Active: &off}); err != nil {
		t.Fatal(err)
	}
	report, err := env.Engine.DispatchDue(env.Ctx)
	if err != nil || report.Skipped != 1 {
		t.Fatalf("expected skip: %+v %v", report, err)
	}
	got := env.intent(t, it.ID)
	if got.Status != domain.StatusSkipped || got.Metadata["skip_reason"] != engine.ReasonBotInactive {
		t.Fatalf("unexpected intent %+v", got)
	}
	if env.Action.count() != 0 {
		t.Fatalf("skipped intent must not call the platform")
	}
}

func TestDispatchIgnoresFutureIntents(t *testing.T) {
	env := newTestEnv(t)
	env.addBot(t, "b1", 10)
	it := env.addIntent(t, "b1", "post-1", domain.EngagementLike)
	*env.now = epoch.Add(-time.Minute)
	report, err := env.Engine.DispatchDue(env.Ctx)
	if err != nil || report.Due != 0 {
		t.Fatalf("intent not yet due: %+v %v", report, err)
	}
	if got := env.intent(t, it.ID); got.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
}

func TestExpiredClaimsFail(t *testing.T) {
	env := newTestEnv(t)
	env.addBot(t, "b1", 10)
	it := env.addIntent(t, "b1", "post-1", domain.EngagementLike)
	if err := env.Engine.Repo.ClaimIntent(env.Ctx, nil, it.ID, "stale", epoch); err != nil {
		t.Fatalf("claim: %v", err)
	}
	env.advance(10 * time.Minute)
	report, err := env.Engine.DispatchDue(env.Ctx)
	if err != nil || report.Expired != 1 || report.Due != 0 {
		t.Fatalf("expected one expired claim: %+v %v", report, err)
	}
	got := env.intent(t, it.ID)
	if got.Status != domain.StatusFailed || got.Metadata["failure_reason"] != engine.ReasonClaimExpired {
		t.Fatalf("unexpected intent %+v", got)
	}
	if env.Action.count() != 0 {
		t.Fatalf("expired claim must not be executed")
	}
}

func TestFinishRequiresClaimToken(t *testing.T) {
	env := newTestEnv(t)
	env.addBot(t, "b1", 10)
	it := env.addIntent(t, "b1", "post-1", domain.EngagementLike)
	if err := env.Engine.Repo.ClaimIntent(env.Ctx, nil, it.ID, "tok-a", epoch); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.ClaimIntent(env.Ctx, nil, it.ID, "tok-b", epoch); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("second claim should conflict, got %v", err)
	}
	err := env.Engine.Repo.FinishIntent(env.Ctx, nil, it.ID, "tok-b", domain.StatusExecuted, &epoch, nil, epoch)
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("finish with wrong token should conflict, got %v", err)
	}
	if err := env.Engine.Repo.FinishIntent(env.Ctx, nil, it.ID, "tok-a", domain.StatusExecuted, &epoch, nil, epoch); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := env.Engine.Repo.FinishIntent(env.Ctx, nil, it.ID, "tok-a", domain.StatusFailed, nil, nil, epoch); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("terminal intent must not change, got %v", err)
	}
}

func TestScanContentIsolatesPlanFailures(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		env.addBot(t, fmt.Sprintf("bot-%d", i), 50)
	}
	env.addContent(t, "good", "author")
	env.addContent(t, "bad", "author")
	_, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER reject_bad BEFORE INSERT ON engagement_intents
WHEN NEW.content_id='bad' BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	report, err := env.Engine.ScanContent(env.Ctx)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if report.Scanned != 2 || report.Planned != 1 || report.Failed != 1 || len(report.Errors) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	good, err := env.Engine.Repo.GetContent(env.Ctx, nil, domain.TargetPost, "good")
	if err != nil || good.PlannedAt == nil {
		t.Fatalf("good content not planned: %+v %v", good, err)
	}
	bad, err := env.Engine.Repo.GetContent(env.Ctx, nil, domain.TargetPost, "bad")
	if err != nil || bad.PlannedAt != nil {
		t.Fatalf("failed content must stay unplanned: %+v %v", bad, err)
	}
	intents, err := env.Engine.Repo.ListIntents(env.Ctx, repo.IntentFilter{ContentID: "bad"})
	if err != nil || len(intents) != 0 {
		t.Fatalf("failed plan left intents behind: %d %v", len(intents), err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, events.ContentFailed, "content", "bad")
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one plan failure event: %d %v", len(evts), err)
	}
}

func TestDispatchDoesNotActOnExpiredClaim(t *testing.T) {
	env := newTestEnv(t)
	gen := gatedText{started: make(chan struct{}, 1), gate: make(chan struct{})}
	env.Engine.Generator = gen
	env.addBot(t, "b1", 10)
	it := env.addIntent(t, "b1", "post-1", domain.EngagementComment)

	type result struct {
		report engine.DispatchReport
		err    error
	}
	first := make(chan result, 1)
	go func() {
		rep, err := env.Engine.DispatchDue(env.Ctx)
		first <- result{rep, err}
	}()
	<-gen.started

	env.advance(env.Engine.Config.Dispatch.ClaimTTL.Duration + time.Minute)
	second, err := env.Engine.DispatchDue(env.Ctx)
	if err != nil || second.Expired != 1 || second.Due != 0 {
		t.Fatalf("second tick should expire the stale claim: %+v %v", second, err)
	}
	close(gen.gate)
	res := <-first
	if res.err != nil || res.report.Due != 1 || res.report.Conflicts != 1 || res.report.Executed != 0 {
		t.Fatalf("first tick should lose its claim: %+v %v", res.report, res.err)
	}

	if env.Action.count() != 0 {
		t.Fatalf("platform called for an expired claim")
	}
	got := env.intent(t, it.ID)
	if got.Status != domain.StatusFailed || got.Metadata["failure_reason"] != engine.ReasonClaimExpired {
		t.Fatalf("unexpected intent %+v", got)
	}
	if b := env.bot(t, "b1"); b.EngagementsToday != 0 {
		t.Fatalf("expired claim touched counters: %+v", b)
	}
}

func TestDispatchCountsStorageErrorsSeparately(t *testing.T) {
	env := newTestEnv(t)
	env.addBot(t, "b1", 10)
	it := env.addIntent(t, "b1", "post-1", domain.EngagementLike)
	_, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER reject_claims BEFORE UPDATE ON engagement_intents
WHEN NEW.claim_token IS NOT NULL BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	report, err := env.Engine.DispatchDue(env.Ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Due != 1 || report.Errors != 1 || report.Conflicts != 0 {
		t.Fatalf("claim error must not count as a conflict: %+v", report)
	}
	if got := env.intent(t, it.ID); got.Status != domain.StatusPending || got.ClaimToken != "" {
		t.Fatalf("intent changed after failed claim: %+v", got)
	}
	if env.Action.count() != 0 {
		t.Fatalf("platform called without a claim")
	}
}

func TestDispatchKeepsLateSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Dispatch.ActionTimeout = config.Duration{Duration: 20 * time.Millisecond}
	env.Engine.Actions = lateSuccess{}
	env.addBot(t, "b1", 10)
	it := env.addIntent(t, "b1", "post-1", domain.EngagementLike)

	report, err := env.Engine.DispatchDue(env.Ctx)
	if err != nil || report.Executed != 1 || report.Failed != 0 {
		t.Fatalf("late success should execute: %+v %v", report, err)
	}
	if got := env.intent(t, it.ID); got.Status != domain.StatusExecuted {
		t.Fatalf("expected executed, got %+v", got)
	}
	if b := env.bot(t, "b1"); b.EngagementsToday != 1 {
		t.Fatalf("late success not counted: %+v", b)
	}
}
