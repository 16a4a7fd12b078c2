package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pulseline/internal/engine"
)

// Triggers runs the periodic jobs an external scheduler would otherwise
// drive: content scans, dispatch passes and the midnight quota reset.
// A zero interval disables that job.
type Triggers struct {
	Engine        engine.Engine
	ScanEvery     time.Duration
	DispatchEvery time.Duration
	ResetDaily    bool
	Logger        *slog.Logger
}

func (t Triggers) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// Run blocks until ctx is done.
func (t Triggers) Run(ctx context.Context) {
	var wg sync.WaitGroup
	start := func(name string, every time.Duration, job func(context.Context)) {
		if every <= 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.loop(ctx, name, every, job)
		}()
	}
	start("scan", t.ScanEvery, t.scan)
	start("dispatch", t.DispatchEvery, t.dispatch)
	if t.ResetDaily {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.midnightLoop(ctx)
		}()
	}
	wg.Wait()
}

func (t Triggers) loop(ctx context.Context, name string, every time.Duration, job func(context.Context)) {
	t.logger().Info("trigger started", "job", name, "every", every)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		job(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t Triggers) scan(ctx context.Context) {
	rep, err := t.Engine.ScanContent(ctx)
	if err != nil {
		t.logger().Error("scheduled scan failed", "err", err)
		return
	}
	if rep.Scanned > 0 {
		t.logger().Info("scheduled scan", "scanned", rep.Scanned, "planned", rep.Planned, "failed", rep.Failed, "intents", rep.Intents)
	}
}

func (t Triggers) dispatch(ctx context.Context) {
	rep, err := t.Engine.DispatchDue(ctx)
	if err != nil {
		t.logger().Error("scheduled dispatch failed", "err", err)
		return
	}
	if rep.Due > 0 || rep.Expired > 0 {
		t.logger().Info("scheduled dispatch", "due", rep.Due, "executed", rep.Executed, "failed", rep.Failed,
			"skipped", rep.Skipped, "expired", rep.Expired)
	}
}

func (t Triggers) midnightLoop(ctx context.Context) {
	loc := t.Engine.Loc
	if loc == nil {
		loc = time.UTC
	}
	for {
		timer := time.NewTimer(untilMidnight(time.Now(), loc))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		n, err := t.Engine.ResetDaily(ctx, "")
		if err != nil {
			t.logger().Error("daily quota reset failed", "err", err)
			continue
		}
		t.logger().Info("daily quota reset", "bots", n)
	}
}

// untilMidnight returns the wait until the next local midnight in loc.
func untilMidnight(now time.Time, loc *time.Location) time.Duration {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
	return next.Sub(now)
}
