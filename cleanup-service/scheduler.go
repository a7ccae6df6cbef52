package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// scheduler fires a job on a cron cadence. The clock is injectable so tests
// can drive ticks without sleeping.
type scheduler struct {
	expr  string
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
	job   func(ctx context.Context)
}

func newScheduler(expr string, job func(ctx context.Context)) (*scheduler, error) {
	if !gronx.IsValid(expr) {
		return nil, errInvalidCron(expr)
	}
	return &scheduler{
		expr:  expr,
		now:   time.Now,
		sleep: sleepCtx,
		job:   job,
	}, nil
}

type errInvalidCron string

func (e errInvalidCron) Error() string { return "invalid cron expression: " + string(e) }

// sleepCtx sleeps for d or until the context is done. Returns false when
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// run computes the next tick from the cron expression and sleeps until then,
// repeating until the context is cancelled.
func (s *scheduler) run(ctx context.Context) {
	for {
		now := s.now().UTC()
		next, err := gronx.NextTickAfter(s.expr, now, false)
		if err != nil {
			slog.Error("Failed to compute next cron tick", "cron", s.expr, "error", err)
			if !s.sleep(ctx, time.Minute) {
				return
			}
			continue
		}
		slog.Info("Next cleanup tick scheduled", "at", next)
		if !s.sleep(ctx, next.Sub(now)) {
			return
		}
		s.job(ctx)
	}
}
