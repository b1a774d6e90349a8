package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fixedSchedule struct {
	every time.Duration
}

func (s fixedSchedule) Next(t time.Time) time.Time {
	return t.Add(s.every)
}

func TestParseAcceptsDurationsAndCron(t *testing.T) {
	base := time.Date(2024, 4, 3, 10, 0, 0, 0, time.UTC)

	sched, err := Parse("20s")
	if err != nil {
		t.Fatalf("parse duration failed: %v", err)
	}
	if got := sched.Next(base); !got.Equal(base.Add(20 * time.Second)) {
		t.Fatalf("expected next run in 20s, got %s", got)
	}

	sched, err = Parse("*/5 * * * *")
	if err != nil {
		t.Fatalf("parse cron failed: %v", err)
	}
	if got := sched.Next(base); !got.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("expected next run at 10:05, got %s", got)
	}

	if _, err := Parse("@every 1m"); err != nil {
		t.Fatalf("parse descriptor failed: %v", err)
	}
	for _, bad := range []string{"", "-5s", "not a schedule"} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 1); got != time.Millisecond {
		t.Fatalf("expected minimum delay, got %s", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := ClampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := ClampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
}

func TestNextDelayFollowsSchedule(t *testing.T) {
	now := time.Date(2024, 4, 3, 10, 0, 0, 0, time.UTC)
	if got := NextDelay(fixedSchedule{every: time.Minute}, now, 0.5, 0.5); got != time.Minute {
		t.Fatalf("expected 1m, got %s", got)
	}
}

func TestLoopRunsRepeatedlyUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	loop := &Loop{Name: "test", Schedule: fixedSchedule{every: 5 * time.Millisecond}}

	done := make(chan error, 1)
	go func() {
		done <- loop.Run(ctx, func(context.Context) {
			if runs.Add(1) == 3 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("loop did not stop")
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("expected 3 runs, got %d", got)
	}
}

func TestLoopWaitsForInitialDelayUnlessWoken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wake := make(chan struct{}, 1)
	ran := make(chan time.Time, 4)
	loop := &Loop{
		Name:         "wake",
		Schedule:     fixedSchedule{every: time.Hour},
		InitialDelay: time.Hour,
		Wake:         wake,
	}
	go func() { _ = loop.Run(ctx, func(context.Context) { ran <- time.Now() }) }()

	select {
	case <-ran:
		t.Fatalf("loop ran before the initial delay")
	case <-time.After(30 * time.Millisecond):
	}

	wake <- struct{}{}
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatalf("wake did not trigger a run")
	}
}

func TestRunOnceAppliesTimeout(t *testing.T) {
	loop := &Loop{Timeout: 10 * time.Millisecond}
	var hasDeadline bool
	loop.RunOnce(context.Background(), func(ctx context.Context) {
		_, hasDeadline = ctx.Deadline()
	})
	if !hasDeadline {
		t.Fatalf("expected run context to carry a deadline")
	}
}

func TestLoopRequiresSchedule(t *testing.T) {
	if err := (&Loop{Name: "empty"}).Run(context.Background(), func(context.Context) {}); err == nil {
		t.Fatalf("expected error without schedule")
	}
}
