// Package schedule drives periodic work from an interval or a cron expression.
package schedule

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/robfig/cron/v3"
)

// Parse accepts a Go duration ("20s") or a standard five field cron
// expression, including descriptors such as "@every 1m" or "@hourly".
func Parse(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule interval must be positive, got %s", spec)
		}
		return cron.Every(d), nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Loop runs a function on a schedule. Runs never overlap: the next run is
// planned only after the previous one returned.
type Loop struct {
	Name     string
	Schedule cron.Schedule
	// InitialDelay postpones the first run; zero runs immediately.
	InitialDelay time.Duration
	// Jitter spreads each wait by up to this ratio in both directions.
	Jitter float64
	// Timeout bounds a single run. Zero means no bound beyond ctx.
	Timeout time.Duration
	// Wake triggers an early run.
	Wake   <-chan struct{}
	Logger glog.Logger

	now    func() time.Time
	sample func() float64
}

// Run blocks until ctx ends and returns its error.
func (l *Loop) Run(ctx context.Context, fn func(context.Context)) error {
	if l.Schedule == nil {
		return fmt.Errorf("loop %s: schedule is required", l.Name)
	}
	logger := glog.Ensure(l.Logger)
	now := l.now
	if now == nil {
		now = time.Now
	}
	sample := l.sample
	if sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		sample = rng.Float64
	}

	initial := l.InitialDelay
	if initial < 0 {
		initial = 0
	}
	timer := time.NewTimer(initial)
	defer timer.Stop()
	logger.Info("loop started", "loop", l.Name, "initial_delay", initial.String())

	for {
		select {
		case <-ctx.Done():
			logger.Info("loop stopping", "loop", l.Name, "reason", ctx.Err().Error())
			return ctx.Err()
		case <-timer.C:
		case <-l.Wake:
			timer.Stop()
			logger.Debug("loop woken", "loop", l.Name)
		}

		l.RunOnce(ctx, fn)

		delay := NextDelay(l.Schedule, now(), l.Jitter, sample())
		logger.Debug("next run scheduled", "loop", l.Name, "in", delay.String())
		timer.Reset(delay)
	}
}

// RunOnce runs fn a single time under the loop's timeout.
func (l *Loop) RunOnce(ctx context.Context, fn func(context.Context)) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	fn(ctx)
}

// NextDelay is the jittered wait from now until the schedule's next
// activation. sample is a uniform value in [0, 1].
func NextDelay(sched cron.Schedule, now time.Time, jitter, sample float64) time.Duration {
	next := sched.Next(now)
	if next.IsZero() {
		// The schedule never fires again; check back daily.
		return 24 * time.Hour
	}
	return jitteredIntervalWithSample(next.Sub(now), jitter, sample)
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return time.Millisecond
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
