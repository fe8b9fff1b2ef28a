package ratelimit

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// Waiter suspends a write until the rate limit window reopens. Which strategy is correct
// depends on how the rest of the pipeline schedules work: a CLI streaming a single
// session can afford to sleep, while an event loop sharing a thread with other sessions
// may prefer to yield.
//
// Wait should return early with an error if the context is cancelled.
type Waiter interface {
	Wait(ctx context.Context, clk clock.Clock, d time.Duration) error
}

type WaiterFunc func(ctx context.Context, clk clock.Clock, d time.Duration) error

func (f WaiterFunc) Wait(ctx context.Context, clk clock.Clock, d time.Duration) error {
	return f(ctx, clk, d)
}

// SleepWaiter blocks the calling goroutine on a timer from the given clock
var SleepWaiter = WaiterFunc(func(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := clk.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
})

// YieldWaiter repeatedly yields the processor until the clock passes the deadline. It
// never parks the goroutine on a timer.
var YieldWaiter = WaiterFunc(func(ctx context.Context, clk clock.Clock, d time.Duration) error {
	deadline := clk.Now().Add(d)
	for clk.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		runtime.Gosched()
	}

	return ctx.Err()
})

// WaiterFor resolves the name of a wait strategy, as given on the command line
func WaiterFor(name string) (Waiter, error) {
	switch name {
	case "", "sleep":
		return SleepWaiter, nil
	case "yield":
		return YieldWaiter, nil
	}

	return nil, errors.Errorf("unsupported wait strategy: %s", name)
}
