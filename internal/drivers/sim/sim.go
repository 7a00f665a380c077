// Package sim provides simulated capture hardware for dry runs and tests.
// Every simulated device takes its timing from a timeutil.Clock so a
// MockClock drives it deterministically.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/sessionsync/internal/monitoring"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

var logf = monitoring.Prefixed("sim")

// Faults injects failures into a simulated device.
type Faults struct {
	// ConnectErr is returned by every Connect call.
	ConnectErr error
	// ConnectDelay stalls Connect, honouring ctx.
	ConnectDelay time.Duration
	// StartErr is returned by every Start call.
	StartErr error
	// StartDelay stalls Start, honouring ctx.
	StartDelay time.Duration
}

func (f Faults) connect(ctx context.Context, clock timeutil.Clock) error {
	if err := wait(ctx, clock, f.ConnectDelay); err != nil {
		return err
	}
	return f.ConnectErr
}

func (f Faults) start(ctx context.Context, clock timeutil.Clock) error {
	if err := wait(ctx, clock, f.StartDelay); err != nil {
		return err
	}
	return f.StartErr
}

func wait(ctx context.Context, clock timeutil.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

func clockOrReal(c timeutil.Clock) timeutil.Clock {
	if c == nil {
		return timeutil.RealClock{}
	}
	return c
}

// paced counts how many units a fixed-rate producer owes since it opened.
type paced struct {
	mu     sync.Mutex
	clock  timeutil.Clock
	rate   float64
	opened time.Time
	given  int64
}

func (p *paced) open() {
	p.mu.Lock()
	p.opened = p.clock.Now()
	p.given = 0
	p.mu.Unlock()
}

// take returns how many units are due, at most max, and marks them given.
func (p *paced) take(max int64) (start, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	due := int64(p.clock.Since(p.opened).Seconds()*p.rate+1e-6) - p.given
	if due > max {
		due = max
	}
	if due <= 0 {
		return p.given, 0
	}
	start = p.given
	p.given += due
	return start, due
}
