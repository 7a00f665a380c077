package sim

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/sessionsync/internal/recorder"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

// ErrStrapLost is returned by StreamSamples when FailAfter is reached.
var ErrStrapLost = errors.New("sim heart rate: strap lost")

// HeartRate simulates a chest strap reporting once per Interval with a
// bounded random walk around RestingBPM.
type HeartRate struct {
	Interval   time.Duration
	RestingBPM int
	// FailAfter, when positive, ends the stream with ErrStrapLost after
	// that many readings.
	FailAfter int
	Faults    Faults

	clock timeutil.Clock
	rng   *rand.Rand

	mu        sync.Mutex
	connected bool
	bpm       int
	sent      int
}

// NewHeartRate returns a strap reporting every second. seed fixes the walk.
func NewHeartRate(clock timeutil.Clock, seed uint64) *HeartRate {
	return &HeartRate{
		Interval:   time.Second,
		RestingBPM: 70,
		clock:      clockOrReal(clock),
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (h *HeartRate) ScanAndConnect(ctx context.Context) error {
	if err := h.Faults.connect(ctx, h.clock); err != nil {
		return err
	}
	h.mu.Lock()
	h.connected = true
	h.bpm = h.RestingBPM
	h.mu.Unlock()
	return nil
}

func (h *HeartRate) StreamSamples(ctx context.Context, fn func(recorder.Reading)) error {
	h.mu.Lock()
	connected := h.connected
	h.mu.Unlock()
	if !connected {
		return errors.New("sim heart rate: not connected")
	}
	ticker := h.clock.NewTicker(h.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			r, ok := h.next()
			if !ok {
				return ErrStrapLost
			}
			fn(r)
		}
	}
}

func (h *HeartRate) next() (recorder.Reading, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailAfter > 0 && h.sent >= h.FailAfter {
		return recorder.Reading{}, false
	}
	h.sent++
	h.bpm += h.rng.IntN(5) - 2
	h.bpm = max(40, min(190, h.bpm))
	rr := 60000.0 / float64(h.bpm)
	contact := true
	return recorder.Reading{BPM: h.bpm, RRIntervalsMs: []float64{rr}, SensorContact: &contact}, true
}

func (h *HeartRate) Disconnect(ctx context.Context) error {
	h.mu.Lock()
	h.connected = false
	h.mu.Unlock()
	return nil
}

func (h *HeartRate) Battery() (int, bool) { return 90, true }
