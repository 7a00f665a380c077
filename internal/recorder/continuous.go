package recorder

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

// Reading is one sample as delivered by a sensor driver. Timestamp is set
// when the device supplies its own per-sample time.
type Reading struct {
	BPM           int
	RRIntervalsMs []float64
	SensorContact *bool
	Timestamp     *time.Time
}

// Sample is a labelled, indexed reading.
type Sample struct {
	Index         uint64    `json:"index"`
	WallTime      float64   `json:"timestamp"`
	BPM           int       `json:"bpm"`
	RRIntervalsMs []float64 `json:"rr_intervals_ms"`
	SensorContact *bool     `json:"sensor_contact,omitempty"`
	Phase         string    `json:"phase"`
	DeviceTime    bool      `json:"device_time"`
}

// SampleStore persists samples incrementally.
type SampleStore interface {
	WriteSamples(samples []Sample) error
}

// DefaultFlushEvery is the number of buffered samples that triggers a
// store write.
const DefaultFlushEvery = 32

// ContinuousOptions configures a Continuous recorder.
type ContinuousOptions struct {
	Name         string
	InitialLabel string
	Store        SampleStore
	FlushEvery   int
	Clock        timeutil.Clock
}

// Continuous records a sensor stream that never pauses. Index assignment
// and label lookup happen under one lock, so indices never skip. A
// clock-stamped sample gets the label current at ingest; a device-stamped
// sample gets the label that was current at its own timestamp, so a
// reading delivered late still lands in the phase it was taken in.
type Continuous struct {
	opts ContinuousOptions
	tl   *timeline.Timeline

	mu      sync.Mutex
	label   string
	changes []labelChange
	next    uint64
	samples []Sample
	pending []Sample
	started bool
	stopped bool

	flushMu sync.Mutex
}

type labelChange struct {
	at    float64
	label string
}

// NewContinuous returns an unstarted continuous recorder.
func NewContinuous(tl *timeline.Timeline, opts ContinuousOptions) (*Continuous, error) {
	if opts.Name == "" {
		return nil, errors.New("recorder name is required")
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = DefaultFlushEvery
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Continuous{opts: opts, tl: tl, label: opts.InitialLabel}, nil
}

// Name returns the stream name.
func (c *Continuous) Name() string { return c.opts.Name }

// Start records the start event. Samples ingested before Start are
// rejected.
func (c *Continuous) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	c.started = true
	c.tl.Append(timeline.StreamStart(c.opts.Name), timeline.Attrs{"phase": c.label})
	return nil
}

// Pause is not supported; continuous streams never pause.
func (c *Continuous) Pause() error { return ErrNotPausable }

// Resume is not supported; continuous streams never pause.
func (c *Continuous) Resume() error { return ErrNotPausable }

// SetPhaseLabel changes the label attached to every subsequent sample.
func (c *Continuous) SetPhaseLabel(label string) {
	c.mu.Lock()
	at := timeutil.WallSeconds(c.opts.Clock.Now())
	if n := len(c.changes); n > 0 && at < c.changes[n-1].at {
		at = c.changes[n-1].at
	}
	c.changes = append(c.changes, labelChange{at: at, label: label})
	c.label = label
	c.mu.Unlock()
}

// labelAtLocked returns the label that was current at wall time at.
func (c *Continuous) labelAtLocked(at float64) string {
	i := sort.Search(len(c.changes), func(i int) bool { return c.changes[i].at > at })
	if i == 0 {
		return c.opts.InitialLabel
	}
	return c.changes[i-1].label
}

// PhaseLabel returns the current label.
func (c *Continuous) PhaseLabel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

// Ingest labels and indexes one reading. Device timestamps are kept when
// present and choose the label; otherwise the clock stamps the sample.
func (c *Continuous) Ingest(r Reading) (Sample, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return Sample{}, ErrNotStarted
	}
	if c.stopped {
		c.mu.Unlock()
		return Sample{}, ErrStopped
	}
	s := Sample{
		Index:         c.next,
		BPM:           r.BPM,
		RRIntervalsMs: append([]float64(nil), r.RRIntervalsMs...),
		SensorContact: r.SensorContact,
		Phase:         c.label,
	}
	if r.Timestamp != nil {
		s.WallTime = timeutil.WallSeconds(*r.Timestamp)
		s.DeviceTime = true
		s.Phase = c.labelAtLocked(s.WallTime)
	} else {
		s.WallTime = timeutil.WallSeconds(c.opts.Clock.Now())
	}
	c.next++
	c.samples = append(c.samples, s)
	c.pending = append(c.pending, s)
	flush := c.opts.Store != nil && len(c.pending) >= c.opts.FlushEvery
	c.mu.Unlock()

	if flush {
		if err := c.Flush(); err != nil {
			logf("%s: sample flush failed: %v", c.opts.Name, err)
		}
	}
	return s, nil
}

// Flush writes buffered samples to the store. On failure the samples stay
// buffered for the next attempt.
func (c *Continuous) Flush() error {
	if c.opts.Store == nil {
		return nil
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if err := c.opts.Store.WriteSamples(batch); err != nil {
		c.mu.Lock()
		c.pending = append(batch, c.pending...)
		c.mu.Unlock()
		return fmt.Errorf("failed to persist %d samples: %w", len(batch), err)
	}
	return nil
}

// Samples returns a copy of every sample ingested so far.
func (c *Continuous) Samples() []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sample(nil), c.samples...)
}

// Len returns the number of samples ingested so far.
func (c *Continuous) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// Stop flushes buffered samples and records the stop event. Repeated calls
// are no-ops.
func (c *Continuous) Stop() error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.stopped = true
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	count := len(c.samples)
	c.mu.Unlock()

	err := c.Flush()
	attrs := timeline.Attrs{"samples": count}
	if err != nil {
		attrs["error"] = err.Error()
	}
	c.tl.Append(timeline.StreamStop(c.opts.Name), attrs)
	return err
}
