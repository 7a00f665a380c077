// Package timeline implements the append-only, wall-clock-ordered event log
// that every session component writes to.
package timeline

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/sessionsync/internal/monitoring"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

var logf = monitoring.Prefixed("timeline")

// Sink receives events after they have been appended. WriteEvents is called
// from a single goroutine with batches in append order. The batch shares
// storage with the timeline and must not be modified.
type Sink interface {
	WriteEvents(events []Event) error
}

// Timeline is safe for concurrent use. Appends are serialised by a mutex;
// readers load the published slice without locking.
type Timeline struct {
	clock timeutil.Clock

	mu       sync.Mutex
	events   []Event
	lastWall float64

	published atomic.Pointer[[]Event]

	sinks     []Sink
	persisted []int
	notify    chan struct{}
	flushReq  chan chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a timeline stamped by clock. When sinks are given, a persister
// goroutine forwards every appended event to them until Close.
func New(clock timeutil.Clock, sinks ...Sink) *Timeline {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	t := &Timeline{
		clock:     clock,
		sinks:     sinks,
		persisted: make([]int, len(sinks)),
		notify:    make(chan struct{}, 1),
		flushReq:  make(chan chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	empty := []Event{}
	t.published.Store(&empty)
	if len(sinks) > 0 {
		go t.persist()
	} else {
		close(t.done)
	}
	return t
}

// Append records an event of the given kind and returns the wall time
// assigned to it. The time is captured under the append lock and never goes
// backwards relative to earlier events.
func (t *Timeline) Append(kind Kind, attrs Attrs) float64 {
	t.mu.Lock()
	now := timeutil.WallSeconds(t.clock.Now())
	if now < t.lastWall {
		now = t.lastWall
	}
	t.lastWall = now
	ev := Event{
		Kind:       kind,
		WallTime:   now,
		Seq:        uint64(len(t.events) + 1),
		Attributes: copyAttrs(attrs),
	}
	t.events = append(t.events, ev)
	pub := t.events[:len(t.events):len(t.events)]
	t.published.Store(&pub)
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return now
}

// Snapshot returns a copy of every event appended so far. Attribute maps
// are copied too, so callers may modify the result freely.
func (t *Timeline) Snapshot() []Event {
	pub := *t.published.Load()
	out := make([]Event, len(pub))
	for i, ev := range pub {
		out[i] = ev.clone()
	}
	return out
}

func (e Event) clone() Event {
	e.Attributes = maps.Clone(e.Attributes)
	return e
}

// Len returns the number of events appended so far.
func (t *Timeline) Len() int {
	return len(*t.published.Load())
}

// Find returns the first event of kind for which pred returns true. A nil
// pred matches every event of that kind.
func (t *Timeline) Find(kind Kind, pred func(Event) bool) (Event, bool) {
	for _, ev := range *t.published.Load() {
		if ev.Kind != kind {
			continue
		}
		if ev = ev.clone(); pred == nil || pred(ev) {
			return ev, true
		}
	}
	return Event{}, false
}

// FindAll returns every event of kind matching pred, in append order. An
// empty kind matches all kinds.
func (t *Timeline) FindAll(kind Kind, pred func(Event) bool) []Event {
	var out []Event
	for _, ev := range *t.published.Load() {
		if kind != "" && ev.Kind != kind {
			continue
		}
		if ev = ev.clone(); pred == nil || pred(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Flush blocks until every event appended before the call has been handed to
// the sinks, or ctx is done.
func (t *Timeline) Flush(ctx context.Context) error {
	req := make(chan struct{})
	select {
	case t.flushReq <- req:
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending events to the sinks and stops the persister. Events
// appended after Close are kept in memory but no longer persisted.
func (t *Timeline) Close(ctx context.Context) error {
	t.closeOnce.Do(func() {
		if len(t.sinks) > 0 {
			close(t.stop)
		}
	})
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Timeline) persist() {
	defer close(t.done)
	for {
		select {
		case <-t.notify:
			t.drain()
		case req := <-t.flushReq:
			t.drain()
			close(req)
		case <-t.stop:
			t.drain()
			return
		}
	}
}

// drain hands each sink the events it has not yet accepted. A sink that
// fails keeps its position and is retried on the next drain.
func (t *Timeline) drain() {
	pub := *t.published.Load()
	for i, s := range t.sinks {
		from := t.persisted[i]
		if from >= len(pub) {
			continue
		}
		batch := pub[from:]
		if err := s.WriteEvents(batch); err != nil {
			logf("sink %d write failed for %d events: %v", i, len(batch), err)
			continue
		}
		t.persisted[i] = len(pub)
	}
}
