package recorder

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

var epoch = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

// counterSource yields an increasing counter as each live unit and can be
// told to run dry.
type counterSource struct {
	mu     sync.Mutex
	n      uint32
	dry    bool
	opened bool
	closed bool
}

func (s *counterSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	return nil
}

func (s *counterSource) ReadUnit() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dry {
		return nil, ErrNoUnit
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, s.n)
	s.n++
	return buf, nil
}

func (s *counterSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *counterSource) setDry(dry bool) {
	s.mu.Lock()
	s.dry = dry
	s.mu.Unlock()
}

type unitRecord struct {
	index   uint64
	kind    UnitKind
	payload []byte
}

type memorySink struct {
	mu     sync.Mutex
	units  []unitRecord
	closed int
}

func (s *memorySink) WriteUnit(index uint64, kind UnitKind, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, unitRecord{index, kind, payload})
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *memorySink) Path() string { return "memory" }

func (s *memorySink) snapshot() []unitRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]unitRecord(nil), s.units...)
}

func newTestRecorder(t *testing.T, pausable bool) (*Recorder, *memorySink, *counterSource, *timeutil.MockClock, *timeline.Timeline) {
	t.Helper()
	clock := timeutil.NewMockClock(epoch)
	tl := timeline.New(clock)
	src := &counterSource{}
	sink := &memorySink{}
	dir := t.TempDir()
	r, err := New(tl, src, sink, Options{
		Name:     "face",
		Rate:     30,
		Pausable: pausable,
		Target:   filepath.Join(dir, "face.frames"),
		// A long pump interval keeps production driven by commands only.
		PumpInterval: time.Hour,
		Clock:        clock,
	})
	require.NoError(t, err)
	return r, sink, src, clock, tl
}

func TestNew_Validation(t *testing.T) {
	tl := timeline.New(nil)
	_, err := New(tl, &counterSource{}, &memorySink{}, Options{Rate: 30})
	assert.Error(t, err)
	_, err = New(tl, &counterSource{}, &memorySink{}, Options{Name: "x"})
	assert.Error(t, err)
	_, err = New(tl, nil, &memorySink{}, Options{Name: "x", Rate: 1})
	assert.Error(t, err)
}

func TestRecorder_PauseScenario(t *testing.T) {
	r, sink, _, clock, tl := newTestRecorder(t, true)
	require.NoError(t, r.Start(context.Background()))
	startWall := r.StartWallTime()
	assert.Equal(t, timeutil.WallSeconds(epoch), startWall)

	startEv, ok := tl.Find(timeline.StreamStart("face"), nil)
	require.True(t, ok)
	assert.Equal(t, startWall, startEv.WallTime)
	rate, _ := startEv.Float("rate")
	assert.Equal(t, 30.0, rate)

	clock.Advance(time.Duration(math.Round(100.0 / 30 * float64(time.Second))))
	pause, err := r.Pause()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), pause.UnitPosition)
	assert.Equal(t, uint64(100), pause.UnitIndex)
	assert.InDelta(t, startWall+100.0/30, pause.WallTime, 1e-5)

	clock.Advance(10 * time.Second)
	resume, err := r.Resume()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), resume.UnitPosition)
	assert.Equal(t, uint64(400), resume.UnitIndex)
	assert.InDelta(t, startWall+100.0/30+10, resume.WallTime, 1e-5)

	clock.Advance(time.Second)
	require.NoError(t, r.Stop())

	units := sink.snapshot()
	require.Len(t, units, 430)
	for i, u := range units {
		require.Equal(t, uint64(i), u.index)
		switch {
		case i < 100:
			assert.Equal(t, UnitLive, u.kind, "unit %d", i)
		case i < 400:
			assert.Equal(t, UnitFrozen, u.kind, "unit %d", i)
			// Frozen units copy the last live unit, number 99.
			assert.Equal(t, uint32(99), binary.LittleEndian.Uint32(u.payload))
		default:
			assert.Equal(t, UnitLive, u.kind, "unit %d", i)
		}
	}
	assert.Equal(t, uint32(100), binary.LittleEndian.Uint32(units[400].payload))

	// The index to time mapping holds for frozen units.
	for _, i := range []uint64{100, 250, 399} {
		assert.InDelta(t, startWall+float64(i)/30, r.WallClock(i), 1e-6)
	}

	markers, err := ReadPauseLog(PauseLogPath(r.opts.Target))
	require.NoError(t, err)
	require.Len(t, markers, 2)
	assert.Equal(t, MarkerPause, markers[0].Kind)
	assert.Equal(t, MarkerResume, markers[1].Kind)
	assert.Equal(t, []Range{{Start: 100, End: 400}}, FrozenRanges(markers, startWall, 30, 430))

	stopEv, ok := tl.Find(timeline.StreamStop("face"), nil)
	require.True(t, ok)
	n, _ := stopEv.Float("units")
	assert.Equal(t, 430.0, n)
	assert.Len(t, tl.FindAll(timeline.KindPause, nil), 1)
	assert.Len(t, tl.FindAll(timeline.KindResume, nil), 1)
}

type pauseStep struct {
	at    uint64 // unit count when the call is made
	pause bool
}

func randomPauseSteps(seed uint64) []pauseStep {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var (
		steps []pauseStep
		at    uint64
	)
	for range 16 {
		at += uint64(rng.IntN(25))
		steps = append(steps, pauseStep{at: at, pause: rng.IntN(2) == 0})
	}
	return steps
}

func frozenRuns(units []unitRecord) []Range {
	var out []Range
	for i, u := range units {
		if u.kind != UnitFrozen {
			continue
		}
		if n := len(out); n > 0 && out[n-1].End == uint64(i) {
			out[n-1].End++
			continue
		}
		out = append(out, Range{Start: uint64(i), End: uint64(i) + 1})
	}
	return out
}

func TestRecorder_AnyPauseSequenceKeepsMapping(t *testing.T) {
	tests := []struct {
		name  string
		steps []pauseStep
		total uint64
	}{
		{"no pauses", nil, 45},
		{"pause at start", []pauseStep{{0, true}, {30, false}}, 60},
		{"pause never resumed", []pauseStep{{10, true}}, 40},
		{"zero length pause", []pauseStep{{10, true}, {10, false}}, 20},
		{"repeated calls", []pauseStep{{5, true}, {8, true}, {12, false}, {12, false}, {20, true}, {25, false}}, 31},
		{"resume without pause", []pauseStep{{3, false}, {6, true}, {9, false}}, 12},
		{"random a", randomPauseSteps(1), 0},
		{"random b", randomPauseSteps(7), 0},
		{"random c", randomPauseSteps(42), 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, sink, _, clock, tl := newTestRecorder(t, true)
			require.NoError(t, r.Start(context.Background()))
			startWall := r.StartWallTime()
			moveTo := func(units uint64) {
				target := epoch.Add(time.Duration(math.Round(float64(units) * float64(time.Second) / 30)))
				clock.Advance(target.Sub(clock.Now()))
			}

			var (
				want   []Range
				paused bool
				from   uint64
				last   uint64
			)
			for _, step := range tc.steps {
				moveTo(step.at)
				last = step.at
				var err error
				if step.pause {
					_, err = r.Pause()
				} else {
					_, err = r.Resume()
				}
				require.NoError(t, err)
				switch {
				case step.pause && !paused:
					paused, from = true, step.at
				case !step.pause && paused:
					paused = false
					if step.at > from {
						want = append(want, Range{Start: from, End: step.at})
					}
				}
			}
			total := tc.total
			if total == 0 || total < last {
				total = last + 10
			}
			moveTo(total)
			if paused && total > from {
				want = append(want, Range{Start: from, End: total})
			}
			require.NoError(t, r.Stop())

			units := sink.snapshot()
			require.Len(t, units, int(total))
			for i, u := range units {
				require.Equal(t, uint64(i), u.index)
			}
			assert.Equal(t, want, frozenRuns(units))

			markers, err := ReadPauseLog(PauseLogPath(r.opts.Target))
			require.NoError(t, err)
			assert.Equal(t, want, FrozenRanges(markers, startWall, 30, total))

			for i := uint64(0); i <= total; i += 7 {
				assert.InDelta(t, startWall+float64(i)/30, r.WallClock(i), 1e-9)
			}
			for _, m := range markers {
				assert.InDelta(t, r.WallClock(m.UnitIndex), m.WallTime, 1e-5, "marker at unit %d", m.UnitIndex)
			}

			stopEv, ok := tl.Find(timeline.StreamStop("face"), nil)
			require.True(t, ok)
			n, _ := stopEv.Float("units")
			assert.Equal(t, float64(total), n)
		})
	}
}

func TestRecorder_BlankAndRepeatUnits(t *testing.T) {
	r, sink, src, clock, _ := newTestRecorder(t, false)
	src.setDry(true)
	require.NoError(t, r.Start(context.Background()))

	clock.Advance(time.Duration(3.0 / 30 * float64(time.Second)))
	stats, err := r.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Blank)

	src.setDry(false)
	clock.Advance(time.Duration(math.Round(1.0 / 30 * float64(time.Second))))
	_, err = r.Stats()
	require.NoError(t, err)

	src.setDry(true)
	clock.Advance(time.Duration(math.Round(2.0 / 30 * float64(time.Second))))
	stats, err = r.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Produced: 6, Live: 1, Repeated: 2, Blank: 3}, stats)

	units := sink.snapshot()
	require.Len(t, units, 6)
	assert.Nil(t, units[0].payload)
	assert.Equal(t, units[3].payload, units[5].payload)
	require.NoError(t, r.Stop())
}

func TestRecorder_NotPausable(t *testing.T) {
	r, _, _, _, _ := newTestRecorder(t, false)
	require.NoError(t, r.Start(context.Background()))
	_, err := r.Pause()
	assert.ErrorIs(t, err, ErrNotPausable)
	_, err = r.Resume()
	assert.ErrorIs(t, err, ErrNotPausable)
	require.NoError(t, r.Stop())
}

func TestRecorder_StopIdempotent(t *testing.T) {
	r, sink, src, clock, tl := newTestRecorder(t, true)
	require.NoError(t, r.Start(context.Background()))
	clock.Advance(time.Second)
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())

	assert.Equal(t, 1, sink.closed)
	assert.True(t, src.closed)
	assert.Len(t, tl.FindAll(timeline.StreamStop("face"), nil), 1)

	_, err := r.Pause()
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, r.Start(context.Background()), ErrStopped)
}

func TestRecorder_CommandsBeforeStart(t *testing.T) {
	r, _, _, _, _ := newTestRecorder(t, true)
	_, err := r.Pause()
	assert.ErrorIs(t, err, ErrNotStarted)
	require.NoError(t, r.Stop())
}

func TestRecorder_RepeatedPauseIsNoop(t *testing.T) {
	r, _, _, clock, tl := newTestRecorder(t, true)
	require.NoError(t, r.Start(context.Background()))
	clock.Advance(time.Second)
	_, err := r.Pause()
	require.NoError(t, err)
	_, err = r.Pause()
	require.NoError(t, err)
	assert.Len(t, tl.FindAll(timeline.KindPause, nil), 1)
	require.NoError(t, r.Stop())
}

func TestRecorder_TickerDrivesProduction(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	tl := timeline.New(clock)
	sink := &memorySink{}
	r, err := New(tl, &counterSource{}, sink, Options{Name: "overhead", Rate: 10, Clock: clock, PumpInterval: 100 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 10 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop())
}

type failingSource struct{ counterSource }

func (f *failingSource) ReadUnit() ([]byte, error) { return nil, errors.New("usb reset") }

func TestRecorder_SourceErrorsRepeatLastUnit(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	tl := timeline.New(clock)
	sink := &memorySink{}
	r, err := New(tl, &failingSource{}, sink, Options{Name: "cam", Rate: 10, Clock: clock, PumpInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	clock.Advance(time.Second)
	stats, err := r.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), stats.Produced)
	assert.Equal(t, uint64(10), stats.Errors)
	assert.Equal(t, uint64(10), stats.Blank)
	require.NoError(t, r.Stop())
}
