package recorder

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

type memoryStore struct {
	mu      sync.Mutex
	batches [][]Sample
	fail    bool
}

func (s *memoryStore) WriteSamples(samples []Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.batches = append(s.batches, append([]Sample(nil), samples...))
	return nil
}

func (s *memoryStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestContinuous_LabelsAndIndices(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	tl := timeline.New(clock)
	c, err := NewContinuous(tl, ContinuousOptions{Name: "heart_rate", InitialLabel: "setup", Clock: clock})
	require.NoError(t, err)

	_, err = c.Ingest(Reading{BPM: 60})
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, c.Start())
	s0, err := c.Ingest(Reading{BPM: 61, RRIntervalsMs: []float64{980}})
	require.NoError(t, err)
	c.SetPhaseLabel("performance")
	clock.Advance(time.Second)
	s1, err := c.Ingest(Reading{BPM: 62})
	require.NoError(t, err)

	deviceTime := epoch.Add(500 * time.Millisecond)
	s2, err := c.Ingest(Reading{BPM: 63, Timestamp: &deviceTime})
	require.NoError(t, err)

	assert.Equal(t, uint64(0), s0.Index)
	assert.Equal(t, "setup", s0.Phase)
	assert.Equal(t, uint64(1), s1.Index)
	assert.Equal(t, "performance", s1.Phase)
	assert.Equal(t, timeutil.WallSeconds(epoch.Add(time.Second)), s1.WallTime)
	assert.False(t, s1.DeviceTime)
	assert.Equal(t, timeutil.WallSeconds(deviceTime), s2.WallTime)
	assert.True(t, s2.DeviceTime)
	assert.Equal(t, "performance", c.PhaseLabel())

	assert.ErrorIs(t, c.Pause(), ErrNotPausable)
	assert.ErrorIs(t, c.Resume(), ErrNotPausable)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	_, err = c.Ingest(Reading{BPM: 64})
	assert.ErrorIs(t, err, ErrStopped)

	assert.Len(t, tl.FindAll(timeline.StreamStart("heart_rate"), nil), 1)
	stops := tl.FindAll(timeline.StreamStop("heart_rate"), nil)
	require.Len(t, stops, 1)
	n, _ := stops[0].Float("samples")
	assert.Equal(t, 3.0, n)
}

func TestContinuous_DeviceTimeChoosesLabel(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	tl := timeline.New(clock)
	c, err := NewContinuous(tl, ContinuousOptions{Name: "heart_rate", InitialLabel: "setup", Clock: clock})
	require.NoError(t, err)
	require.NoError(t, c.Start())

	clock.Advance(10 * time.Second)
	c.SetPhaseLabel("baseline")
	clock.Advance(10 * time.Second)
	c.SetPhaseLabel("performance")
	clock.Advance(2 * time.Second)

	at := func(d time.Duration) *time.Time {
		ts := epoch.Add(d)
		return &ts
	}
	tests := []struct {
		taken time.Duration
		want  string
	}{
		{5 * time.Second, "setup"},
		{10 * time.Second, "baseline"},
		{19 * time.Second, "baseline"},
		{21 * time.Second, "performance"},
	}
	// Delivered after every label change, in any order.
	for i := len(tests) - 1; i >= 0; i-- {
		tc := tests[i]
		s, err := c.Ingest(Reading{BPM: 70, Timestamp: at(tc.taken)})
		require.NoError(t, err)
		assert.Equal(t, tc.want, s.Phase, "sample taken at +%s", tc.taken)
	}

	s, err := c.Ingest(Reading{BPM: 70})
	require.NoError(t, err)
	assert.Equal(t, "performance", s.Phase, "clock-stamped samples take the current label")

	samples := c.Samples()
	for i, s := range samples {
		assert.Equal(t, uint64(i), s.Index)
	}
}

func TestContinuous_ConcurrentIngestIsGapless(t *testing.T) {
	tl := timeline.New(nil)
	store := &memoryStore{}
	c, err := NewContinuous(tl, ContinuousOptions{Name: "hr", Store: store, FlushEvery: 7})
	require.NoError(t, err)
	require.NoError(t, c.Start())

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if i == 25 {
					c.SetPhaseLabel("phase")
				}
				_, err := c.Ingest(Reading{BPM: 70 + w})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, c.Stop())

	samples := c.Samples()
	require.Len(t, samples, 200)
	seen := make(map[uint64]bool)
	for _, s := range samples {
		seen[s.Index] = true
	}
	for i := uint64(0); i < 200; i++ {
		assert.True(t, seen[i], "missing index %d", i)
	}
	assert.Equal(t, 200, store.count())
}

func TestContinuous_FlushFailureRetains(t *testing.T) {
	tl := timeline.New(nil)
	store := &memoryStore{fail: true}
	c, err := NewContinuous(tl, ContinuousOptions{Name: "hr", Store: store, FlushEvery: 100})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	for i := 0; i < 3; i++ {
		_, err := c.Ingest(Reading{BPM: 60})
		require.NoError(t, err)
	}
	assert.Error(t, c.Flush())
	assert.Equal(t, 0, store.count())

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	require.NoError(t, c.Flush())
	assert.Equal(t, 3, store.count())
	require.NoError(t, c.Stop())
}

func TestNewContinuous_RequiresName(t *testing.T) {
	_, err := NewContinuous(timeline.New(nil), ContinuousOptions{})
	assert.Error(t, err)
}
