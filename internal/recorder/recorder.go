package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/sessionsync/internal/monitoring"
	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

var logf = monitoring.Prefixed("recorder")

// DefaultPumpInterval is how often the worker catches production up to the
// clock between commands.
const DefaultPumpInterval = 20 * time.Millisecond

// Options configures a Recorder.
type Options struct {
	// Name is the stream name used for "<name>_start" and "<name>_stop".
	Name string
	// Rate is the nominal units per second, fixed for the handle's life.
	Rate float64
	// Pausable enables Pause and Resume.
	Pausable bool
	// Target is the output location recorded on the start event.
	Target string
	// PauseLogPath is where pause markers go. Defaults to
	// PauseLogPath(Target) for pausable recorders.
	PauseLogPath string
	// PumpInterval defaults to DefaultPumpInterval.
	PumpInterval time.Duration
	Clock        timeutil.Clock
}

// Stats counts produced units by kind.
type Stats struct {
	Produced uint64 `json:"produced"`
	Live     uint64 `json:"live"`
	Repeated uint64 `json:"repeated"`
	Frozen   uint64 `json:"frozen"`
	Blank    uint64 `json:"blank"`
	Paused   bool   `json:"paused"`
	Errors   uint64 `json:"errors"`
}

type cmdKind int

const (
	cmdPause cmdKind = iota
	cmdResume
	cmdStop
	cmdStats
)

type command struct {
	kind  cmdKind
	reply chan cmdReply
}

type cmdReply struct {
	err    error
	stats  Stats
	marker PauseMarker
}

// Recorder produces units at a fixed nominal rate so that unit i always
// maps to StartWallTime + i/Rate. Pausing keeps production going with
// frozen copies of the last live unit. A single worker goroutine owns the
// source, the sink and all counters.
type Recorder struct {
	opts Options
	tl   *timeline.Timeline
	src  Source
	sink Sink

	startWall float64
	startTime time.Time

	cmds chan command
	done chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool

	// Owned by the worker goroutine.
	stats    Stats
	last     []byte
	pauseLog *PauseLog
}

// New validates opts and returns an unstarted recorder.
func New(tl *timeline.Timeline, src Source, sink Sink, opts Options) (*Recorder, error) {
	if opts.Name == "" {
		return nil, errors.New("recorder name is required")
	}
	if opts.Rate <= 0 {
		return nil, fmt.Errorf("recorder %s: rate must be positive, got %v", opts.Name, opts.Rate)
	}
	if src == nil || sink == nil {
		return nil, fmt.Errorf("recorder %s: source and sink are required", opts.Name)
	}
	if opts.PumpInterval <= 0 {
		opts.PumpInterval = DefaultPumpInterval
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Pausable && opts.PauseLogPath == "" && opts.Target != "" {
		opts.PauseLogPath = PauseLogPath(opts.Target)
	}
	return &Recorder{
		opts: opts,
		tl:   tl,
		src:  src,
		sink: sink,
		cmds: make(chan command),
		done: make(chan struct{}),
	}, nil
}

// Name returns the stream name.
func (r *Recorder) Name() string { return r.opts.Name }

// Pausable reports whether Pause and Resume are allowed.
func (r *Recorder) Pausable() bool { return r.opts.Pausable }

// Rate returns the nominal rate.
func (r *Recorder) Rate() float64 { return r.opts.Rate }

// StartWallTime returns the wall time of the start event.
func (r *Recorder) StartWallTime() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startWall
}

// WallClock maps a unit index to wall time.
func (r *Recorder) WallClock(index uint64) float64 {
	return WallClock(r.StartWallTime(), r.opts.Rate, index)
}

// Start opens the source, records the start event and begins production.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return nil
	}
	if err := r.src.Open(ctx); err != nil {
		return fmt.Errorf("recorder %s: failed to open source: %w", r.opts.Name, err)
	}
	if r.opts.Pausable && r.opts.PauseLogPath != "" {
		pl, err := OpenPauseLog(r.opts.PauseLogPath)
		if err != nil {
			r.src.Close()
			return fmt.Errorf("recorder %s: %w", r.opts.Name, err)
		}
		r.pauseLog = pl
	}
	r.startWall = r.tl.Append(timeline.StreamStart(r.opts.Name), timeline.Attrs{
		"file":     r.opts.Target,
		"rate":     r.opts.Rate,
		"pausable": r.opts.Pausable,
	})
	r.startTime = timeutil.FromWallSeconds(r.startWall)
	r.started = true
	go r.run(r.opts.Clock.NewTicker(r.opts.PumpInterval))
	return nil
}

// Pause freezes the stream. Production continues with frozen units.
func (r *Recorder) Pause() (PauseMarker, error) {
	if !r.opts.Pausable {
		return PauseMarker{}, ErrNotPausable
	}
	rep, err := r.send(cmdPause)
	if err != nil {
		return PauseMarker{}, err
	}
	return rep.marker, rep.err
}

// Resume returns the stream to live units.
func (r *Recorder) Resume() (PauseMarker, error) {
	if !r.opts.Pausable {
		return PauseMarker{}, ErrNotPausable
	}
	rep, err := r.send(cmdResume)
	if err != nil {
		return PauseMarker{}, err
	}
	return rep.marker, rep.err
}

// Stats brings production up to now and returns the counters.
func (r *Recorder) Stats() (Stats, error) {
	rep, err := r.send(cmdStats)
	if err != nil {
		return Stats{}, err
	}
	return rep.stats, nil
}

// Stop finalizes the sink and records the stop event. Repeated calls are
// no-ops.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.stopped = true
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	reply := make(chan cmdReply, 1)
	r.cmds <- command{kind: cmdStop, reply: reply}
	rep := <-reply
	<-r.done
	return rep.err
}

func (r *Recorder) send(kind cmdKind) (cmdReply, error) {
	r.mu.Lock()
	started, stopped := r.started, r.stopped
	r.mu.Unlock()
	if stopped {
		return cmdReply{}, ErrStopped
	}
	if !started {
		return cmdReply{}, ErrNotStarted
	}
	reply := make(chan cmdReply, 1)
	select {
	case r.cmds <- command{kind: kind, reply: reply}:
	case <-r.done:
		return cmdReply{}, ErrStopped
	}
	return <-reply, nil
}

func (r *Recorder) run(ticker timeutil.Ticker) {
	defer close(r.done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			r.pump(r.opts.Clock.Now())
		case cmd := <-r.cmds:
			now := r.opts.Clock.Now()
			r.pump(now)
			switch cmd.kind {
			case cmdPause:
				cmd.reply <- r.transition(true)
			case cmdResume:
				cmd.reply <- r.transition(false)
			case cmdStats:
				cmd.reply <- cmdReply{stats: r.stats}
			case cmdStop:
				cmd.reply <- cmdReply{err: r.finish()}
				return
			}
		}
	}
}

// pump produces every unit due at now. Live mode reads at most one unit
// from the source per produced unit.
func (r *Recorder) pump(now time.Time) {
	due := unitsDue(now.Sub(r.startTime).Seconds(), r.opts.Rate)
	for r.stats.Produced < due {
		kind := UnitFrozen
		if !r.stats.Paused {
			kind = r.readLive()
		}
		payload := r.last
		if err := r.sink.WriteUnit(r.stats.Produced, kind, payload); err != nil {
			r.stats.Errors++
			if r.stats.Errors == 1 || r.stats.Errors%1000 == 0 {
				logf("%s: sink write failed at unit %d: %v", r.opts.Name, r.stats.Produced, err)
			}
		}
		r.stats.Produced++
		switch kind {
		case UnitLive:
			r.stats.Live++
		case UnitRepeat:
			r.stats.Repeated++
		case UnitFrozen:
			r.stats.Frozen++
		case UnitBlank:
			r.stats.Blank++
		}
	}
}

func (r *Recorder) readLive() UnitKind {
	payload, err := r.src.ReadUnit()
	switch {
	case err == nil:
		r.last = payload
		return UnitLive
	case !errors.Is(err, ErrNoUnit):
		r.stats.Errors++
		if r.stats.Errors == 1 || r.stats.Errors%1000 == 0 {
			logf("%s: source read failed at unit %d: %v", r.opts.Name, r.stats.Produced, err)
		}
	}
	if r.last == nil {
		return UnitBlank
	}
	return UnitRepeat
}

func (r *Recorder) transition(pause bool) cmdReply {
	if r.stats.Paused == pause {
		return cmdReply{marker: PauseMarker{}}
	}
	r.stats.Paused = pause
	kind, eventKind := MarkerResume, timeline.KindResume
	if pause {
		kind, eventKind = MarkerPause, timeline.KindPause
	}
	marker := PauseMarker{
		Kind:         kind,
		UnitPosition: r.stats.Live,
		UnitIndex:    r.stats.Produced,
	}
	marker.WallTime = r.tl.Append(eventKind, timeline.Attrs{
		"stream":        r.opts.Name,
		"unit_position": marker.UnitPosition,
		"unit_index":    marker.UnitIndex,
	})
	if r.pauseLog != nil {
		if err := r.pauseLog.Append(marker); err != nil {
			logf("%s: %v", r.opts.Name, err)
			return cmdReply{marker: marker, err: err}
		}
	}
	return cmdReply{marker: marker}
}

func (r *Recorder) finish() error {
	var errs []error
	if err := r.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sink: %w", err))
	}
	if err := r.src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}
	if r.pauseLog != nil {
		if err := r.pauseLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pause log: %w", err))
		}
	}
	attrs := timeline.Attrs{
		"file":   r.opts.Target,
		"units":  r.stats.Produced,
		"live":   r.stats.Live,
		"frozen": r.stats.Frozen,
	}
	err := errors.Join(errs...)
	if err != nil {
		attrs["error"] = err.Error()
	}
	r.tl.Append(timeline.StreamStop(r.opts.Name), attrs)
	return err
}
