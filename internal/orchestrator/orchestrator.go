// Package orchestrator runs one capture session: it owns the control loop,
// turns phase changes into device actions and tears everything down exactly
// once at the end.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/sessionsync/internal/biosensor"
	"github.com/banshee-data/sessionsync/internal/config"
	"github.com/banshee-data/sessionsync/internal/db"
	"github.com/banshee-data/sessionsync/internal/device"
	"github.com/banshee-data/sessionsync/internal/fsutil"
	"github.com/banshee-data/sessionsync/internal/httputil"
	"github.com/banshee-data/sessionsync/internal/monitoring"
	"github.com/banshee-data/sessionsync/internal/phase"
	"github.com/banshee-data/sessionsync/internal/session"
	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

var logf = monitoring.Prefixed("orchestrator")

var (
	// ErrNotRunning is returned for commands sent when no control loop is
	// running.
	ErrNotRunning = errors.New("session is not running")
	// ErrUnknownStream is returned for pause or resume of a stream that is
	// not recording.
	ErrUnknownStream = errors.New("unknown stream")
)

// Options configures Build.
type Options struct {
	Clock      timeutil.Clock
	FS         fsutil.FileSystem
	HTTPClient httputil.HTTPClient
	// Version is recorded in the manifest.
	Version string
	// NewDevices, when set, replaces BuildDevices. The biosensor, if any,
	// must be among the devices it returns.
	NewDevices func(tl *timeline.Timeline, opts DeviceOptions) (*DeviceSet, error)
}

func (opts Options) devices(cfg *config.Settings, tl *timeline.Timeline, dopts DeviceOptions) (*DeviceSet, error) {
	dopts.Clock = opts.Clock
	dopts.HTTPClient = opts.HTTPClient
	if opts.NewDevices != nil {
		return opts.NewDevices(tl, dopts)
	}
	return BuildDevices(cfg, tl, dopts)
}

// Orchestrator is one session. Build it, Run it, and read its Result.
type Orchestrator struct {
	cfg      *config.Settings
	clock    timeutil.Clock
	sess     *session.Session
	store    *db.DB
	manifest *session.Manifest
	tl       *timeline.Timeline
	coord    *device.Coordinator
	machine  *phase.Machine
	bio      *biosensor.Device
	admin    []AdminRouter

	commands chan command
	running  chan struct{}
	done     chan struct{}
	runOnce  sync.Once

	// Owned by the control loop; mu guards reads from other goroutines.
	ctx         context.Context
	mu          sync.Mutex
	streams     map[string]*activeStream
	wifiPurpose string
	bioTarget   *device.Target
	lastCapture time.Time
	captures    map[string]int
	stopReason  string

	teardownOnce sync.Once
	result       Result
	teardownErr  error
}

// Build creates the session directory, store, manifest, timeline, devices
// and phase machine. No device is touched until Run.
func Build(cfg *config.Settings, opts Options) (*Orchestrator, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	defs := cfg.PhaseDefinitions()

	sess, err := session.New(opts.FS, cfg.Experiment.OutputDir, cfg.Experiment.Name, opts.Clock.Now())
	if err != nil {
		return nil, err
	}
	store, err := db.NewDB(sess.Path(db.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	o := &Orchestrator{
		cfg:      cfg,
		clock:    opts.Clock,
		sess:     sess,
		store:    store,
		commands: make(chan command),
		running:  make(chan struct{}),
		done:     make(chan struct{}),
		streams:  make(map[string]*activeStream),
		captures: make(map[string]int),
	}
	fail := func(err error) (*Orchestrator, error) {
		store.Close()
		return nil, err
	}

	summary := cfg.Summary()
	if err := store.CreateSession(db.SessionRecord{
		ID:            sess.ID,
		Name:          sess.Name,
		StartTime:     timeutil.WallSeconds(sess.StartTime),
		Dir:           sess.Dir,
		ConfigSummary: mustJSON(summary),
	}); err != nil {
		return fail(err)
	}
	o.manifest, err = session.NewManifest(sess, opts.Version, summary)
	if err != nil {
		return fail(err)
	}
	o.tl = timeline.New(opts.Clock, store.EventSink(sess.ID), o.manifest)
	o.tl.Append(timeline.KindSessionCreated, timeline.Attrs{
		"session_id": sess.ID,
		"name":       sess.Name,
		"dir":        sess.Dir,
	})

	set, err := opts.devices(cfg, o.tl, DeviceOptions{SampleStore: store.SampleStore(sess.ID)})
	if err != nil {
		o.tl.Close(context.Background())
		return fail(err)
	}
	o.bio = set.Biosensor
	o.admin = set.Admin

	coordOpts := cfg.CoordinatorOptions()
	coordOpts.Clock = opts.Clock
	o.coord, err = device.NewCoordinator(o.tl, coordOpts, set.Devices...)
	if err != nil {
		o.tl.Close(context.Background())
		return fail(err)
	}
	o.machine, err = phase.NewMachine(o.tl, opts.Clock, defs)
	if err != nil {
		o.coord.Shutdown(context.Background())
		o.tl.Close(context.Background())
		return fail(err)
	}
	o.machine.Observe(o)
	return o, nil
}

func (o *Orchestrator) Session() *session.Session        { return o.sess }
func (o *Orchestrator) Timeline() *timeline.Timeline     { return o.tl }
func (o *Orchestrator) Machine() *phase.Machine          { return o.machine }
func (o *Orchestrator) Coordinator() *device.Coordinator { return o.coord }
func (o *Orchestrator) Store() *db.DB                    { return o.store }
func (o *Orchestrator) Settings() *config.Settings       { return o.cfg }
func (o *Orchestrator) AdminRouters() []AdminRouter      { return o.admin }

// Started is closed once the first phase is active and commands are
// accepted.
func (o *Orchestrator) Started() <-chan struct{} { return o.running }

// Done is closed once teardown has finished.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Run starts the first phase and drives the control loop until the last
// phase completes, the operator stops the session, or ctx is cancelled.
// Teardown always runs before Run returns. Run may be called once.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := ErrNotRunning
	o.runOnce.Do(func() { err = o.run(ctx) })
	return err
}

func (o *Orchestrator) run(ctx context.Context) (err error) {
	select {
	case <-o.done:
		return ErrNotRunning
	default:
	}
	defer func() {
		if terr := o.Teardown(context.WithoutCancel(ctx)); err == nil {
			err = terr
		}
	}()

	ticker := o.clock.NewTicker(o.cfg.TickInterval.Std())
	defer ticker.Stop()

	o.ctx = ctx
	if err := o.machine.Start(); err != nil {
		return err
	}
	close(o.running)
	for {
		if o.machine.Done() {
			o.setStopReason("completed")
			return nil
		}
		if o.stopping() {
			return nil
		}
		select {
		case <-ctx.Done():
			o.setStopReason("cancelled")
			logf("session cancelled: %v", context.Cause(ctx))
			return nil
		case cmd := <-o.commands:
			cmd.reply <- o.handle(ctx, cmd)
		case <-ticker.C():
			o.tick(ctx, o.clock.Now())
		}
	}
}

// tick is one pass of the control loop.
func (o *Orchestrator) tick(ctx context.Context, now time.Time) {
	if v, ok := o.machine.Active(); ok {
		if interval := v.Definition().CaptureInterval; interval > 0 && now.Sub(o.lastCapture) >= interval {
			o.lastCapture = now
			o.captureAll(ctx, v)
		}
	}
	o.coord.KeepAlive(ctx, now)
	o.machine.Tick(now)
}

// captureAll takes a still from every camera that can take one.
func (o *Orchestrator) captureAll(ctx context.Context, v phase.View) {
	dir, err := o.sess.CaptureDir(v.ID)
	if err != nil {
		logf("capture dir for %s: %v", v.ID, err)
		return
	}
	for _, id := range o.coord.IDs(device.ClassCamera) {
		if !o.coord.Available(id) {
			continue
		}
		n := o.captures[id]
		o.captures[id] = n + 1
		path := filepath.Join(dir, fmt.Sprintf("%s_%04d.png", id, n))
		if err := o.coord.Snapshot(ctx, id, path); err != nil && !errors.Is(err, device.ErrUnsupported) {
			logf("capture %s: %v", id, err)
		}
	}
}

func (o *Orchestrator) setStopReason(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopReason == "" {
		o.stopReason = reason
	}
}

func (o *Orchestrator) stopping() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopReason != ""
}
