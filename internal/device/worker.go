package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

type opKind int

const (
	opConnect opKind = iota
	opStart
	opStop
	opStopAll
	opKeepAlive
	opStatus
	opSnapshot
	opDisconnect
	opPause
	opResume
)

type request struct {
	ctx    context.Context
	op     opKind
	target Target
	path   string
	reply  chan reply
}

type reply struct {
	err    error
	status Status
	// skipped is set when the request was a no-op (already stopped, never
	// connected) and produced no driver call.
	skipped bool
}

type active struct {
	target Target
	handle Handle
}

// worker owns one device and its handles. Only the run goroutine touches
// handles; the mutex guards the read-only view served to the coordinator.
type worker struct {
	dev    Device
	policy Policy
	tl     *timeline.Timeline
	clock  timeutil.Clock

	reqs  chan request
	drops chan error
	quit  chan struct{}
	done  chan struct{}

	// late counts cleanups of handles whose start outlived its deadline.
	late sync.WaitGroup

	handles map[string]active

	mu        sync.Mutex
	avail     Availability
	connected bool
	targets   []string
	lastErr   string

	keepAlivePending sync.Mutex
}

func newWorker(dev Device, policy Policy, tl *timeline.Timeline, clock timeutil.Clock) *worker {
	w := &worker{
		dev:     dev,
		policy:  policy,
		tl:      tl,
		clock:   clock,
		reqs:    make(chan request),
		drops:   make(chan error, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		handles: make(map[string]active),
		avail:   Registered,
	}
	if r, ok := dev.(DropReporter); ok {
		r.OnDrop(w.reportDrop)
	}
	go w.run()
	return w
}

// reportDrop hands a driver-detected drop to the run goroutine. Only the
// first pending drop is kept; the device is excluded either way.
func (w *worker) reportDrop(err error) {
	if err == nil {
		return
	}
	select {
	case w.drops <- err:
	default:
	}
}

func (w *worker) run() {
	defer close(w.done)
	for {
		select {
		case req := <-w.reqs:
			select {
			case <-w.quit:
				req.reply <- reply{err: ErrClosed, skipped: true}
				return
			default:
			}
			req.reply <- w.exec(req)
		case err := <-w.drops:
			w.markDropped(fmt.Errorf("%w: %w", ErrDeviceDropped, err))
		case <-w.quit:
			return
		}
	}
}

// call submits a request and waits for its reply. The worker bounds every
// driver call, so the wait is bounded too.
func (w *worker) call(ctx context.Context, op opKind, target Target, path string) reply {
	req := request{ctx: ctx, op: op, target: target, path: path, reply: make(chan reply, 1)}
	select {
	case w.reqs <- req:
	case <-w.quit:
		return reply{err: ErrClosed}
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
	select {
	case r := <-req.reply:
		return r
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
}

func (w *worker) info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Info{
		ID:           w.dev.ID(),
		Class:        w.dev.Class(),
		Availability: w.avail,
		Active:       append([]string(nil), w.targets...),
		LastError:    w.lastErr,
	}
}

func (w *worker) availability() (Availability, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.avail, w.connected
}

func (w *worker) setState(avail Availability, connected bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.avail = avail
	w.connected = connected
	if err != nil {
		w.lastErr = err.Error()
	}
}

func (w *worker) syncTargets() {
	keys := make([]string, 0, len(w.handles))
	for k := range w.handles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.mu.Lock()
	w.targets = keys
	w.mu.Unlock()
}

func (w *worker) attrs(extra timeline.Attrs) timeline.Attrs {
	a := timeline.Attrs{
		"device_id": w.dev.ID(),
		"class":     string(w.dev.Class()),
	}
	for k, v := range extra {
		a[k] = v
	}
	return a
}

func targetAttrs(t Target, err error, elapsed time.Duration) timeline.Attrs {
	a := timeline.Attrs{"elapsed_ms": elapsed.Milliseconds()}
	if t.Path != "" {
		a["target"] = t.Path
	}
	if t.Purpose != "" {
		a["purpose"] = t.Purpose
	}
	if err != nil {
		a["error"] = err.Error()
	}
	return a
}

// gate rejects work for devices excluded from the session.
func (w *worker) gate() error {
	avail, _ := w.availability()
	switch avail {
	case Unavailable:
		return ErrDeviceUnavailable
	case Dropped:
		return ErrDeviceDropped
	}
	return nil
}

func (w *worker) exec(req request) reply {
	ctx := req.ctx
	switch req.op {
	case opConnect:
		return w.connect(ctx)
	case opStart:
		return w.start(ctx, req.target)
	case opStop:
		return w.stop(ctx, req.target.key())
	case opStopAll:
		return w.stopAll(ctx)
	case opKeepAlive:
		return w.keepAlive(ctx)
	case opStatus:
		return w.status(ctx)
	case opSnapshot:
		return w.snapshot(ctx, req.path)
	case opDisconnect:
		return w.disconnect(ctx)
	case opPause, opResume:
		return w.pause(ctx, req.target.key(), req.op == opPause)
	}
	return reply{err: errors.New("unknown device operation")}
}

func (w *worker) connect(ctx context.Context) reply {
	if err := w.gate(); err != nil {
		return reply{err: err, skipped: true}
	}
	if _, connected := w.availability(); connected {
		return reply{skipped: true}
	}
	w.tl.Append(timeline.KindConnectAttempt, w.attrs(nil))
	began := w.clock.Now()
	err := invokeErr(ctx, w.policy.ConnectTimeout, w.dev.Connect)
	elapsed := w.clock.Since(began)
	if err != nil {
		w.setState(Unavailable, false, err)
		w.tl.Append(timeline.KindConnectFail, w.attrs(targetAttrs(Target{}, err, elapsed)))
		logf("connect %s failed: %v", w.dev.ID(), err)
		return reply{err: fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)}
	}
	w.setState(Connected, true, nil)
	w.tl.Append(timeline.KindConnectSuccess, w.attrs(targetAttrs(Target{}, nil, elapsed)))
	return reply{}
}

func (w *worker) start(ctx context.Context, target Target) reply {
	if err := w.gate(); err != nil {
		return reply{err: err, skipped: true}
	}
	if _, ok := w.handles[target.key()]; ok {
		return reply{skipped: true}
	}
	began := w.clock.Now()
	w.late.Add(1)
	h, abandoned, err := invokeLate(ctx, w.policy.CallTimeout, func(ctx context.Context) (Handle, error) {
		return w.dev.Start(ctx, target)
	}, func(h Handle, err error) {
		defer w.late.Done()
		if err == nil && h != nil {
			w.stopLate(target, h)
		}
	})
	if !abandoned {
		w.late.Done()
	}
	elapsed := w.clock.Since(began)
	if err != nil {
		_, connected := w.availability()
		avail := Unavailable
		if errors.Is(err, ErrDeviceDropped) {
			avail = Dropped
		}
		w.setState(avail, connected, err)
		w.tl.Append(timeline.KindStartFail, w.attrs(targetAttrs(target, err, elapsed)))
		logf("start %s failed: %v", w.dev.ID(), err)
		return reply{err: fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)}
	}
	w.handles[target.key()] = active{target: target, handle: h}
	w.syncTargets()
	w.tl.Append(timeline.KindStartSuccess, w.attrs(targetAttrs(target, nil, elapsed)))
	return reply{}
}

// stopLate stops a recording whose start returned after the caller had
// given up on it. The handle was never tracked, so nothing else would stop
// it.
func (w *worker) stopLate(target Target, h Handle) {
	began := w.clock.Now()
	err := invokeErr(context.Background(), w.policy.CallTimeout, func(ctx context.Context) error {
		return w.dev.Stop(ctx, h)
	})
	attrs := targetAttrs(target, err, w.clock.Since(began))
	attrs["late_start"] = true
	if err != nil {
		w.tl.Append(timeline.KindStopFail, w.attrs(attrs))
		logf("stop of late start on %s failed: %v", w.dev.ID(), err)
		return
	}
	w.tl.Append(timeline.KindStopSuccess, w.attrs(attrs))
	logf("stopped late start on %s", w.dev.ID())
}

// waitLate waits up to timeout for pending late-start cleanups.
func (w *worker) waitLate(ctx context.Context, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		w.late.Wait()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		logf("%s: late start still pending at shutdown", w.dev.ID())
	case <-ctx.Done():
	}
}

// stop is a no-op for targets that are not recording.
func (w *worker) stop(ctx context.Context, key string) reply {
	a, ok := w.handles[key]
	if !ok {
		return reply{skipped: true}
	}
	delete(w.handles, key)
	w.syncTargets()

	began := w.clock.Now()
	err := invokeErr(ctx, w.policy.CallTimeout, func(ctx context.Context) error {
		return w.dev.Stop(ctx, a.handle)
	})
	elapsed := w.clock.Since(began)
	if err != nil {
		if errors.Is(err, ErrDeviceDropped) {
			w.markDropped(err)
		}
		w.tl.Append(timeline.KindStopFail, w.attrs(targetAttrs(a.target, err, elapsed)))
		logf("stop %s failed: %v", w.dev.ID(), err)
		return reply{err: err}
	}
	w.tl.Append(timeline.KindStopSuccess, w.attrs(targetAttrs(a.target, nil, elapsed)))
	return reply{}
}

func (w *worker) stopAll(ctx context.Context) reply {
	if len(w.handles) == 0 {
		return reply{skipped: true}
	}
	keys := make([]string, 0, len(w.handles))
	for k := range w.handles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var errs []error
	for _, k := range keys {
		if r := w.stop(ctx, k); r.err != nil {
			errs = append(errs, r.err)
		}
	}
	return reply{err: errors.Join(errs...)}
}

func (w *worker) firstHandle() Handle {
	for _, a := range w.handles {
		return a.handle
	}
	return nil
}

func (w *worker) keepAlive(ctx context.Context) reply {
	if err := w.gate(); err != nil {
		return reply{err: err, skipped: true}
	}
	if _, connected := w.availability(); !connected {
		return reply{skipped: true}
	}
	h := w.firstHandle()
	began := w.clock.Now()
	err := invokeErr(ctx, w.policy.CallTimeout, func(ctx context.Context) error {
		return w.dev.KeepAlive(ctx, h)
	})
	if err != nil {
		w.tl.Append(timeline.KindKeepAliveFail, w.attrs(targetAttrs(Target{}, err, w.clock.Since(began))))
		if errors.Is(err, ErrDeviceDropped) {
			w.markDropped(err)
		}
		return reply{err: err}
	}
	return reply{}
}

// markDropped excludes the device and records the drop once.
func (w *worker) markDropped(err error) {
	avail, connected := w.availability()
	if avail == Dropped {
		return
	}
	w.setState(Dropped, connected, err)
	w.tl.Append(timeline.KindDeviceDropped, w.attrs(timeline.Attrs{"error": err.Error()}))
	logf("%s dropped: %v", w.dev.ID(), err)
}

func (w *worker) status(ctx context.Context) reply {
	h := w.firstHandle()
	st, err := invoke(ctx, w.policy.CallTimeout, func(ctx context.Context) (Status, error) {
		return w.dev.Status(ctx, h)
	})
	if errors.Is(err, ErrDeviceDropped) {
		w.markDropped(err)
	}
	return reply{status: st, err: err}
}

func (w *worker) snapshot(ctx context.Context, path string) reply {
	if err := w.gate(); err != nil {
		return reply{err: err, skipped: true}
	}
	snap, ok := w.dev.(Snapshotter)
	if !ok {
		return reply{err: ErrUnsupported, skipped: true}
	}
	began := w.clock.Now()
	err := invokeErr(ctx, w.policy.CallTimeout, func(ctx context.Context) error {
		return snap.Snapshot(ctx, path)
	})
	attrs := targetAttrs(Target{Path: path}, err, w.clock.Since(began))
	if err != nil {
		w.tl.Append(timeline.KindCaptureFail, w.attrs(attrs))
		return reply{err: err}
	}
	w.tl.Append(timeline.KindCapture, w.attrs(attrs))
	return reply{}
}

// pause freezes or resumes an active recording. The recorder itself records
// the transition on the timeline.
func (w *worker) pause(ctx context.Context, key string, freeze bool) reply {
	a, ok := w.handles[key]
	if !ok {
		return reply{err: fmt.Errorf("%s: no active recording for %q", w.dev.ID(), key), skipped: true}
	}
	p, ok := w.dev.(Pauser)
	if !ok {
		return reply{err: ErrUnsupported, skipped: true}
	}
	err := invokeErr(ctx, w.policy.CallTimeout, func(ctx context.Context) error {
		if freeze {
			return p.Pause(ctx, a.handle)
		}
		return p.Resume(ctx, a.handle)
	})
	if err != nil {
		logf("pause %s (freeze=%v) failed: %v", w.dev.ID(), freeze, err)
	}
	return reply{err: err}
}

// disconnect is a no-op for devices that never connected.
func (w *worker) disconnect(ctx context.Context) reply {
	avail, connected := w.availability()
	if !connected {
		return reply{skipped: true}
	}
	began := w.clock.Now()
	err := invokeErr(ctx, w.policy.CallTimeout, w.dev.Disconnect)
	if avail == Connected {
		avail = Disconnected
	}
	w.setState(avail, false, err)
	w.tl.Append(timeline.KindDisconnect, w.attrs(targetAttrs(Target{}, err, w.clock.Since(began))))
	if err != nil {
		logf("disconnect %s failed: %v", w.dev.ID(), err)
	}
	return reply{err: err}
}
