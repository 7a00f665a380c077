package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/sessionsync/internal/monitoring"
	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

var logf = monitoring.Prefixed("device")

// Defaults for Options fields left zero.
const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultCallTimeout     = 10 * time.Second
	DefaultKeepAlivePeriod = 2500 * time.Millisecond
	DefaultTeardownTimeout = 5 * time.Second
)

// DefaultPolicies returns the per-class policies used when Options.Policies
// has no entry for a class. WiFi cameras close idle connections and need
// keep-alives.
func DefaultPolicies() map[Class]Policy {
	base := Policy{ConnectTimeout: DefaultConnectTimeout, CallTimeout: DefaultCallTimeout}
	wifi := base
	wifi.KeepAlive = true
	return map[Class]Policy{
		ClassCamera:     base,
		ClassAudio:      base,
		ClassWiFiCamera: wifi,
		ClassBiosensor:  base,
	}
}

// Options configures a Coordinator.
type Options struct {
	Policies        map[Class]Policy
	KeepAlivePeriod time.Duration
	TeardownTimeout time.Duration
	Clock           timeutil.Clock
}

func (o *Options) normalize() {
	defaults := DefaultPolicies()
	if o.Policies == nil {
		o.Policies = defaults
	} else {
		for c, p := range defaults {
			cur, ok := o.Policies[c]
			if !ok {
				o.Policies[c] = p
				continue
			}
			if cur.ConnectTimeout <= 0 {
				cur.ConnectTimeout = p.ConnectTimeout
			}
			if cur.CallTimeout <= 0 {
				cur.CallTimeout = p.CallTimeout
			}
			o.Policies[c] = cur
		}
	}
	if o.KeepAlivePeriod <= 0 {
		o.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = DefaultTeardownTimeout
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
}

// Coordinator fans device operations out to per-device workers. Device
// failures are recorded on the timeline and returned as Results; they never
// panic or block past their class timeout.
type Coordinator struct {
	tl   *timeline.Timeline
	opts Options

	order   []string
	workers map[string]*worker

	mu            sync.Mutex
	lastKeepAlive time.Time
	closed        bool

	shutdownOnce sync.Once
}

// NewCoordinator starts a worker for each device. Device IDs must be unique.
func NewCoordinator(tl *timeline.Timeline, opts Options, devices ...Device) (*Coordinator, error) {
	opts.normalize()
	c := &Coordinator{
		tl:      tl,
		opts:    opts,
		workers: make(map[string]*worker, len(devices)),
	}
	for _, d := range devices {
		if !d.Class().Valid() {
			c.stopWorkers()
			return nil, fmt.Errorf("device %s: unknown class %q", d.ID(), d.Class())
		}
		if _, dup := c.workers[d.ID()]; dup {
			c.stopWorkers()
			return nil, fmt.Errorf("duplicate device id %q", d.ID())
		}
		c.workers[d.ID()] = newWorker(d, opts.Policies[d.Class()], tl, opts.Clock)
		c.order = append(c.order, d.ID())
	}
	return c, nil
}

// Devices returns a view of every registered device in registration order.
func (c *Coordinator) Devices() []Info {
	out := make([]Info, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.workers[id].info())
	}
	return out
}

// IDs returns the registered devices of class, or all devices when class is
// empty, in registration order.
func (c *Coordinator) IDs(class Class) []string {
	var ids []string
	for _, id := range c.order {
		if class == "" || c.workers[id].dev.Class() == class {
			ids = append(ids, id)
		}
	}
	return ids
}

// Available reports whether id is registered and not excluded.
func (c *Coordinator) Available(id string) bool {
	w, ok := c.workers[id]
	if !ok {
		return false
	}
	avail, _ := w.availability()
	return avail != Unavailable && avail != Dropped
}

func (c *Coordinator) worker(id string) (*worker, error) {
	w, ok := c.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return w, nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fanOut runs fn for every id concurrently and collects results in id order.
// Requests the worker skipped produce no Result.
func (c *Coordinator) fanOut(ids []string, fn func(w *worker) reply) []Result {
	replies := make([]reply, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, w *worker) {
			defer wg.Done()
			replies[i] = fn(w)
		}(i, c.workers[id])
	}
	wg.Wait()

	results := make([]Result, 0, len(ids))
	for i, id := range ids {
		if replies[i].skipped {
			continue
		}
		results = append(results, Result{DeviceID: id, Class: c.workers[id].dev.Class(), Err: replies[i].err})
	}
	return results
}

func (c *Coordinator) eligible(class Class) []string {
	var ids []string
	for _, id := range c.IDs(class) {
		if c.Available(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// ConnectAll connects every available device of class (all classes when
// empty) concurrently and waits for all to settle.
func (c *Coordinator) ConnectAll(ctx context.Context, class Class) []Result {
	if c.isClosed() {
		return nil
	}
	return c.fanOut(c.eligible(class), func(w *worker) reply {
		return w.call(ctx, opConnect, Target{}, "")
	})
}

// Connect connects a single device.
func (c *Coordinator) Connect(ctx context.Context, id string) error {
	w, err := c.worker(id)
	if err != nil {
		return err
	}
	return w.call(ctx, opConnect, Target{}, "").err
}

// StartRequest names one device and the target it should record to.
type StartRequest struct {
	DeviceID string
	Target   Target
}

// StartEach starts every request concurrently. Excluded devices are skipped.
func (c *Coordinator) StartEach(ctx context.Context, reqs []StartRequest) []Result {
	if c.isClosed() {
		return nil
	}
	var ids []string
	targets := make(map[string]Target, len(reqs))
	for _, r := range reqs {
		if _, ok := c.workers[r.DeviceID]; !ok {
			logf("start: %v: %s", ErrUnknownDevice, r.DeviceID)
			continue
		}
		if !c.Available(r.DeviceID) {
			continue
		}
		if _, dup := targets[r.DeviceID]; dup {
			continue
		}
		ids = append(ids, r.DeviceID)
		targets[r.DeviceID] = r.Target
	}
	return c.fanOut(ids, func(w *worker) reply {
		return w.call(ctx, opStart, targets[w.dev.ID()], "")
	})
}

// StartAll starts every available device of class on the same target.
func (c *Coordinator) StartAll(ctx context.Context, class Class, target Target) []Result {
	var reqs []StartRequest
	for _, id := range c.eligible(class) {
		reqs = append(reqs, StartRequest{DeviceID: id, Target: target})
	}
	return c.StartEach(ctx, reqs)
}

// Stop stops one device's recording to target. Stopping a target that is not
// recording is a no-op.
func (c *Coordinator) Stop(ctx context.Context, id string, target Target) error {
	w, err := c.worker(id)
	if err != nil {
		return err
	}
	r := w.call(ctx, opStop, target, "")
	return r.err
}

// StopAll stops every active recording on devices of class (all classes
// when empty). Devices with nothing recording produce no Result.
func (c *Coordinator) StopAll(ctx context.Context, class Class) []Result {
	return c.fanOut(c.IDs(class), func(w *worker) reply {
		return w.call(ctx, opStopAll, Target{}, "")
	})
}

// KeepAlive sends keep-alives to connected devices whose class requires them,
// at most once per keep-alive period. It is called on every control-loop
// tick and does not wait for the calls; the returned channel closes when
// every dispatched keep-alive has settled. A device whose previous
// keep-alive is still in flight is skipped.
func (c *Coordinator) KeepAlive(ctx context.Context, now time.Time) (int, <-chan struct{}) {
	done := make(chan struct{})
	c.mu.Lock()
	due := !c.closed && (c.lastKeepAlive.IsZero() || now.Sub(c.lastKeepAlive) >= c.opts.KeepAlivePeriod)
	if due {
		c.lastKeepAlive = now
	}
	c.mu.Unlock()
	if !due {
		close(done)
		return 0, done
	}

	var wg sync.WaitGroup
	dispatched := 0
	for _, id := range c.order {
		w := c.workers[id]
		if !w.policy.KeepAlive {
			continue
		}
		if avail, connected := w.availability(); avail != Connected || !connected {
			continue
		}
		if !w.keepAlivePending.TryLock() {
			continue
		}
		dispatched++
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			defer w.keepAlivePending.Unlock()
			if r := w.call(ctx, opKeepAlive, Target{}, ""); r.err != nil {
				logf("keep-alive %s failed: %v", w.dev.ID(), r.err)
			}
		}(w)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return dispatched, done
}

// Pause freezes the recording of device id at target.
func (c *Coordinator) Pause(ctx context.Context, id string, target Target) error {
	w, err := c.worker(id)
	if err != nil {
		return err
	}
	return w.call(ctx, opPause, target, "").err
}

// Resume returns a paused recording to live capture.
func (c *Coordinator) Resume(ctx context.Context, id string, target Target) error {
	w, err := c.worker(id)
	if err != nil {
		return err
	}
	return w.call(ctx, opResume, target, "").err
}

// Snapshot asks a device to capture a still image to path.
func (c *Coordinator) Snapshot(ctx context.Context, id, path string) error {
	w, err := c.worker(id)
	if err != nil {
		return err
	}
	return w.call(ctx, opSnapshot, Target{}, path).err
}

// Status queries a device's self-reported status.
func (c *Coordinator) Status(ctx context.Context, id string) (Status, error) {
	w, err := c.worker(id)
	if err != nil {
		return Status{}, err
	}
	r := w.call(ctx, opStatus, Target{}, "")
	return r.status, r.err
}

// Disconnect disconnects a single device.
func (c *Coordinator) Disconnect(ctx context.Context, id string) error {
	w, err := c.worker(id)
	if err != nil {
		return err
	}
	return w.call(ctx, opDisconnect, Target{}, "").err
}

// Shutdown stops every active recording and disconnects every device, each
// step bounded by the teardown timeout independently of other devices, then
// stops the workers. Only the first call has any effect. Callers tearing
// down after cancellation should pass a context that is not already done.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		var wg sync.WaitGroup
		for _, id := range c.order {
			wg.Add(1)
			go func(w *worker) {
				defer wg.Done()
				for _, op := range []opKind{opStopAll, opDisconnect} {
					dctx, cancel := context.WithTimeout(ctx, c.opts.TeardownTimeout)
					w.call(dctx, op, Target{}, "")
					cancel()
				}
			}(c.workers[id])
		}
		wg.Wait()
		for _, id := range c.order {
			c.workers[id].waitLate(ctx, c.opts.TeardownTimeout)
		}
		c.stopWorkers()
	})
}

func (c *Coordinator) stopWorkers() {
	for _, w := range c.workers {
		select {
		case <-w.quit:
		default:
			close(w.quit)
		}
	}
}
