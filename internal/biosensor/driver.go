// Package biosensor adapts heart-rate sensors to the device layer and feeds
// their readings into a continuous recorder.
package biosensor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/sessionsync/internal/device"
	"github.com/banshee-data/sessionsync/internal/monitoring"
	"github.com/banshee-data/sessionsync/internal/recorder"
)

var logf = monitoring.Prefixed("biosensor")

// Driver is the sensor boundary. StreamSamples blocks, invoking fn for each
// reading, until ctx is cancelled or the sensor fails.
type Driver interface {
	ScanAndConnect(ctx context.Context) error
	StreamSamples(ctx context.Context, fn func(recorder.Reading)) error
	Disconnect(ctx context.Context) error
}

// BatteryReporter is implemented by drivers that know their battery level.
type BatteryReporter interface {
	Battery() (int, bool)
}

// Device exposes a Driver as a device.Device of class biosensor. Start
// begins streaming into the recorder; Stop ends streaming and stops the
// recorder.
type Device struct {
	id  string
	drv Driver
	rec *recorder.Continuous

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	streamErr error
	onDrop    func(error)
}

type streamHandle struct{ target device.Target }

// NewDevice returns a biosensor device.
func NewDevice(id string, drv Driver, rec *recorder.Continuous) *Device {
	return &Device{id: id, drv: drv, rec: rec}
}

func (d *Device) ID() string                     { return d.id }
func (d *Device) Class() device.Class            { return device.ClassBiosensor }
func (d *Device) Recorder() *recorder.Continuous { return d.rec }

// OnDrop registers fn to be told when a stream ends on its own.
func (d *Device) OnDrop(fn func(error)) {
	d.mu.Lock()
	d.onDrop = fn
	d.mu.Unlock()
}

func (d *Device) Connect(ctx context.Context) error {
	if err := d.drv.ScanAndConnect(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

// Start launches the streaming goroutine. The stream outlives ctx, which
// only bounds the call itself.
func (d *Device) Start(ctx context.Context, target device.Target) (device.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, errors.New("sensor not connected")
	}
	if d.cancel != nil {
		return nil, errors.New("sensor already streaming")
	}
	if err := d.rec.Start(); err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.cancel, d.done, d.streamErr = cancel, done, nil
	go func() {
		defer close(done)
		err := d.drv.StreamSamples(streamCtx, func(r recorder.Reading) {
			if _, err := d.rec.Ingest(r); err != nil && !errors.Is(err, recorder.ErrStopped) {
				logf("%s: ingest failed: %v", d.id, err)
			}
		})
		if err != nil && streamCtx.Err() == nil {
			logf("%s: stream ended: %v", d.id, err)
			d.mu.Lock()
			d.streamErr = err
			onDrop := d.onDrop
			d.mu.Unlock()
			if onDrop != nil {
				onDrop(err)
			}
		}
	}()
	return &streamHandle{target: target}, nil
}

func (d *Device) Stop(ctx context.Context, h device.Handle) error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return d.rec.Stop()
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stream did not stop: %w", ctx.Err())
	}
	return d.rec.Stop()
}

// KeepAlive is a no-op; the sensor link keeps itself alive.
func (d *Device) KeepAlive(ctx context.Context, h device.Handle) error { return nil }

// Status reports streaming state. A stream that ended on its own is
// reported as dropped.
func (d *Device) Status(ctx context.Context, h device.Handle) (device.Status, error) {
	d.mu.Lock()
	st := device.Status{
		Connected: d.connected,
		Recording: d.cancel != nil && d.streamErr == nil,
		Detail:    map[string]any{"samples": d.rec.Len()},
	}
	streamErr := d.streamErr
	d.mu.Unlock()
	if b, ok := d.drv.(BatteryReporter); ok {
		if level, ok := b.Battery(); ok {
			st.Battery = &level
		}
	}
	if streamErr != nil {
		return st, fmt.Errorf("%w: %w", device.ErrDeviceDropped, streamErr)
	}
	return st, nil
}

func (d *Device) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return d.drv.Disconnect(ctx)
}
