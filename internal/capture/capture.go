// Package capture turns camera and audio drivers into devices whose
// recordings run through a fixed-rate recorder.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/banshee-data/sessionsync/internal/device"
	"github.com/banshee-data/sessionsync/internal/recorder"
	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

// CameraDriver is a camera that hands out a fresh frame reader per
// recording.
type CameraDriver interface {
	Connect(ctx context.Context) error
	NewFrameReader() (recorder.FrameReader, error)
	Disconnect(ctx context.Context) error
}

// AudioDriver is a microphone that hands out a fresh block reader per
// recording. Blocks are mono PCM16.
type AudioDriver interface {
	Connect(ctx context.Context) error
	NewBlockReader() (recorder.BlockReader, error)
	Disconnect(ctx context.Context) error
}

// Device records one or more streams through recorder.Recorder. The
// handle returned by Start is the *recorder.Recorder.
type Device struct {
	id    string
	class device.Class
	rate  float64
	tl    *timeline.Timeline
	clock timeutil.Clock

	connect    func(context.Context) error
	disconnect func(context.Context) error
	newSource  func() (recorder.Source, error)
	newSink    func(path, stream string) (recorder.Sink, error)
	snap       device.Snapshotter

	mu        sync.Mutex
	connected bool
	active    map[*recorder.Recorder]struct{}
}

// NewCamera returns a camera device writing frame logs at fps.
func NewCamera(id string, drv CameraDriver, fps float64, tl *timeline.Timeline, clock timeutil.Clock) *Device {
	d := newDevice(id, device.ClassCamera, fps, tl, clock)
	d.connect, d.disconnect = drv.Connect, drv.Disconnect
	d.newSource = func() (recorder.Source, error) {
		r, err := drv.NewFrameReader()
		if err != nil {
			return nil, err
		}
		return recorder.FrameSource{Reader: r}, nil
	}
	d.newSink = func(path, stream string) (recorder.Sink, error) {
		if !strings.HasSuffix(path, recorder.FrameLogExtension) {
			path += recorder.FrameLogExtension
		}
		return recorder.NewFrameLog(path, stream, fps)
	}
	if s, ok := drv.(device.Snapshotter); ok {
		d.snap = s
	}
	return d
}

// NewAudio returns an audio device writing WAV files at sampleRate.
func NewAudio(id string, drv AudioDriver, sampleRate int, tl *timeline.Timeline, clock timeutil.Clock) *Device {
	d := newDevice(id, device.ClassAudio, float64(sampleRate), tl, clock)
	d.connect, d.disconnect = drv.Connect, drv.Disconnect
	d.newSource = func() (recorder.Source, error) {
		r, err := drv.NewBlockReader()
		if err != nil {
			return nil, err
		}
		return recorder.NewBlockSource(r, 2), nil
	}
	d.newSink = func(path, _ string) (recorder.Sink, error) {
		if filepath.Ext(path) != ".wav" {
			path += ".wav"
		}
		return recorder.NewWAVSink(path, sampleRate)
	}
	return d
}

func newDevice(id string, class device.Class, rate float64, tl *timeline.Timeline, clock timeutil.Clock) *Device {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Device{
		id:     id,
		class:  class,
		rate:   rate,
		tl:     tl,
		clock:  clock,
		active: make(map[*recorder.Recorder]struct{}),
	}
}

func (d *Device) ID() string          { return d.id }
func (d *Device) Class() device.Class { return d.class }
func (d *Device) Rate() float64       { return d.rate }

func (d *Device) Connect(ctx context.Context) error {
	if err := d.connect(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

// Start opens a recorder writing to target.Path. The stream name defaults
// to the device ID.
func (d *Device) Start(ctx context.Context, target device.Target) (device.Handle, error) {
	d.mu.Lock()
	connected := d.connected
	d.mu.Unlock()
	if !connected {
		return nil, errors.New("device not connected")
	}
	if target.Path == "" {
		return nil, errors.New("recording target path is required")
	}
	stream := target.Stream
	if stream == "" {
		stream = d.id
	}
	if err := os.MkdirAll(filepath.Dir(target.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	src, err := d.newSource()
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	sink, err := d.newSink(target.Path, stream)
	if err != nil {
		return nil, err
	}
	rec, err := recorder.New(d.tl, src, sink, recorder.Options{
		Name:     stream,
		Rate:     d.rate,
		Pausable: target.Pausable,
		Target:   sink.Path(),
		Clock:    d.clock,
	})
	if err != nil {
		sink.Close()
		return nil, err
	}
	if err := rec.Start(ctx); err != nil {
		sink.Close()
		return nil, err
	}
	d.mu.Lock()
	d.active[rec] = struct{}{}
	d.mu.Unlock()
	return rec, nil
}

func handleRecorder(h device.Handle) (*recorder.Recorder, error) {
	rec, ok := h.(*recorder.Recorder)
	if !ok || rec == nil {
		return nil, fmt.Errorf("not a recording handle: %T", h)
	}
	return rec, nil
}

func (d *Device) Stop(ctx context.Context, h device.Handle) error {
	rec, err := handleRecorder(h)
	if err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.active, rec)
	d.mu.Unlock()
	return rec.Stop()
}

func (d *Device) Pause(ctx context.Context, h device.Handle) error {
	rec, err := handleRecorder(h)
	if err != nil {
		return err
	}
	_, err = rec.Pause()
	return err
}

func (d *Device) Resume(ctx context.Context, h device.Handle) error {
	rec, err := handleRecorder(h)
	if err != nil {
		return err
	}
	_, err = rec.Resume()
	return err
}

// KeepAlive is a no-op for local capture hardware.
func (d *Device) KeepAlive(ctx context.Context, h device.Handle) error { return nil }

func (d *Device) Status(ctx context.Context, h device.Handle) (device.Status, error) {
	d.mu.Lock()
	st := device.Status{Connected: d.connected, Recording: len(d.active) > 0}
	d.mu.Unlock()
	if rec, err := handleRecorder(h); err == nil {
		stats, err := rec.Stats()
		if err == nil {
			st.Detail = map[string]any{
				"stream":   rec.Name(),
				"units":    stats.Produced,
				"live":     stats.Live,
				"frozen":   stats.Frozen,
				"paused":   stats.Paused,
				"rate":     rec.Rate(),
				"pausable": rec.Pausable(),
			}
		}
	}
	return st, nil
}

// Snapshot delegates to the driver when it can capture stills.
func (d *Device) Snapshot(ctx context.Context, path string) error {
	if d.snap == nil {
		return device.ErrUnsupported
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return d.snap.Snapshot(ctx, path)
}

func (d *Device) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return d.disconnect(ctx)
}
