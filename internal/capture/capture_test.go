package capture

import (
	"context"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sessionsync/internal/device"
	"github.com/banshee-data/sessionsync/internal/drivers/sim"
	"github.com/banshee-data/sessionsync/internal/recorder"
	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

var epoch = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func TestCamera_RecordsPausableFrameLog(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewMockClock(epoch)
	tl := timeline.New(clock)
	cam := NewCamera("face_cam", sim.NewCamera(10, clock), 10, tl, clock)
	require.NoError(t, cam.Connect(ctx))

	dir := t.TempDir()
	h, err := cam.Start(ctx, device.Target{Path: filepath.Join(dir, "face"), Stream: "face", Pausable: true})
	require.NoError(t, err)

	clock.Advance(time.Second)
	require.NoError(t, cam.Pause(ctx, h))
	clock.Advance(time.Second)
	require.NoError(t, cam.Resume(ctx, h))
	clock.Advance(time.Second)

	st, err := cam.Status(ctx, h)
	require.NoError(t, err)
	assert.True(t, st.Recording)
	assert.Equal(t, "face", st.Detail["stream"])
	assert.Equal(t, true, st.Detail["pausable"])

	require.NoError(t, cam.Stop(ctx, h))

	log, err := recorder.OpenFrameLog(filepath.Join(dir, "face"+recorder.FrameLogExtension))
	require.NoError(t, err)
	require.Len(t, log.Index(), 30)
	for i := uint64(0); i < 30; i++ {
		_, kind, err := log.Frame(i)
		require.NoError(t, err)
		want := recorder.UnitLive
		if i >= 10 && i < 20 {
			want = recorder.UnitFrozen
		}
		assert.Equal(t, want, kind, "frame %d", i)
	}

	_, ok := tl.Find(timeline.StreamStart("face"), nil)
	assert.True(t, ok)
	_, ok = tl.Find(timeline.StreamStop("face"), nil)
	assert.True(t, ok)
	assert.Len(t, tl.FindAll(timeline.KindPause, nil), 1)

	_, err = os.Stat(recorder.PauseLogPath(filepath.Join(dir, "face"+recorder.FrameLogExtension)))
	assert.NoError(t, err)
}

func TestAudio_RecordsWAV(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewMockClock(epoch)
	tl := timeline.New(clock)
	mic := NewAudio("mic", sim.NewMicrophone(8000, clock), 8000, tl, clock)
	require.NoError(t, mic.Connect(ctx))

	dir := t.TempDir()
	h, err := mic.Start(ctx, device.Target{Path: filepath.Join(dir, "audio")})
	require.NoError(t, err)
	clock.Advance(500 * time.Millisecond)

	// Audio recordings are not pausable unless asked.
	assert.ErrorIs(t, mic.Pause(ctx, h), recorder.ErrNotPausable)
	require.NoError(t, mic.Stop(ctx, h))

	info, err := recorder.ReadWAV(filepath.Join(dir, "audio.wav"))
	require.NoError(t, err)
	assert.Equal(t, 8000, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Len(t, info.Samples, 4000)

	// The stream name defaults to the device ID.
	_, ok := tl.Find(timeline.StreamStart("mic"), nil)
	assert.True(t, ok)
}

func TestStart_Preconditions(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewMockClock(epoch)
	cam := NewCamera("cam", sim.NewCamera(10, clock), 10, timeline.New(clock), clock)

	_, err := cam.Start(ctx, device.Target{Path: filepath.Join(t.TempDir(), "x")})
	assert.Error(t, err, "not connected")

	require.NoError(t, cam.Connect(ctx))
	_, err = cam.Start(ctx, device.Target{})
	assert.Error(t, err, "no path")

	assert.Error(t, cam.Stop(ctx, "bogus"))
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewMockClock(epoch)
	tl := timeline.New(clock)
	cam := NewCamera("cam", sim.NewCamera(10, clock), 10, tl, clock)
	mic := NewAudio("mic", sim.NewMicrophone(8000, clock), 8000, tl, clock)

	path := filepath.Join(t.TempDir(), "stills", "setup.png")
	require.NoError(t, cam.Snapshot(ctx, path))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())

	assert.ErrorIs(t, mic.Snapshot(ctx, path), device.ErrUnsupported)
}

func TestCoordinatorRoutesPause(t *testing.T) {
	ctx := context.Background()
	clock := timeutil.NewMockClock(epoch)
	tl := timeline.New(clock)
	cam := NewCamera("cam", sim.NewCamera(5, clock), 5, tl, clock)

	coord, err := device.NewCoordinator(tl, device.Options{Clock: clock}, cam)
	require.NoError(t, err)
	defer coord.Shutdown(ctx)
	for _, r := range coord.ConnectAll(ctx, device.ClassCamera) {
		require.NoError(t, r.Err)
	}

	target := device.Target{Path: filepath.Join(t.TempDir(), "face"), Stream: "face", Pausable: true}
	for _, r := range coord.StartEach(ctx, []device.StartRequest{{DeviceID: "cam", Target: target}}) {
		require.NoError(t, r.Err)
	}
	clock.Advance(time.Second)
	require.NoError(t, coord.Pause(ctx, "cam", target))
	require.NoError(t, coord.Resume(ctx, "cam", target))
	require.NoError(t, coord.Stop(ctx, "cam", target))
	assert.Len(t, tl.FindAll(timeline.KindResume, nil), 1)
}
