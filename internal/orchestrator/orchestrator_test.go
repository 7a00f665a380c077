package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sessionsync/internal/biosensor"
	"github.com/banshee-data/sessionsync/internal/capture"
	"github.com/banshee-data/sessionsync/internal/config"
	"github.com/banshee-data/sessionsync/internal/device"
	"github.com/banshee-data/sessionsync/internal/drivers/sim"
	"github.com/banshee-data/sessionsync/internal/phase"
	"github.com/banshee-data/sessionsync/internal/recorder"
	"github.com/banshee-data/sessionsync/internal/session"
	"github.com/banshee-data/sessionsync/internal/testutil"
	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

const settingsJSON = `{
  "experiment": {"name": "trial", "output_dir": %q, "backup_dir": %q},
  "tick_interval": "250ms",
  "wifi_camera_mode": %q,
  "devices": [
    {"id": "face_cam", "class": "camera", "rate": 10},
    {"id": "mic", "class": "audio", "rate": 8000},
    {"id": "gopro", "class": "wifi_camera"},
    {"id": "strap", "class": "biosensor", "seed": 3}
  ],
  "biosensor": {"enabled": true, "device_id": "strap", "flush_every": 2},
  "phases": [
    {"id": "setup", "checklist": ["ready"], "capture_interval": "1s",
     "connect": ["camera", "audio", "wifi_camera", "biosensor"]},
    {"id": "baseline", "duration": "2s", "biosensor": "start"},
    {"id": "perform", "wifi_record": "performance",
     "record": [
       {"stream": "face", "device": "face_cam", "file": "performance/face", "pausable": true},
       {"stream": "audio", "device": "mic", "file": "performance/audio", "until": "review"}
     ]},
    {"id": "review",
     "record": [{"stream": "review_face", "device": "face_cam", "file": "review/face", "pausable": true}]},
    {"id": "finish", "biosensor": "stop"}
  ]
}`

type harness struct {
	o      *Orchestrator
	clock  *timeutil.MockClock
	cfg    *config.Settings
	runErr chan error
	cancel context.CancelFunc
}

func newSettings(t *testing.T, wifiMode, backup string) *config.Settings {
	t.Helper()
	return testutil.Settings(t, settingsJSON, t.TempDir(), backup, wifiMode)
}

func build(t *testing.T, cfg *config.Settings, opts Options) *harness {
	t.Helper()
	clock := testutil.NewClock()
	opts.Clock = clock
	o, err := Build(cfg, opts)
	require.NoError(t, err)
	return &harness{o: o, clock: clock, cfg: cfg}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.runErr = make(chan error, 1)
	go func() { h.runErr <- h.o.Run(ctx) }()
	select {
	case <-h.o.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not start")
	}
	t.Cleanup(func() {
		cancel()
		<-h.o.Done()
	})
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// tickUntil advances the clock one tick at a time until cond holds.
func (h *harness) tickUntil(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.clock.Advance(250 * time.Millisecond)
		return false
	}, 5*time.Second, time.Millisecond)
}

func (h *harness) active(t *testing.T) string {
	t.Helper()
	v, ok := h.o.Machine().Active()
	if !ok {
		return ""
	}
	return v.ID
}

func kinds(tl *timeline.Timeline, kind timeline.Kind, key, value string) int {
	return len(tl.FindAll(kind, func(e timeline.Event) bool { return key == "" || e.String(key) == value }))
}

func TestRun_FullSession(t *testing.T) {
	backup := t.TempDir()
	h := build(t, newSettings(t, config.WiFiModeAuto, backup), Options{Version: "test"})
	h.start(t)
	ctx := context.Background()
	tl := h.o.Timeline()

	// Every class connected on entering setup.
	assert.Equal(t, 4, kinds(tl, timeline.KindConnectSuccess, "", ""))

	// Periodic capture during setup.
	h.tickUntil(t, func() bool { return kinds(tl, timeline.KindCapture, "", "") >= 2 })
	shots, err := filepath.Glob(h.o.Session().Path(session.AreaCaptures, "setup", "face_cam_*.png"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(shots), 2)

	assert.ErrorIs(t, h.o.Advance(ctx), phase.ErrNotReady)
	require.NoError(t, h.o.ToggleChecklistItem(ctx, "setup", 0, true))
	require.NoError(t, h.o.Advance(ctx))
	assert.Equal(t, "baseline", h.active(t))

	// Baseline is duration bound and advances itself.
	h.tickUntil(t, func() bool { return h.active(t) == "perform" })
	assert.Equal(t, 1, kinds(tl, timeline.KindPhaseEnd, "reason", "duration"))

	streams := h.o.Streams()
	require.Len(t, streams, 2)
	assert.Equal(t, "audio", streams[0].Stream)
	assert.Equal(t, "face", streams[1].Stream)
	assert.Equal(t, 1, kinds(tl, timeline.KindStartSuccess, "purpose", "performance"))
	h.tickUntil(t, func() bool { return h.o.bio.Recorder().Len() >= 2 })

	assert.ErrorIs(t, h.o.Pause(ctx, "audio"), recorder.ErrNotPausable)
	assert.ErrorIs(t, h.o.Pause(ctx, "nope"), ErrUnknownStream)
	require.NoError(t, h.o.Pause(ctx, "face"))
	h.clock.Advance(time.Second)
	require.NoError(t, h.o.Resume(ctx, "face"))
	h.clock.Advance(time.Second)

	require.NoError(t, h.o.Advance(ctx))
	assert.Equal(t, "review", h.active(t))
	streams = h.o.Streams()
	require.Len(t, streams, 2, "audio spans into review")
	assert.Equal(t, "audio", streams[0].Stream)
	assert.Equal(t, "review_face", streams[1].Stream)
	assert.Equal(t, 1, kinds(tl, timeline.StreamStop("face"), "", ""))

	require.NoError(t, h.o.Advance(ctx))
	assert.Empty(t, h.o.Streams())
	require.NoError(t, h.o.Advance(ctx))

	require.NoError(t, h.wait(t))
	res := h.o.Result()
	assert.Equal(t, "completed", res.Reason)

	// Recordings on disk.
	log, err := recorder.OpenFrameLog(h.o.Session().Path("performance", "face"+recorder.FrameLogExtension))
	require.NoError(t, err)
	assert.NotEmpty(t, log.Index())
	markers, err := recorder.ReadPauseLog(recorder.PauseLogPath(h.o.Session().Path("performance", "face"+recorder.FrameLogExtension)))
	require.NoError(t, err)
	assert.Len(t, markers, 2)
	_, err = os.Stat(h.o.Session().Path("performance", "audio.wav"))
	assert.NoError(t, err)

	// Heart rate persisted three ways.
	samples, err := biosensor.ReadCSVFile(res.CSVPath)
	require.NoError(t, err)
	require.NotEmpty(t, samples)
	for _, s := range samples {
		assert.Contains(t, []string{"baseline", "perform", "review"}, s.Phase)
	}
	require.NotEmpty(t, res.Summaries)
	_, err = os.Stat(filepath.Join(h.o.Session().Path(session.AreaHeartRate), SummaryFile))
	assert.NoError(t, err)

	// Manifest finalized with the full timeline, teardown last.
	doc, err := session.ReadManifest(res.ManifestPath)
	require.NoError(t, err)
	assert.True(t, doc.Finalized)
	require.NotEmpty(t, doc.Events)
	assert.Equal(t, timeline.KindTeardownComplete, doc.Events[len(doc.Events)-1].Kind)
	assert.Equal(t, 5, kinds(tl, timeline.KindPhaseStart, "", ""))
	for i := 1; i < len(doc.Events); i++ {
		assert.GreaterOrEqual(t, doc.Events[i].WallTime, doc.Events[i-1].WallTime)
	}

	// Backup copy made after finalization.
	require.NotEmpty(t, res.BackupPath)
	_, err = os.Stat(filepath.Join(res.BackupPath, session.ManifestFile))
	assert.NoError(t, err)

	// Commands after the session ended are refused.
	assert.ErrorIs(t, h.o.Advance(ctx), ErrNotRunning)
}

func TestRun_CancelTearsDown(t *testing.T) {
	h := build(t, newSettings(t, config.WiFiModeAuto, ""), Options{})
	h.start(t)
	ctx := context.Background()
	require.NoError(t, h.o.ToggleChecklistItem(ctx, "setup", 0, true))
	require.NoError(t, h.o.Advance(ctx))
	h.tickUntil(t, func() bool { return h.active(t) == "perform" })

	h.cancel()
	require.NoError(t, h.wait(t))
	res := h.o.Result()
	assert.Equal(t, "cancelled", res.Reason)

	tl := h.o.Timeline()
	assert.Equal(t, 1, kinds(tl, timeline.KindTeardownComplete, "", ""))
	// Every recording and device was stopped by teardown.
	assert.Equal(t, 1, kinds(tl, timeline.StreamStop("face"), "", ""))
	assert.Equal(t, 1, kinds(tl, timeline.StreamStop("audio"), "", ""))
	assert.Equal(t, 1, kinds(tl, timeline.StreamStop(HeartRateStream), "", ""))
	assert.Equal(t, 4, kinds(tl, timeline.KindDisconnect, "", ""))

	// A second teardown is a no-op.
	require.NoError(t, h.o.Teardown(ctx))
	assert.Equal(t, 1, kinds(tl, timeline.KindTeardownComplete, "", ""))
}

func TestRun_OperatorStop(t *testing.T) {
	h := build(t, newSettings(t, config.WiFiModeAuto, ""), Options{})
	h.start(t)
	require.NoError(t, h.o.Stop(context.Background()))
	require.NoError(t, h.wait(t))
	assert.Equal(t, "operator", h.o.Result().Reason)
	assert.Equal(t, 1, kinds(h.o.Timeline(), timeline.KindOperatorCommand, "command", "stop"))
}

func TestCommands_BeforeRun(t *testing.T) {
	h := build(t, newSettings(t, config.WiFiModeAuto, ""), Options{})
	assert.ErrorIs(t, h.o.Advance(context.Background()), ErrNotRunning)
	require.NoError(t, h.o.Teardown(context.Background()))
	assert.ErrorIs(t, h.o.Run(context.Background()), ErrNotRunning)
}

func TestManualWiFiMode_PromptsOperator(t *testing.T) {
	h := build(t, newSettings(t, config.WiFiModeManual, ""), Options{})
	h.start(t)
	ctx := context.Background()
	tl := h.o.Timeline()

	assert.Equal(t, 3, kinds(tl, timeline.KindConnectSuccess, "", ""), "wifi camera is not driven")

	require.NoError(t, h.o.ToggleChecklistItem(ctx, "setup", 0, true))
	require.NoError(t, h.o.Advance(ctx))
	require.NoError(t, h.o.Skip(ctx))
	assert.Equal(t, "perform", h.active(t))
	assert.Equal(t, 1, kinds(tl, timeline.KindOperatorPrompt, "action", "start_wifi_camera"))

	require.NoError(t, h.o.Advance(ctx))
	assert.Equal(t, 1, kinds(tl, timeline.KindOperatorPrompt, "action", "stop_wifi_camera"))
}

func TestRestart_RecordsToNewFiles(t *testing.T) {
	h := build(t, newSettings(t, config.WiFiModeAuto, ""), Options{})
	h.start(t)
	ctx := context.Background()
	require.NoError(t, h.o.ToggleChecklistItem(ctx, "setup", 0, true))
	require.NoError(t, h.o.Advance(ctx))
	require.NoError(t, h.o.Skip(ctx))
	h.clock.Advance(time.Second)

	require.NoError(t, h.o.Restart(ctx))
	tl := h.o.Timeline()
	assert.Equal(t, 1, kinds(tl, timeline.KindPhaseRestart, "phase", "perform"))
	assert.Equal(t, 1, kinds(tl, timeline.StreamStop("face"), "", ""))
	assert.Equal(t, 2, kinds(tl, timeline.StreamStart("face"), "", ""))

	var face StreamInfo
	for _, s := range h.o.Streams() {
		if s.Stream == "face" {
			face = s
		}
	}
	assert.Equal(t, h.o.Session().Path("performance", "face_redo1"), face.Target.Path)
}

func TestBuild_DeviceFailureIsNotFatal(t *testing.T) {
	cfg := newSettings(t, config.WiFiModeAuto, "")
	h := build(t, cfg, Options{NewDevices: func(tl *timeline.Timeline, opts DeviceOptions) (*DeviceSet, error) {
		set, err := BuildDevices(cfg, tl, opts)
		if err != nil {
			return nil, err
		}
		for i, d := range set.Devices {
			if d.ID() == "gopro" {
				broken := sim.NewWiFiCamera("gopro", opts.Clock)
				broken.Faults.ConnectErr = errors.New("no wifi")
				set.Devices[i] = broken
			}
		}
		return set, nil
	}})
	h.start(t)
	ctx := context.Background()
	tl := h.o.Timeline()
	assert.Equal(t, 1, kinds(tl, timeline.KindConnectFail, "device", "gopro"))

	require.NoError(t, h.o.ToggleChecklistItem(ctx, "setup", 0, true))
	require.NoError(t, h.o.Advance(ctx))
	require.NoError(t, h.o.Skip(ctx))
	assert.Equal(t, "perform", h.active(t), "session continues without the camera")

	var gopro DeviceStatus
	for _, d := range h.o.Devices(ctx) {
		if d.ID == "gopro" {
			gopro = d
		}
	}
	assert.Equal(t, device.Unavailable, gopro.Availability)
	assert.Nil(t, gopro.Status)
}

func TestPreflight(t *testing.T) {
	cfg := newSettings(t, config.WiFiModeAuto, "")
	clock := testutil.NewClock()
	reports, tl, err := Preflight(context.Background(), cfg, Options{
		Clock: clock,
		NewDevices: func(tl *timeline.Timeline, opts DeviceOptions) (*DeviceSet, error) {
			set, err := BuildDevices(cfg, tl, opts)
			if err != nil {
				return nil, err
			}
			mic := sim.NewMicrophone(8000, clock)
			mic.Faults.ConnectErr = errors.New("unplugged")
			for i, d := range set.Devices {
				if d.ID() == "mic" {
					set.Devices[i] = capture.NewAudio("mic", mic, 8000, tl, clock)
				}
			}
			return set, nil
		},
	})
	require.NoError(t, err)
	require.Len(t, reports, 4)
	byID := make(map[string]PreflightReport)
	for _, r := range reports {
		byID[r.ID] = r
	}
	assert.False(t, byID["mic"].Connected)
	assert.Contains(t, byID["mic"].Error, "unplugged")
	assert.True(t, byID["gopro"].Connected)
	require.NotNil(t, byID["gopro"].Status)
	assert.NotNil(t, byID["gopro"].Status.Battery)
	assert.Len(t, tl.FindAll(timeline.KindDisconnect, nil), 3, "failed device is not disconnected")
}
