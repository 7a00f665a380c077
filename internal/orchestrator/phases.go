package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/banshee-data/sessionsync/internal/config"
	"github.com/banshee-data/sessionsync/internal/device"
	"github.com/banshee-data/sessionsync/internal/phase"
	"github.com/banshee-data/sessionsync/internal/session"
	"github.com/banshee-data/sessionsync/internal/timeline"
)

// StreamInfo describes a running recording.
type StreamInfo struct {
	Stream   string        `json:"stream"`
	DeviceID string        `json:"device_id"`
	Phase    string        `json:"phase"`
	Until    string        `json:"until"`
	Target   device.Target `json:"target"`
}

type activeStream struct {
	StreamInfo
	startIdx int
	untilIdx int
}

func sortStreams(s []StreamInfo) {
	sort.Slice(s, func(i, j int) bool { return s[i].Stream < s[j].Stream })
}

// phaseContext is the context for device work triggered by a phase change.
// Every call made under it is also bounded by its class timeout.
func (o *Orchestrator) phaseContext() context.Context {
	if o.ctx != nil {
		return o.ctx
	}
	return context.Background()
}

// PhaseActivated implements phase.Observer. It runs on the control loop.
func (o *Orchestrator) PhaseActivated(v phase.View) {
	pc, ok := o.cfg.Phase(v.ID)
	if !ok {
		return
	}
	ctx := o.phaseContext()

	o.lastCapture = o.clock.Now().Add(-v.Definition().CaptureInterval)
	if o.bio != nil {
		o.bio.Recorder().SetPhaseLabel(v.ID)
	}

	for _, class := range pc.Connect {
		for _, r := range o.coord.ConnectAll(ctx, class) {
			if r.Err != nil {
				logf("%s: %s unavailable: %v", v.ID, r.DeviceID, r.Err)
			}
		}
	}

	if pc.Biosensor == config.BiosensorStart {
		o.startBiosensor(ctx)
	}
	o.startStreams(ctx, v, pc)
	if pc.WiFiRecord != "" {
		o.startWiFi(ctx, pc.WiFiRecord)
	}
	if pc.Biosensor == config.BiosensorStop {
		o.stopBiosensor(ctx)
	}
}

// PhaseDeactivated implements phase.Observer. A still-active view means
// the phase is being restarted.
func (o *Orchestrator) PhaseDeactivated(v phase.View) {
	ctx := o.phaseContext()

	restart := v.Status == phase.StatusActive
	o.stopStreams(ctx, func(s *activeStream) bool {
		if restart {
			return s.startIdx == v.Index
		}
		return s.untilIdx <= v.Index
	})
	if o.wifiPurpose != "" {
		o.stopWiFi(ctx)
	}
}

func (o *Orchestrator) phaseIndex(id string) int {
	for i, p := range o.cfg.Phases {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) startStreams(ctx context.Context, v phase.View, pc config.PhaseConfig) {
	var queue []*activeStream
	for _, sc := range pc.Record {
		o.mu.Lock()
		_, running := o.streams[sc.Stream]
		o.mu.Unlock()
		if running {
			logf("%s: stream %s already recording", v.ID, sc.Stream)
			continue
		}
		file := sc.File
		if v.Restarts > 0 {
			file = fmt.Sprintf("%s_redo%d", file, v.Restarts)
		}
		path, err := o.sess.ResolveTarget(file)
		if err != nil {
			logf("%s: stream %s: %v", v.ID, sc.Stream, err)
			continue
		}
		until := sc.Until
		if until == "" {
			until = v.ID
		}
		queue = append(queue, &activeStream{
			StreamInfo: StreamInfo{
				Stream:   sc.Stream,
				DeviceID: sc.Device,
				Phase:    v.ID,
				Until:    until,
				Target:   device.Target{Path: path, Purpose: v.ID, Stream: sc.Stream, Pausable: sc.Pausable},
			},
			startIdx: v.Index,
			untilIdx: o.phaseIndex(until),
		})
	}

	// StartEach takes one request per device, so a device recording two
	// streams starts them in successive rounds.
	for len(queue) > 0 {
		var (
			reqs  []device.StartRequest
			rest  []*activeStream
			round = make(map[string]*activeStream)
		)
		for _, s := range queue {
			if _, dup := round[s.DeviceID]; dup {
				rest = append(rest, s)
				continue
			}
			round[s.DeviceID] = s
			reqs = append(reqs, device.StartRequest{DeviceID: s.DeviceID, Target: s.Target})
		}
		for _, res := range o.coord.StartEach(ctx, reqs) {
			s := round[res.DeviceID]
			if res.Err != nil {
				logf("%s: stream %s on %s failed: %v", v.ID, s.Stream, res.DeviceID, res.Err)
				continue
			}
			o.mu.Lock()
			o.streams[s.Stream] = s
			o.mu.Unlock()
		}
		queue = rest
	}
}

func (o *Orchestrator) stopStreams(ctx context.Context, match func(*activeStream) bool) {
	o.mu.Lock()
	var stop []*activeStream
	for _, s := range o.streams {
		if match(s) {
			stop = append(stop, s)
		}
	}
	o.mu.Unlock()

	for _, s := range stop {
		if err := o.coord.Stop(ctx, s.DeviceID, s.Target); err != nil {
			logf("stop stream %s: %v", s.Stream, err)
		}
		o.mu.Lock()
		delete(o.streams, s.Stream)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) startWiFi(ctx context.Context, purpose string) {
	o.wifiPurpose = purpose
	if o.cfg.WiFiCameraMode == config.WiFiModeManual {
		o.tl.Append(timeline.KindOperatorPrompt, timeline.Attrs{
			"action":  "start_wifi_camera",
			"purpose": purpose,
			"message": fmt.Sprintf("Start recording on the wifi camera now (%s).", purpose),
		})
		return
	}
	target := device.Target{Purpose: purpose}
	for _, r := range o.coord.StartAll(ctx, device.ClassWiFiCamera, target) {
		if r.Err != nil {
			logf("wifi camera %s: %v", r.DeviceID, r.Err)
		}
	}
}

func (o *Orchestrator) stopWiFi(ctx context.Context) {
	purpose := o.wifiPurpose
	o.wifiPurpose = ""
	if o.cfg.WiFiCameraMode == config.WiFiModeManual {
		o.tl.Append(timeline.KindOperatorPrompt, timeline.Attrs{
			"action":  "stop_wifi_camera",
			"purpose": purpose,
			"message": fmt.Sprintf("Stop recording on the wifi camera and keep the %s clip.", purpose),
		})
		return
	}
	target := device.Target{Purpose: purpose}
	for _, id := range o.coord.IDs(device.ClassWiFiCamera) {
		if err := o.coord.Stop(ctx, id, target); err != nil {
			logf("wifi camera %s: stop: %v", id, err)
		}
	}
}

func (o *Orchestrator) startBiosensor(ctx context.Context) {
	if o.bio == nil || o.bioTarget != nil {
		return
	}
	target := device.Target{Path: o.sess.Path(session.AreaHeartRate), Stream: HeartRateStream, Purpose: HeartRateStream}
	for _, r := range o.coord.StartEach(ctx, []device.StartRequest{{DeviceID: o.bio.ID(), Target: target}}) {
		if r.Err != nil {
			logf("biosensor %s: %v", r.DeviceID, r.Err)
			return
		}
		o.bioTarget = &target
	}
}

func (o *Orchestrator) stopBiosensor(ctx context.Context) {
	if o.bio == nil || o.bioTarget == nil {
		return
	}
	if err := o.coord.Stop(ctx, o.bio.ID(), *o.bioTarget); err != nil {
		logf("biosensor %s: stop: %v", o.bio.ID(), err)
	}
	o.bioTarget = nil
}
