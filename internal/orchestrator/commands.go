package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/banshee-data/sessionsync/internal/device"
	"github.com/banshee-data/sessionsync/internal/recorder"
	"github.com/banshee-data/sessionsync/internal/timeline"
)

// CommandKind names an operator command.
type CommandKind string

const (
	CmdAdvance   CommandKind = "advance"
	CmdSkip      CommandKind = "skip"
	CmdRestart   CommandKind = "restart"
	CmdChecklist CommandKind = "checklist"
	CmdPause     CommandKind = "pause"
	CmdResume    CommandKind = "resume"
	CmdStop      CommandKind = "stop"
)

type command struct {
	kind      CommandKind
	phaseID   string
	index     int
	satisfied bool
	stream    string
	reply     chan error
}

func (c command) attrs() timeline.Attrs {
	a := timeline.Attrs{"command": string(c.kind)}
	switch c.kind {
	case CmdChecklist:
		a["phase"], a["index"], a["satisfied"] = c.phaseID, c.index, c.satisfied
	case CmdPause, CmdResume:
		a["stream"] = c.stream
	}
	return a
}

// submit hands cmd to the control loop and waits for its answer.
func (o *Orchestrator) submit(ctx context.Context, cmd command) error {
	select {
	case <-o.running:
	default:
		return ErrNotRunning
	}
	cmd.reply = make(chan error, 1)
	select {
	case o.commands <- cmd:
	case <-o.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance completes the active phase and starts the next.
func (o *Orchestrator) Advance(ctx context.Context) error {
	return o.submit(ctx, command{kind: CmdAdvance})
}

// Skip abandons the active phase by operator override.
func (o *Orchestrator) Skip(ctx context.Context) error {
	return o.submit(ctx, command{kind: CmdSkip})
}

// Restart reruns the active phase.
func (o *Orchestrator) Restart(ctx context.Context) error {
	return o.submit(ctx, command{kind: CmdRestart})
}

// ToggleChecklistItem sets one checklist item of a phase.
func (o *Orchestrator) ToggleChecklistItem(ctx context.Context, phaseID string, index int, satisfied bool) error {
	return o.submit(ctx, command{kind: CmdChecklist, phaseID: phaseID, index: index, satisfied: satisfied})
}

// Pause freezes a pausable stream.
func (o *Orchestrator) Pause(ctx context.Context, stream string) error {
	return o.submit(ctx, command{kind: CmdPause, stream: stream})
}

// Resume returns a paused stream to live capture.
func (o *Orchestrator) Resume(ctx context.Context, stream string) error {
	return o.submit(ctx, command{kind: CmdResume, stream: stream})
}

// Stop ends the session; teardown follows.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.submit(ctx, command{kind: CmdStop})
}

// handle runs on the control loop.
func (o *Orchestrator) handle(ctx context.Context, cmd command) error {
	attrs := cmd.attrs()
	err := o.apply(ctx, cmd)
	if err != nil {
		attrs["error"] = err.Error()
	}
	o.tl.Append(timeline.KindOperatorCommand, attrs)
	return err
}

func (o *Orchestrator) apply(ctx context.Context, cmd command) error {
	switch cmd.kind {
	case CmdAdvance:
		return o.machine.Advance()
	case CmdSkip:
		return o.machine.Skip()
	case CmdRestart:
		return o.machine.Restart()
	case CmdChecklist:
		return o.machine.ToggleChecklistItem(cmd.phaseID, cmd.index, cmd.satisfied)
	case CmdPause, CmdResume:
		return o.pauseStream(ctx, cmd.stream, cmd.kind == CmdPause)
	case CmdStop:
		o.setStopReason("operator")
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd.kind)
}

func (o *Orchestrator) pauseStream(ctx context.Context, name string, pause bool) error {
	o.mu.Lock()
	s, ok := o.streams[name]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}
	if !s.Target.Pausable {
		return fmt.Errorf("%s: %w", name, recorder.ErrNotPausable)
	}
	if pause {
		return o.coord.Pause(ctx, s.DeviceID, s.Target)
	}
	return o.coord.Resume(ctx, s.DeviceID, s.Target)
}

// Streams lists the recordings currently running.
func (o *Orchestrator) Streams() []StreamInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]StreamInfo, 0, len(o.streams))
	for _, s := range o.streams {
		out = append(out, s.StreamInfo)
	}
	sortStreams(out)
	return out
}

// SessionInfo summarizes the session for operators.
type SessionInfo struct {
	ID          string `json:"session_id"`
	Experiment  string `json:"experiment"`
	Dir         string `json:"dir"`
	ActivePhase string `json:"active_phase,omitempty"`
	Running     bool   `json:"running"`
	Done        bool   `json:"done"`
	StopReason  string `json:"stop_reason,omitempty"`
	Events      int    `json:"events"`
}

// Info reports where the session stands.
func (o *Orchestrator) Info() SessionInfo {
	info := SessionInfo{
		ID:         o.sess.ID,
		Experiment: o.sess.Name,
		Dir:        o.sess.Dir,
		Events:     o.tl.Len(),
	}
	if v, ok := o.machine.Active(); ok {
		info.ActivePhase = v.ID
	}
	select {
	case <-o.running:
		info.Running = true
	default:
	}
	select {
	case <-o.done:
		info.Done = true
		info.Running = false
	default:
	}
	o.mu.Lock()
	info.StopReason = o.stopReason
	o.mu.Unlock()
	return info
}

// DeviceStatus is a device's standing plus its self-report.
type DeviceStatus struct {
	device.Info
	Status *device.Status `json:"status,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Devices reports every device, querying status from those still in the
// session.
func (o *Orchestrator) Devices(ctx context.Context) []DeviceStatus {
	infos := o.coord.Devices()
	out := make([]DeviceStatus, len(infos))
	for i, info := range infos {
		out[i].Info = info
		if !o.coord.Available(info.ID) {
			continue
		}
		st, err := o.coord.Status(ctx, info.ID)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].Status = &st
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
