package orchestrator

import (
	"context"
	"errors"

	"github.com/banshee-data/sessionsync/internal/config"
	"github.com/banshee-data/sessionsync/internal/device"
	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

// PreflightReport is one device's result from Preflight.
type PreflightReport struct {
	ID        string         `json:"id"`
	Class     device.Class   `json:"class"`
	Connected bool           `json:"connected"`
	Status    *device.Status `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Preflight connects every configured device with its bounded timeout,
// collects status, and disconnects. Nothing is written to disk.
func Preflight(ctx context.Context, cfg *config.Settings, opts Options) ([]PreflightReport, *timeline.Timeline, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	tl := timeline.New(opts.Clock)
	set, err := opts.devices(cfg, tl, DeviceOptions{})
	if err != nil {
		return nil, tl, err
	}
	coordOpts := cfg.CoordinatorOptions()
	coordOpts.Clock = opts.Clock
	coord, err := device.NewCoordinator(tl, coordOpts, set.Devices...)
	if err != nil {
		return nil, tl, err
	}
	defer coord.Shutdown(context.WithoutCancel(ctx))

	failures := make(map[string]error)
	for _, r := range coord.ConnectAll(ctx, "") {
		if r.Err != nil {
			failures[r.DeviceID] = r.Err
		}
	}

	var reports []PreflightReport
	for _, info := range coord.Devices() {
		rep := PreflightReport{ID: info.ID, Class: info.Class}
		if err := failures[info.ID]; err != nil {
			rep.Error = err.Error()
			reports = append(reports, rep)
			continue
		}
		rep.Connected = true
		st, err := coord.Status(ctx, info.ID)
		if err != nil && !errors.Is(err, device.ErrUnsupported) {
			rep.Error = err.Error()
		} else if err == nil {
			rep.Status = &st
		}
		reports = append(reports, rep)
	}
	return reports, tl, nil
}
