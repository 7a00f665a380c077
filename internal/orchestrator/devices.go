package orchestrator

import (
	"fmt"
	"net/http"

	"github.com/banshee-data/sessionsync/internal/biosensor"
	"github.com/banshee-data/sessionsync/internal/capture"
	"github.com/banshee-data/sessionsync/internal/config"
	"github.com/banshee-data/sessionsync/internal/device"
	"github.com/banshee-data/sessionsync/internal/drivers/bridge"
	"github.com/banshee-data/sessionsync/internal/drivers/sim"
	"github.com/banshee-data/sessionsync/internal/drivers/wificam"
	"github.com/banshee-data/sessionsync/internal/httputil"
	"github.com/banshee-data/sessionsync/internal/recorder"
	"github.com/banshee-data/sessionsync/internal/serialmux"
	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

// HeartRateStream names the continuous biosensor stream.
const HeartRateStream = "heart_rate"

// AdminRouter is implemented by components exposing debug routes.
type AdminRouter interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

// DeviceSet is everything built from the devices section of the settings.
type DeviceSet struct {
	Devices   []device.Device
	Biosensor *biosensor.Device
	Admin     []AdminRouter
}

// DeviceOptions carries the collaborators drivers need.
type DeviceOptions struct {
	Clock timeutil.Clock
	// HTTPClient reaches wifi cameras. Defaults to a client bounded by the
	// call timeout.
	HTTPClient httputil.HTTPClient
	// SampleStore receives biosensor samples as they arrive. May be nil.
	SampleStore recorder.SampleStore
}

// BuildDevices constructs a driver-backed device for every configured
// device. In manual wifi mode wifi cameras are left out: the operator runs
// them by hand. Only the configured biosensor is built, and only when the
// biosensor is enabled.
func BuildDevices(cfg *config.Settings, tl *timeline.Timeline, opts DeviceOptions) (*DeviceSet, error) {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := cfg.Timeouts.Call.Std()
		if timeout <= 0 {
			timeout = device.DefaultCallTimeout
		}
		client = httputil.NewStandardClient(&http.Client{Timeout: timeout})
	}

	set := &DeviceSet{}
	for _, dc := range cfg.Devices {
		switch dc.Class {
		case device.ClassCamera:
			set.Devices = append(set.Devices, capture.NewCamera(dc.ID, sim.NewCamera(dc.Rate, clock), dc.Rate, tl, clock))

		case device.ClassAudio:
			rate := int(dc.Rate)
			set.Devices = append(set.Devices, capture.NewAudio(dc.ID, sim.NewMicrophone(rate, clock), rate, tl, clock))

		case device.ClassWiFiCamera:
			if cfg.WiFiCameraMode == config.WiFiModeManual {
				logf("%s: manual wifi camera mode, not driving the camera", dc.ID)
				continue
			}
			if dc.Driver == config.DriverWiFiCam {
				set.Devices = append(set.Devices, wificam.New(dc.ID, dc.Address, client))
			} else {
				set.Devices = append(set.Devices, sim.NewWiFiCamera(dc.ID, clock))
			}

		case device.ClassBiosensor:
			if !cfg.Biosensor.Enabled || dc.ID != cfg.Biosensor.DeviceID {
				logf("%s: biosensor not selected, skipping", dc.ID)
				continue
			}
			rec, err := recorder.NewContinuous(tl, recorder.ContinuousOptions{
				Name:       HeartRateStream,
				Store:      opts.SampleStore,
				FlushEvery: cfg.Biosensor.FlushEvery,
				Clock:      clock,
			})
			if err != nil {
				return nil, err
			}
			drv, admin := biosensorDriver(dc, clock)
			if admin != nil {
				set.Admin = append(set.Admin, admin)
			}
			set.Biosensor = biosensor.NewDevice(dc.ID, drv, rec)
			set.Devices = append(set.Devices, set.Biosensor)

		default:
			return nil, fmt.Errorf("device %s: unknown class %q", dc.ID, dc.Class)
		}
	}
	return set, nil
}

func biosensorDriver(dc config.DeviceConfig, clock timeutil.Clock) (biosensor.Driver, AdminRouter) {
	if dc.Driver != config.DriverBridge {
		return sim.NewHeartRate(clock, dc.Seed), nil
	}
	var opts serialmux.PortOptions
	if dc.Serial != nil {
		opts = *dc.Serial
	}
	mux, err := serialmux.OpenReal(dc.ID, dc.Address, opts)
	if err != nil {
		// The device stays registered and fails its connect, so the
		// session runs on without it.
		logf("%s: %v", dc.ID, err)
		return bridge.Unopened(err), nil
	}
	return bridge.New(mux, dc.Sensor), mux
}
