// Package device coordinates the capture hardware of a session. Each
// registered device is driven by its own worker goroutine; the Coordinator
// fans intent out to workers and records every outcome on the timeline.
package device

import (
	"context"
	"errors"
	"time"
)

// Class groups devices that share a timeout and keep-alive policy.
type Class string

const (
	ClassCamera     Class = "camera"
	ClassAudio      Class = "audio"
	ClassWiFiCamera Class = "wifi_camera"
	ClassBiosensor  Class = "biosensor"
)

// Classes lists every known class.
var Classes = []Class{ClassCamera, ClassAudio, ClassWiFiCamera, ClassBiosensor}

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	for _, k := range Classes {
		if c == k {
			return true
		}
	}
	return false
}

var (
	// ErrDeviceUnavailable marks a device whose connect or start failed. It is
	// excluded from later operations for the rest of the session.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrDeviceDropped marks a device lost mid-session. Drivers wrap it to
	// report a lost connection; the coordinator wraps it for later calls.
	ErrDeviceDropped = errors.New("device dropped")

	// ErrTimeout is returned when a driver call exceeds its class bound.
	ErrTimeout = errors.New("device call timed out")

	// ErrDriverPanic is returned when a driver call panicked.
	ErrDriverPanic = errors.New("device driver panic")

	// ErrUnknownDevice is returned for IDs that were never registered.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrUnsupported is returned when a device lacks an optional capability.
	ErrUnsupported = errors.New("operation not supported by device")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("device coordinator closed")
)

// Target describes where and why a device records.
type Target struct {
	// Path is the output location handed to the driver.
	Path string `json:"path,omitempty"`
	// Purpose labels the recording, e.g. "calibration" or "performance".
	Purpose string `json:"purpose,omitempty"`
	// Stream names the recorder stream the device writes, if any.
	Stream string `json:"stream,omitempty"`
	// Pausable asks for a recording that can be paused and resumed.
	Pausable bool `json:"pausable,omitempty"`
}

func (t Target) key() string {
	switch {
	case t.Path != "":
		return t.Path
	case t.Purpose != "":
		return t.Purpose
	default:
		return "default"
	}
}

// Handle is an opaque, driver-owned reference to an active recording.
type Handle any

// Status is a device's self-reported state.
type Status struct {
	Connected bool           `json:"connected"`
	Recording bool           `json:"recording"`
	Battery   *int           `json:"battery_percent,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Device is the collaborator boundary every driver implements. Calls may
// block; the coordinator bounds each with the class timeout and cancels ctx
// when it expires.
type Device interface {
	ID() string
	Class() Class
	Connect(ctx context.Context) error
	Start(ctx context.Context, target Target) (Handle, error)
	Stop(ctx context.Context, h Handle) error
	KeepAlive(ctx context.Context, h Handle) error
	Status(ctx context.Context, h Handle) (Status, error)
	Disconnect(ctx context.Context) error
}

// Snapshotter is implemented by devices that can capture a still image on
// demand.
type Snapshotter interface {
	Snapshot(ctx context.Context, path string) error
}

// Pauser is implemented by devices whose recordings can be frozen in
// place.
type Pauser interface {
	Pause(ctx context.Context, h Handle) error
	Resume(ctx context.Context, h Handle) error
}

// DropReporter is implemented by devices that notice a lost link between
// calls, such as a sensor whose stream ends on its own. The coordinator
// registers fn once; drivers call it from any goroutine and must not block
// on it.
type DropReporter interface {
	OnDrop(fn func(error))
}

// Policy bounds calls for one class.
type Policy struct {
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	KeepAlive      bool
}

// Availability is a device's standing within the session.
type Availability string

const (
	Registered   Availability = "registered"
	Connected    Availability = "connected"
	Unavailable  Availability = "unavailable"
	Dropped      Availability = "dropped"
	Disconnected Availability = "disconnected"
)

// Info is a point-in-time view of one device.
type Info struct {
	ID           string       `json:"id"`
	Class        Class        `json:"class"`
	Availability Availability `json:"availability"`
	Active       []string     `json:"active_targets,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
}

// Result is the outcome of one device's part in a fan-out.
type Result struct {
	DeviceID string
	Class    Class
	Err      error
}
