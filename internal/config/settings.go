// Package config loads and validates the session settings file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/banshee-data/sessionsync/internal/device"
	"github.com/banshee-data/sessionsync/internal/phase"
	"github.com/banshee-data/sessionsync/internal/serialmux"
)

// ErrConfigurationFatal wraps every load or validation failure. A session
// must not start, and no device may be touched, when it is returned.
var ErrConfigurationFatal = errors.New("configuration error")

// DefaultPath is where the run command looks for settings.
const DefaultPath = "config/settings.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Defaults for fields left empty.
const (
	DefaultTickInterval = 250 * time.Millisecond
	DefaultOutputDir    = "output"
	DefaultListen       = "localhost:8090"
	DefaultCameraFPS    = 30
	DefaultSampleRate   = 44100
)

// Driver names.
const (
	DriverSim     = "sim"
	DriverWiFiCam = "wificam"
	DriverBridge  = "bridge"
)

// WiFi camera modes. In manual mode the operator starts and stops the
// camera by hand and the session only records prompts.
const (
	WiFiModeAuto   = "auto"
	WiFiModeManual = "manual"
)

// Biosensor phase actions.
const (
	BiosensorStart = "start"
	BiosensorStop  = "stop"
)

// Settings is the root of the settings file.
type Settings struct {
	Experiment     Experiment     `json:"experiment"`
	TickInterval   Duration       `json:"tick_interval"`
	Timeouts       Timeouts       `json:"timeouts"`
	HTTP           HTTP           `json:"http"`
	WiFiCameraMode string         `json:"wifi_camera_mode"`
	Devices        []DeviceConfig `json:"devices"`
	Biosensor      Biosensor      `json:"biosensor"`
	Phases         []PhaseConfig  `json:"phases"`
}

type Experiment struct {
	Name      string `json:"name"`
	OutputDir string `json:"output_dir"`
	// BackupDir, when set, receives a copy of the finished session.
	BackupDir string `json:"backup_dir,omitempty"`
}

// Timeouts bound device calls. Zero values take the device package
// defaults.
type Timeouts struct {
	Connect   Duration `json:"connect"`
	Call      Duration `json:"call"`
	KeepAlive Duration `json:"keep_alive"`
	Teardown  Duration `json:"teardown"`
}

type HTTP struct {
	Listen string `json:"listen"`
}

// DeviceConfig declares one device.
type DeviceConfig struct {
	ID     string       `json:"id"`
	Class  device.Class `json:"class"`
	Driver string       `json:"driver"`
	// Address is the wifi camera host or the bridge's serial device path.
	Address string `json:"address,omitempty"`
	// Sensor selects a strap by BLE address through the bridge.
	Sensor string `json:"sensor,omitempty"`
	// Rate is frames per second for cameras and samples per second for
	// audio.
	Rate   float64                `json:"rate,omitempty"`
	Serial *serialmux.PortOptions `json:"serial,omitempty"`
	// Seed fixes simulated randomness.
	Seed uint64 `json:"seed,omitempty"`
}

type Biosensor struct {
	Enabled    bool   `json:"enabled"`
	DeviceID   string `json:"device_id"`
	FlushEvery int    `json:"flush_every,omitempty"`
}

// PhaseConfig is one phase plus the device behaviour attached to it.
type PhaseConfig struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"display_name"`
	Duration        Duration `json:"duration"`
	Checklist       []string `json:"checklist,omitempty"`
	CaptureInterval Duration `json:"capture_interval,omitempty"`
	Instructions    string   `json:"instructions,omitempty"`

	// Connect lists device classes connected when the phase activates.
	Connect []device.Class `json:"connect,omitempty"`
	// Record lists streams started when the phase activates.
	Record []StreamConfig `json:"record,omitempty"`
	// WiFiRecord, when set, records on every wifi camera for the phase
	// with this purpose.
	WiFiRecord string `json:"wifi_record,omitempty"`
	// Biosensor is "start" or "stop".
	Biosensor string `json:"biosensor,omitempty"`
}

// StreamConfig is a recording started by a phase.
type StreamConfig struct {
	Stream string `json:"stream"`
	Device string `json:"device"`
	// File is relative to the session directory.
	File     string `json:"file"`
	Pausable bool   `json:"pausable,omitempty"`
	// Until names the last phase the stream spans. Empty means the phase
	// that started it.
	Until string `json:"until,omitempty"`
}

// Load reads, defaults, overrides from the environment and validates the
// settings at path. Every failure wraps ErrConfigurationFatal.
func Load(path string) (*Settings, error) {
	s, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigurationFatal, err)
	}
	return s, nil
}

func load(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes settings from JSON and applies defaults, environment
// overrides and validation. Errors are not wrapped; Load does that.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := s.applyEnv(); err != nil {
		return nil, err
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &s, nil
}

func (s *Settings) applyDefaults() {
	if s.Experiment.OutputDir == "" {
		s.Experiment.OutputDir = DefaultOutputDir
	}
	if s.TickInterval == 0 {
		s.TickInterval = Duration(DefaultTickInterval)
	}
	if s.HTTP.Listen == "" {
		s.HTTP.Listen = DefaultListen
	}
	if s.WiFiCameraMode == "" {
		s.WiFiCameraMode = WiFiModeAuto
	}
	for i := range s.Devices {
		d := &s.Devices[i]
		if d.Driver == "" {
			d.Driver = DriverSim
		}
		if d.Rate == 0 {
			switch d.Class {
			case device.ClassCamera:
				d.Rate = DefaultCameraFPS
			case device.ClassAudio:
				d.Rate = DefaultSampleRate
			}
		}
	}
}

// Validate checks the settings as a whole.
func (s *Settings) Validate() error {
	if s.Experiment.Name == "" {
		return errors.New("experiment.name is required")
	}
	if s.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", s.TickInterval.Std())
	}
	for name, d := range map[string]Duration{
		"connect": s.Timeouts.Connect, "call": s.Timeouts.Call,
		"keep_alive": s.Timeouts.KeepAlive, "teardown": s.Timeouts.Teardown,
	} {
		if d < 0 {
			return fmt.Errorf("timeouts.%s must not be negative", name)
		}
	}
	if s.WiFiCameraMode != WiFiModeAuto && s.WiFiCameraMode != WiFiModeManual {
		return fmt.Errorf("wifi_camera_mode must be %q or %q, got %q", WiFiModeAuto, WiFiModeManual, s.WiFiCameraMode)
	}

	devices := make(map[string]DeviceConfig, len(s.Devices))
	for i, d := range s.Devices {
		if err := d.validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if _, dup := devices[d.ID]; dup {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		devices[d.ID] = d
	}

	if s.Biosensor.Enabled {
		d, ok := devices[s.Biosensor.DeviceID]
		if !ok {
			return fmt.Errorf("biosensor.device_id %q is not a configured device", s.Biosensor.DeviceID)
		}
		if d.Class != device.ClassBiosensor {
			return fmt.Errorf("biosensor.device_id %q has class %s", d.ID, d.Class)
		}
	}
	if s.Biosensor.FlushEvery < 0 {
		return errors.New("biosensor.flush_every must not be negative")
	}

	if len(s.Phases) == 0 {
		return errors.New("at least one phase is required")
	}
	index := make(map[string]int, len(s.Phases))
	for i, p := range s.Phases {
		if _, dup := index[p.ID]; dup {
			return fmt.Errorf("phases[%d]: duplicate id %q", i, p.ID)
		}
		index[p.ID] = i
	}
	for i, p := range s.Phases {
		if err := p.validate(i, index, devices); err != nil {
			return fmt.Errorf("phases[%d] (%s): %w", i, p.ID, err)
		}
	}
	return nil
}

func (d DeviceConfig) validate() error {
	if d.ID == "" {
		return errors.New("id is required")
	}
	if !d.Class.Valid() {
		return fmt.Errorf("%s: unknown class %q", d.ID, d.Class)
	}
	switch d.Driver {
	case DriverSim:
	case DriverWiFiCam:
		if d.Class != device.ClassWiFiCamera {
			return fmt.Errorf("%s: driver %s requires class %s", d.ID, d.Driver, device.ClassWiFiCamera)
		}
	case DriverBridge:
		if d.Class != device.ClassBiosensor {
			return fmt.Errorf("%s: driver %s requires class %s", d.ID, d.Driver, device.ClassBiosensor)
		}
		if d.Address == "" {
			return fmt.Errorf("%s: bridge driver requires a serial device address", d.ID)
		}
		if d.Serial != nil {
			if _, err := d.Serial.Normalize(); err != nil {
				return fmt.Errorf("%s: %w", d.ID, err)
			}
		}
	default:
		return fmt.Errorf("%s: unknown driver %q", d.ID, d.Driver)
	}
	if d.Rate < 0 {
		return fmt.Errorf("%s: rate must not be negative", d.ID)
	}
	return nil
}

func (p PhaseConfig) validate(pos int, index map[string]int, devices map[string]DeviceConfig) error {
	if err := p.Definition().Validate(); err != nil {
		return err
	}
	for _, c := range p.Connect {
		if !c.Valid() {
			return fmt.Errorf("connect: unknown class %q", c)
		}
	}
	switch p.Biosensor {
	case "", BiosensorStart, BiosensorStop:
	default:
		return fmt.Errorf("biosensor must be %q or %q, got %q", BiosensorStart, BiosensorStop, p.Biosensor)
	}
	streams := make(map[string]bool, len(p.Record))
	for j, r := range p.Record {
		if r.Stream == "" || r.File == "" {
			return fmt.Errorf("record[%d]: stream and file are required", j)
		}
		if streams[r.Stream] {
			return fmt.Errorf("record[%d]: duplicate stream %q", j, r.Stream)
		}
		streams[r.Stream] = true
		if filepath.IsAbs(r.File) {
			return fmt.Errorf("record[%d]: file %q must be relative to the session directory", j, r.File)
		}
		d, ok := devices[r.Device]
		if !ok {
			return fmt.Errorf("record[%d]: unknown device %q", j, r.Device)
		}
		if d.Class != device.ClassCamera && d.Class != device.ClassAudio {
			return fmt.Errorf("record[%d]: device %s of class %s cannot record a stream", j, d.ID, d.Class)
		}
		if r.Until != "" {
			until, ok := index[r.Until]
			if !ok {
				return fmt.Errorf("record[%d]: until names unknown phase %q", j, r.Until)
			}
			if until < pos {
				return fmt.Errorf("record[%d]: until phase %q comes before %q", j, r.Until, p.ID)
			}
		}
	}
	return nil
}

// Definition converts the phase to its state-machine form.
func (p PhaseConfig) Definition() phase.Definition {
	name := p.DisplayName
	if name == "" {
		name = p.ID
	}
	return phase.Definition{
		ID:              p.ID,
		DisplayName:     name,
		Duration:        p.Duration.Std(),
		Checklist:       slices.Clone(p.Checklist),
		CaptureInterval: p.CaptureInterval.Std(),
		Instructions:    p.Instructions,
	}
}

// PhaseDefinitions returns every phase in order.
func (s *Settings) PhaseDefinitions() []phase.Definition {
	defs := make([]phase.Definition, len(s.Phases))
	for i, p := range s.Phases {
		defs[i] = p.Definition()
	}
	return defs
}

// Phase returns the configuration of phase id.
func (s *Settings) Phase(id string) (PhaseConfig, bool) {
	for _, p := range s.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return PhaseConfig{}, false
}

// Device returns the configuration of device id.
func (s *Settings) Device(id string) (DeviceConfig, bool) {
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// CoordinatorOptions maps the timeouts onto every device class policy.
func (s *Settings) CoordinatorOptions() device.Options {
	policies := device.DefaultPolicies()
	for c, p := range policies {
		if s.Timeouts.Connect > 0 {
			p.ConnectTimeout = s.Timeouts.Connect.Std()
		}
		if s.Timeouts.Call > 0 {
			p.CallTimeout = s.Timeouts.Call.Std()
		}
		policies[c] = p
	}
	return device.Options{
		Policies:        policies,
		KeepAlivePeriod: s.Timeouts.KeepAlive.Std(),
		TeardownTimeout: s.Timeouts.Teardown.Std(),
	}
}

// Summary is the configuration_summary recorded in the manifest.
func (s *Settings) Summary() map[string]any {
	phases := make([]string, len(s.Phases))
	for i, p := range s.Phases {
		phases[i] = p.ID
	}
	devices := make([]map[string]any, len(s.Devices))
	for i, d := range s.Devices {
		devices[i] = map[string]any{"id": d.ID, "class": string(d.Class), "driver": d.Driver}
	}
	return map[string]any{
		"experiment_name":   s.Experiment.Name,
		"phases":            phases,
		"devices":           devices,
		"tick_interval_s":   s.TickInterval.Std().Seconds(),
		"wifi_camera_mode":  s.WiFiCameraMode,
		"biosensor_enabled": s.Biosensor.Enabled,
	}
}
