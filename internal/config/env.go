package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are the SESSIONSYNC_* variables that take precedence over the
// settings file. Unset variables leave the file's values alone.
type envOverrides struct {
	ExperimentName string   `env:"SESSIONSYNC_EXPERIMENT_NAME"`
	OutputDir      string   `env:"SESSIONSYNC_OUTPUT_DIR"`
	BackupDir      string   `env:"SESSIONSYNC_BACKUP_DIR"`
	Listen         string   `env:"SESSIONSYNC_LISTEN"`
	TickInterval   Duration `env:"SESSIONSYNC_TICK_INTERVAL"`
	WiFiCameraMode string   `env:"SESSIONSYNC_WIFI_CAMERA_MODE"`
	// Biosensor is "on" or "off".
	Biosensor string `env:"SESSIONSYNC_BIOSENSOR"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (s *Settings) applyEnv() error {
	var o envOverrides
	if err := ParseEnv(&o); err != nil {
		return err
	}
	if o.ExperimentName != "" {
		s.Experiment.Name = o.ExperimentName
	}
	if o.OutputDir != "" {
		s.Experiment.OutputDir = o.OutputDir
	}
	if o.BackupDir != "" {
		s.Experiment.BackupDir = o.BackupDir
	}
	if o.Listen != "" {
		s.HTTP.Listen = o.Listen
	}
	if o.TickInterval > 0 {
		s.TickInterval = o.TickInterval
	}
	if o.WiFiCameraMode != "" {
		s.WiFiCameraMode = o.WiFiCameraMode
	}
	switch o.Biosensor {
	case "":
	case "on", "true", "1":
		s.Biosensor.Enabled = true
	case "off", "false", "0":
		s.Biosensor.Enabled = false
	default:
		return fmt.Errorf("SESSIONSYNC_BIOSENSOR must be on or off, got %q", o.Biosensor)
	}
	return nil
}
