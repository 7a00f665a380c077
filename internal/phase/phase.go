// Package phase sequences a session through its ordered phases. The
// Machine owns all phase state; callers change it only through its
// operations.
package phase

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotReady means the active phase cannot complete yet: a checklist
	// item is unsatisfied or its duration has not elapsed.
	ErrNotReady = errors.New("phase not ready")
	// ErrInvalidTransition means the requested transition is not allowed
	// from the current state. State is unchanged.
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrUnknownPhase is returned for a phase ID not in the sequence.
	ErrUnknownPhase = errors.New("unknown phase")
	// ErrUnknownItem is returned for a checklist index out of range.
	ErrUnknownItem = errors.New("unknown checklist item")
)

// Status is a phase's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// Definition is the static description of one phase.
type Definition struct {
	ID          string
	DisplayName string
	// Duration of zero means the phase runs until the operator advances it.
	Duration  time.Duration
	Checklist []string
	// CaptureInterval of zero disables periodic capture.
	CaptureInterval time.Duration
	Instructions    string
}

// Validate checks a single definition.
func (d Definition) Validate() error {
	if d.ID == "" {
		return errors.New("phase id is required")
	}
	if d.Duration < 0 {
		return fmt.Errorf("phase %s: negative duration", d.ID)
	}
	if d.CaptureInterval < 0 {
		return fmt.Errorf("phase %s: negative capture interval", d.ID)
	}
	return nil
}

// ChecklistItem is one gate on a phase.
type ChecklistItem struct {
	Description string `json:"description"`
	Satisfied   bool   `json:"satisfied"`
}

// View is a read-only copy of a phase's state.
type View struct {
	Index       int             `json:"index"`
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	Status      Status          `json:"status"`
	Duration    time.Duration   `json:"duration_ns"`
	Checklist   []ChecklistItem `json:"checklist"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	EndedAt     time.Time       `json:"ended_at,omitzero"`
	Restarts    int             `json:"restarts"`

	def Definition
}

// Definition returns the phase's static description.
func (v View) Definition() Definition { return v.def }

// Ready reports whether every checklist item is satisfied.
func (v View) Ready() bool {
	for _, item := range v.Checklist {
		if !item.Satisfied {
			return false
		}
	}
	return true
}

// Progress returns the fraction of the duration elapsed at now, or 0 for
// phases without a duration.
func (v View) Progress(now time.Time) float64 {
	if v.Duration <= 0 || v.StartedAt.IsZero() {
		return 0
	}
	p := float64(now.Sub(v.StartedAt)) / float64(v.Duration)
	return min(max(p, 0), 1)
}
