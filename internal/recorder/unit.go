// Package recorder maintains the index to wall-clock mapping for discrete
// unit streams (video frames, audio samples) and records continuous sensor
// samples with phase labels.
package recorder

import (
	"context"
	"errors"
)

var (
	// ErrNotPausable is returned by Pause and Resume on recorders created
	// without Options.Pausable.
	ErrNotPausable = errors.New("recorder is not pausable")

	// ErrStopped is returned for operations on a stopped recorder.
	ErrStopped = errors.New("recorder stopped")

	// ErrNotStarted is returned for operations before Start.
	ErrNotStarted = errors.New("recorder not started")

	// ErrNoUnit is returned by Source.ReadUnit when no new live unit is ready.
	ErrNoUnit = errors.New("no unit available")
)

// UnitKind says how a produced unit came to be.
type UnitKind uint8

const (
	// UnitLive is a unit read from the source.
	UnitLive UnitKind = iota
	// UnitRepeat repeats the last live unit because the source had nothing
	// new in time.
	UnitRepeat
	// UnitFrozen repeats the last live unit while the recorder is paused.
	UnitFrozen
	// UnitBlank is emitted before the first live unit arrives.
	UnitBlank
)

func (k UnitKind) String() string {
	switch k {
	case UnitLive:
		return "live"
	case UnitRepeat:
		return "repeat"
	case UnitFrozen:
		return "frozen"
	case UnitBlank:
		return "blank"
	}
	return "unknown"
}

// Source delivers live units from a device. ReadUnit must not block: it
// returns ErrNoUnit when nothing new is ready.
type Source interface {
	Open(ctx context.Context) error
	ReadUnit() ([]byte, error)
	Close() error
}

// Sink persists produced units in index order.
type Sink interface {
	WriteUnit(index uint64, kind UnitKind, payload []byte) error
	Close() error
	Path() string
}
