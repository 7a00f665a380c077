package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// PauseLogSuffix is appended to a stream's file to name its pause log.
const PauseLogSuffix = ".pauses.jsonl"

// PauseLogPath returns the pause log path for a stream file.
func PauseLogPath(target string) string {
	return strings.TrimSuffix(target, "/") + PauseLogSuffix
}

// Marker kinds.
const (
	MarkerPause  = "pause"
	MarkerResume = "resume"
)

// PauseMarker is one pause log entry. UnitPosition is the live-source
// position at the call; UnitIndex is the number of units produced so far,
// which is the first index affected by the transition.
type PauseMarker struct {
	Kind         string  `json:"kind"`
	WallTime     float64 `json:"wall_time"`
	UnitPosition uint64  `json:"unit_position"`
	UnitIndex    uint64  `json:"unit_index"`
}

// PauseLog appends markers to a JSON-lines file, syncing after each entry.
type PauseLog struct {
	f *os.File
}

// OpenPauseLog creates or appends to the log at path.
func OpenPauseLog(path string) (*PauseLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open pause log: %w", err)
	}
	return &PauseLog{f: f}, nil
}

func (l *PauseLog) Append(m PauseMarker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write pause marker: %w", err)
	}
	return l.f.Sync()
}

func (l *PauseLog) Close() error {
	return l.f.Close()
}

// ReadPauseLog loads every marker from path. A missing file yields no
// markers.
func ReadPauseLog(path string) ([]PauseMarker, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []PauseMarker
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var m PauseMarker
		if err := json.Unmarshal([]byte(text), &m); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, m)
	}
	return out, sc.Err()
}
