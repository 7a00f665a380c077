// Package session owns the on-disk shape of one capture session: the
// directory layout, the synchronization manifest and the backup copy.
package session

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sessionsync/internal/fsutil"
	"github.com/banshee-data/sessionsync/internal/security"
)

// Fixed sub-areas created in every session directory.
const (
	AreaPerformance = "performance"
	AreaReview      = "review"
	AreaScoring     = "scoring"
	AreaComposited  = "composited"
	AreaHeartRate   = "heart_rate"
	AreaWiFiCamera  = "gopro_footage"
	AreaCalibration = "calibration"
	AreaCaptures    = "captures"
)

// Areas lists every sub-area in creation order.
var Areas = []string{
	AreaPerformance,
	AreaReview,
	AreaScoring,
	AreaComposited,
	AreaHeartRate,
	AreaWiFiCamera,
	AreaCalibration,
	AreaCaptures,
}

// ManifestFile is the synchronization manifest's name in the session root.
const ManifestFile = "sync_manifest.json"

// Session identifies one run and the directory its artifacts live in.
type Session struct {
	ID        string    `json:"session_id"`
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	Dir       string    `json:"dir"`

	fs fsutil.FileSystem
}

// New creates the session directory "<root>/<name>_<YYYYMMDD_HHMMSS>" and
// every sub-area beneath it.
func New(fsys fsutil.FileSystem, root, name string, start time.Time) (*Session, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	dirName := fmt.Sprintf("%s_%s", security.SanitizeFilename(name), start.Format("20060102_150405"))
	s := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		StartTime: start,
		Dir:       filepath.Join(root, dirName),
		fs:        fsys,
	}
	for _, area := range Areas {
		if err := fsys.MkdirAll(filepath.Join(s.Dir, area), 0755); err != nil {
			return nil, fmt.Errorf("failed to create session area %s: %w", area, err)
		}
	}
	return s, nil
}

// FS returns the filesystem the session was created on.
func (s *Session) FS() fsutil.FileSystem { return s.fs }

// Path joins elements onto the session directory.
func (s *Session) Path(elem ...string) string {
	return filepath.Join(append([]string{s.Dir}, elem...)...)
}

// ResolveTarget maps a path relative to the session directory to an
// absolute path, rejecting anything that would land outside it. Parent
// directories are created.
func (s *Session) ResolveTarget(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("target %q must be relative to the session directory", rel)
	}
	p := s.Path(rel)
	if err := security.ValidatePathWithinDirectory(p, s.Dir); err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	return p, nil
}

// CaptureDir returns, creating if needed, the directory holding periodic
// snapshots taken during the given phase.
func (s *Session) CaptureDir(phaseID string) (string, error) {
	dir := s.Path(AreaCaptures, security.SanitizeFilename(phaseID))
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
