package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/banshee-data/sessionsync/internal/fsutil"
	"github.com/banshee-data/sessionsync/internal/timeline"
)

// ManifestDoc is the serialized form of sync_manifest.json.
type ManifestDoc struct {
	SessionID            string           `json:"session_id"`
	Session              string           `json:"session"`
	ExperimentName       string           `json:"experiment_name"`
	Version              string           `json:"version,omitempty"`
	ConfigurationSummary map[string]any   `json:"configuration_summary"`
	Events               []timeline.Event `json:"events"`
	Finalized            bool             `json:"finalized"`
}

// Manifest keeps sync_manifest.json current. It is a timeline sink: every
// persisted batch rewrites the file atomically, so a crash leaves the last
// complete version on disk.
type Manifest struct {
	mu   sync.Mutex
	fs   fsutil.FileSystem
	path string
	doc  ManifestDoc
}

// NewManifest writes an initial, empty manifest for s.
func NewManifest(s *Session, version string, summary map[string]any) (*Manifest, error) {
	m := &Manifest{
		fs:   s.fs,
		path: s.Path(ManifestFile),
		doc: ManifestDoc{
			SessionID:            s.ID,
			Session:              filepath.Base(s.Dir),
			ExperimentName:       s.Name,
			Version:              version,
			ConfigurationSummary: summary,
			Events:               []timeline.Event{},
		},
	}
	if err := m.writeLocked(); err != nil {
		return nil, err
	}
	return m, nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string { return m.path }

// WriteEvents implements timeline.Sink. Batches arriving after Finalize
// are ignored.
func (m *Manifest) WriteEvents(events []timeline.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc.Finalized {
		return nil
	}
	m.doc.Events = append(m.doc.Events, events...)
	if err := m.writeLocked(); err != nil {
		m.doc.Events = m.doc.Events[:len(m.doc.Events)-len(events)]
		return err
	}
	return nil
}

// Finalize replaces the event list with the complete timeline and marks the
// manifest final. Later calls are no-ops and leave the file untouched.
func (m *Manifest) Finalize(events []timeline.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc.Finalized {
		return nil
	}
	prev := m.doc.Events
	m.doc.Events = append([]timeline.Event{}, events...)
	m.doc.Finalized = true
	if err := m.writeLocked(); err != nil {
		m.doc.Events = prev
		m.doc.Finalized = false
		return err
	}
	return nil
}

// Finalized reports whether Finalize has succeeded.
func (m *Manifest) Finalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Finalized
}

func (m *Manifest) writeLocked() error {
	data, err := json.MarshalIndent(m.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return fsutil.WriteFileAtomic(m.fs, m.path, data, 0644)
}

// ReadManifest loads a manifest written by a previous run.
func ReadManifest(path string) (*ManifestDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc ManifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &doc, nil
}
