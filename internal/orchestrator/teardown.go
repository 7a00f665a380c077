package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/sessionsync/internal/biosensor"
	"github.com/banshee-data/sessionsync/internal/fsutil"
	"github.com/banshee-data/sessionsync/internal/session"
	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

// SummaryFile holds the per-phase biosensor summary in the heart rate area.
const SummaryFile = "hr_summary.json"

// Result describes a finished session.
type Result struct {
	SessionID    string                   `json:"session_id"`
	Dir          string                   `json:"dir"`
	Reason       string                   `json:"reason"`
	ManifestPath string                   `json:"manifest"`
	CSVPath      string                   `json:"heart_rate_csv,omitempty"`
	Summaries    []biosensor.PhaseSummary `json:"heart_rate_summary,omitempty"`
	BackupPath   string                   `json:"backup,omitempty"`
}

// Result returns the outcome of teardown. It is empty until Done is closed.
func (o *Orchestrator) Result() Result {
	select {
	case <-o.done:
		return o.result
	default:
		return Result{}
	}
}

// Teardown ends the session. It runs exactly once; later calls wait for
// the first and return its error. Run calls it on the way out; call it
// directly only for a session that was built but never run. Each step runs even when earlier steps
// fail. ctx should not already be cancelled: device calls made under it are
// how every device gets its bounded chance to stop.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	o.teardownOnce.Do(func() {
		defer close(o.done)
		o.teardownErr = o.teardown(ctx)
	})
	<-o.done
	return o.teardownErr
}

func (o *Orchestrator) teardown(ctx context.Context) error {
	o.setStopReason("teardown")
	o.mu.Lock()
	reason := o.stopReason
	o.mu.Unlock()

	o.result = Result{
		SessionID:    o.sess.ID,
		Dir:          o.sess.Dir,
		Reason:       reason,
		ManifestPath: o.manifest.Path(),
	}
	o.tl.Append(timeline.KindTeardownStart, timeline.Attrs{"reason": reason})
	var errs []error

	// The continuous recorder stops first so its data can be persisted
	// while devices wind down.
	o.stopBiosensor(ctx)
	if o.bio != nil {
		if err := o.persistHeartRate(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.wifiPurpose != "" {
		o.stopWiFi(ctx)
	}

	o.coord.Shutdown(ctx)
	o.mu.Lock()
	clear(o.streams)
	o.mu.Unlock()

	o.tl.Append(timeline.KindTeardownComplete, timeline.Attrs{"reason": reason})
	if err := o.tl.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush timeline: %w", err))
	}
	if err := o.manifest.Finalize(o.tl.Snapshot()); err != nil {
		errs = append(errs, fmt.Errorf("finalize manifest: %w", err))
	}
	if err := o.store.FinalizeSession(o.sess.ID, timeutil.WallSeconds(o.clock.Now())); err != nil {
		errs = append(errs, err)
	}
	if err := o.tl.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close timeline: %w", err))
	}
	if err := o.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	if dir := o.cfg.Experiment.BackupDir; dir != "" {
		dest, err := o.sess.Backup(dir)
		if err != nil {
			logf("warning: backup failed: %v", err)
		} else {
			o.result.BackupPath = dest
		}
	}
	logf("session %s finished (%s): %s", o.sess.ID, reason, o.sess.Dir)
	return errors.Join(errs...)
}

// persistHeartRate writes the full-session CSV and the per-phase summary.
// The recorder has already flushed to the store on stop.
func (o *Orchestrator) persistHeartRate() error {
	rec := o.bio.Recorder()
	if err := rec.Stop(); err != nil {
		logf("heart rate recorder: %v", err)
	}
	samples := rec.Samples()
	dir := o.sess.Path(session.AreaHeartRate)

	path, err := biosensor.ExportCSV(o.sess.FS(), dir, samples)
	if err != nil {
		return fmt.Errorf("export heart rate: %w", err)
	}
	o.result.CSVPath = path

	summaries := biosensor.Summarize(samples)
	o.result.Summaries = summaries
	for _, s := range summaries {
		logf("heart rate %s: n=%d min=%d max=%d avg=%.1f bpm avg_rr=%.1f ms",
			s.Phase, s.Count, s.MinBPM, s.MaxBPM, s.MeanBPM, s.MeanRRMs)
		o.tl.Append(timeline.KindBiosensorSummary, timeline.Attrs{
			"phase":     s.Phase,
			"count":     s.Count,
			"min_bpm":   s.MinBPM,
			"max_bpm":   s.MaxBPM,
			"avg_bpm":   s.MeanBPM,
			"avg_rr_ms": s.MeanRRMs,
		})
	}
	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(o.sess.FS(), filepath.Join(dir, SummaryFile), data, 0644)
}
