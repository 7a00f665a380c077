// Package report post-processes a finished session directory: phase table,
// per-phase heart-rate summary and plot, event timeline chart, and the
// frozen frame ranges of every pausable stream.
package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/sessionsync/internal/biosensor"
	"github.com/banshee-data/sessionsync/internal/fsutil"
	"github.com/banshee-data/sessionsync/internal/monitoring"
	"github.com/banshee-data/sessionsync/internal/recorder"
	"github.com/banshee-data/sessionsync/internal/session"
	"github.com/banshee-data/sessionsync/internal/timeline"
)

var logf = monitoring.Prefixed("report")

// Output file names, written under Options.OutDir.
const (
	DefaultDirName  = "report"
	HeartRatePlot   = "hr_by_phase.png"
	TimelineChart   = "timeline.html"
	FrozenRangesCSV = "frozen_ranges.csv"
	SummaryJSON     = "report.json"
)

// Options control Generate.
type Options struct {
	// OutDir defaults to <session>/report.
	OutDir string
	FS     fsutil.FileSystem
}

// PhaseRow is one phase as it played out.
type PhaseRow struct {
	ID        string  `json:"id"`
	Name      string  `json:"name,omitempty"`
	StartWall float64 `json:"start"`
	EndWall   float64 `json:"end,omitempty"`
	Seconds   float64 `json:"seconds"`
	Outcome   string  `json:"outcome"`
	Restarts  int     `json:"restarts,omitempty"`
}

// FrozenRow is one frozen range of a pausable stream.
type FrozenRow struct {
	Stream    string  `json:"stream"`
	File      string  `json:"file"`
	Start     uint64  `json:"start_frame"`
	End       uint64  `json:"end_frame"`
	Frames    uint64  `json:"frames"`
	StartWall float64 `json:"start_wall"`
	EndWall   float64 `json:"end_wall"`
}

// Report is the summary written to report.json.
type Report struct {
	SessionID  string                   `json:"session_id"`
	Experiment string                   `json:"experiment"`
	Finalized  bool                     `json:"finalized"`
	Events     int                      `json:"events"`
	Phases     []PhaseRow               `json:"phases"`
	HeartRate  []biosensor.PhaseSummary `json:"heart_rate,omitempty"`
	Frozen     []FrozenRow              `json:"frozen_ranges"`
	Files      []string                 `json:"files"`
}

// Generate reads the manifest, heart-rate CSV and recordings of the
// session in dir and writes the report files. A session without
// heart-rate data gets no plot.
func Generate(dir string, opts Options) (*Report, error) {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if opts.OutDir == "" {
		opts.OutDir = filepath.Join(dir, DefaultDirName)
	}
	doc, err := session.ReadManifest(filepath.Join(dir, session.ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if !doc.Finalized {
		logf("warning: manifest of %s is not finalized; the session may have crashed", doc.SessionID)
	}
	if err := opts.FS.MkdirAll(opts.OutDir, 0755); err != nil {
		return nil, err
	}

	rep := &Report{
		SessionID:  doc.SessionID,
		Experiment: doc.ExperimentName,
		Finalized:  doc.Finalized,
		Events:     len(doc.Events),
		Phases:     Phases(doc.Events),
	}

	var html bytes.Buffer
	if err := WriteTimelineHTML(&html, doc.SessionID, doc.Events); err != nil {
		return nil, err
	}
	if err := rep.write(opts, TimelineChart, html.Bytes()); err != nil {
		return nil, err
	}

	samples, err := biosensor.ReadCSVFile(filepath.Join(dir, session.AreaHeartRate, biosensor.CSVFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logf("%s: no heart-rate data", doc.SessionID)
	case err != nil:
		return nil, err
	case len(samples) > 0:
		rep.HeartRate = biosensor.Summarize(samples)
		png, err := PlotHeartRate(samples, doc.SessionID)
		if err != nil {
			return nil, err
		}
		if err := rep.write(opts, HeartRatePlot, png); err != nil {
			return nil, err
		}
	}

	rep.Frozen, err = FrozenRanges(dir, doc.Events)
	if err != nil {
		return nil, err
	}
	if err := rep.write(opts, FrozenRangesCSV, frozenCSV(rep.Frozen)); err != nil {
		return nil, err
	}

	rep.Files = append(rep.Files, filepath.Join(opts.OutDir, SummaryJSON))
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteFileAtomic(opts.FS, filepath.Join(opts.OutDir, SummaryJSON), data, 0644); err != nil {
		return nil, err
	}
	return rep, nil
}

func (r *Report) write(opts Options, name string, data []byte) error {
	path := filepath.Join(opts.OutDir, name)
	if err := fsutil.WriteFileAtomic(opts.FS, path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	r.Files = append(r.Files, path)
	return nil
}

// Phases rebuilds the phase table from phase events. A restart resets the
// phase's start; a phase still open at the end of the timeline is reported
// as "open".
func Phases(events []timeline.Event) []PhaseRow {
	var (
		rows []PhaseRow
		open = make(map[string]int)
	)
	closeRow := func(e timeline.Event, outcome string) {
		i, ok := open[e.String("phase")]
		if !ok {
			return
		}
		delete(open, e.String("phase"))
		rows[i].EndWall = e.WallTime
		rows[i].Seconds = e.WallTime - rows[i].StartWall
		rows[i].Outcome = outcome
	}
	for _, e := range events {
		switch e.Kind {
		case timeline.KindPhaseStart:
			open[e.String("phase")] = len(rows)
			rows = append(rows, PhaseRow{
				ID:        e.String("phase"),
				Name:      e.String("name"),
				StartWall: e.WallTime,
				Outcome:   "open",
			})
		case timeline.KindPhaseRestart:
			if i, ok := open[e.String("phase")]; ok {
				rows[i].StartWall = e.WallTime
				if n, ok := e.Float("restarts"); ok {
					rows[i].Restarts = int(n)
				}
			}
		case timeline.KindPhaseEnd:
			closeRow(e, e.String("reason"))
		case timeline.KindPhaseSkip:
			closeRow(e, "skipped")
		}
	}
	return rows
}

// FrozenRanges finds every pausable stream started in the session and
// reconstructs its frozen ranges from its pause log and frame log header.
func FrozenRanges(dir string, events []timeline.Event) ([]FrozenRow, error) {
	rows := make([]FrozenRow, 0)
	for _, e := range events {
		file := e.String("file")
		if file == "" || !isStreamStart(e) {
			continue
		}
		if pausable, _ := e.Attributes["pausable"].(bool); !pausable {
			continue
		}
		path := rebase(dir, file)
		log, err := recorder.OpenFrameLog(path)
		if err != nil {
			logf("skipping %s: %v", path, err)
			continue
		}
		markers, err := recorder.ReadPauseLog(recorder.PauseLogPath(path))
		if err != nil {
			return nil, err
		}
		h := log.Header()
		if h.Rate <= 0 {
			continue
		}
		for _, r := range recorder.FrozenRanges(markers, e.WallTime, h.Rate, h.TotalFrames) {
			rows = append(rows, FrozenRow{
				Stream:    h.Stream,
				File:      path,
				Start:     r.Start,
				End:       r.End,
				Frames:    r.Len(),
				StartWall: recorder.WallClock(e.WallTime, h.Rate, r.Start),
				EndWall:   recorder.WallClock(e.WallTime, h.Rate, r.End),
			})
		}
	}
	return rows, nil
}

func isStreamStart(e timeline.Event) bool {
	name, ok := strings.CutSuffix(string(e.Kind), "_start")
	return ok && name != ""
}

// rebase maps a recorded absolute path into dir when the session has been
// moved or restored from backup.
func rebase(dir, p string) string {
	if _, err := os.Stat(p); err == nil {
		return p
	}
	base := filepath.Base(dir)
	for cur := p; cur != filepath.Dir(cur); cur = filepath.Dir(cur) {
		if filepath.Base(cur) == base {
			rel, err := filepath.Rel(cur, p)
			if err == nil {
				return filepath.Join(dir, rel)
			}
		}
	}
	return p
}

func frozenCSV(rows []FrozenRow) []byte {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"stream", "file", "start_frame", "end_frame", "frames", "start_wall", "end_wall"})
	for _, r := range rows {
		w.Write([]string{
			r.Stream,
			r.File,
			strconv.FormatUint(r.Start, 10),
			strconv.FormatUint(r.End, 10),
			strconv.FormatUint(r.Frames, 10),
			strconv.FormatFloat(r.StartWall, 'f', 6, 64),
			strconv.FormatFloat(r.EndWall, 'f', 6, 64),
		})
	}
	w.Flush()
	return buf.Bytes()
}
