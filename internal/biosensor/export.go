package biosensor

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/sessionsync/internal/fsutil"
	"github.com/banshee-data/sessionsync/internal/recorder"
)

// CSVFile is the full-session export name inside the heart_rate area.
const CSVFile = "hr_full_session.csv"

var csvHeader = []string{"timestamp", "index", "bpm", "rr_intervals_ms", "sensor_contact", "phase"}

// WriteCSV writes samples in index order. RR intervals are joined with ';'
// and an unknown sensor contact is an empty field.
func WriteCSV(w io.Writer, samples []recorder.Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range samples {
		rr := make([]string, len(s.RRIntervalsMs))
		for i, v := range s.RRIntervalsMs {
			rr[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		contact := ""
		if s.SensorContact != nil {
			contact = strconv.FormatBool(*s.SensorContact)
		}
		row := []string{
			strconv.FormatFloat(s.WallTime, 'f', 6, 64),
			strconv.FormatUint(s.Index, 10),
			strconv.Itoa(s.BPM),
			strings.Join(rr, ";"),
			contact,
			s.Phase,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportCSV writes samples to dir/CSVFile atomically and returns the path.
func ExportCSV(fsys fsutil.FileSystem, dir string, samples []recorder.Sample) (string, error) {
	var b strings.Builder
	if err := WriteCSV(&b, samples); err != nil {
		return "", fmt.Errorf("failed to encode samples: %w", err)
	}
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, CSVFile)
	if err := fsutil.WriteFileAtomic(fsys, path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// ReadCSV parses a file written by WriteCSV.
func ReadCSV(r io.Reader) ([]recorder.Sample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]recorder.Sample, 0, len(rows)-1)
	for n, row := range rows[1:] {
		line := n + 2
		var s recorder.Sample
		if s.WallTime, err = strconv.ParseFloat(row[0], 64); err != nil {
			return nil, fmt.Errorf("line %d: invalid timestamp %q", line, row[0])
		}
		if s.Index, err = strconv.ParseUint(row[1], 10, 64); err != nil {
			return nil, fmt.Errorf("line %d: invalid index %q", line, row[1])
		}
		if s.BPM, err = strconv.Atoi(row[2]); err != nil {
			return nil, fmt.Errorf("line %d: invalid bpm %q", line, row[2])
		}
		if row[3] != "" {
			for _, p := range strings.Split(row[3], ";") {
				v, err := strconv.ParseFloat(p, 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: invalid rr interval %q", line, p)
				}
				s.RRIntervalsMs = append(s.RRIntervalsMs, v)
			}
		}
		if row[4] != "" {
			c, err := strconv.ParseBool(row[4])
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid sensor contact %q", line, row[4])
			}
			s.SensorContact = &c
		}
		s.Phase = row[5]
		out = append(out, s)
	}
	return out, nil
}

// ReadCSVFile opens and parses path.
func ReadCSVFile(path string) ([]recorder.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}
