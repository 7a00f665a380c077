package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/banshee-data/sessionsync/internal/recorder"
)

// SampleRecord is one stored biosensor sample.
type SampleRecord struct {
	Index         int64     `json:"index"`
	WallTime      float64   `json:"timestamp"`
	BPM           int       `json:"bpm"`
	RRIntervalsMs []float64 `json:"rr_intervals_ms"`
	SensorContact *bool     `json:"sensor_contact,omitempty"`
	Phase         string    `json:"phase"`
}

// InsertSamples stores a batch of samples in one transaction. Indices
// already present are ignored.
func (db *DB) InsertSamples(sessionID string, samples []SampleRecord) error {
	if len(samples) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO biosensor_samples
		(session_id, sample_index, wall_time, bpm, rr_intervals_ms, sensor_contact, phase)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range samples {
		rr := s.RRIntervalsMs
		if rr == nil {
			rr = []float64{}
		}
		rrJSON, err := json.Marshal(rr)
		if err != nil {
			return err
		}
		var contact sql.NullBool
		if s.SensorContact != nil {
			contact = sql.NullBool{Bool: *s.SensorContact, Valid: true}
		}
		if _, err := stmt.Exec(sessionID, s.Index, s.WallTime, s.BPM, string(rrJSON), contact, s.Phase); err != nil {
			return fmt.Errorf("failed to insert sample %d: %w", s.Index, err)
		}
	}
	return tx.Commit()
}

// Samples returns every stored sample for a session in index order.
func (db *DB) Samples(sessionID string) ([]SampleRecord, error) {
	rows, err := db.Query(`SELECT sample_index, wall_time, bpm, rr_intervals_ms, sensor_contact, phase
		FROM biosensor_samples WHERE session_id = ? ORDER BY sample_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SampleRecord
	for rows.Next() {
		var (
			s       SampleRecord
			rrJSON  string
			contact sql.NullBool
		)
		if err := rows.Scan(&s.Index, &s.WallTime, &s.BPM, &rrJSON, &contact, &s.Phase); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rrJSON), &s.RRIntervalsMs); err != nil {
			return nil, fmt.Errorf("failed to decode rr intervals for sample %d: %w", s.Index, err)
		}
		if contact.Valid {
			v := contact.Bool
			s.SensorContact = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SampleStore adapts the store to a continuous recorder for one session.
func (db *DB) SampleStore(sessionID string) recorder.SampleStore {
	return &sampleStore{db: db, sessionID: sessionID}
}

type sampleStore struct {
	db        *DB
	sessionID string
}

func (s *sampleStore) WriteSamples(samples []recorder.Sample) error {
	recs := make([]SampleRecord, len(samples))
	for i, smp := range samples {
		recs[i] = SampleRecord{
			Index:         int64(smp.Index),
			WallTime:      smp.WallTime,
			BPM:           smp.BPM,
			RRIntervalsMs: smp.RRIntervalsMs,
			SensorContact: smp.SensorContact,
			Phase:         smp.Phase,
		}
	}
	return s.db.InsertSamples(s.sessionID, recs)
}
