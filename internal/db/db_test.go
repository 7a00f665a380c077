package db

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/sessionsync/internal/recorder"
	"github.com/banshee-data/sessionsync/internal/timeline"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), FileName))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestSession(t *testing.T, db *DB, id string) {
	t.Helper()
	err := db.CreateSession(SessionRecord{
		ID:            id,
		Name:          "trial",
		StartTime:     1700000000.5,
		Dir:           "/data/trial",
		ConfigSummary: json.RawMessage(`{"phases":7}`),
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
}

func TestNewDB_MigratesToLatest(t *testing.T) {
	db := newTestDB(t)
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	latest, err := LatestMigrationVersion()
	if err != nil {
		t.Fatalf("LatestMigrationVersion: %v", err)
	}
	if version != latest || dirty {
		t.Errorf("version = %d dirty = %v, want %d clean", version, dirty, latest)
	}
	if latest != 2 {
		t.Errorf("latest = %d, want 2", latest)
	}
}

func TestMigrateDownAndUp(t *testing.T) {
	db := newTestDB(t)
	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	if v, _, _ := db.MigrateVersion(); v != 1 {
		t.Errorf("version after down = %d, want 1", v)
	}
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	if v, _, _ := db.MigrateVersion(); v != 2 {
		t.Errorf("version after up = %d, want 2", v)
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := newTestDB(t)
	createTestSession(t, db, "s1")

	rec, err := db.Session("s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if rec.FinalizedAt != nil {
		t.Error("new session should not be finalized")
	}
	if string(rec.ConfigSummary) != `{"phases":7}` {
		t.Errorf("config summary = %s", rec.ConfigSummary)
	}

	if err := db.FinalizeSession("s1", 1700000100); err != nil {
		t.Fatalf("FinalizeSession: %v", err)
	}
	if err := db.FinalizeSession("s1", 1700000999); err != nil {
		t.Fatalf("second FinalizeSession: %v", err)
	}
	rec, _ = db.Session("s1")
	if rec.FinalizedAt == nil || *rec.FinalizedAt != 1700000100 {
		t.Errorf("finalized_at = %v, want first stamp", rec.FinalizedAt)
	}

	if _, err := db.Session("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
	if err := db.FinalizeSession("missing", 1); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}

	all, err := db.Sessions()
	if err != nil || len(all) != 1 {
		t.Fatalf("Sessions() = %v, %v", all, err)
	}
}

func TestEventSink_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	createTestSession(t, db, "s1")
	sink := db.EventSink("s1")

	batch := []timeline.Event{
		{Kind: timeline.KindSessionCreated, WallTime: 10.5, Seq: 1, Attributes: timeline.Attrs{"name": "trial"}},
		{Kind: timeline.KindConnectFail, WallTime: 11, Seq: 2, Attributes: timeline.Attrs{"device_id": "cam-1", "error": "timeout"}},
		{Kind: timeline.KindPhaseStart, WallTime: 11, Seq: 3},
	}
	if err := sink.WriteEvents(batch); err != nil {
		t.Fatalf("WriteEvents: %v", err)
	}
	// A retried batch must not duplicate rows.
	if err := sink.WriteEvents(batch[1:]); err != nil {
		t.Fatalf("WriteEvents retry: %v", err)
	}

	got, err := db.Events("s1", "")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if diff := cmp.Diff(batch, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	fails, err := db.Events("s1", timeline.KindConnectFail)
	if err != nil || len(fails) != 1 || fails[0].String("device_id") != "cam-1" {
		t.Errorf("Events(connect_fail) = %v, %v", fails, err)
	}
}

func TestSamples_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	createTestSession(t, db, "s1")

	contact := true
	samples := []SampleRecord{
		{Index: 0, WallTime: 1.0, BPM: 72, RRIntervalsMs: []float64{830, 845}, SensorContact: &contact, Phase: "warmup_calibration"},
		{Index: 1, WallTime: 2.0, BPM: 75, RRIntervalsMs: []float64{}, Phase: "performance"},
	}
	if err := db.InsertSamples("s1", samples); err != nil {
		t.Fatalf("InsertSamples: %v", err)
	}
	got, err := db.Samples("s1")
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	if diff := cmp.Diff(samples, got); diff != "" {
		t.Errorf("samples mismatch (-want +got):\n%s", diff)
	}
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	var out bytes.Buffer

	if err := RunMigrateCommand([]string{"up"}, path, &out); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if !strings.Contains(out.String(), "Current version: 2") {
		t.Errorf("unexpected output: %s", out.String())
	}

	out.Reset()
	if err := RunMigrateCommand([]string{"status"}, path, &out); err != nil {
		t.Fatalf("migrate status: %v", err)
	}
	if !strings.Contains(out.String(), "Latest available: 2") {
		t.Errorf("unexpected output: %s", out.String())
	}

	if err := RunMigrateCommand([]string{"bogus"}, path, io.Discard); err == nil {
		t.Error("expected error for unknown action")
	}
	if err := RunMigrateCommand(nil, path, io.Discard); err == nil {
		t.Error("expected error for missing action")
	}
}

func TestAdminRoutes_Backup(t *testing.T) {
	db := newTestDB(t)
	createTestSession(t, db, "s1")

	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("SQLite format 3")) {
		t.Errorf("backup is not a SQLite file")
	}
}

func TestSampleStore_WritesRecorderSamples(t *testing.T) {
	db := newTestDB(t)
	createTestSession(t, db, "s1")

	store := db.SampleStore("s1")
	contact := false
	err := store.WriteSamples([]recorder.Sample{
		{Index: 0, WallTime: 5, BPM: 90, RRIntervalsMs: []float64{666}, Phase: "performance"},
		{Index: 1, WallTime: 6, BPM: 91, SensorContact: &contact, Phase: "performance"},
	})
	if err != nil {
		t.Fatalf("WriteSamples failed: %v", err)
	}
	got, err := db.Samples("s1")
	if err != nil {
		t.Fatalf("Samples failed: %v", err)
	}
	if len(got) != 2 || got[0].BPM != 90 || got[1].Index != 1 {
		t.Fatalf("unexpected samples: %+v", got)
	}
	if got[1].SensorContact == nil || *got[1].SensorContact {
		t.Errorf("sensor contact not preserved: %+v", got[1].SensorContact)
	}
	if len(got[1].RRIntervalsMs) != 0 {
		t.Errorf("expected no rr intervals, got %v", got[1].RRIntervalsMs)
	}
}
