// Package testutil provides fixtures shared by the session tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/sessionsync/internal/config"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

// Epoch is the wall time every test clock starts at.
var Epoch = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// NewClock returns a mock clock set to Epoch.
func NewClock() *timeutil.MockClock {
	return timeutil.NewMockClock(Epoch)
}

// Settings formats a settings document and parses it, failing the test on
// error. Defaults and environment overrides apply as for a file.
func Settings(t *testing.T, format string, args ...any) *config.Settings {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(format, args...)))
	if err != nil {
		t.Fatalf("invalid test settings: %v", err)
	}
	return cfg
}

// WriteFile writes body to name inside a fresh temporary directory and
// returns the path.
func WriteFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}
