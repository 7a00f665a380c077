package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/banshee-data/sessionsync/internal/httputil"
	"github.com/banshee-data/sessionsync/internal/report"
)

// handleTimelineChart renders the live session timeline (HTML).
func (s *Server) handleTimelineChart(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := report.WriteTimelineHTML(&buf, s.o.Info().ID, s.o.Timeline().Snapshot()); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
