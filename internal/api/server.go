package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/sessionsync/internal/httputil"
	"github.com/banshee-data/sessionsync/internal/orchestrator"
	"github.com/banshee-data/sessionsync/internal/phase"
	"github.com/banshee-data/sessionsync/internal/recorder"
	"github.com/banshee-data/sessionsync/internal/timeline"
	"tailscale.com/tsweb"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// commandTimeout bounds how long a request waits on the control loop.
const commandTimeout = 30 * time.Second

// Server is the operator API over a running session.
type Server struct {
	o *orchestrator.Orchestrator
}

func NewServer(o *orchestrator.Orchestrator) *Server {
	return &Server{o: o}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/session", s.showSession)
	mux.HandleFunc("GET /api/events", s.listEvents)
	mux.HandleFunc("GET /api/phases", s.listPhases)
	mux.HandleFunc("GET /api/devices", s.listDevices)
	mux.HandleFunc("GET /api/streams", s.listStreams)

	mux.HandleFunc("POST /api/phases/advance", s.command(func(ctx context.Context, _ *http.Request) error {
		return s.o.Advance(ctx)
	}))
	mux.HandleFunc("POST /api/phases/skip", s.command(func(ctx context.Context, _ *http.Request) error {
		return s.o.Skip(ctx)
	}))
	mux.HandleFunc("POST /api/phases/restart", s.command(func(ctx context.Context, _ *http.Request) error {
		return s.o.Restart(ctx)
	}))
	mux.HandleFunc("POST /api/phases/checklist", s.command(s.toggleChecklist))
	mux.HandleFunc("POST /api/recorders/pause", s.command(s.streamCommand(s.o.Pause)))
	mux.HandleFunc("POST /api/recorders/resume", s.command(s.streamCommand(s.o.Resume)))
	mux.HandleFunc("POST /api/stop", s.command(func(ctx context.Context, _ *http.Request) error {
		return s.o.Stop(ctx)
	}))
	return mux
}

// AttachAdminRoutes adds the timeline chart to the debug pages.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("timeline", "Session timeline chart", http.HandlerFunc(s.handleTimelineChart))
}

// badRequestError marks a request the handler rejected before reaching
// the session.
type badRequestError struct{ msg string }

func (e badRequestError) Error() string { return e.msg }

// commandStatus maps a command failure to the response status.
func commandStatus(err error) int {
	var bad badRequestError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, phase.ErrNotReady),
		errors.Is(err, phase.ErrInvalidTransition),
		errors.Is(err, recorder.ErrNotPausable):
		return http.StatusConflict
	case errors.Is(err, phase.ErrUnknownPhase),
		errors.Is(err, phase.ErrUnknownItem),
		errors.Is(err, orchestrator.ErrUnknownStream):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// command wraps an operator command: the result is the session summary
// after the command, or the error mapped to a status.
func (s *Server) command(fn func(context.Context, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		defer cancel()
		if err := fn(ctx, r); err != nil {
			httputil.WriteJSONError(w, commandStatus(err), err.Error())
			return
		}
		httputil.WriteJSONOK(w, s.o.Info())
	}
}

type checklistRequest struct {
	Phase     string `json:"phase_id"`
	Index     *int   `json:"index"`
	Satisfied bool   `json:"satisfied"`
}

func (s *Server) streamCommand(fn func(context.Context, string) error) func(context.Context, *http.Request) error {
	return func(ctx context.Context, r *http.Request) error {
		stream := r.FormValue("stream")
		if stream == "" {
			return badRequestError{"stream is required"}
		}
		return fn(ctx, stream)
	}
}

func (s *Server) toggleChecklist(ctx context.Context, r *http.Request) error {
	var req checklistRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		return badRequestError{"invalid checklist request: " + err.Error()}
	}
	if req.Index == nil {
		return badRequestError{"index is required"}
	}
	if req.Phase == "" {
		v, ok := s.o.Machine().Active()
		if !ok {
			return orchestrator.ErrNotRunning
		}
		req.Phase = v.ID
	}
	return s.o.ToggleChecklistItem(ctx, req.Phase, *req.Index, req.Satisfied)
}

func (s *Server) showSession(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.o.Info())
}

// listEvents returns the timeline, optionally filtered by kind and by a
// wall time (seconds) strictly after which events are wanted.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since float64
	if v := q.Get("since"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			httputil.BadRequest(w, "invalid 'since' parameter")
			return
		}
		since = parsed
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = parsed
	}
	kind := timeline.Kind(q.Get("kind"))

	events := make([]timeline.Event, 0)
	for _, e := range s.o.Timeline().Snapshot() {
		if kind != "" && e.Kind != kind {
			continue
		}
		if e.WallTime <= since {
			continue
		}
		events = append(events, e)
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	httputil.WriteJSONOK(w, events)
}

func (s *Server) listPhases(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.o.Machine().Phases())
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.o.Devices(r.Context()))
}

func (s *Server) listStreams(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.o.Streams())
}
