package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetJSON_DecodesBody(t *testing.T) {
	t.Parallel()

	m := NewMockHTTPClient().AddResponse(http.StatusOK, `{"battery": 71}`)
	var out struct {
		Battery int `json:"battery"`
	}
	if err := GetJSON(context.Background(), m, "http://10.5.5.9/status", &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.Battery != 71 {
		t.Errorf("battery = %d, want 71", out.Battery)
	}
	if got := m.Paths(); len(got) != 1 || got[0] != "/status" {
		t.Errorf("paths = %v", got)
	}
}

func TestGet_StatusError(t *testing.T) {
	t.Parallel()

	m := NewMockHTTPClient().AddResponse(http.StatusServiceUnavailable, "busy\n")
	_, err := Get(context.Background(), m, "http://cam/x")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || se.Body != "busy" {
		t.Errorf("unexpected error fields: %+v", se)
	}
	if se.Error() != "http://cam/x: unexpected status 503: busy" {
		t.Errorf("Error() = %q", se.Error())
	}
}

func TestGetJSON_InvalidBody(t *testing.T) {
	t.Parallel()

	m := NewMockHTTPClient().AddResponse(http.StatusOK, "not json")
	var out map[string]any
	if err := GetJSON(context.Background(), m, "http://cam/x", &out); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestMockHTTPClient_QueueAndDefaults(t *testing.T) {
	t.Parallel()

	boom := errors.New("no route to host")
	m := NewMockHTTPClient().AddErrorResponse(boom).AddResponse(http.StatusTeapot, "")

	if _, err := Get(context.Background(), m, "http://cam/a"); !errors.Is(err, boom) {
		t.Errorf("first call err = %v, want %v", err, boom)
	}
	if _, err := Get(context.Background(), m, "http://cam/b"); err == nil {
		t.Error("second call should fail with status 418")
	}
	if _, err := Get(context.Background(), m, "http://cam/c"); err != nil {
		t.Errorf("default response should succeed: %v", err)
	}
	if m.RequestCount() != 3 {
		t.Errorf("RequestCount = %d, want 3", m.RequestCount())
	}
}

func TestMockHTTPClient_DoFunc(t *testing.T) {
	t.Parallel()

	m := NewMockHTTPClient()
	m.DoFunc = func(req *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusAccepted)
		return rec.Result(), nil
	}
	if _, err := Get(context.Background(), m, "http://cam/x"); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestGet_RealServerHonoursContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewStandardClient(srv.Client())
	var out struct {
		OK bool `json:"ok"`
	}
	if err := GetJSON(context.Background(), c, srv.URL, &out); err != nil || !out.OK {
		t.Fatalf("GetJSON = %v, %+v", err, out)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Get(ctx, c, srv.URL); err == nil {
		t.Error("expected error for cancelled context")
	}
	if NewStandardClient(nil) != http.DefaultClient {
		t.Error("nil client should fall back to http.DefaultClient")
	}
}
