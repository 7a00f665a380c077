// Package wificam drives action cameras over their WiFi HTTP control API.
package wificam

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/sessionsync/internal/device"
	"github.com/banshee-data/sessionsync/internal/httputil"
)

// DefaultAddress is the camera's own access-point address.
const DefaultAddress = "10.5.5.9"

// Status keys in the camera's status document.
const (
	statusRecording = "8"
	statusBattery   = "70"
)

// Camera is a device.Device for one WiFi camera. Each camera is reached
// through its own network interface, so every Camera has its own client.
type Camera struct {
	id      string
	baseURL string
	client  httputil.HTTPClient

	mu        sync.Mutex
	model     string
	recording bool
}

type recording struct {
	purpose string
}

// New returns a camera at addr (host or host:port).
func New(id, addr string, client httputil.HTTPClient) *Camera {
	if addr == "" {
		addr = DefaultAddress
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Camera{id: id, baseURL: strings.TrimSuffix(addr, "/"), client: client}
}

func (c *Camera) ID() string          { return c.id }
func (c *Camera) Class() device.Class { return device.ClassWiFiCamera }

// Model returns the model name reported at connect.
func (c *Camera) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

func (c *Camera) url(path string) string { return c.baseURL + "/gp/gpControl" + path }

func (c *Camera) command(ctx context.Context, path string) error {
	_, err := httputil.Get(ctx, c.client, c.url("/command"+path))
	return err
}

type infoDoc struct {
	Info struct {
		ModelName       string `json:"model_name"`
		FirmwareVersion string `json:"firmware_version"`
	} `json:"info"`
}

// Connect reads the camera info and switches it to video mode.
func (c *Camera) Connect(ctx context.Context) error {
	var info infoDoc
	if err := httputil.GetJSON(ctx, c.client, c.url(""), &info); err != nil {
		return fmt.Errorf("camera %s unreachable: %w", c.id, err)
	}
	if err := c.command(ctx, "/mode?p=0"); err != nil {
		return fmt.Errorf("camera %s: failed to select video mode: %w", c.id, err)
	}
	c.mu.Lock()
	c.model = info.Info.ModelName
	c.mu.Unlock()
	logf("%s connected (%s)", c.id, info.Info.ModelName)
	return nil
}

// Start presses the shutter. The camera records to its own card; the
// target purpose is kept only for the timeline.
func (c *Camera) Start(ctx context.Context, target device.Target) (device.Handle, error) {
	if err := c.command(ctx, "/shutter?p=1"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.recording = true
	c.mu.Unlock()
	return &recording{purpose: target.Purpose}, nil
}

func (c *Camera) Stop(ctx context.Context, h device.Handle) error {
	if err := c.command(ctx, "/shutter?p=0"); err != nil {
		return err
	}
	c.mu.Lock()
	c.recording = false
	c.mu.Unlock()
	return nil
}

// KeepAlive polls the status document, which keeps the camera's WiFi
// session from idling out.
func (c *Camera) KeepAlive(ctx context.Context, h device.Handle) error {
	_, err := httputil.Get(ctx, c.client, c.url("/status"))
	return err
}

type statusDoc struct {
	Status map[string]json.RawMessage `json:"status"`
}

func (c *Camera) Status(ctx context.Context, h device.Handle) (device.Status, error) {
	var doc statusDoc
	if err := httputil.GetJSON(ctx, c.client, c.url("/status"), &doc); err != nil {
		return device.Status{}, err
	}
	st := device.Status{Connected: true}
	if v, ok := intField(doc.Status, statusRecording); ok {
		st.Recording = v == 1
	}
	if v, ok := intField(doc.Status, statusBattery); ok {
		st.Battery = &v
	}
	if model := c.Model(); model != "" {
		st.Detail = map[string]any{"model": model}
	}
	return st, nil
}

func intField(m map[string]json.RawMessage, key string) (int, bool) {
	raw, ok := m[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(strings.Trim(string(raw), `"`))
	if err != nil {
		return 0, false
	}
	return v, true
}

// Disconnect stops a recording left running. The WiFi link itself is
// managed by the host.
func (c *Camera) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	rec := c.recording
	c.mu.Unlock()
	if !rec {
		return nil
	}
	return c.Stop(ctx, nil)
}
