package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/sessionsync/internal/device"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

// WiFiCamera simulates an action camera that records to its own storage.
type WiFiCamera struct {
	Faults Faults
	// KeepAliveErr, when set, fails every keep-alive.
	KeepAliveErr error

	id    string
	clock timeutil.Clock

	mu         sync.Mutex
	connected  bool
	recording  bool
	clips      []string
	keepAlives int
	battery    int
}

// NewWiFiCamera returns a simulated wifi camera.
func NewWiFiCamera(id string, clock timeutil.Clock) *WiFiCamera {
	return &WiFiCamera{id: id, clock: clockOrReal(clock), battery: 100}
}

type clip struct{ purpose string }

func (c *WiFiCamera) ID() string          { return c.id }
func (c *WiFiCamera) Class() device.Class { return device.ClassWiFiCamera }

func (c *WiFiCamera) Connect(ctx context.Context) error {
	if err := c.Faults.connect(ctx, c.clock); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *WiFiCamera) Start(ctx context.Context, target device.Target) (device.Handle, error) {
	if err := c.Faults.start(ctx, c.clock); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, errors.New("sim wifi camera: not connected")
	}
	if c.recording {
		return nil, errors.New("sim wifi camera: already recording")
	}
	c.recording = true
	c.clips = append(c.clips, target.Purpose)
	logf("%s: recording %q", c.id, target.Purpose)
	return &clip{purpose: target.Purpose}, nil
}

func (c *WiFiCamera) Stop(ctx context.Context, h device.Handle) error {
	if _, ok := h.(*clip); !ok {
		return fmt.Errorf("sim wifi camera: unexpected handle %T", h)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = false
	return nil
}

func (c *WiFiCamera) KeepAlive(ctx context.Context, h device.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keepAlives++
	if c.battery > 0 && c.keepAlives%10 == 0 {
		c.battery--
	}
	return c.KeepAliveErr
}

func (c *WiFiCamera) Status(ctx context.Context, h device.Handle) (device.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	batt := c.battery
	return device.Status{
		Connected: c.connected,
		Recording: c.recording,
		Battery:   &batt,
		Detail:    map[string]any{"clips": len(c.clips)},
	}, nil
}

func (c *WiFiCamera) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.recording = false
	return nil
}

// Clips lists the purposes of every recording started, in order.
func (c *WiFiCamera) Clips() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.clips...)
}

// KeepAlives counts keep-alive calls.
func (c *WiFiCamera) KeepAlives() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlives
}
