package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"

	"github.com/banshee-data/sessionsync/internal/recorder"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

// Camera simulates a USB camera. Frames are width*height grey pixels
// prefixed by the frame number, produced at FPS on the clock.
type Camera struct {
	FPS           float64
	Width, Height int
	Faults        Faults

	clock timeutil.Clock

	mu        sync.Mutex
	connected bool
}

// NewCamera returns a camera producing fps frames per second.
func NewCamera(fps float64, clock timeutil.Clock) *Camera {
	return &Camera{FPS: fps, Width: 32, Height: 24, clock: clockOrReal(clock)}
}

func (c *Camera) Connect(ctx context.Context) error {
	if err := c.Faults.connect(ctx, c.clock); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Camera) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *Camera) NewFrameReader() (recorder.FrameReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, errors.New("sim camera: not connected")
	}
	return &frameReader{cam: c, pace: &paced{clock: c.clock, rate: c.FPS}}, nil
}

// Snapshot writes a PNG still whose shade follows the clock.
func (c *Camera) Snapshot(ctx context.Context, path string) error {
	img := c.render(uint64(c.clock.Now().UnixMilli() / 100))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("sim camera: encode snapshot: %w", err)
	}
	return f.Close()
}

func (c *Camera) render(n uint64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, c.Width, c.Height))
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(uint64(x+y) + n)})
		}
	}
	return img
}

type frameReader struct {
	cam  *Camera
	pace *paced
}

func (r *frameReader) Open(ctx context.Context) error {
	if err := r.cam.Faults.start(ctx, r.cam.clock); err != nil {
		return err
	}
	r.pace.open()
	return nil
}

// ReadFrame returns the oldest frame not yet delivered.
func (r *frameReader) ReadFrame() ([]byte, error) {
	n, due := r.pace.take(1)
	if due == 0 {
		return nil, recorder.ErrNoUnit
	}
	img := r.cam.render(uint64(n))
	frame := make([]byte, 8, 8+len(img.Pix))
	binary.LittleEndian.PutUint64(frame, uint64(n))
	return append(frame, img.Pix...), nil
}

func (r *frameReader) Close() error { return nil }
