package serialmux

import (
	"bytes"
	"io"
	"sync"
)

// SerialPorter is the minimal serial port surface.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// PipePort is an in-memory port: lines fed with Feed are read by the mux,
// and commands written to it are captured.
type PipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

// NewPipePort returns an open in-memory port.
func NewPipePort() *PipePort {
	r, w := io.Pipe()
	return &PipePort{r: r, w: w}
}

func (p *PipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *PipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.written.Write(b)
}

// Feed makes line readable from the port. It blocks until the mux reads it.
func (p *PipePort) Feed(line string) error {
	_, err := io.WriteString(p.w, line+"\n")
	return err
}

// EOF ends the readable stream.
func (p *PipePort) EOF() error { return p.w.Close() }

// Written returns everything written to the port.
func (p *PipePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *PipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.w.Close()
	return p.r.Close()
}
