package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"github.com/banshee-data/sessionsync/internal/recorder"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

// maxBlockSamples bounds one ReadBlock.
const maxBlockSamples = 4096

// Microphone simulates a mono PCM16 microphone playing a sine tone.
type Microphone struct {
	SampleRate int
	ToneHz     float64
	Amplitude  float64
	Faults     Faults

	clock timeutil.Clock

	mu        sync.Mutex
	connected bool
}

// NewMicrophone returns a microphone at sampleRate playing 440 Hz.
func NewMicrophone(sampleRate int, clock timeutil.Clock) *Microphone {
	return &Microphone{SampleRate: sampleRate, ToneHz: 440, Amplitude: 0.25, clock: clockOrReal(clock)}
}

func (m *Microphone) Connect(ctx context.Context) error {
	if err := m.Faults.connect(ctx, m.clock); err != nil {
		return err
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *Microphone) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *Microphone) NewBlockReader() (recorder.BlockReader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, errors.New("sim microphone: not connected")
	}
	return &blockReader{mic: m, pace: &paced{clock: m.clock, rate: float64(m.SampleRate)}}, nil
}

type blockReader struct {
	mic  *Microphone
	pace *paced
}

func (r *blockReader) OpenStream(ctx context.Context) error {
	if err := r.mic.Faults.start(ctx, r.mic.clock); err != nil {
		return err
	}
	r.pace.open()
	return nil
}

// ReadBlock returns every sample due since the previous call.
func (r *blockReader) ReadBlock() ([]byte, error) {
	start, n := r.pace.take(maxBlockSamples)
	if n == 0 {
		return nil, recorder.ErrNoUnit
	}
	block := make([]byte, 2*n)
	step := 2 * math.Pi * r.mic.ToneHz / float64(r.mic.SampleRate)
	for i := int64(0); i < n; i++ {
		v := r.mic.Amplitude * math.Sin(step*float64(start+i))
		binary.LittleEndian.PutUint16(block[2*i:], uint16(int16(v*math.MaxInt16)))
	}
	return block, nil
}

func (r *blockReader) Close() error { return nil }
