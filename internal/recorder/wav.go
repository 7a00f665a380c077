package recorder

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavFlushSamples is how many samples are buffered before each encoder write.
const wavFlushSamples = 4096

// WAVSink writes mono PCM16 samples to a WAV file. Each unit is one
// little-endian 16-bit sample; blank units are silence.
type WAVSink struct {
	path       string
	sampleRate int

	mu     sync.Mutex
	f      *os.File
	enc    *wav.Encoder
	buf    *audio.IntBuffer
	closed bool
}

// NewWAVSink creates the file at path.
func NewWAVSink(path string, sampleRate int) (*WAVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create wav file: %w", err)
	}
	format := &audio.Format{NumChannels: 1, SampleRate: sampleRate}
	return &WAVSink{
		path:       path,
		sampleRate: sampleRate,
		f:          f,
		enc:        wav.NewEncoder(f, sampleRate, 16, 1, 1),
		buf: &audio.IntBuffer{
			Format:         format,
			Data:           make([]int, 0, wavFlushSamples),
			SourceBitDepth: 16,
		},
	}, nil
}

// Path returns the WAV file path.
func (s *WAVSink) Path() string { return s.path }

// WriteUnit implements Sink.
func (s *WAVSink) WriteUnit(_ uint64, _ UnitKind, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("wav sink is closed")
	}
	var sample int16
	if len(payload) >= 2 {
		sample = int16(binary.LittleEndian.Uint16(payload))
	}
	s.buf.Data = append(s.buf.Data, int(sample))
	if len(s.buf.Data) >= wavFlushSamples {
		return s.flushLocked()
	}
	return nil
}

func (s *WAVSink) flushLocked() error {
	if len(s.buf.Data) == 0 {
		return nil
	}
	err := s.enc.Write(s.buf)
	s.buf.Data = s.buf.Data[:0]
	if err != nil {
		return fmt.Errorf("failed to write wav samples: %w", err)
	}
	return nil
}

// Close flushes buffered samples, patches the RIFF sizes and closes the
// file. Closing twice is a no-op.
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	flushErr := s.flushLocked()
	encErr := s.enc.Close()
	fileErr := s.f.Close()
	switch {
	case flushErr != nil:
		return flushErr
	case encErr != nil:
		return fmt.Errorf("failed to finalize wav: %w", encErr)
	default:
		return fileErr
	}
}

// WAVInfo summarizes a WAV file.
type WAVInfo struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Samples    []int
}

// ReadWAV decodes a WAV file written by WAVSink.
func ReadWAV(path string) (*WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return &WAVInfo{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		Samples:    buf.Data,
	}, nil
}
