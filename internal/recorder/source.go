package recorder

import "context"

// FrameReader is the camera driver boundary: open, read_frame, close.
// ReadFrame returns ErrNoUnit when no new frame is ready.
type FrameReader interface {
	Open(ctx context.Context) error
	ReadFrame() ([]byte, error)
	Close() error
}

// FrameSource adapts a FrameReader to a Source; one frame is one unit.
type FrameSource struct {
	Reader FrameReader
}

func (s FrameSource) Open(ctx context.Context) error { return s.Reader.Open(ctx) }
func (s FrameSource) ReadUnit() ([]byte, error)      { return s.Reader.ReadFrame() }
func (s FrameSource) Close() error                   { return s.Reader.Close() }

// BlockReader is the audio driver boundary: open_stream, read_block, close.
// ReadBlock returns ErrNoUnit when no block is ready.
type BlockReader interface {
	OpenStream(ctx context.Context) error
	ReadBlock() ([]byte, error)
	Close() error
}

// BlockSource splits audio blocks into per-sample units of UnitSize bytes
// (2 for mono PCM16).
type BlockSource struct {
	Reader   BlockReader
	UnitSize int

	buf []byte
}

// NewBlockSource returns a BlockSource for r with the given unit size.
func NewBlockSource(r BlockReader, unitSize int) *BlockSource {
	if unitSize <= 0 {
		unitSize = 2
	}
	return &BlockSource{Reader: r, UnitSize: unitSize}
}

func (s *BlockSource) Open(ctx context.Context) error { return s.Reader.OpenStream(ctx) }

// ReadUnit returns the next sample, reading a new block when the buffered
// one is exhausted. A trailing partial sample waits for the next block.
func (s *BlockSource) ReadUnit() ([]byte, error) {
	for len(s.buf) < s.UnitSize {
		block, err := s.Reader.ReadBlock()
		if err != nil {
			return nil, err
		}
		if len(block) == 0 {
			return nil, ErrNoUnit
		}
		s.buf = append(s.buf, block...)
	}
	unit := make([]byte, s.UnitSize)
	copy(unit, s.buf[:s.UnitSize])
	s.buf = s.buf[s.UnitSize:]
	return unit, nil
}

func (s *BlockSource) Close() error { return s.Reader.Close() }
