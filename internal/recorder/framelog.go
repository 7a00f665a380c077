package recorder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FrameLogExtension is the directory extension used for frame logs.
const FrameLogExtension = ".frames"

// ChunkSize is the number of stored payloads per chunk file.
const ChunkSize = 1000

// FrameLogHeader describes a finished frame log.
type FrameLogHeader struct {
	Version      string  `json:"version"`
	Stream       string  `json:"stream"`
	Rate         float64 `json:"rate"`
	CreatedNs    int64   `json:"created_ns"`
	TotalFrames  uint64  `json:"total_frames"`
	LiveFrames   uint64  `json:"live_frames"`
	FrozenFrames uint64  `json:"frozen_frames"`
	StoredFrames uint64  `json:"stored_frames"`
}

// IndexEntry locates one frame. Repeated and frozen frames point at the
// payload of the live frame they copy, so they cost only an index entry.
type IndexEntry struct {
	FrameIndex uint64
	ChunkID    uint32
	Offset     uint32
	Kind       UnitKind
}

const indexEntrySize = 8 + 4 + 4 + 1

// FrameLog is a Sink storing frames as length-prefixed records in chunk
// files, with header.json and index.bin written on Close.
type FrameLog struct {
	basePath string

	header       FrameLogHeader
	index        []IndexEntry
	currentChunk int
	chunkFile    *os.File
	chunkOffset  uint32
	stored       uint64
	lastRef      *IndexEntry

	mu     sync.Mutex
	closed bool
}

// NewFrameLog creates the log directory at basePath.
func NewFrameLog(basePath, stream string, rate float64) (*FrameLog, error) {
	if err := os.MkdirAll(filepath.Join(basePath, "frames"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create frame log directory: %w", err)
	}
	return &FrameLog{
		basePath:     basePath,
		currentChunk: -1,
		header: FrameLogHeader{
			Version:   "1.0",
			Stream:    stream,
			Rate:      rate,
			CreatedNs: time.Now().UnixNano(),
		},
	}, nil
}

// Path returns the log directory.
func (l *FrameLog) Path() string { return l.basePath }

// WriteUnit implements Sink.
func (l *FrameLog) WriteUnit(index uint64, kind UnitKind, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("frame log is closed")
	}

	entry := IndexEntry{FrameIndex: index, Kind: kind}
	switch {
	case kind == UnitLive || l.lastRef == nil:
		if err := l.writePayload(payload, &entry); err != nil {
			return err
		}
		ref := entry
		l.lastRef = &ref
	default:
		entry.ChunkID = l.lastRef.ChunkID
		entry.Offset = l.lastRef.Offset
	}

	l.index = append(l.index, entry)
	l.header.TotalFrames++
	switch kind {
	case UnitLive:
		l.header.LiveFrames++
	case UnitFrozen:
		l.header.FrozenFrames++
	}
	return nil
}

func (l *FrameLog) writePayload(payload []byte, entry *IndexEntry) error {
	chunkIdx := int(l.stored / ChunkSize)
	if chunkIdx != l.currentChunk {
		if err := l.rotateChunk(chunkIdx); err != nil {
			return err
		}
	}

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(payload)))
	if _, err := l.chunkFile.Write(lenBuf); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	if _, err := l.chunkFile.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame data: %w", err)
	}

	entry.ChunkID = uint32(chunkIdx)
	entry.Offset = l.chunkOffset
	l.chunkOffset += uint32(4 + len(payload))
	l.stored++
	return nil
}

func (l *FrameLog) rotateChunk(chunkIdx int) error {
	if l.chunkFile != nil {
		if err := l.chunkFile.Close(); err != nil {
			return err
		}
	}
	f, err := os.Create(chunkPath(l.basePath, chunkIdx))
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	l.chunkFile = f
	l.currentChunk = chunkIdx
	l.chunkOffset = 0
	return nil
}

func chunkPath(base string, idx int) string {
	return filepath.Join(base, "frames", fmt.Sprintf("chunk_%04d.bin", idx))
}

// Close finalizes the log and writes the header and index. Closing twice is
// a no-op.
func (l *FrameLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if l.chunkFile != nil {
		if err := l.chunkFile.Close(); err != nil {
			return err
		}
	}

	l.header.StoredFrames = l.stored
	headerData, err := json.MarshalIndent(l.header, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.basePath, "header.json"), headerData, 0644); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	buf := make([]byte, 0, len(l.index)*indexEntrySize)
	for _, e := range l.index {
		buf = binary.LittleEndian.AppendUint64(buf, e.FrameIndex)
		buf = binary.LittleEndian.AppendUint32(buf, e.ChunkID)
		buf = binary.LittleEndian.AppendUint32(buf, e.Offset)
		buf = append(buf, byte(e.Kind))
	}
	if err := os.WriteFile(filepath.Join(l.basePath, "index.bin"), buf, 0644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}

// FrameLogReader reads a finished frame log.
type FrameLogReader struct {
	basePath string
	header   FrameLogHeader
	index    []IndexEntry
	chunks   map[uint32][]byte
}

// OpenFrameLog loads the header and index of the log at basePath.
func OpenFrameLog(basePath string) (*FrameLogReader, error) {
	r := &FrameLogReader{basePath: basePath, chunks: make(map[uint32][]byte)}

	headerData, err := os.ReadFile(filepath.Join(basePath, "header.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := json.Unmarshal(headerData, &r.header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(basePath, "index.bin"))
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	if len(data)%indexEntrySize != 0 {
		return nil, fmt.Errorf("index.bin is truncated: %d bytes", len(data))
	}
	r.index = make([]IndexEntry, 0, len(data)/indexEntrySize)
	for off := 0; off < len(data); off += indexEntrySize {
		r.index = append(r.index, IndexEntry{
			FrameIndex: binary.LittleEndian.Uint64(data[off:]),
			ChunkID:    binary.LittleEndian.Uint32(data[off+8:]),
			Offset:     binary.LittleEndian.Uint32(data[off+12:]),
			Kind:       UnitKind(data[off+16]),
		})
	}
	return r, nil
}

// Header returns the log header.
func (r *FrameLogReader) Header() FrameLogHeader { return r.header }

// Index returns the frame index entries.
func (r *FrameLogReader) Index() []IndexEntry { return r.index }

// Frame returns the payload and kind of frame i.
func (r *FrameLogReader) Frame(i uint64) ([]byte, UnitKind, error) {
	if i >= uint64(len(r.index)) {
		return nil, 0, io.EOF
	}
	e := r.index[i]
	chunk, ok := r.chunks[e.ChunkID]
	if !ok {
		data, err := os.ReadFile(chunkPath(r.basePath, int(e.ChunkID)))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read chunk %d: %w", e.ChunkID, err)
		}
		r.chunks[e.ChunkID] = data
		chunk = data
	}
	if uint64(e.Offset)+4 > uint64(len(chunk)) {
		return nil, 0, fmt.Errorf("invalid frame offset")
	}
	n := binary.LittleEndian.Uint32(chunk[e.Offset:])
	start := uint64(e.Offset) + 4
	if start+uint64(n) > uint64(len(chunk)) {
		return nil, 0, fmt.Errorf("invalid frame length")
	}
	return chunk[start : start+uint64(n)], e.Kind, nil
}
