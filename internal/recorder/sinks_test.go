package recorder

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLog_RoundTrip(t *testing.T) {
	base := filepath.Join(t.TempDir(), "face"+FrameLogExtension)
	log, err := NewFrameLog(base, "face", 30)
	require.NoError(t, err)

	require.NoError(t, log.WriteUnit(0, UnitBlank, nil))
	require.NoError(t, log.WriteUnit(1, UnitLive, []byte("frame-a")))
	require.NoError(t, log.WriteUnit(2, UnitRepeat, []byte("frame-a")))
	require.NoError(t, log.WriteUnit(3, UnitLive, []byte("frame-b")))
	require.NoError(t, log.WriteUnit(4, UnitFrozen, []byte("frame-b")))
	require.NoError(t, log.Close())
	require.NoError(t, log.Close())
	assert.Error(t, log.WriteUnit(5, UnitLive, []byte("late")))

	r, err := OpenFrameLog(base)
	require.NoError(t, err)
	h := r.Header()
	assert.Equal(t, "face", h.Stream)
	assert.Equal(t, uint64(5), h.TotalFrames)
	assert.Equal(t, uint64(2), h.LiveFrames)
	assert.Equal(t, uint64(1), h.FrozenFrames)
	// The blank frame and two live frames carry payloads.
	assert.Equal(t, uint64(3), h.StoredFrames)
	require.Len(t, r.Index(), 5)

	want := []struct {
		payload string
		kind    UnitKind
	}{
		{"", UnitBlank},
		{"frame-a", UnitLive},
		{"frame-a", UnitRepeat},
		{"frame-b", UnitLive},
		{"frame-b", UnitFrozen},
	}
	for i, w := range want {
		payload, kind, err := r.Frame(uint64(i))
		require.NoError(t, err)
		assert.Equal(t, w.payload, string(payload), "frame %d", i)
		assert.Equal(t, w.kind, kind, "frame %d", i)
	}
	_, _, err = r.Frame(5)
	assert.Error(t, err)
}

func TestFrameLog_ChunkRotation(t *testing.T) {
	base := filepath.Join(t.TempDir(), "cam.frames")
	log, err := NewFrameLog(base, "cam", 30)
	require.NoError(t, err)
	for i := 0; i < ChunkSize+5; i++ {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(i))
		require.NoError(t, log.WriteUnit(uint64(i), UnitLive, buf))
	}
	require.NoError(t, log.Close())

	_, err = os.Stat(chunkPath(base, 1))
	require.NoError(t, err)

	r, err := OpenFrameLog(base)
	require.NoError(t, err)
	payload, _, err := r.Frame(ChunkSize + 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(ChunkSize+2), binary.LittleEndian.Uint32(payload))
}

func TestWAVSink_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.wav")
	sink, err := NewWAVSink(path, 8000)
	require.NoError(t, err)

	samples := []int16{0, 1000, -1000, 32767, -32768}
	for i, s := range samples {
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(s))
		require.NoError(t, sink.WriteUnit(uint64(i), UnitLive, buf))
	}
	require.NoError(t, sink.WriteUnit(5, UnitBlank, nil))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	info, err := ReadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, 8000, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, 16, info.BitDepth)
	assert.Equal(t, []int{0, 1000, -1000, 32767, -32768, 0}, info.Samples)
}

func TestReadWAV_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wav file at all"), 0644))
	_, err := ReadWAV(path)
	assert.Error(t, err)
}

func TestPauseLog_AppendAndRead(t *testing.T) {
	target := filepath.Join(t.TempDir(), "face.frames")
	path := PauseLogPath(target)
	assert.Equal(t, target+PauseLogSuffix, path)

	missing, err := ReadPauseLog(path)
	require.NoError(t, err)
	assert.Nil(t, missing)

	pl, err := OpenPauseLog(path)
	require.NoError(t, err)
	require.NoError(t, pl.Append(PauseMarker{Kind: MarkerPause, WallTime: 10, UnitPosition: 30, UnitIndex: 30}))
	require.NoError(t, pl.Append(PauseMarker{Kind: MarkerResume, WallTime: 12, UnitPosition: 30, UnitIndex: 90}))
	require.NoError(t, pl.Close())

	markers, err := ReadPauseLog(path)
	require.NoError(t, err)
	assert.Equal(t, []PauseMarker{
		{Kind: MarkerPause, WallTime: 10, UnitPosition: 30, UnitIndex: 30},
		{Kind: MarkerResume, WallTime: 12, UnitPosition: 30, UnitIndex: 90},
	}, markers)
}

func TestReadPauseLog_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.pauses.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"kind\":\"pause\"}\n{oops\n"), 0644))
	_, err := ReadPauseLog(path)
	assert.ErrorContains(t, err, ":2:")
}

func TestFrozenRanges(t *testing.T) {
	tests := []struct {
		name    string
		markers []PauseMarker
		total   uint64
		want    []Range
	}{
		{name: "no markers", total: 10},
		{
			name: "closed pair",
			markers: []PauseMarker{
				{Kind: MarkerPause, UnitIndex: 30},
				{Kind: MarkerResume, UnitIndex: 90},
			},
			total: 120,
			want:  []Range{{30, 90}},
		},
		{
			name: "open pause runs to the end",
			markers: []PauseMarker{
				{Kind: MarkerPause, UnitIndex: 30},
			},
			total: 50,
			want:  []Range{{30, 50}},
		},
		{
			name: "duplicate pause keeps the first",
			markers: []PauseMarker{
				{Kind: MarkerPause, UnitIndex: 10},
				{Kind: MarkerPause, UnitIndex: 20},
				{Kind: MarkerResume, UnitIndex: 40},
			},
			total: 60,
			want:  []Range{{10, 40}},
		},
		{
			name: "wall time fallback",
			markers: []PauseMarker{
				{Kind: MarkerPause, WallTime: 101},
				{Kind: MarkerResume, WallTime: 103},
			},
			total: 200,
			want:  []Range{{10, 30}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FrozenRanges(tt.markers, 100, 10, tt.total)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, uint64(60), Range{30, 90}.Len())
}

func TestUnitsDue(t *testing.T) {
	assert.Equal(t, uint64(0), unitsDue(-1, 30))
	assert.Equal(t, uint64(0), unitsDue(0, 30))
	assert.Equal(t, uint64(30), unitsDue(1, 30))
	assert.Equal(t, uint64(100), unitsDue(100.0/30, 30))
	assert.Equal(t, uint64(44100), unitsDue(1, 44100))
}

type blockQueue struct {
	blocks [][]byte
	opened bool
}

func (q *blockQueue) OpenStream(ctx context.Context) error { q.opened = true; return nil }
func (q *blockQueue) Close() error                         { return nil }
func (q *blockQueue) ReadBlock() ([]byte, error) {
	if len(q.blocks) == 0 {
		return nil, ErrNoUnit
	}
	b := q.blocks[0]
	q.blocks = q.blocks[1:]
	return b, nil
}

func TestBlockSource_SplitsSamples(t *testing.T) {
	q := &blockQueue{blocks: [][]byte{{1, 2, 3}, {4, 5, 6}}}
	src := NewBlockSource(q, 2)
	require.NoError(t, src.Open(context.Background()))
	assert.True(t, q.opened)

	var got [][]byte
	for {
		u, err := src.ReadUnit()
		if err != nil {
			assert.ErrorIs(t, err, ErrNoUnit)
			break
		}
		got = append(got, u)
	}
	assert.Equal(t, [][]byte{{1, 2}, {3, 4}, {5, 6}}, got)
}
