package recorder

import "math"

// Range is a half-open index range [Start, End).
type Range struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Len returns the number of indices in the range.
func (r Range) Len() uint64 { return r.End - r.Start }

// WallClock maps a unit index to its wall time.
func WallClock(startWall, rate float64, index uint64) float64 {
	return startWall + float64(index)/rate
}

// unitsDue returns how many units should exist elapsed seconds after start.
// The epsilon absorbs float error so an exact multiple of the period counts.
func unitsDue(elapsed, rate float64) uint64 {
	if elapsed <= 0 {
		return 0
	}
	return uint64(math.Floor(elapsed*rate + 1e-6))
}

// FrozenRanges reconstructs the frozen index ranges of a stream from its
// pause log. Markers lacking a unit index (older logs) are placed from their
// wall time. A pause without a matching resume extends to total.
func FrozenRanges(markers []PauseMarker, startWall, rate float64, total uint64) []Range {
	var (
		out     []Range
		open    bool
		openIdx uint64
	)
	indexOf := func(m PauseMarker) uint64 {
		if m.UnitIndex > 0 || m.WallTime <= startWall {
			return m.UnitIndex
		}
		return unitsDue(m.WallTime-startWall, rate)
	}
	for _, m := range markers {
		switch m.Kind {
		case MarkerPause:
			if !open {
				open = true
				openIdx = indexOf(m)
			}
		case MarkerResume:
			if open {
				if end := indexOf(m); end > openIdx {
					out = append(out, Range{Start: openIdx, End: end})
				}
				open = false
			}
		}
	}
	if open && total > openIdx {
		out = append(out, Range{Start: openIdx, End: total})
	}
	return out
}
