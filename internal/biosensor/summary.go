package biosensor

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sessionsync/internal/recorder"
)

// PhaseSummary aggregates the samples labelled with one phase.
type PhaseSummary struct {
	Phase    string  `json:"phase"`
	Count    int     `json:"count"`
	MinBPM   int     `json:"min_bpm"`
	MaxBPM   int     `json:"max_bpm"`
	MeanBPM  float64 `json:"avg_bpm"`
	StdBPM   float64 `json:"std_bpm"`
	MeanRRMs float64 `json:"avg_rr_ms,omitempty"`
	RRCount  int     `json:"rr_count,omitempty"`
}

// Summarize groups samples by phase label in order of first appearance.
// Means are rounded to one decimal place.
func Summarize(samples []recorder.Sample) []PhaseSummary {
	var order []string
	bpms := make(map[string][]float64)
	rrs := make(map[string][]float64)
	for _, s := range samples {
		if _, ok := bpms[s.Phase]; !ok {
			order = append(order, s.Phase)
		}
		bpms[s.Phase] = append(bpms[s.Phase], float64(s.BPM))
		rrs[s.Phase] = append(rrs[s.Phase], s.RRIntervalsMs...)
	}

	out := make([]PhaseSummary, 0, len(order))
	for _, phase := range order {
		b := bpms[phase]
		ps := PhaseSummary{
			Phase:   phase,
			Count:   len(b),
			MinBPM:  int(floats.Min(b)),
			MaxBPM:  int(floats.Max(b)),
			MeanBPM: round1(stat.Mean(b, nil)),
		}
		if len(b) > 1 {
			ps.StdBPM = round1(stat.StdDev(b, nil))
		}
		if rr := rrs[phase]; len(rr) > 0 {
			ps.MeanRRMs = round1(stat.Mean(rr, nil))
			ps.RRCount = len(rr)
		}
		out = append(out, ps)
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
