package report

import (
	"bytes"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/sessionsync/internal/recorder"
)

// PlotHeartRate renders BPM against seconds since the first sample as a
// PNG, one line per phase label so phase boundaries read as color changes.
func PlotHeartRate(samples []recorder.Sample, title string) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples to plot")
	}
	p := plot.New()
	p.Title.Text = "Heart rate by phase"
	if title != "" {
		p.Title.Text += " (" + title + ")"
	}
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "BPM"
	p.Add(plotter.NewGrid())

	origin := samples[0].WallTime
	var order []string
	series := make(map[string]plotter.XYs)
	for _, s := range samples {
		label := s.Phase
		if label == "" {
			label = "unlabelled"
		}
		if _, ok := series[label]; !ok {
			order = append(order, label)
		}
		series[label] = append(series[label], plotter.XY{X: s.WallTime - origin, Y: float64(s.BPM)})
	}

	for i, label := range order {
		line, scatter, err := plotter.NewLinePoints(series[label])
		if err != nil {
			return nil, fmt.Errorf("plot %s: %w", label, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		scatter.GlyphStyle.Color = plotutil.Color(i)
		scatter.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(line, scatter)
		p.Legend.Add(label, line)
	}
	p.Legend.Top = true

	w, err := p.WriterTo(12*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
