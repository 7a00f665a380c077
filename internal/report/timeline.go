package report

import (
	"fmt"
	"io"
	"slices"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/sessionsync/internal/timeline"
)

// WriteTimelineHTML renders events as an HTML scatter chart: one row per
// event kind against seconds since the first event, one series per device.
// Events without a device go in the "session" series.
func WriteTimelineHTML(w io.Writer, sessionID string, events []timeline.Event) error {
	var kinds []string
	for _, e := range events {
		if !slices.Contains(kinds, string(e.Kind)) {
			kinds = append(kinds, string(e.Kind))
		}
	}

	var (
		origin float64
		order  []string
		series = make(map[string][]opts.ScatterData)
	)
	if len(events) > 0 {
		origin = events[0].WallTime
	}
	for _, e := range events {
		name := e.String("device")
		if name == "" {
			name = "session"
		}
		if _, ok := series[name]; !ok {
			order = append(order, name)
		}
		series[name] = append(series[name], opts.ScatterData{
			Value: []interface{}{e.WallTime - origin, string(e.Kind)},
			Name:  fmt.Sprintf("#%d %s", e.Seq, e.Kind),
		})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Session Timeline", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "Session Timeline", Subtitle: fmt.Sprintf("session=%s events=%d", sessionID, len(events))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: kinds}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	for _, name := range order {
		scatter.AddSeries(name, series[name], charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	}

	page := components.NewPage()
	page.AddCharts(scatter)
	return page.Render(w)
}
