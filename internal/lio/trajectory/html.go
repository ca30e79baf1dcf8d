package trajectory

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// RenderHTML writes a page with the top-down trajectory over the last map
// snapshot and the per-frame diagnostics.
func (r *Recorder) RenderHTML(w io.Writer) error {
	samples := r.Samples()
	if len(samples) == 0 {
		return ErrNoSamples
	}
	mapPts := r.MapPoints()

	var lidarOnly, fused []opts.ScatterData
	for _, s := range samples {
		d := opts.ScatterData{Value: []interface{}{s.Position.X, s.Position.Y, s.Frame}}
		if s.Fused {
			fused = append(fused, d)
		} else {
			lidarOnly = append(lidarOnly, d)
		}
	}
	mapData := make([]opts.ScatterData, len(mapPts))
	for i, m := range mapPts {
		mapData[i] = opts.ScatterData{Value: []interface{}{m.Pos.X, m.Pos.Y}}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "LiDAR-IMU odometry", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Trajectory", Subtitle: fmt.Sprintf("frames=%d map points=%d", len(samples), len(mapPts))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("map", mapData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}))
	scatter.AddSeries("LiDAR only", lidarOnly, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))
	scatter.AddSeries("IMU fused", fused, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))

	frames := make([]int, len(samples))
	effective := make([]opts.LineData, len(samples))
	iterations := make([]opts.LineData, len(samples))
	for i, s := range samples {
		frames[i] = s.Frame
		effective[i] = opts.LineData{Value: s.EffectivePoints}
		iterations[i] = opts.LineData{Value: s.Iterations}
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Per-frame diagnostics", Subtitle: handoffSubtitle(samples)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(frames).
		AddSeries("effective points", effective).
		AddSeries("iterations", iterations)

	page := components.NewPage()
	page.AddCharts(scatter, line)
	return page.Render(w)
}

func handoffSubtitle(samples []Sample) string {
	if f := handoffFrame(samples); f >= 0 {
		return fmt.Sprintf("IMU fused from frame %d", f)
	}
	return "LiDAR only"
}
