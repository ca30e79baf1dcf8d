package trajectory

import (
	"errors"
	"fmt"
	"image/color"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
)

// ErrNoSamples is returned when there is nothing to render.
var ErrNoSamples = errors.New("trajectory: no samples recorded")

var (
	lidarOnlyColor = color.RGBA{R: 0x31, G: 0x68, B: 0x8e, A: 255}
	fusedColor     = color.RGBA{R: 0xe3, G: 0x4a, B: 0x33, A: 255}
	mapColor       = color.RGBA{R: 0x90, G: 0x90, B: 0x90, A: 255}
)

// Plot file names written by SavePlots.
const (
	TrajectoryPNG  = "trajectory_xy.png"
	DiagnosticsPNG = "diagnostics.png"
)

// SavePlots writes TrajectoryPNG and DiagnosticsPNG into dir and returns
// their paths.
func (r *Recorder) SavePlots(dir string) ([]string, error) {
	samples := r.Samples()
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	traj, err := trajectoryPlot(samples, r.MapPoints())
	if err != nil {
		return nil, err
	}
	diag, err := diagnosticsPlot(samples)
	if err != nil {
		return nil, err
	}

	trajFile := filepath.Join(dir, TrajectoryPNG)
	if err := traj.Save(8*vg.Inch, 8*vg.Inch, trajFile); err != nil {
		return nil, fmt.Errorf("save trajectory plot: %w", err)
	}
	diagFile := filepath.Join(dir, DiagnosticsPNG)
	if err := diag.Save(14*vg.Inch, 6*vg.Inch, diagFile); err != nil {
		return nil, fmt.Errorf("save diagnostics plot: %w", err)
	}
	return []string{trajFile, diagFile}, nil
}

// splitByPhase returns the XY track before and after the handoff. The
// fused track starts at the last LiDAR-only pose so the lines join.
func splitByPhase(samples []Sample) (lidarOnly, fused plotter.XYs) {
	for i, s := range samples {
		xy := plotter.XY{X: s.Position.X, Y: s.Position.Y}
		if !s.Fused {
			lidarOnly = append(lidarOnly, xy)
			continue
		}
		if len(fused) == 0 && i > 0 {
			prev := samples[i-1].Position
			fused = append(fused, plotter.XY{X: prev.X, Y: prev.Y})
		}
		fused = append(fused, xy)
	}
	return lidarOnly, fused
}

func trajectoryPlot(samples []Sample, mapPts []lio.MapPoint) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Trajectory (top down)"
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"

	if len(mapPts) > 0 {
		xys := make(plotter.XYs, len(mapPts))
		for i, m := range mapPts {
			xys[i] = plotter.XY{X: m.Pos.X, Y: m.Pos.Y}
		}
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Color = mapColor
		sc.GlyphStyle.Radius = vg.Points(0.5)
		p.Add(sc)
		p.Legend.Add("map", sc)
	}

	lidarOnly, fused := splitByPhase(samples)
	for _, track := range []struct {
		name string
		xys  plotter.XYs
		c    color.Color
	}{
		{"LiDAR only", lidarOnly, lidarOnlyColor},
		{"IMU fused", fused, fusedColor},
	} {
		if len(track.xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(track.xys)
		if err != nil {
			return nil, err
		}
		line.Color = track.c
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(track.name, line)
	}
	p.Legend.Top = true
	p.Legend.Left = true
	return p, nil
}

func diagnosticsPlot(samples []Sample) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Per-frame diagnostics"
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Count"

	effective := make(plotter.XYs, len(samples))
	iterations := make(plotter.XYs, len(samples))
	for i, s := range samples {
		effective[i] = plotter.XY{X: float64(s.Frame), Y: float64(s.EffectivePoints)}
		iterations[i] = plotter.XY{X: float64(s.Frame), Y: float64(s.Iterations * 100)}
	}
	effLine, err := plotter.NewLine(effective)
	if err != nil {
		return nil, err
	}
	effLine.Color = lidarOnlyColor
	effLine.Width = vg.Points(1)
	p.Add(effLine)
	p.Legend.Add("effective points", effLine)

	iterLine, err := plotter.NewLine(iterations)
	if err != nil {
		return nil, err
	}
	iterLine.Color = fusedColor
	iterLine.Width = vg.Points(1)
	p.Add(iterLine)
	p.Legend.Add("iterations x100", iterLine)

	if f := handoffFrame(samples); f >= 0 {
		marker, err := plotter.NewLine(plotter.XYs{{X: float64(f), Y: 0}, {X: float64(f), Y: maxEffective(samples)}})
		if err != nil {
			return nil, err
		}
		marker.Color = color.Black
		marker.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(marker)
		p.Legend.Add("handoff", marker)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

func maxEffective(samples []Sample) float64 {
	m := 0
	for _, s := range samples {
		if s.EffectivePoints > m {
			m = s.EffectivePoints
		}
	}
	return float64(m)
}
