package preprocess

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

// frame returns n points at 5 m spread over 0.1 s.
func frame(t float64, n int) RawFrame {
	pts := make([]RawPoint, n)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = RawPoint{
			Pos:       r3.Vec{X: 5 * math.Cos(a), Y: 5 * math.Sin(a)},
			Intensity: float64(i),
			Offset:    0.1 * float64(i) / float64(n),
		}
	}
	return RawFrame{Time: t, Points: pts}
}

func TestParseLidarType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    LidarType
		wantErr bool
	}{
		{in: "avia", want: Avia},
		{in: " Velodyne ", want: Velodyne},
		{in: "OUSTER", want: Ouster},
		{in: "l515", want: L515},
		{in: "hesai", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLidarType(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseLidarType(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLidarType(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLidarType(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if back, err := ParseLidarType(got.String()); err != nil || back != tt.want {
				t.Errorf("ParseLidarType(%q) = %v, %v after String()", got.String(), back, err)
			}
		})
	}
	if s := LidarType(42).String(); s != "LidarType(42)" {
		t.Errorf("String() = %q", s)
	}
}

func TestNew_SelectsImplementation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		lidar LidarType
		cut   bool
		want  string
	}{
		{Avia, true, "passthrough"},
		{Velodyne, true, "cut"},
		{Velodyne, false, "passthrough"},
		{L515, true, "passthrough"},
	}
	for _, tt := range tests {
		var got string
		switch New(tt.lidar, tt.cut, 1, 1).(type) {
		case *Passthrough:
			got = "passthrough"
		case *CutFrame:
			got = "cut"
		}
		if got != tt.want {
			t.Errorf("New(%v, %t) is %s, want %s", tt.lidar, tt.cut, got, tt.want)
		}
	}
	if !IsSolidState(Avia) || IsSolidState(Ouster) {
		t.Error("IsSolidState: avia is solid state, ouster is not")
	}
}

func TestPassthrough_Filters(t *testing.T) {
	t.Parallel()

	raw := frame(3, 100)
	raw.Points = append(raw.Points,
		RawPoint{Pos: r3.Vec{X: 0.5}, Offset: 0.1},
		RawPoint{Pos: r3.Vec{X: math.NaN()}, Offset: 0.1},
	)
	scans := New(Avia, true, 1.0, 2).Process(raw, 4)
	if len(scans) != 1 {
		t.Fatalf("got %d scans, want 1", len(scans))
	}
	s := scans[0]
	if s.BeginTime != 3 {
		t.Errorf("BeginTime = %v, want 3", s.BeginTime)
	}
	// Blind and non-finite points dropped, every second survivor kept.
	if len(s.Points) != 50 {
		t.Fatalf("got %d points, want 50", len(s.Points))
	}
	if s.Points[0].Intensity != 0 || s.Points[1].Intensity != 2 {
		t.Errorf("kept intensities %v, %v, want 0, 2", s.Points[0].Intensity, s.Points[1].Intensity)
	}
}

func TestPassthrough_L515HasNoPointTimes(t *testing.T) {
	t.Parallel()

	scans := New(L515, false, 0, 1).Process(frame(1, 10), 1)
	if len(scans) != 1 {
		t.Fatalf("got %d scans, want 1", len(scans))
	}
	if end := scans[0].EndTime(); end != 1 {
		t.Errorf("EndTime() = %v, want 1", end)
	}
}

func TestCutFrame_SplitsByTime(t *testing.T) {
	t.Parallel()

	p := New(Ouster, true, 1.0, 1)
	scans := p.Process(frame(10, 100), 2)
	if len(scans) != 2 {
		t.Fatalf("got %d scans, want 2", len(scans))
	}

	total := 0
	prevEnd := 0.0
	for i, s := range scans {
		total += len(s.Points)
		if s.Points[0].Offset != 0 {
			t.Errorf("scan %d first offset = %v, want rebased to 0", i, s.Points[0].Offset)
		}
		if s.BeginTime < prevEnd {
			t.Errorf("scan %d begins at %v before previous end %v", i, s.BeginTime, prevEnd)
		}
		prevEnd = s.EndTime()
	}
	if total != 100 {
		t.Errorf("split kept %d points, want 100", total)
	}
	if scans[0].BeginTime != 10 {
		t.Errorf("first BeginTime = %v, want 10", scans[0].BeginTime)
	}
	if want := 10.0 + 0.1*float64(len(scans[0].Points))/100; math.Abs(scans[1].BeginTime-want) > 1e-12 {
		t.Errorf("second BeginTime = %v, want %v", scans[1].BeginTime, want)
	}

	one := p.Process(frame(10, 100), 1)
	if len(one) != 1 || len(one[0].Points) != 100 {
		t.Errorf("cut 1 gave %d scans", len(one))
	}
	if got := p.Process(RawFrame{Time: 1}, 2); got != nil {
		t.Errorf("empty frame gave %v, want nil", got)
	}
}

func TestCutFrame_OrdersPointsByTime(t *testing.T) {
	t.Parallel()

	raw := RawFrame{Time: 0, Points: []RawPoint{
		{Pos: r3.Vec{X: 5}, Offset: 0.09, Intensity: 3},
		{Pos: r3.Vec{X: 5}, Offset: 0.01, Intensity: 1},
		{Pos: r3.Vec{X: 5}, Offset: 0.05, Intensity: 2},
	}}
	scans := New(Pandar, true, 0, 1).Process(raw, 1)
	if len(scans) != 1 {
		t.Fatalf("got %d scans, want 1", len(scans))
	}
	if math.Abs(scans[0].BeginTime-0.01) > 1e-12 {
		t.Errorf("BeginTime = %v, want 0.01", scans[0].BeginTime)
	}
	for i, p := range scans[0].Points {
		if p.Intensity != float64(i+1) {
			t.Errorf("point %d intensity = %v, want %d", i, p.Intensity, i+1)
		}
	}
}
