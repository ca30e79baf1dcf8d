package l4iekf

import (
	"context"
	"fmt"
	"log"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l3map"
)

// Engine constants of the point-to-plane update.
const (
	NumMatchPoints    = l3map.NumMatchPoints
	MaxMatchSqDist    = 5.0
	PlaneThreshold    = 0.1
	MinPointWeight    = 0.9
	MeasurementInvVar = 1000.0

	// ConvergedRotDeg and ConvergedTransCm bound the correction of a
	// converged pass, in degrees and centimeters.
	ConvergedRotDeg  = 0.01
	ConvergedTransCm = 0.015

	// DimObserved is the number of error-state columns a residual touches.
	DimObserved = 12

	DefaultMaxIterations = 4
)

// Config contains configuration for an Estimator.
type Config struct {
	// MaxIterations is the pass budget per scan; defaults to 4.
	MaxIterations int
	// Workers bounds the association fan-out; defaults to GOMAXPROCS.
	Workers int
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

// Diagnostics describes one Update call.
type Diagnostics struct {
	Iterations          int
	Rematches           int
	EffectivePoints     int
	FirstConvergedPass  int // -1 when no pass converged
	ResidualMean        float64
	CovarianceCommitted bool
	HeldPrior           bool
	DeltaRotDeg         float64
	DeltaTransCm        float64

	// Effective holds the world-frame points that contributed residuals on
	// the terminating pass.
	Effective []lio.MapPoint
}

// Estimator runs the iterated update against a SpatialIndex. It is owned by
// the consumer loop; only the per-point association inside Update runs in
// parallel.
type Estimator struct {
	maxIter int
	workers int
	logger  *log.Logger
	index   l3map.SpatialIndex

	// Per-scan arenas, one slot per downsampled point.
	selected  []bool
	normals   []r3.Vec
	pd        []float64
	neighbors [][]lio.MapPoint

	lastCommitPos r3.Vec
}

// New creates an Estimator reading from index.
func New(cfg Config, index l3map.SpatialIndex) *Estimator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Estimator{maxIter: maxIter, workers: workers, logger: logger, index: index}
}

// Neighbors returns the matches found for each point of the last scan.
// The slice is reused by the next Update.
func (e *Estimator) Neighbors() [][]lio.MapPoint { return e.neighbors }

// Update registers scan, given in the LiDAR frame, against the map starting
// from the propagated prior. On return ectx.State holds the posterior; when
// the terminating pass found no usable point it holds the prior and the
// covariance is left untouched. The only error is ctx cancellation.
func (e *Estimator) Update(ctx context.Context, ectx *lio.EstimatorContext, prior lio.State, scan []lio.ScanPoint) (Diagnostics, error) {
	diag := Diagnostics{FirstConvergedPass: -1}
	e.resize(len(scan))

	pinv, ok := invertSPD(prior.Cov)
	if !ok {
		e.logger.Printf("[iekf] prior covariance not invertible, holding prior")
		ectx.State = prior.Clone()
		diag.HeldPrior = true
		return diag, nil
	}

	cur := prior.Clone()
	search := true
	rematch := 0

	for iter := 0; iter < e.maxIter; iter++ {
		diag.Iterations = iter + 1
		if err := e.associate(ctx, &cur, scan, search); err != nil {
			return diag, err
		}

		kept, rows := e.measurement(&cur, scan, ectx.Fused)
		v := prior.Sub(&cur)
		dx := v
		var kh *mat.Dense
		if len(kept) > 0 {
			var solved bool
			dx, kh, solved = e.correction(pinv, rows, v)
			if !solved {
				e.logger.Printf("[iekf] information matrix not invertible on pass %d", iter)
				dx, kh = v, nil
			}
		}
		cur.BoxPlus(dx)

		diag.DeltaRotDeg = r3.Norm(lio.Block(dx, lio.IdxRot)) * lio.RadToDeg
		diag.DeltaTransCm = r3.Norm(lio.Block(dx, lio.IdxPos)) * 100
		converged := diag.DeltaRotDeg < ConvergedRotDeg && diag.DeltaTransCm < ConvergedTransCm
		if converged && diag.FirstConvergedPass < 0 {
			diag.FirstConvergedPass = iter
		}

		search = false
		if converged || (rematch == 0 && iter == e.maxIter-2) {
			search = true
			rematch++
		}

		if rematch >= 2 || iter == e.maxIter-1 {
			diag.EffectivePoints = len(kept)
			if len(kept) > 0 {
				var sum float64
				for _, i := range kept {
					sum += math.Abs(e.pd[i])
				}
				diag.ResidualMean = sum / float64(len(kept))
			}
			if len(kept) == 0 || kh == nil {
				cur = prior.Clone()
				diag.HeldPrior = true
				break
			}
			commitCovariance(&cur, kh)
			diag.CovarianceCommitted = true
			ectx.EKFInited = true
			ectx.TotalDistance += r3.Norm(r3.Sub(cur.Pos, e.lastCommitPos))
			e.lastCommitPos = cur.Pos
			diag.Effective = make([]lio.MapPoint, len(kept))
			for k, i := range kept {
				diag.Effective[k] = lio.MapPoint{
					Pos:       cur.BodyToWorld(scan[i].Pos),
					Normal:    e.normals[i],
					Intensity: scan[i].Intensity,
				}
			}
			break
		}
	}
	diag.Rematches = rematch
	ectx.State = cur
	return diag, nil
}

func (e *Estimator) resize(n int) {
	if cap(e.selected) < n {
		e.selected = make([]bool, n)
		e.normals = make([]r3.Vec, n)
		e.pd = make([]float64, n)
		e.neighbors = make([][]lio.MapPoint, n)
	}
	e.selected = e.selected[:n]
	e.normals = e.normals[:n]
	e.pd = e.pd[:n]
	e.neighbors = e.neighbors[:n]
	for i := range e.neighbors {
		e.neighbors[i] = nil
		e.selected[i] = false
	}
}

// associate runs per-point matching, plane fitting and weighting in
// parallel. Every worker writes only its own index range of the arenas.
// Without search the previous pass's matches and selection are reused.
func (e *Estimator) associate(ctx context.Context, st *lio.State, scan []lio.ScanPoint, search bool) error {
	n := len(scan)
	if n == 0 {
		return ctx.Err()
	}
	workers := min(e.workers, n)
	chunk := (n + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fitter := newPlaneFitter(NumMatchPoints)
			for i := lo; i < hi; i++ {
				e.associatePoint(st, scan, i, search, fitter)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("association: %w", err)
	}
	return nil
}

func (e *Estimator) associatePoint(st *lio.State, scan []lio.ScanPoint, i int, search bool, fitter *planeFitter) {
	pBody := scan[i].Pos
	w := st.BodyToWorld(pBody)

	if search {
		near, dists := e.index.NearestK(w, NumMatchPoints)
		e.neighbors[i] = near
		e.selected[i] = len(near) >= NumMatchPoints && dists[NumMatchPoints-1] <= MaxMatchSqDist
	}
	if !e.selected[i] || len(e.neighbors[i]) < NumMatchPoints {
		e.selected[i] = false
		return
	}

	e.selected[i] = false
	normal, d, ok := fitter.fit(e.neighbors[i], PlaneThreshold)
	if !ok {
		return
	}
	pd := r3.Dot(normal, w) + d
	s := 1 - 0.9*math.Abs(pd)/math.Sqrt(r3.Norm(pBody))
	if s > MinPointWeight {
		e.selected[i] = true
		e.normals[i] = normal
		e.pd[i] = pd
	}
}

// measurement collects the kept points in index order and builds their
// Jacobian rows. The residual of each row is -pd.
func (e *Estimator) measurement(st *lio.State, scan []lio.ScanPoint, fused bool) (kept []int, rows [][DimObserved + 1]float64) {
	rt := st.Rot.T()
	for i := range scan {
		if !e.selected[i] {
			continue
		}
		kept = append(kept, i)

		pL := scan[i].Pos
		pI := r3.Add(st.ExtRot.MulVec(pL), st.ExtPos)
		n := e.normals[i]
		rtn := rt.MulVec(n)
		a := lio.Skew(pI).MulVec(rtn)

		var row [DimObserved + 1]float64
		row[0], row[1], row[2] = a.X, a.Y, a.Z
		row[3], row[4], row[5] = n.X, n.Y, n.Z
		if fused {
			hr := lio.Skew(pL).MulVec(st.ExtRot.T().MulVec(rtn))
			row[6], row[7], row[8] = hr.X, hr.Y, hr.Z
			row[9], row[10], row[11] = rtn.X, rtn.Y, rtn.Z
		}
		row[DimObserved] = -e.pd[i]
		rows = append(rows, row)
	}
	return kept, rows
}

// correction computes dx = K·z + v − K·H·v[:12] with
// K = (HᵀR⁻¹H ⊕ P⁻¹)⁻¹[:, :12]·HᵀR⁻¹, and returns K·H for the covariance
// commit.
func (e *Estimator) correction(pinv *mat.SymDense, rows [][DimObserved + 1]float64, v []float64) ([]float64, *mat.Dense, bool) {
	htrh := mat.NewSymDense(DimObserved, nil)
	htrz := mat.NewVecDense(DimObserved, nil)
	h := mat.NewVecDense(DimObserved, nil)
	for _, row := range rows {
		for j := 0; j < DimObserved; j++ {
			h.SetVec(j, row[j])
		}
		htrh.SymRankOne(htrh, MeasurementInvVar, h)
		htrz.AddScaledVec(htrz, MeasurementInvVar*row[DimObserved], h)
	}

	info := mat.NewSymDense(lio.DimState, nil)
	info.CopySym(pinv)
	for i := 0; i < DimObserved; i++ {
		for j := i; j < DimObserved; j++ {
			info.SetSym(i, j, info.At(i, j)+htrh.At(i, j))
		}
	}
	k1, ok := invertSPD(info)
	if !ok {
		return nil, nil, false
	}
	k1c := mat.DenseCopyOf(k1).Slice(0, lio.DimState, 0, DimObserved)

	var kz mat.VecDense
	kz.MulVec(k1c, htrz)
	kh := mat.NewDense(lio.DimState, DimObserved, nil)
	kh.Mul(k1c, htrh)

	vObs := mat.NewVecDense(DimObserved, append([]float64(nil), v[:DimObserved]...))
	var khv mat.VecDense
	khv.MulVec(kh, vObs)

	dx := make([]float64, lio.DimState)
	for i := range dx {
		dx[i] = kz.AtVec(i) + v[i] - khv.AtVec(i)
	}
	return dx, kh, true
}

// commitCovariance applies P ← (I − G)·P where G holds K·H in its first
// DimObserved columns.
func commitCovariance(st *lio.State, kh *mat.Dense) {
	ig := mat.NewDense(lio.DimState, lio.DimState, nil)
	for i := 0; i < lio.DimState; i++ {
		ig.Set(i, i, 1)
		for j := 0; j < DimObserved; j++ {
			ig.Set(i, j, ig.At(i, j)-kh.At(i, j))
		}
	}
	var p mat.Dense
	p.Mul(ig, st.Cov)
	st.SetCovFrom(&p)
}
