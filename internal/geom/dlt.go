package geom

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// MinCorrespondences is the smallest number of point pairs that determines a homography.
const MinCorrespondences = 4

// ErrDegenerate is returned when the correspondences do not constrain a homography.
var ErrDegenerate = errors.New("degenerate correspondences")

// LeastSquaresSolver fits a homography with the normalised direct linear transform.
// It is not robust to outliers: every correspondence contributes to the fit, and the
// fit is rejected when the RMS reprojection error exceeds MaxRMS.
type LeastSquaresSolver struct {
	MaxRMS float64
}

// Estimate fits h such that h.Apply(src[i]) ≈ dst[i].
func (s LeastSquaresSolver) Estimate(src, dst []Point) (Homography, error) {
	if len(src) != len(dst) {
		return Homography{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < MinCorrespondences {
		return Homography{}, fmt.Errorf("need at least %d points, got %d: %w", MinCorrespondences, len(src), ErrDegenerate)
	}

	ts, err := conditioner(src)
	if err != nil {
		return Homography{}, err
	}
	td, err := conditioner(dst)
	if err != nil {
		return Homography{}, err
	}

	n := len(src)
	a := mat.NewDense(2*n, 9, nil)
	for i := range src {
		p := ts.Apply(src[i])
		q := td.Apply(dst[i])
		a.SetRow(2*i, []float64{-p.X, -p.Y, -1, 0, 0, 0, q.X * p.X, q.X * p.Y, q.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -p.X, -p.Y, -1, q.Y * p.X, q.Y * p.Y, q.Y})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFullV); !ok {
		return Homography{}, fmt.Errorf("svd did not converge: %w", ErrDegenerate)
	}
	values := svd.Values(nil)
	// With exactly four points the system has rank 8; anything less means
	// collinear or repeated points.
	if len(values) >= 8 && values[7] < 1e-10*values[0] {
		return Homography{}, fmt.Errorf("rank deficient system: %w", ErrDegenerate)
	}

	var v mat.Dense
	svd.VTo(&v)
	var hn Homography
	for i := 0; i < 9; i++ {
		hn[i] = v.At(i, 8)
	}

	tdInv, err := td.Inverse()
	if err != nil {
		return Homography{}, err
	}
	h, err := Compose(tdInv, hn, ts).Normalize()
	if err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}

	if s.MaxRMS > 0 {
		if rms := RMS(Residuals(h, src, dst)); rms > s.MaxRMS {
			return Homography{}, fmt.Errorf("rms reprojection error %.3f exceeds %.3f: %w", rms, s.MaxRMS, ErrDegenerate)
		}
	}
	return h, nil
}

// conditioner returns the similarity that moves the centroid of pts to the
// origin and scales their mean distance to sqrt(2).
func conditioner(pts []Point) (Homography, error) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))

	var mean float64
	for _, p := range pts {
		mean += math.Hypot(p.X-cx, p.Y-cy)
	}
	mean /= float64(len(pts))
	if mean < 1e-9 {
		return Homography{}, fmt.Errorf("points coincide: %w", ErrDegenerate)
	}

	s := math.Sqrt2 / mean
	return Homography{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}, nil
}

// RMS returns the root mean square of values.
func RMS(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(values)))
}
