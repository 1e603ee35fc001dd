package geom

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when a homography cannot be inverted or normalised.
var ErrSingular = errors.New("singular homography")

// Point is a 2D pixel coordinate.
type Point struct {
	X, Y float64
}

// Distance returns the Euclidean distance between p and q.
func (p Point) Distance(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Homography is a 3x3 projective transform stored row-major.
// It maps points of a source plane onto a destination plane.
type Homography [9]float64

// Identity returns the identity transform.
func Identity() Homography {
	return Homography{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Translation returns a pure shift by (dx, dy).
func Translation(dx, dy float64) Homography {
	return Homography{1, 0, dx, 0, 1, dy, 0, 0, 1}
}

// Mul returns h·o: the transform that applies o first, then h.
func (h Homography) Mul(o Homography) Homography {
	var r Homography
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[3*i+j] = h[3*i+0]*o[3*0+j] + h[3*i+1]*o[3*1+j] + h[3*i+2]*o[3*2+j]
		}
	}
	return r
}

// Apply maps p through h.
func (h Homography) Apply(p Point) Point {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	return Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}
}

// Normalize scales h so that h[8] == 1.
func (h Homography) Normalize() (Homography, error) {
	if math.Abs(h[8]) < 1e-12 {
		return h, ErrSingular
	}
	for i := range h {
		h[i] /= h[8]
	}
	return h, nil
}

// IsAffine reports whether the projective row is (0, 0, 1) within tolerance.
func (h Homography) IsAffine() bool {
	n, err := h.Normalize()
	if err != nil {
		return false
	}
	const eps = 1e-9
	return math.Abs(n[6]) < eps && math.Abs(n[7]) < eps
}

// Inverse returns the inverse transform.
func (h Homography) Inverse() (Homography, error) {
	m := mat.NewDense(3, 3, h[:])
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return Homography{}, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	var r Homography
	copy(r[:], inv.RawMatrix().Data)
	return r.Normalize()
}

// Compose multiplies a chain so that chain[0] is applied last:
// Compose(a, b, c) == a·b·c.
func Compose(chain ...Homography) Homography {
	r := Identity()
	for _, h := range chain {
		r = r.Mul(h)
	}
	return r
}

func (h Homography) String() string {
	return fmt.Sprintf("[%.6f %.6f %.3f; %.6f %.6f %.3f; %.3g %.3g %.6f]",
		h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7], h[8])
}

// Residuals returns the reprojection distance of every correspondence.
func Residuals(h Homography, src, dst []Point) []float64 {
	out := make([]float64, len(src))
	for i := range src {
		out[i] = h.Apply(src[i]).Distance(dst[i])
	}
	return out
}
