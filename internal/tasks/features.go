package tasks

import (
	"context"

	"starstack/internal/geom"
	"starstack/internal/raster"
)

// FeaturePoint is a detected star centroid. Response and Size are optional
// detector metadata.
type FeaturePoint struct {
	X, Y     float64
	Response float64
	Size     float64
}

// Point returns the centroid as a geometric point.
func (p FeaturePoint) Point() geom.Point {
	return geom.Point{X: p.X, Y: p.Y}
}

// FeatureSet holds the stars of one frame. The slice index is the identity a
// Match refers to, so sets must not be reordered once matched.
type FeatureSet []FeaturePoint

// Match pairs FeatureSet indices of a source and a target frame.
type Match struct {
	SourceIndex int
	TargetIndex int
	Distance    float64
}

// Detector extracts star centroids from a frame at a given sensitivity.
type Detector interface {
	Detect(ctx context.Context, f *raster.Frame, sensitivity int) (FeatureSet, error)
}

// TransformSolver fits a homography mapping src[i] onto dst[i].
type TransformSolver interface {
	Estimate(src, dst []geom.Point) (geom.Homography, error)
}

// Warper resamples a frame through a homography into a width x height canvas,
// filling unmapped pixels with background.
type Warper interface {
	Warp(f *raster.Frame, h geom.Homography, width, height int, background float32) (*raster.Frame, error)
}

// correspondences resolves matches into point pairs.
func correspondences(matches []Match, source, target FeatureSet) (src, dst []geom.Point) {
	src = make([]geom.Point, len(matches))
	dst = make([]geom.Point, len(matches))
	for i, m := range matches {
		src[i] = source[m.SourceIndex].Point()
		dst[i] = target[m.TargetIndex].Point()
	}
	return src, dst
}
