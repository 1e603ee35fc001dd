package cvbridge

import (
	"fmt"
	"image"
	"image/color"

	"starstack/internal/geom"
	"starstack/internal/raster"

	"gocv.io/x/gocv"
)

// RANSACSolver estimates homographies with cv::findHomography.
type RANSACSolver struct {
	Threshold  float64 // inlier reprojection distance in pixels
	MaxIters   int
	Confidence float64
}

// NewRANSACSolver returns a solver with OpenCV's usual iteration budget.
func NewRANSACSolver(threshold float64) RANSACSolver {
	return RANSACSolver{Threshold: threshold, MaxIters: 2000, Confidence: 0.995}
}

func (s RANSACSolver) Estimate(src, dst []geom.Point) (geom.Homography, error) {
	if len(src) != len(dst) {
		return geom.Homography{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < geom.MinCorrespondences {
		return geom.Homography{}, fmt.Errorf("need at least %d points, got %d", geom.MinCorrespondences, len(src))
	}

	srcMat := pointsMat(src)
	defer srcMat.Close()
	dstMat := pointsMat(dst)
	defer dstMat.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	hm := gocv.FindHomography(srcMat, &dstMat, gocv.HomographyMethodRANSAC, s.Threshold, &mask, s.MaxIters, s.Confidence)
	defer hm.Close()
	if hm.Empty() {
		return geom.Homography{}, ErrNoHomography
	}
	if inliers := gocv.CountNonZero(mask); inliers < geom.MinCorrespondences {
		return geom.Homography{}, fmt.Errorf("only %d inliers: %w", inliers, ErrNoHomography)
	}

	var h geom.Homography
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			h[3*r+c] = hm.GetDoubleAt(r, c)
		}
	}
	return h.Normalize()
}

// PerspectiveWarper resamples frames with cv::warpPerspective.
type PerspectiveWarper struct {
	Interpolation gocv.InterpolationFlags
}

// NewPerspectiveWarper uses bilinear interpolation.
func NewPerspectiveWarper() PerspectiveWarper {
	return PerspectiveWarper{Interpolation: gocv.InterpolationLinear}
}

// Warp maps f through h into a width x height canvas. Unmapped pixels take the
// background value; the frame is offset by -background around the call because
// OpenCV's border scalar cannot express fractional float samples.
func (w PerspectiveWarper) Warp(f *raster.Frame, h geom.Homography, width, height int, background float32) (*raster.Frame, error) {
	shifted := f
	if background != 0 {
		shifted = f.Clone()
		for i := range shifted.Pix {
			shifted.Pix[i] -= background
		}
	}

	src, err := toFloatMat(shifted)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	hm := homographyMat(h)
	defer hm.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.WarpPerspectiveWithParams(src, &dst, hm, image.Point{X: width, Y: height},
		w.Interpolation, gocv.BorderConstant, color.RGBA{})

	out, err := fromFloatMat(dst, f.Channels)
	if err != nil {
		return nil, err
	}
	if background != 0 {
		for i := range out.Pix {
			out.Pix[i] += background
		}
	}
	out.Index = f.Index
	out.Path = f.Path
	return out, nil
}
