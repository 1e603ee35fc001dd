package tasks

import (
	"fmt"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"starstack/internal/geom"
	"starstack/internal/raster"
)

// AffineWarper resamples frames with golang.org/x/image/draw. It only handles
// affine transforms; projective ones need the OpenCV warper.
type AffineWarper struct {
	Kernel draw.Transformer
}

// NewAffineWarper returns a bilinear warper.
func NewAffineWarper() AffineWarper {
	return AffineWarper{Kernel: draw.BiLinear}
}

func (w AffineWarper) Warp(f *raster.Frame, h geom.Homography, width, height int, background float32) (*raster.Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("canvas %dx%d: %w", width, height, ErrInvalidInput)
	}
	h, err := h.Normalize()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if !h.IsAffine() {
		return nil, fmt.Errorf("projective transform %s: %w", h, ErrInvalidInput)
	}

	kernel := w.Kernel
	if kernel == nil {
		kernel = draw.BiLinear
	}

	out := raster.New(width, height, f.Channels)
	out.Index = f.Index
	out.Path = f.Path
	out.Fill(background)

	kernel.Transform(out, pixelCentred(h), f, f.Bounds(), draw.Src, nil)
	return out, nil
}

// pixelCentred converts h, which maps integer pixel coordinates, into the
// frame x/image/draw uses, where pixel (x, y) is centred on (x+0.5, y+0.5):
// T(+0.5) · h · T(-0.5).
func pixelCentred(h geom.Homography) f64.Aff3 {
	return f64.Aff3{
		h[0], h[1], h[2] + 0.5 - 0.5*(h[0]+h[1]),
		h[3], h[4], h[5] + 0.5 - 0.5*(h[3]+h[4]),
	}
}
