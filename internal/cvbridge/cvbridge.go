// Package cvbridge backs the alignment collaborators with OpenCV through gocv:
// blob detection for star centroids, RANSAC homography estimation, and
// perspective resampling.
package cvbridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"starstack/internal/geom"
	"starstack/internal/raster"

	"gocv.io/x/gocv"
)

// ErrNoHomography is returned when OpenCV cannot find a consistent model.
var ErrNoHomography = errors.New("opencv returned no homography")

// toFloatMat copies the frame into a CV_32FC{1,3} matrix.
func toFloatMat(f *raster.Frame) (gocv.Mat, error) {
	var mt gocv.MatType
	switch f.Channels {
	case 1:
		mt = gocv.MatTypeCV32FC1
	case 3:
		mt = gocv.MatTypeCV32FC3
	default:
		return gocv.NewMat(), fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	buf := make([]byte, len(f.Pix)*4)
	for i, v := range f.Pix {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return gocv.NewMatFromBytes(f.Height, f.Width, mt, buf)
}

// toGrayBytes renders the frame luminance as an 8-bit single channel matrix,
// which is what the blob detector expects.
func toGrayBytes(f *raster.Frame) (gocv.Mat, error) {
	buf := make([]byte, f.Width*f.Height)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			v := f.Luminance(x, y)
			switch {
			case v <= 0:
				buf[y*f.Width+x] = 0
			case v >= 1:
				buf[y*f.Width+x] = 255
			default:
				buf[y*f.Width+x] = uint8(v*255 + 0.5)
			}
		}
	}
	return gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC1, buf)
}

// fromFloatMat copies a CV_32F matrix back into a new frame.
func fromFloatMat(m gocv.Mat, channels int) (*raster.Frame, error) {
	data, err := m.DataPtrFloat32()
	if err != nil {
		return nil, err
	}
	f := raster.New(m.Cols(), m.Rows(), channels)
	if len(data) != len(f.Pix) {
		return nil, fmt.Errorf("matrix holds %d samples, expected %d", len(data), len(f.Pix))
	}
	copy(f.Pix, data)
	return f, nil
}

func homographyMat(h geom.Homography) gocv.Mat {
	m := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.SetDoubleAt(r, c, h[3*r+c])
		}
	}
	return m
}

func pointsMat(pts []geom.Point) gocv.Mat {
	fp := make([]gocv.Point2f, len(pts))
	for i, p := range pts {
		fp[i] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
	}
	vec := gocv.NewPoint2fVectorFromPoints(fp)
	defer vec.Close()
	return gocv.NewMatFromPoint2fVector(vec, true)
}

// Version reports the linked OpenCV release.
func Version() string {
	return gocv.OpenCVVersion()
}
