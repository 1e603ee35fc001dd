// Package magick adapts ImageMagick to the raster.Codec interface.
package magick

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"starstack/internal/raster"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var imagickOnce sync.Once

// Codec reads and writes anything ImageMagick understands (RAW via its
// delegates, FITS, 16-bit TIFF, ...). Samples are exchanged as float32.
type Codec struct {
	Depth uint
}

// NewCodec initialises the ImageMagick environment once per process.
func NewCodec() *Codec {
	imagickOnce.Do(imagick.Initialize)
	return &Codec{Depth: 16}
}

func (c *Codec) Decode(path string) (*raster.Frame, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}

	width := mw.GetImageWidth()
	height := mw.GetImageHeight()

	pmap, channels := "RGB", 3
	if mw.GetImageColorspace() == imagick.COLORSPACE_GRAY {
		pmap, channels = "I", 1
	}

	pixels, err := mw.ExportImagePixels(0, 0, width, height, pmap, imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels from %s: %w", path, err)
	}
	samples, ok := pixels.([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel storage %T from %s", pixels, path)
	}

	return &raster.Frame{
		Path:     path,
		Width:    int(width),
		Height:   int(height),
		Channels: channels,
		Pix:      samples,
	}, nil
}

func (c *Codec) Encode(f *raster.Frame, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	pmap := "RGB"
	if f.Channels == 1 {
		pmap = "I"
	}
	if err := mw.ConstituteImage(uint(f.Width), uint(f.Height), pmap, imagick.PIXEL_FLOAT, f.Pix); err != nil {
		return fmt.Errorf("failed to build image for %s: %w", path, err)
	}
	if err := mw.SetImageDepth(c.Depth); err != nil {
		return fmt.Errorf("failed to set bit depth: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		if err := mw.SetImageFormat("TIFF"); err != nil {
			return err
		}
	case ".fit", ".fits":
		if err := mw.SetImageFormat("FITS"); err != nil {
			return err
		}
	}

	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("failed to write image %s: %w", path, err)
	}
	return nil
}

// Version reports the linked ImageMagick release.
func Version() string {
	v, _ := imagick.GetVersion()
	return v
}
