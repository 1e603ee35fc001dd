package raster

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"
)

// ErrUnsupportedFormat is returned when no codec handles a file extension.
var ErrUnsupportedFormat = errors.New("unsupported raster format")

// Codec decodes and encodes frames, one file per frame.
type Codec interface {
	Decode(path string) (*Frame, error)
	Encode(f *Frame, path string) error
}

// StdCodec handles PNG, JPEG and TIFF with pure Go decoders.
type StdCodec struct {
	JPEGQuality int
}

var stdExts = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".tif":  {},
	".tiff": {},
}

// Supports reports whether the extension of path is handled by StdCodec.
func (StdCodec) Supports(path string) bool {
	_, ok := stdExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (c StdCodec) Decode(path string) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		img, err = tiff.Decode(file)
	case ".png":
		img, err = png.Decode(file)
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(file)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	f := FromImage(img)
	f.Path = path
	return f, nil
}

func (c StdCodec) Encode(f *Frame, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		err = tiff.Encode(out, f.ToImage(), &tiff.Options{Compression: tiff.Deflate})
	case ".png":
		err = png.Encode(out, f.ToImage())
	case ".jpg", ".jpeg":
		q := c.JPEGQuality
		if q <= 0 {
			q = 95
		}
		err = jpeg.Encode(out, f.ToImage(), &jpeg.Options{Quality: q})
	default:
		err = fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

// Registry dispatches to the pure Go codec where possible and to a fallback
// (normally ImageMagick) for RAW, FITS and other formats.
type Registry struct {
	Std      StdCodec
	Fallback Codec
}

func (r *Registry) pick(path string) (Codec, error) {
	if r.Std.Supports(path) {
		return r.Std, nil
	}
	if r.Fallback != nil {
		return r.Fallback, nil
	}
	return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
}

func (r *Registry) Decode(path string) (*Frame, error) {
	c, err := r.pick(path)
	if err != nil {
		return nil, err
	}
	return c.Decode(path)
}

func (r *Registry) Encode(f *Frame, path string) error {
	c, err := r.pick(path)
	if err != nil {
		return err
	}
	return c.Encode(f, path)
}
