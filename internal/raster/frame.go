package raster

import (
	"fmt"
	"image"
	"image/color"
)

// Frame is a decoded exposure held as normalised float samples.
// Pix is row-major with Channels interleaved samples per pixel, values in [0,1].
type Frame struct {
	Index    int
	Path     string
	Width    int
	Height   int
	Channels int
	Pix      []float32
}

// New allocates a zeroed frame.
func New(width, height, channels int) *Frame {
	return &Frame{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]float32, width*height*channels),
	}
}

// Clone returns a deep copy; the clone owns its pixel buffer.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Pix = make([]float32, len(f.Pix))
	copy(c.Pix, f.Pix)
	return &c
}

// SameSize reports whether both frames share width, height and channel count.
func (f *Frame) SameSize(o *Frame) bool {
	return f.Width == o.Width && f.Height == o.Height && f.Channels == o.Channels
}

// Fill sets every sample to v.
func (f *Frame) Fill(v float32) {
	for i := range f.Pix {
		f.Pix[i] = v
	}
}

// Offset returns the index of the first sample of pixel (x, y).
func (f *Frame) Offset(x, y int) int {
	return (y*f.Width + x) * f.Channels
}

// Luminance returns the mean of the channels at (x, y).
func (f *Frame) Luminance(x, y int) float32 {
	off := f.Offset(x, y)
	var sum float32
	for c := 0; c < f.Channels; c++ {
		sum += f.Pix[off+c]
	}
	return sum / float32(f.Channels)
}

// Bytes is the size of the pixel buffer in bytes.
func (f *Frame) Bytes() uint64 {
	return uint64(len(f.Pix)) * 4
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame[%d %dx%dx%d]", f.Index, f.Width, f.Height, f.Channels)
}

// Bounds implements image.Image.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// ColorModel implements image.Image.
func (f *Frame) ColorModel() color.Model {
	if f.Channels == 1 {
		return color.Gray16Model
	}
	return color.RGBA64Model
}

// At implements image.Image.
func (f *Frame) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(f.Bounds())) {
		if f.Channels == 1 {
			return color.Gray16{}
		}
		return color.RGBA64{}
	}
	off := f.Offset(x, y)
	if f.Channels == 1 {
		return color.Gray16{Y: quantize(f.Pix[off])}
	}
	return color.RGBA64{
		R: quantize(f.Pix[off]),
		G: quantize(f.Pix[off+1]),
		B: quantize(f.Pix[off+2]),
		A: 0xffff,
	}
}

// Set implements draw.Image.
func (f *Frame) Set(x, y int, c color.Color) {
	if !(image.Point{x, y}.In(f.Bounds())) {
		return
	}
	off := f.Offset(x, y)
	if f.Channels == 1 {
		g := color.Gray16Model.Convert(c).(color.Gray16)
		f.Pix[off] = float32(g.Y) / 0xffff
		return
	}
	r, g, b, _ := c.RGBA()
	f.Pix[off] = float32(r) / 0xffff
	f.Pix[off+1] = float32(g) / 0xffff
	f.Pix[off+2] = float32(b) / 0xffff
}

// FromImage converts any decoded image into a frame. Grayscale sources keep one
// channel, everything else becomes RGB.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	channels := 3
	switch img.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		channels = 1
	}
	f := New(b.Dx(), b.Dy(), channels)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			off := f.Offset(x, y)
			if channels == 1 {
				f.Pix[off] = float32(r) / 0xffff
				continue
			}
			f.Pix[off] = float32(r) / 0xffff
			f.Pix[off+1] = float32(g) / 0xffff
			f.Pix[off+2] = float32(bl) / 0xffff
		}
	}
	return f
}

// ToImage renders the frame into a 16-bit image suitable for encoders.
func (f *Frame) ToImage() image.Image {
	if f.Channels == 1 {
		img := image.NewGray16(f.Bounds())
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				img.SetGray16(x, y, color.Gray16{Y: quantize(f.Pix[f.Offset(x, y)])})
			}
		}
		return img
	}
	img := image.NewRGBA64(f.Bounds())
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			img.SetRGBA64(x, y, f.At(x, y).(color.RGBA64))
		}
	}
	return img
}

func quantize(v float32) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 0xffff
	}
	return uint16(v*0xffff + 0.5)
}
