package tasks

import (
	"context"
	"fmt"
	"sync"

	"starstack/internal/geom"
	"starstack/internal/raster"
)

// gridField returns n stars on a jittered 4-column grid starting at margin.
// Neighbours are at least spacing-3.5 pixels apart.
func gridField(n int, margin, spacing float64) FeatureSet {
	jitter := []float64{0, 2.5, 1, 3.5, 0.5, 3, 1.5, 2}
	cols := 4
	set := make(FeatureSet, n)
	for i := range set {
		r, c := i/cols, i%cols
		set[i] = FeaturePoint{
			X: margin + float64(c)*spacing + jitter[i%len(jitter)],
			Y: margin + float64(r)*spacing + jitter[(i+3)%len(jitter)],
		}
	}
	return set
}

func shifted(set FeatureSet, dx, dy float64) FeatureSet {
	out := make(FeatureSet, len(set))
	for i, p := range set {
		out[i] = FeaturePoint{X: p.X + dx, Y: p.Y + dy}
	}
	return out
}

func uniform(w, h, c int, v float32) *raster.Frame {
	f := raster.New(w, h, c)
	f.Fill(v)
	return f
}

// starFrame renders single-pixel stars on a flat background.
func starFrame(w, h int, background, star float32, stars FeatureSet) *raster.Frame {
	f := uniform(w, h, 1, background)
	for _, s := range stars {
		f.Pix[f.Offset(int(s.X), int(s.Y))] = star
	}
	return f
}

// peakDetector reports every pixel brighter than Threshold as a star.
type peakDetector struct {
	Threshold float32
}

func (d peakDetector) Detect(ctx context.Context, f *raster.Frame, sensitivity int) (FeatureSet, error) {
	var set FeatureSet
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			if f.Luminance(x, y) > d.Threshold {
				set = append(set, FeaturePoint{X: float64(x), Y: float64(y)})
			}
		}
	}
	return set, nil
}

// countDetector returns count(sensitivity) copies of a dummy star.
type countDetector struct {
	count func(sensitivity int) int
	calls []int
}

func (d *countDetector) Detect(ctx context.Context, f *raster.Frame, sensitivity int) (FeatureSet, error) {
	d.calls = append(d.calls, sensitivity)
	return make(FeatureSet, d.count(sensitivity)), nil
}

type failingSolver struct{}

func (failingSolver) Estimate(src, dst []geom.Point) (geom.Homography, error) {
	return geom.Homography{}, fmt.Errorf("no consensus")
}

// recordingWarper counts calls and delegates to an AffineWarper.
type recordingWarper struct {
	AffineWarper
	calls int
}

func (w *recordingWarper) Warp(f *raster.Frame, h geom.Homography, width, height int, background float32) (*raster.Frame, error) {
	w.calls++
	return w.AffineWarper.Warp(f, h, width, height, background)
}

// memCodec keeps frames in a map keyed by path and counts decodes per path.
type memCodec struct {
	mu      sync.Mutex
	frames  map[string]*raster.Frame
	decodes map[string]int
}

func newMemCodec() *memCodec {
	return &memCodec{frames: make(map[string]*raster.Frame), decodes: make(map[string]int)}
}

func (c *memCodec) decodeCount(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decodes[path]
}

func (c *memCodec) put(path string, f *raster.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[path] = f
}

func (c *memCodec) Decode(path string) (*raster.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodes[path]++
	f, ok := c.frames[path]
	if !ok {
		return nil, fmt.Errorf("%s: not found", path)
	}
	return f.Clone(), nil
}

func (c *memCodec) Encode(f *raster.Frame, path string) error {
	c.put(path, f.Clone())
	return nil
}
