package tasks

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"starstack/internal/raster"
)

// Accumulator keeps the running mean of every frame added to it without
// retaining the frames themselves. It is not safe for concurrent use.
type Accumulator struct {
	// shape carries the dimensions fixed by the first frame; its Pix is nil.
	shape raster.Frame
	mean  []float64
	count int
}

// NewAccumulator returns an empty accumulator; the first frame fixes its size.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Add folds f into the mean: mean = mean*(n/(n+1)) + f/(n+1), n being the
// number of frames merged before f.
func (a *Accumulator) Add(f *raster.Frame) error {
	if f == nil {
		return fmt.Errorf("nil frame: %w", ErrInvalidInput)
	}
	if a.count == 0 {
		a.shape = raster.Frame{Width: f.Width, Height: f.Height, Channels: f.Channels}
		a.mean = make([]float64, len(f.Pix))
		for i, v := range f.Pix {
			a.mean[i] = float64(v)
		}
		a.count = 1
		return nil
	}
	if !f.SameSize(&a.shape) {
		return fmt.Errorf("frame %d is %dx%dx%d, stack is %dx%dx%d: %w",
			f.Index, f.Width, f.Height, f.Channels, a.shape.Width, a.shape.Height, a.shape.Channels, ErrDimensionMismatch)
	}

	n := float64(a.count)
	keep := n / (n + 1)
	add := 1 / (n + 1)
	for i, v := range f.Pix {
		a.mean[i] = a.mean[i]*keep + float64(v)*add
	}
	a.count++
	return nil
}

// Merge folds another partial mean into a. Weights come from both counts, so
// partial accumulators can be combined in any tree shape.
func (a *Accumulator) Merge(o *Accumulator) error {
	if o == nil || o.count == 0 {
		return nil
	}
	if a.count == 0 {
		a.shape = o.shape
		a.mean = append([]float64(nil), o.mean...)
		a.count = o.count
		return nil
	}
	if !o.shape.SameSize(&a.shape) {
		return fmt.Errorf("merge %dx%dx%d into %dx%dx%d: %w",
			o.shape.Width, o.shape.Height, o.shape.Channels, a.shape.Width, a.shape.Height, a.shape.Channels, ErrDimensionMismatch)
	}

	total := float64(a.count + o.count)
	wa := float64(a.count) / total
	wo := float64(o.count) / total
	for i := range a.mean {
		a.mean[i] = a.mean[i]*wa + o.mean[i]*wo
	}
	a.count += o.count
	return nil
}

// Count is the number of frames merged so far.
func (a *Accumulator) Count() int { return a.count }

// Result renders the current mean as a new frame.
func (a *Accumulator) Result() (*raster.Frame, error) {
	if a.count == 0 {
		return nil, fmt.Errorf("empty stack: %w", ErrInvalidInput)
	}
	out := raster.New(a.shape.Width, a.shape.Height, a.shape.Channels)
	for i, v := range a.mean {
		out.Pix[i] = float32(v)
	}
	return out, nil
}

// Stack averages frames in order. A single frame comes back as a copy.
func Stack(frames []*raster.Frame) (*raster.Frame, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames to stack: %w", ErrInvalidInput)
	}
	if len(frames) == 1 {
		return frames[0].Clone(), nil
	}
	acc := NewAccumulator()
	for _, f := range frames {
		if err := acc.Add(f); err != nil {
			return nil, err
		}
	}
	return acc.Result()
}

// StackParallel splits frames into up to workers contiguous chunks, averages
// each chunk on its own accumulator and merges the partial means.
func StackParallel(ctx context.Context, frames []*raster.Frame, workers int) (*raster.Frame, error) {
	if workers <= 1 || len(frames) < 2*workers {
		return Stack(frames)
	}

	chunk := (len(frames) + workers - 1) / workers
	parts := make([]*Accumulator, 0, workers)
	for start := 0; start < len(frames); start += chunk {
		parts = append(parts, NewAccumulator())
	}

	g, ctx := errgroup.WithContext(ctx)
	for p := range parts {
		start := p * chunk
		end := min(start+chunk, len(frames))
		acc := parts[p]
		g.Go(func() error {
			for _, f := range frames[start:end] {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := acc.Add(f); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := NewAccumulator()
	for _, part := range parts {
		if err := total.Merge(part); err != nil {
			return nil, err
		}
	}
	return total.Result()
}
