package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starstack/internal/geom"
	"starstack/internal/metrics"
	"starstack/internal/raster"
	"starstack/internal/tasks"
)

type memCodec struct {
	mu     sync.Mutex
	frames map[string]*raster.Frame
}

func newMemCodec() *memCodec {
	return &memCodec{frames: make(map[string]*raster.Frame)}
}

func (c *memCodec) Decode(path string) (*raster.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.frames[path]
	if !ok {
		return nil, fmt.Errorf("%s: not found", path)
	}
	return f.Clone(), nil
}

func (c *memCodec) Encode(f *raster.Frame, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames[path] = f.Clone()
	return nil
}

type peakDetector struct{}

func (peakDetector) Detect(ctx context.Context, f *raster.Frame, sensitivity int) (tasks.FeatureSet, error) {
	var set tasks.FeatureSet
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			if f.Luminance(x, y) > 0.5 {
				set = append(set, tasks.FeaturePoint{X: float64(x), Y: float64(y)})
			}
		}
	}
	return set, nil
}

// field renders n stars of a fixed jittered grid, offset by (dx, dy).
func field(n int, dx, dy int) *raster.Frame {
	jitter := []int{0, 2, 1, 3, 0, 3, 1, 2}
	f := raster.New(64, 64, 1)
	f.Fill(0.1)
	for i := 0; i < n; i++ {
		x := 8 + (i%4)*12 + jitter[i%len(jitter)] + dx
		y := 8 + (i/4)*12 + jitter[(i+3)%len(jitter)] + dy
		f.Pix[f.Offset(x, y)] = 0.9
	}
	return f
}

func newTestStacker(codec *memCodec) *LiveStacker {
	planner := tasks.NewPlanner(geom.LeastSquaresSolver{MaxRMS: 0.5}, tasks.NewAffineWarper(), nil)
	planner.Background = 0.1
	s := NewLiveStacker(codec, peakDetector{}, planner, "live.png", nil)
	s.Metrics = metrics.New()
	return s
}

func TestLiveStackerAccumulatesAlignedFrames(t *testing.T) {
	codec := newMemCodec()
	for i := 0; i < 3; i++ {
		codec.frames[fmt.Sprintf("f%d.png", i)] = field(12, i, i)
	}
	s := newTestStacker(codec)
	var outcomes []Outcome
	s.OnFrame = func(o Outcome) { outcomes = append(outcomes, o) }

	require.NoError(t, s.Seed(context.Background(), []string{"f0.png", "f1.png", "f2.png"}))
	assert.Equal(t, 3, s.Count())
	require.Len(t, outcomes, 3)
	assert.Equal(t, "reference", outcomes[0].Anchor)
	assert.Equal(t, "previous", outcomes[2].Anchor)
	assert.Equal(t, 12, outcomes[2].Matches)
	assert.InDelta(t, -2, outcomes[2].ToRef[2], 1e-6)

	saved, err := codec.Decode("live.png")
	require.NoError(t, err)
	ref := field(12, 0, 0)
	for k := range ref.Pix {
		if d := saved.Pix[k] - ref.Pix[k]; d > 1e-3 || d < -1e-3 {
			t.Fatalf("sample %d = %v, want %v", k, saved.Pix[k], ref.Pix[k])
		}
	}
}

func TestLiveStackerRejectsCloudedFrame(t *testing.T) {
	codec := newMemCodec()
	codec.frames["a.png"] = field(12, 0, 0)
	codec.frames["b.png"] = field(12, 1, 1)
	codec.frames["c.png"] = field(3, 2, 2)
	codec.frames["d.png"] = field(12, 3, 3)
	s := newTestStacker(codec)

	require.NoError(t, s.Seed(context.Background(), []string{"a.png", "b.png"}))
	out, err := s.Add(context.Background(), "c.png")
	require.NoError(t, err)
	assert.False(t, out.Accepted)
	assert.Equal(t, "insufficient_correspondences", out.Reason)
	assert.Equal(t, 2, s.Count())

	out, err = s.Add(context.Background(), "d.png")
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, "previous", out.Anchor)
	assert.Equal(t, 3, out.Stacked)
}

func TestLiveStackerFallsBackToReference(t *testing.T) {
	codec := newMemCodec()
	codec.frames["a.png"] = field(12, 0, 0)
	codec.frames["b.png"] = field(12, 3, 0)
	codec.frames["c.png"] = field(12, -1, 0)
	s := newTestStacker(codec)

	require.NoError(t, s.Seed(context.Background(), []string{"a.png", "b.png"}))
	out, err := s.Add(context.Background(), "c.png")
	require.NoError(t, err)
	require.True(t, out.Accepted, "reason %s", out.Reason)
	assert.Equal(t, "reference", out.Anchor)
	assert.InDelta(t, 1, out.ToRef[2], 1e-6)
}

func TestLiveStackerIgnoresDuplicates(t *testing.T) {
	codec := newMemCodec()
	codec.frames["a.png"] = field(12, 0, 0)
	s := newTestStacker(codec)

	_, err := s.Add(context.Background(), "a.png")
	require.NoError(t, err)
	out, err := s.Add(context.Background(), "a.png")
	require.NoError(t, err)
	assert.Equal(t, "duplicate", out.Reason)
	assert.Equal(t, 1, s.Count())
}

func TestLiveStackerDecodeFailure(t *testing.T) {
	s := newTestStacker(newMemCodec())
	_, err := s.Add(context.Background(), "missing.png")
	require.ErrorIs(t, err, tasks.ErrIO)
	_, err = s.Snapshot()
	require.ErrorIs(t, err, tasks.ErrInvalidInput)
}

func TestLiveStackerRunDrainsEvents(t *testing.T) {
	codec := newMemCodec()
	codec.frames["b.png"] = field(12, 1, 0)
	codec.frames["a.png"] = field(12, 0, 0)
	s := newTestStacker(codec)
	s.Settle = 10 * time.Millisecond

	events := make(chan Event, 4)
	// Future timestamps keep the ticker from picking files up early; closing the
	// channel flushes everything.
	now := time.Now().Add(time.Hour)
	events <- Event{Path: "b.png", Operation: "created", Time: now}
	events <- Event{Path: "a.png", Operation: "created", Time: now}
	events <- Event{Path: "gone.png", Operation: "created", Time: now}
	events <- Event{Path: "gone.png", Operation: "deleted", Time: now}
	close(events)

	require.NoError(t, s.Run(context.Background(), events))
	assert.Equal(t, 2, s.Count())

	// a.png sorts first, so it became the reference.
	snap, err := s.Snapshot()
	require.NoError(t, err)
	ref := field(12, 0, 0)
	assert.InDelta(t, ref.Pix[ref.Offset(8, 11)], snap.Pix[snap.Offset(8, 11)], 1e-3)
}

func TestLiveStackerRunStopsOnCancel(t *testing.T) {
	s := newTestStacker(newMemCodec())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Run(ctx, make(chan Event))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
