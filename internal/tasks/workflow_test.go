package tasks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starstack/internal/geom"
	"starstack/internal/raster"
)

func newTestWorkflow(codec *memCodec) *Workflow {
	planner := NewPlanner(geom.LeastSquaresSolver{MaxRMS: 0.5}, NewAffineWarper(), nil)
	planner.Background = 0.1
	w := NewWorkflow(codec, peakDetector{Threshold: 0.5}, planner, nil)
	w.Parallel = 3
	return w
}

func seedSequence(t *testing.T, codec *memCodec, frames []*raster.Frame) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(frames))
	for i, f := range frames {
		paths[i] = filepath.Join(dir, fmt.Sprintf("light_%03d.png", i))
		codec.put(paths[i], f)
	}
	return paths
}

func TestWorkflowStacksTranslatedSequence(t *testing.T) {
	codec := newMemCodec()
	frames, _ := translatedSequence(3, 64, 64, 1, 2)
	paths := seedSequence(t, codec, frames)
	w := newTestWorkflow(codec)
	output := filepath.Join(t.TempDir(), "stack.png")

	res, err := w.Stack(context.Background(), StackRequest{
		Inputs:    paths,
		Output:    output,
		Precision: 3.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stacked)
	assert.Equal(t, []int{12, 12, 12}, res.Stars)
	assert.Len(t, res.Pairs, 2)
	assert.Equal(t, "64x64", res.Dimensions)
	assert.Equal(t, DefaultSensitivity, res.Sensitivity)

	// Stars of every aligned frame sit on top of the reference stars.
	sets, err := w.DetectAll(context.Background(), frames, res.Sensitivity)
	require.NoError(t, err)
	aligned, err := w.Planner.Align(frames, sets, 3.5)
	require.NoError(t, err)
	refStars, err := peakDetector{Threshold: 0.5}.Detect(context.Background(), aligned[0], 0)
	require.NoError(t, err)
	for i, f := range aligned[1:] {
		stars, err := peakDetector{Threshold: 0.5}.Detect(context.Background(), f, 0)
		require.NoError(t, err)
		matches, err := NewMatcher(nil).Match(stars, refStars, 1)
		require.NoError(t, err)
		assert.Lenf(t, matches, len(refStars), "aligned frame %d", i+1)
	}

	// The written stack is the pixel-wise mean of the aligned frames.
	stacked, err := codec.Decode(output)
	require.NoError(t, err)
	for k := range stacked.Pix {
		var sum float32
		for _, f := range aligned {
			sum += f.Pix[k]
		}
		assert.InDelta(t, sum/float32(len(aligned)), stacked.Pix[k], 1e-5)
	}
}

func TestWorkflowNoAlignAveragesRawFrames(t *testing.T) {
	codec := newMemCodec()
	frames := []*raster.Frame{uniform(8, 8, 1, 0.2), uniform(8, 8, 1, 0.4), uniform(8, 8, 1, 0.9)}
	paths := seedSequence(t, codec, frames)
	output := filepath.Join(t.TempDir(), "mean.png")

	res, err := newTestWorkflow(codec).Stack(context.Background(), StackRequest{Inputs: paths, Output: output, NoAlign: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stacked)
	assert.Nil(t, res.Pairs)

	out, err := codec.Decode(output)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out.Pix[0], 1e-6)
}

func TestWorkflowAbortsOnBadPair(t *testing.T) {
	codec := newMemCodec()
	frames, _ := translatedSequence(3, 64, 64, 1, 2)
	frames[1] = uniform(64, 64, 1, 0.1) // no stars at all
	paths := seedSequence(t, codec, frames)

	_, err := newTestWorkflow(codec).Stack(context.Background(), StackRequest{
		Inputs:    paths,
		Output:    filepath.Join(t.TempDir(), "out.png"),
		Precision: 3.5,
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected an empty feature set to be rejected, got %v", err)
	}
}

func TestWorkflowSkipsFailedFrames(t *testing.T) {
	codec := newMemCodec()
	frames, _ := translatedSequence(4, 64, 64, 1, 1)
	// Frame 2 lost most of its stars to cloud.
	frames[2] = starFrame(64, 64, 0.1, 0.9, gridField(3, 8, 12))
	paths := seedSequence(t, codec, frames)
	output := filepath.Join(t.TempDir(), "out.png")
	w := newTestWorkflow(codec)

	_, err := w.Stack(context.Background(), StackRequest{Inputs: paths, Output: output, Precision: 3.5})
	require.ErrorIs(t, err, ErrInsufficientCorrespondences)

	res, err := w.Stack(context.Background(), StackRequest{Inputs: paths, Output: output, Precision: 3.5, SkipFailed: true})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, res.Skipped)
	assert.Equal(t, 3, res.Stacked)
	// Frame 3 re-anchors on frame 1.
	last := res.Pairs[len(res.Pairs)-1]
	assert.Equal(t, 3, last.Source)
	assert.Equal(t, 1, last.Target)
}

func TestWorkflowSkipsStarlessFrame(t *testing.T) {
	codec := newMemCodec()
	frames, _ := translatedSequence(3, 64, 64, 1, 1)
	frames[1] = uniform(64, 64, 1, 0.1)
	paths := seedSequence(t, codec, frames)

	res, err := newTestWorkflow(codec).Stack(context.Background(), StackRequest{
		Inputs:     paths,
		Output:     filepath.Join(t.TempDir(), "out.png"),
		Precision:  3.5,
		SkipFailed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.Skipped)
	assert.Equal(t, 2, res.Stacked)
}

func TestWorkflowAlignWritesFrames(t *testing.T) {
	codec := newMemCodec()
	frames, _ := translatedSequence(3, 64, 64, 2, 1)
	paths := seedSequence(t, codec, frames)
	dir := t.TempDir()

	res, err := newTestWorkflow(codec).Align(context.Background(), AlignRequest{
		Inputs:    paths,
		OutputDir: dir,
		Format:    "png",
		Precision: 3.5,
	})
	require.NoError(t, err)
	require.Len(t, res.Files, 3)
	assert.Equal(t, filepath.Join(dir, "aligned_0002.png"), res.Files[2])

	got, err := codec.Decode(res.Files[2])
	require.NoError(t, err)
	for k := range got.Pix {
		assert.InDelta(t, frames[0].Pix[k], got.Pix[k], 1e-3)
	}
}

func TestWorkflowTunesSensitivity(t *testing.T) {
	codec := newMemCodec()
	frames, _ := translatedSequence(2, 64, 64, 1, 1)
	paths := seedSequence(t, codec, frames)
	w := newTestWorkflow(codec)
	w.Probe.Detector = &countDetector{count: func(s int) int { return 1000 - 4*s }}

	s, err := w.Sensitivity(context.Background(), frames[0], 0, 300, 400)
	require.NoError(t, err)
	assert.Equal(t, 150, s)

	s, err = w.Sensitivity(context.Background(), frames[0], 42, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 42, s)

	_, err = w.Sensitivity(context.Background(), frames[0], 0, 900, 400)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = w.TuneFile(context.Background(), paths[0]+".missing", 300, 400)
	require.ErrorIs(t, err, ErrIO)
}

func TestWorkflowRejectsEmptyRequest(t *testing.T) {
	w := newTestWorkflow(newMemCodec())
	_, err := w.Stack(context.Background(), StackRequest{Output: "x.png"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = w.Align(context.Background(), AlignRequest{Inputs: []string{"a.png"}})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestWorkflowStreamingMatchesInMemory(t *testing.T) {
	for _, skip := range []bool{false, true} {
		t.Run(fmt.Sprintf("skipFailed=%v", skip), func(t *testing.T) {
			codec := newMemCodec()
			frames, _ := translatedSequence(4, 64, 64, 1, 1)
			if skip {
				frames[2] = starFrame(64, 64, 0.1, 0.9, gridField(3, 8, 12))
			}
			paths := seedSequence(t, codec, frames)
			w := newTestWorkflow(codec)
			memDir, streamDir := t.TempDir(), t.TempDir()

			inMemory, err := w.Stack(context.Background(), StackRequest{
				Inputs:     paths,
				Output:     filepath.Join(memDir, "stack.png"),
				Precision:  3.5,
				SkipFailed: skip,
				AlignedDir: filepath.Join(memDir, "aligned"),
			})
			require.NoError(t, err)
			assert.False(t, inMemory.Streamed)

			w.fits = func(uint64) bool { return false }
			streamed, err := w.Stack(context.Background(), StackRequest{
				Inputs:     paths,
				Output:     filepath.Join(streamDir, "stack.png"),
				Precision:  3.5,
				SkipFailed: skip,
				AlignedDir: filepath.Join(streamDir, "aligned"),
			})
			require.NoError(t, err)
			assert.True(t, streamed.Streamed)

			assert.Equal(t, inMemory.Stacked, streamed.Stacked)
			assert.Equal(t, inMemory.Skipped, streamed.Skipped)
			assert.Equal(t, inMemory.Stars, streamed.Stars)
			assert.Equal(t, inMemory.Pairs, streamed.Pairs)
			if skip {
				assert.Equal(t, []int{2}, streamed.Skipped)
				assert.Equal(t, 3, streamed.Stacked)
			} else {
				assert.Equal(t, 4, streamed.Stacked)
			}

			want, err := codec.Decode(filepath.Join(memDir, "stack.png"))
			require.NoError(t, err)
			got, err := codec.Decode(filepath.Join(streamDir, "stack.png"))
			require.NoError(t, err)
			for k := range want.Pix {
				require.InDeltaf(t, want.Pix[k], got.Pix[k], 1e-5, "stacked sample %d", k)
			}

			for i := range frames {
				name := fmt.Sprintf("aligned_%04d.png", i)
				want, wantErr := codec.Decode(filepath.Join(memDir, "aligned", name))
				got, gotErr := codec.Decode(filepath.Join(streamDir, "aligned", name))
				if skip && i == 2 {
					assert.Error(t, wantErr)
					assert.Error(t, gotErr, "skipped frame must not be written")
					continue
				}
				require.NoError(t, wantErr)
				require.NoError(t, gotErr)
				assert.Equal(t, want.Pix, got.Pix, "aligned frame %d", i)
			}
		})
	}
}

func TestWorkflowDecodesReferenceOnce(t *testing.T) {
	codec := newMemCodec()
	frames, _ := translatedSequence(3, 64, 64, 1, 2)
	paths := seedSequence(t, codec, frames)
	w := newTestWorkflow(codec)

	_, err := w.Stack(context.Background(), StackRequest{
		Inputs:    paths,
		Output:    filepath.Join(t.TempDir(), "stack.png"),
		Precision: 3.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, codec.decodeCount(paths[0]))
	assert.Equal(t, 1, codec.decodeCount(paths[1]))
}

func TestWorkflowSingleStarlessFrame(t *testing.T) {
	for _, skip := range []bool{false, true} {
		t.Run(fmt.Sprintf("skipFailed=%v", skip), func(t *testing.T) {
			codec := newMemCodec()
			paths := seedSequence(t, codec, []*raster.Frame{uniform(16, 16, 1, 0.1)})

			res, err := newTestWorkflow(codec).Stack(context.Background(), StackRequest{
				Inputs:     paths,
				Output:     filepath.Join(t.TempDir(), "out.png"),
				Precision:  3.5,
				SkipFailed: skip,
			})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Stacked)
			assert.Empty(t, res.Skipped)
		})
	}
}
