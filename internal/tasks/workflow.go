package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"starstack/internal/fsutil"
	"starstack/internal/geom"
	"starstack/internal/metrics"
	"starstack/internal/raster"
)

// StackRequest defines inputs for aligning and stacking a frame sequence.
type StackRequest struct {
	Inputs      []string
	Output      string
	Precision   float64
	Sensitivity int
	TargetStars int
	Ceiling     int
	NoAlign     bool
	SkipFailed  bool
	AlignedDir  string
}

// StackResult captures output metadata.
type StackResult struct {
	OutputFile  string
	ImageCount  int
	Stacked     int
	Skipped     []int
	Sensitivity int
	Stars       []int
	Pairs       []PairStats
	Dimensions  string
	Streamed    bool
	Duration    time.Duration
}

// AlignRequest asks for aligned frames to be written without stacking.
type AlignRequest struct {
	Inputs      []string
	OutputDir   string
	Format      string
	Precision   float64
	Sensitivity int
	TargetStars int
	Ceiling     int
	SkipFailed  bool
}

// AlignResult lists the written frames and the per-pair fit.
type AlignResult struct {
	Files       []string
	Skipped     []int
	Sensitivity int
	Stars       []int
	Pairs       []PairStats
	Duration    time.Duration
}

// Workflow loads frames, detects stars, aligns and stacks them.
type Workflow struct {
	Codec    raster.Codec
	Detector Detector
	Planner  *Planner
	Probe    *Probe
	Parallel int
	// StackWorkers > 1 averages chunks of frames concurrently.
	StackWorkers int
	Metrics      *metrics.Metrics
	// fits decides whether need bytes of frames may be held in memory at once.
	fits func(need uint64) bool
	log  *slog.Logger
}

func NewWorkflow(codec raster.Codec, detector Detector, planner *Planner, log *slog.Logger) *Workflow {
	if log == nil {
		log = slog.Default()
	}
	return &Workflow{
		Codec:    codec,
		Detector: detector,
		Planner:  planner,
		Probe:    NewProbe(detector, log),
		Parallel: 1,
		fits:     func(need uint64) bool { return fsutil.FitsInMemory(need, log) },
		log:      log,
	}
}

// plan is the outcome of pairwise estimation over a sequence, possibly with
// frames dropped.
type plan struct {
	kept       []int
	transforms []geom.Homography
	pairs      []PairStats
	skipped    []int
}

// Load decodes paths concurrently. Frame i carries Index i.
func (w *Workflow) Load(ctx context.Context, paths []string) ([]*raster.Frame, error) {
	return w.load(ctx, paths, nil)
}

// load decodes paths, taking frame 0 from ref when it was already decoded.
func (w *Workflow) load(ctx context.Context, paths []string, ref *raster.Frame) ([]*raster.Frame, error) {
	defer w.Metrics.ObserveStage("decode", time.Now())
	frames := make([]*raster.Frame, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(w.Parallel, 1))
	for i, path := range paths {
		if i == 0 && ref != nil {
			frames[0] = ref
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := w.decode(i, path)
			if err != nil {
				return err
			}
			frames[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total uint64
	for _, f := range frames {
		total += f.Bytes()
	}
	w.log.Info("frames loaded", "count", len(frames), "memory", humanize.IBytes(total))
	return frames, nil
}

func (w *Workflow) decode(i int, path string) (*raster.Frame, error) {
	f, err := w.Codec.Decode(path)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w: %w", path, ErrIO, err)
	}
	f.Index = i
	f.Path = path
	return f, nil
}

// DetectAll runs the detector on every frame concurrently.
func (w *Workflow) DetectAll(ctx context.Context, frames []*raster.Frame, sensitivity int) ([]FeatureSet, error) {
	defer w.Metrics.ObserveStage("detect", time.Now())
	sets := make([]FeatureSet, len(frames))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(w.Parallel, 1))
	for i, f := range frames {
		g.Go(func() error {
			set, err := w.Detector.Detect(ctx, f, sensitivity)
			if err != nil {
				return fmt.Errorf("detect frame %d: %w", i, err)
			}
			w.Metrics.ObserveStars(len(set))
			sets[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sets, nil
}

// Sensitivity picks the detector sensitivity for a run: tuned on ref when a
// target star count is requested, else the explicit value or the default.
func (w *Workflow) Sensitivity(ctx context.Context, ref *raster.Frame, fixed, target, ceiling int) (int, error) {
	if target <= 0 {
		if fixed > 0 {
			return fixed, nil
		}
		return DefaultSensitivity, nil
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	defer w.Metrics.ObserveStage("probe", time.Now())
	return w.Probe.Tune(ctx, ref, target, ceiling)
}

// TuneFile decodes one frame and probes it.
func (w *Workflow) TuneFile(ctx context.Context, path string, target, ceiling int) (int, int, error) {
	f, err := w.decode(0, path)
	if err != nil {
		return 0, 0, err
	}
	s, err := w.Probe.Tune(ctx, f, target, ceiling)
	if err != nil {
		return 0, 0, err
	}
	set, err := w.Detector.Detect(ctx, f, s)
	if err != nil {
		return s, 0, err
	}
	return s, len(set), nil
}

func (w *Workflow) estimate(sets []FeatureSet, precision float64, skipFailed bool) (plan, error) {
	defer w.Metrics.ObserveStage("estimate", time.Now())
	if !skipFailed {
		transforms, pairs, err := w.Planner.Estimate(sets, precision)
		for _, ps := range pairs {
			w.Metrics.ObservePair(ps.Matches)
		}
		if err != nil {
			w.Metrics.CountPairFailure(failureReason(err))
			return plan{pairs: pairs}, err
		}
		kept := make([]int, len(sets))
		for i := range kept {
			kept[i] = i
		}
		return plan{kept: kept, transforms: transforms, pairs: pairs}, nil
	}

	// Walk forward so a dropped frame re-anchors its successor on the last
	// frame that aligned.
	p := plan{kept: []int{0}, transforms: []geom.Homography{geom.Identity()}}
	anchor := 0
	if len(sets) > 1 && len(sets[0]) == 0 {
		return p, fmt.Errorf("reference frame has no stars: %w", ErrInvalidInput)
	}
	for i := 1; i < len(sets); i++ {
		if len(sets[i]) == 0 {
			w.log.Warn("skipping frame without stars", "frame", i)
			p.skipped = append(p.skipped, i)
			continue
		}
		h, st, err := w.Planner.EstimatePair(sets[i], sets[anchor], precision)
		st.Source, st.Target = i, anchor
		p.pairs = append(p.pairs, st)
		w.Metrics.ObservePair(st.Matches)
		if err != nil {
			if !errors.Is(err, ErrInsufficientCorrespondences) && !errors.Is(err, ErrEstimationFailure) {
				return p, fmt.Errorf("frame %d -> %d: %w", i, anchor, err)
			}
			w.Metrics.CountPairFailure(failureReason(err))
			w.log.Warn("skipping frame", "frame", i, "anchor", anchor, "error", err)
			p.skipped = append(p.skipped, i)
			continue
		}
		p.kept = append(p.kept, i)
		p.transforms = append(p.transforms, h)
		anchor = i
	}
	return p, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientCorrespondences):
		return "insufficient_correspondences"
	case errors.Is(err, ErrEstimationFailure):
		return "estimation_failure"
	default:
		return "other"
	}
}

// Stack runs the whole sequence: decode, detect, estimate, warp, average and
// encode. With NoAlign the frames are averaged as decoded.
func (w *Workflow) Stack(ctx context.Context, req StackRequest) (StackResult, error) {
	start := time.Now()
	res := StackResult{OutputFile: req.Output, ImageCount: len(req.Inputs)}
	if len(req.Inputs) == 0 {
		return res, fmt.Errorf("no input frames: %w", ErrInvalidInput)
	}
	if req.Output == "" {
		return res, fmt.Errorf("no output path: %w", ErrInvalidInput)
	}

	ref, err := w.decode(0, req.Inputs[0])
	if err != nil {
		return res, err
	}
	res.Dimensions = fmt.Sprintf("%dx%d", ref.Width, ref.Height)

	// Aligned copies double the footprint of the decoded frames.
	need := ref.Bytes() * uint64(len(req.Inputs)) * 2
	if !w.fits(need) {
		w.log.Info("streaming frames", "required", humanize.IBytes(need))
		res.Streamed = true
		return w.stackStreaming(ctx, req, ref, res, start)
	}

	frames, err := w.load(ctx, req.Inputs, ref)
	if err != nil {
		return res, err
	}

	aligned := frames
	if !req.NoAlign {
		sens, err := w.Sensitivity(ctx, frames[0], req.Sensitivity, req.TargetStars, req.Ceiling)
		if err != nil {
			return res, err
		}
		res.Sensitivity = sens

		sets, err := w.DetectAll(ctx, frames, sens)
		if err != nil {
			return res, err
		}
		res.Stars = starCounts(sets)

		p, err := w.estimate(sets, req.Precision, req.SkipFailed)
		res.Pairs = p.pairs
		if err != nil {
			return res, err
		}
		res.Skipped = p.skipped

		kept := make([]*raster.Frame, len(p.kept))
		for k, idx := range p.kept {
			kept[k] = frames[idx]
		}
		warpStart := time.Now()
		aligned, err = w.Planner.Apply(kept, p.transforms)
		w.Metrics.ObserveStage("warp", warpStart)
		if err != nil {
			return res, err
		}
		if req.AlignedDir != "" {
			if _, err := w.writeFrames(aligned, req.AlignedDir, filepath.Ext(req.Output)); err != nil {
				return res, err
			}
		}
	}

	stackStart := time.Now()
	out, err := StackParallel(ctx, aligned, w.StackWorkers)
	w.Metrics.ObserveStage("stack", stackStart)
	if err != nil {
		return res, err
	}
	res.Stacked = len(aligned)
	w.Metrics.CountFrames("stacked", res.Stacked)
	w.Metrics.CountFrames("skipped", len(res.Skipped))

	if err := w.encode(out, req.Output); err != nil {
		return res, err
	}
	res.Duration = time.Since(start)
	w.log.Info("stack written", "output", req.Output, "frames", res.Stacked, "skipped", len(res.Skipped), "duration", res.Duration)
	return res, nil
}

// stackStreaming holds at most one non-reference frame at a time: a detection
// pass keeps only star lists, then each frame is decoded again, warped and
// folded into the accumulator.
func (w *Workflow) stackStreaming(ctx context.Context, req StackRequest, ref *raster.Frame, res StackResult, start time.Time) (StackResult, error) {
	acc := NewAccumulator()
	kept := make([]int, len(req.Inputs))
	for i := range kept {
		kept[i] = i
	}
	var transforms []geom.Homography

	if !req.NoAlign {
		sens, err := w.Sensitivity(ctx, ref, req.Sensitivity, req.TargetStars, req.Ceiling)
		if err != nil {
			return res, err
		}
		res.Sensitivity = sens

		sets := make([]FeatureSet, len(req.Inputs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(w.Parallel, 1))
		for i, path := range req.Inputs {
			g.Go(func() error {
				f := ref
				if i > 0 {
					var err error
					if f, err = w.decode(i, path); err != nil {
						return err
					}
				}
				set, err := w.Detector.Detect(gctx, f, sens)
				if err != nil {
					return fmt.Errorf("detect frame %d: %w", i, err)
				}
				sets[i] = set
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return res, err
		}
		res.Stars = starCounts(sets)

		p, err := w.estimate(sets, req.Precision, req.SkipFailed)
		res.Pairs = p.pairs
		if err != nil {
			return res, err
		}
		res.Skipped = p.skipped
		kept = p.kept
		transforms = p.transforms
	}

	for k, idx := range kept {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		f := ref
		if idx > 0 {
			var err error
			if f, err = w.decode(idx, req.Inputs[idx]); err != nil {
				return res, err
			}
		}
		if transforms != nil && k > 0 {
			warped, err := w.Planner.WarpToReference(f, k, transforms, ref.Width, ref.Height)
			if err != nil {
				return res, err
			}
			f = warped
		}
		if req.AlignedDir != "" && transforms != nil {
			if _, err := w.writeFrames([]*raster.Frame{f}, req.AlignedDir, filepath.Ext(req.Output)); err != nil {
				return res, err
			}
		}
		if err := acc.Add(f); err != nil {
			return res, err
		}
	}

	out, err := acc.Result()
	if err != nil {
		return res, err
	}
	res.Stacked = acc.Count()
	w.Metrics.CountFrames("stacked", res.Stacked)
	w.Metrics.CountFrames("skipped", len(res.Skipped))
	if err := w.encode(out, req.Output); err != nil {
		return res, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

// Align writes every aligned frame into req.OutputDir without stacking.
func (w *Workflow) Align(ctx context.Context, req AlignRequest) (AlignResult, error) {
	start := time.Now()
	var res AlignResult
	if len(req.Inputs) == 0 {
		return res, fmt.Errorf("no input frames: %w", ErrInvalidInput)
	}
	if req.OutputDir == "" {
		return res, fmt.Errorf("no output directory: %w", ErrInvalidInput)
	}

	frames, err := w.Load(ctx, req.Inputs)
	if err != nil {
		return res, err
	}
	sens, err := w.Sensitivity(ctx, frames[0], req.Sensitivity, req.TargetStars, req.Ceiling)
	if err != nil {
		return res, err
	}
	res.Sensitivity = sens

	sets, err := w.DetectAll(ctx, frames, sens)
	if err != nil {
		return res, err
	}
	res.Stars = starCounts(sets)

	p, err := w.estimate(sets, req.Precision, req.SkipFailed)
	res.Pairs = p.pairs
	if err != nil {
		return res, err
	}
	res.Skipped = p.skipped

	kept := make([]*raster.Frame, len(p.kept))
	for k, idx := range p.kept {
		kept[k] = frames[idx]
	}
	aligned, err := w.Planner.Apply(kept, p.transforms)
	if err != nil {
		return res, err
	}

	ext := req.Format
	if ext == "" {
		ext = ".tif"
	} else if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	res.Files, err = w.writeFrames(aligned, req.OutputDir, ext)
	if err != nil {
		return res, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (w *Workflow) writeFrames(frames []*raster.Frame, dir, ext string) ([]string, error) {
	if ext == "" {
		ext = ".tif"
	}
	files := make([]string, 0, len(frames))
	for _, f := range frames {
		path := filepath.Join(dir, fmt.Sprintf("aligned_%04d%s", f.Index, ext))
		if err := w.encode(f, path); err != nil {
			return files, err
		}
		files = append(files, path)
	}
	return files, nil
}

func (w *Workflow) encode(f *raster.Frame, path string) error {
	defer w.Metrics.ObserveStage("encode", time.Now())
	if err := fsutil.EnsureParent(path); err != nil {
		return fmt.Errorf("create output dir for %s: %w: %w", path, ErrIO, err)
	}
	if err := w.Codec.Encode(f, path); err != nil {
		return fmt.Errorf("encode %s: %w: %w", path, ErrIO, err)
	}
	w.log.Debug("frame written", "path", path, "size", humanize.IBytes(f.Bytes()))
	return nil
}

func starCounts(sets []FeatureSet) []int {
	out := make([]int, len(sets))
	for i, s := range sets {
		out[i] = len(s)
	}
	return out
}
