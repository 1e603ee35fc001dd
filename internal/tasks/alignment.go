package tasks

import (
	"fmt"
	"log/slog"

	"starstack/internal/geom"
	"starstack/internal/raster"
)

// WarpMode selects how the per-pair transforms reach the reference frame.
type WarpMode string

const (
	// WarpCompose multiplies the chain into one matrix and resamples once.
	WarpCompose WarpMode = "compose"
	// WarpChain resamples once per pair on the way back to the reference.
	WarpChain WarpMode = "chain"
)

// ParseWarpMode maps a config or flag value to a WarpMode.
func ParseWarpMode(s string) (WarpMode, error) {
	switch WarpMode(s) {
	case "", WarpCompose:
		return WarpCompose, nil
	case WarpChain:
		return WarpChain, nil
	default:
		return "", fmt.Errorf("warp mode %q: %w", s, ErrInvalidInput)
	}
}

// PairStats describes the fit between frame Source and frame Target = Source-1.
type PairStats struct {
	Source       int
	Target       int
	Matches      int
	MeanDistance float64
	RMS          float64
	Transform    geom.Homography
}

// Planner turns adjacent-frame correspondences into one warped frame per input,
// all in frame 0's coordinate space.
type Planner struct {
	Matcher    *Matcher
	Solver     TransformSolver
	Warper     Warper
	Mode       WarpMode
	Background float32
	log        *slog.Logger
}

// NewPlanner wires a planner that composes transforms before resampling.
func NewPlanner(solver TransformSolver, warper Warper, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{
		Matcher: NewMatcher(log),
		Solver:  solver,
		Warper:  warper,
		Mode:    WarpCompose,
		log:     log,
	}
}

// EstimatePair fits the transform mapping source coordinates onto target coordinates.
func (p *Planner) EstimatePair(source, target FeatureSet, precision float64) (geom.Homography, PairStats, error) {
	var stats PairStats
	matches, err := p.Matcher.Match(source, target, precision)
	if err != nil {
		return geom.Homography{}, stats, err
	}
	stats.Matches = len(matches)
	if len(matches) < geom.MinCorrespondences {
		return geom.Homography{}, stats, fmt.Errorf("%d of %d required matches: %w", len(matches), geom.MinCorrespondences, ErrInsufficientCorrespondences)
	}

	for _, m := range matches {
		stats.MeanDistance += m.Distance
	}
	stats.MeanDistance /= float64(len(matches))

	src, dst := correspondences(matches, source, target)
	h, err := p.Solver.Estimate(src, dst)
	if err != nil {
		return geom.Homography{}, stats, fmt.Errorf("%w: %w", ErrEstimationFailure, err)
	}
	stats.Transform = h
	stats.RMS = geom.RMS(geom.Residuals(h, src, dst))
	return h, stats, nil
}

// Estimate computes transforms[i] mapping frame i onto frame i-1, walking from the
// last frame down to frame 1. transforms[0] is the identity. stats[i-1] describes
// pair (i, i-1); on failure only the pairs tried so far are returned.
func (p *Planner) Estimate(sets []FeatureSet, precision float64) ([]geom.Homography, []PairStats, error) {
	if len(sets) == 0 {
		return nil, nil, fmt.Errorf("no feature sets: %w", ErrInvalidInput)
	}

	transforms := make([]geom.Homography, len(sets))
	transforms[0] = geom.Identity()
	stats := make([]PairStats, len(sets)-1)

	for i := len(sets) - 1; i >= 1; i-- {
		p.log.Info("estimating transform", "from", i, "to", i-1)
		h, st, err := p.EstimatePair(sets[i], sets[i-1], precision)
		st.Source, st.Target = i, i-1
		stats[i-1] = st
		if err != nil {
			return nil, stats[i-1:], fmt.Errorf("frame %d -> %d: %w", i, i-1, err)
		}
		p.log.Debug("transform estimated", "from", i, "to", i-1, "matches", st.Matches, "rms", st.RMS, "h", h.String())
		transforms[i] = h
	}
	return transforms, stats, nil
}

// Apply warps every frame into frame 0's space using pairwise transforms from
// Estimate. Frame 0 is copied through untouched.
func (p *Planner) Apply(frames []*raster.Frame, transforms []geom.Homography) ([]*raster.Frame, error) {
	if len(frames) == 0 || len(frames) != len(transforms) {
		return nil, fmt.Errorf("%d frames, %d transforms: %w", len(frames), len(transforms), ErrInvalidInput)
	}

	ref := frames[0]
	out := make([]*raster.Frame, len(frames))
	out[0] = ref.Clone()
	for i := 1; i < len(frames); i++ {
		warped, err := p.WarpToReference(frames[i], i, transforms, ref.Width, ref.Height)
		if err != nil {
			return nil, err
		}
		out[i] = warped
	}
	return out, nil
}

// WarpToReference resamples f, sitting at position i of the sequence, into the
// reference frame's space. transforms are the pairwise transforms from Estimate.
func (p *Planner) WarpToReference(f *raster.Frame, i int, transforms []geom.Homography, width, height int) (*raster.Frame, error) {
	if i < 0 || i >= len(transforms) {
		return nil, fmt.Errorf("frame position %d outside %d transforms: %w", i, len(transforms), ErrInvalidInput)
	}
	if i == 0 {
		return f.Clone(), nil
	}

	var (
		warped *raster.Frame
		err    error
	)
	if p.Mode == WarpChain {
		warped = f
		for k := i; k >= 1; k-- {
			warped, err = p.Warper.Warp(warped, transforms[k], width, height, p.Background)
			if err != nil {
				return nil, fmt.Errorf("warp frame %d through %d -> %d: %w", i, k, k-1, err)
			}
		}
	} else {
		h := geom.Compose(transforms[1 : i+1]...)
		warped, err = p.Warper.Warp(f, h, width, height, p.Background)
		if err != nil {
			return nil, fmt.Errorf("warp frame %d: %w", i, err)
		}
	}
	warped.Index = f.Index
	warped.Path = f.Path
	return warped, nil
}

// Align estimates every pairwise transform and warps all frames onto frame 0.
// frames and sets are index-aligned; the output keeps input order.
func (p *Planner) Align(frames []*raster.Frame, sets []FeatureSet, precision float64) ([]*raster.Frame, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames: %w", ErrInvalidInput)
	}
	if len(frames) != len(sets) {
		return nil, fmt.Errorf("%d frames but %d feature sets: %w", len(frames), len(sets), ErrInvalidInput)
	}

	transforms, _, err := p.Estimate(sets, precision)
	if err != nil {
		return nil, err
	}
	return p.Apply(frames, transforms)
}
