package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"starstack/internal/fsutil"
	"starstack/internal/geom"
	"starstack/internal/metrics"
	"starstack/internal/raster"
	"starstack/internal/tasks"
)

// DefaultSettle is how long a file must stay quiet before it is read.
const DefaultSettle = 500 * time.Millisecond

// Outcome describes what happened to one incoming frame.
type Outcome struct {
	Path     string          `json:"path"`
	Index    int             `json:"index"`
	Stars    int             `json:"stars"`
	Matches  int             `json:"matches"`
	Anchor   string          `json:"anchor"` // previous, reference
	Accepted bool            `json:"accepted"`
	Reason   string          `json:"reason,omitempty"`
	Stacked  int             `json:"stacked"`
	ToRef    geom.Homography `json:"-"`
}

// LiveStacker aligns each new frame to the first one it saw and adds it to a
// running mean. A frame is matched against the previous accepted frame first
// and against the reference if that fails; frames matching neither are
// rejected without stopping the session.
type LiveStacker struct {
	Codec       raster.Codec
	Detector    tasks.Detector
	Planner     *tasks.Planner
	Sensitivity int
	Precision   float64
	Output      string
	SaveEvery   int // write the running stack every N accepted frames; 0 only on Save
	Settle      time.Duration
	Metrics     *metrics.Metrics
	OnFrame     func(Outcome)

	mu        sync.Mutex
	ref       *raster.Frame
	refStars  tasks.FeatureSet
	prevStars tasks.FeatureSet
	prevToRef geom.Homography
	acc       *tasks.Accumulator
	seen      map[string]bool
	next      int
	log       *slog.Logger
}

// NewLiveStacker returns a stacker writing its running mean to output.
func NewLiveStacker(codec raster.Codec, detector tasks.Detector, planner *tasks.Planner, output string, log *slog.Logger) *LiveStacker {
	if log == nil {
		log = slog.Default()
	}
	return &LiveStacker{
		Codec:       codec,
		Detector:    detector,
		Planner:     planner,
		Sensitivity: tasks.DefaultSensitivity,
		Precision:   3.5,
		Output:      output,
		SaveEvery:   1,
		Settle:      DefaultSettle,
		acc:         tasks.NewAccumulator(),
		seen:        make(map[string]bool),
		log:         log,
	}
}

// Count returns the number of frames in the running stack.
func (s *LiveStacker) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acc.Count()
}

// Add processes one frame file. Alignment failures are reported in the
// Outcome; only decode, detection and stacking errors are returned.
func (s *LiveStacker) Add(ctx context.Context, path string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Outcome{Path: path, Index: s.next}
	if s.seen[path] {
		out.Reason = "duplicate"
		return out, nil
	}

	f, err := s.Codec.Decode(path)
	if err != nil {
		return out, fmt.Errorf("decode %s: %w: %w", path, tasks.ErrIO, err)
	}
	f.Path = path
	f.Index = s.next

	stars, err := s.Detector.Detect(ctx, f, s.Sensitivity)
	if err != nil {
		return out, fmt.Errorf("detect %s: %w", path, err)
	}
	out.Stars = len(stars)
	s.seen[path] = true
	s.next++

	if s.ref == nil {
		if len(stars) < geom.MinCorrespondences {
			out.Reason = "too few stars for a reference"
			s.report(out)
			return out, nil
		}
		if err := s.acc.Add(f); err != nil {
			return out, err
		}
		s.ref, s.refStars, s.prevStars, s.prevToRef = f, stars, stars, geom.Identity()
		out.Accepted, out.Anchor, out.ToRef = true, "reference", geom.Identity()
		return s.finish(out)
	}

	toRef, stats, anchor, err := s.locate(stars)
	if err != nil {
		out.Reason = reason(err)
		out.Matches = stats.Matches
		s.Metrics.CountPairFailure(out.Reason)
		s.report(out)
		return out, nil
	}
	out.Matches, out.Anchor, out.ToRef = stats.Matches, anchor, toRef
	s.Metrics.ObservePair(stats.Matches)

	warped, err := s.Planner.Warper.Warp(f, toRef, s.ref.Width, s.ref.Height, s.Planner.Background)
	if err != nil {
		return out, fmt.Errorf("warp %s: %w", path, err)
	}
	if err := s.acc.Add(warped); err != nil {
		return out, err
	}
	s.prevStars, s.prevToRef = stars, toRef
	out.Accepted = true
	return s.finish(out)
}

// locate maps a frame's stars into the reference frame, through the previous
// accepted frame when possible and directly otherwise.
func (s *LiveStacker) locate(stars tasks.FeatureSet) (geom.Homography, tasks.PairStats, string, error) {
	h, stats, err := s.Planner.EstimatePair(stars, s.prevStars, s.Precision)
	if err == nil {
		return s.prevToRef.Mul(h), stats, "previous", nil
	}
	if !errors.Is(err, tasks.ErrInsufficientCorrespondences) && !errors.Is(err, tasks.ErrEstimationFailure) {
		return geom.Homography{}, stats, "", err
	}
	h, refStats, refErr := s.Planner.EstimatePair(stars, s.refStars, s.Precision)
	if refErr != nil {
		return geom.Homography{}, stats, "", err
	}
	return h, refStats, "reference", nil
}

func (s *LiveStacker) finish(out Outcome) (Outcome, error) {
	out.Stacked = s.acc.Count()
	s.Metrics.SetLiveFrames(out.Stacked)
	s.Metrics.CountFrames("stacked", 1)
	s.log.Info("frame stacked", "path", out.Path, "stars", out.Stars, "matches", out.Matches, "anchor", out.Anchor, "stacked", out.Stacked)
	if s.SaveEvery > 0 && out.Stacked%s.SaveEvery == 0 {
		if err := s.save(); err != nil {
			return out, err
		}
	}
	s.report(out)
	return out, nil
}

func (s *LiveStacker) report(out Outcome) {
	if !out.Accepted {
		s.Metrics.CountFrames("skipped", 1)
		s.log.Warn("frame rejected", "path", out.Path, "stars", out.Stars, "reason", out.Reason)
	}
	if s.OnFrame != nil {
		s.OnFrame(out)
	}
}

// Snapshot returns the current mean.
func (s *LiveStacker) Snapshot() (*raster.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acc.Result()
}

// Save writes the current mean to Output.
func (s *LiveStacker) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *LiveStacker) save() error {
	if s.Output == "" {
		return nil
	}
	img, err := s.acc.Result()
	if err != nil {
		return err
	}
	if err := fsutil.EnsureParent(s.Output); err != nil {
		return fmt.Errorf("%w: %w", tasks.ErrIO, err)
	}
	if err := s.Codec.Encode(img, s.Output); err != nil {
		return fmt.Errorf("encode %s: %w: %w", s.Output, tasks.ErrIO, err)
	}
	return nil
}

// Seed stacks frames that were already present, in order. Unreadable files
// are skipped.
func (s *LiveStacker) Seed(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.Add(ctx, p); err != nil {
			if errors.Is(err, tasks.ErrIO) {
				s.log.Warn("skipping unreadable frame", "path", p, "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

// Run consumes watcher events until ctx ends or events closes. A path is read
// once it has been quiet for Settle, so partially written files are not
// decoded; ready paths are taken in lexical order.
func (s *LiveStacker) Run(ctx context.Context, events <-chan Event) error {
	settle := s.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(settle / 2)
	defer ticker.Stop()

	flush := func(all bool) error {
		now := time.Now()
		var ready []string
		for p, t := range pending {
			if all || now.Sub(t) >= settle {
				ready = append(ready, p)
			}
		}
		sort.Strings(ready)
		for _, p := range ready {
			delete(pending, p)
			if _, err := s.Add(ctx, p); err != nil {
				if errors.Is(err, tasks.ErrIO) {
					s.log.Warn("skipping unreadable frame", "path", p, "error", err)
					continue
				}
				return err
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return flush(true)
			}
			switch ev.Operation {
			case "created", "modified":
				pending[ev.Path] = ev.Time
			case "deleted", "renamed":
				delete(pending, ev.Path)
			}
		case <-ticker.C:
			if err := flush(false); err != nil {
				return err
			}
		}
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, tasks.ErrInsufficientCorrespondences):
		return "insufficient_correspondences"
	case errors.Is(err, tasks.ErrEstimationFailure):
		return "estimation_failure"
	case errors.Is(err, tasks.ErrInvalidInput):
		return "invalid_input"
	default:
		return "other"
	}
}
