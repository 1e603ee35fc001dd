package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"starstack/internal/raster"
)

const (
	// DefaultSensitivity is used when neither a sensitivity nor a target star
	// count is given, and is where Tune starts walking.
	DefaultSensitivity = 100
	// MinSensitivity and MaxSensitivity bound the detector threshold.
	MinSensitivity = 1
	MaxSensitivity = 255
	// SensitivityStep is how far Tune moves the sensitivity per detection.
	SensitivityStep = 2
	// DefaultCeiling is the largest star count worth matching in one frame.
	DefaultCeiling = 750
)

// Probe searches for a detector sensitivity whose star count lands in
// [target, ceiling].
type Probe struct {
	Detector Detector
	Start    int
	Step     int
	Min      int
	Max      int
	log      *slog.Logger
}

// NewProbe returns a probe over the full sensitivity range, starting at
// DefaultSensitivity.
func NewProbe(d Detector, log *slog.Logger) *Probe {
	if log == nil {
		log = slog.Default()
	}
	return &Probe{
		Detector: d,
		Start:    DefaultSensitivity,
		Step:     SensitivityStep,
		Min:      MinSensitivity,
		Max:      MaxSensitivity,
		log:      log,
	}
}

// Tune walks the sensitivity in steps: too many stars raises it, too few lowers
// it. Hitting the floor returns Min and hitting the top returns Max, both best
// effort. If the walk comes back to a value it already tried, the detector is
// not monotone and the sensitivity whose count was closest to the window wins.
func (p *Probe) Tune(ctx context.Context, f *raster.Frame, target, ceiling int) (int, error) {
	if target < 0 || target > ceiling {
		return 0, fmt.Errorf("target %d, ceiling %d: %w", target, ceiling, ErrInvalidInput)
	}
	if p.Step <= 0 || p.Min > p.Max {
		return 0, fmt.Errorf("probe range [%d,%d] step %d: %w", p.Min, p.Max, p.Step, ErrInvalidInput)
	}

	s := min(max(p.Start, p.Min), p.Max)
	seen := make(map[int]int)
	best, bestMiss := s, -1

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if _, ok := seen[s]; ok {
			p.log.Warn("sensitivity probe oscillates", "sensitivity", s, "best", best)
			return best, nil
		}

		set, err := p.Detector.Detect(ctx, f, s)
		if err != nil {
			return 0, fmt.Errorf("detect at sensitivity %d: %w", s, err)
		}
		count := len(set)
		seen[s] = count
		p.log.Debug("sensitivity probe", "sensitivity", s, "stars", count, "target", target, "ceiling", ceiling)

		miss := 0
		switch {
		case count > ceiling:
			miss = count - ceiling
		case count < target:
			miss = target - count
		default:
			p.log.Info("sensitivity tuned", "sensitivity", s, "stars", count)
			return s, nil
		}
		if bestMiss < 0 || miss < bestMiss {
			best, bestMiss = s, miss
		}

		if count > ceiling {
			s += p.Step
			if s > p.Max {
				p.log.Warn("sensitivity ceiling reached", "sensitivity", p.Max, "stars", count)
				return p.Max, nil
			}
			continue
		}
		s -= p.Step
		if s < p.Min {
			p.log.Warn("sensitivity floor reached", "sensitivity", p.Min, "stars", count)
			return p.Min, nil
		}
	}
}
