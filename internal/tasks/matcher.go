package tasks

import (
	"fmt"
	"log/slog"
	"math"
)

// Matcher pairs stars of two frames by nearest position.
type Matcher struct {
	log *slog.Logger
}

// NewMatcher returns a matcher that reports accepted matches at debug level.
func NewMatcher(log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{log: log}
}

// Match pairs every source star with its nearest target star, keeps the
// first claim on each index in source order, and drops pairs whose distance is
// not below precision (pixels). The assignment is greedy: a star's nearest
// neighbour can be lost to an earlier, worse candidate. Cost is O(n·m).
func (m *Matcher) Match(source, target FeatureSet, precision float64) ([]Match, error) {
	if len(source) == 0 || len(target) == 0 {
		return nil, fmt.Errorf("match %d source against %d target stars: %w", len(source), len(target), ErrInvalidInput)
	}
	if !(precision > 0) || math.IsInf(precision, 1) {
		return nil, fmt.Errorf("precision %v: %w", precision, ErrInvalidInput)
	}

	candidates := make([]Match, len(source))
	for i, p := range source {
		candidates[i] = nearest(p, i, target)
	}

	usedSource := make([]bool, len(source))
	usedTarget := make([]bool, len(target))
	var matches []Match
	for _, c := range candidates {
		if usedSource[c.SourceIndex] || usedTarget[c.TargetIndex] {
			continue
		}
		usedSource[c.SourceIndex] = true
		usedTarget[c.TargetIndex] = true
		if c.Distance < precision {
			matches = append(matches, c)
		}
	}

	for _, mt := range matches {
		m.log.Debug("star match", "source", mt.SourceIndex, "target", mt.TargetIndex, "distance", mt.Distance)
	}
	return matches, nil
}

// nearest scans target for the closest star; ties keep the lowest index.
func nearest(p FeaturePoint, idx int, target FeatureSet) Match {
	best, bestDist := 0, math.MaxFloat64
	for j, q := range target {
		dx, dy := q.X-p.X, q.Y-p.Y
		if d := dx*dx + dy*dy; d < bestDist {
			best, bestDist = j, d
		}
	}
	return Match{SourceIndex: idx, TargetIndex: best, Distance: math.Sqrt(bestDist)}
}
