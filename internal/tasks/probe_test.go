package tasks

import (
	"context"
	"errors"
	"testing"

	"starstack/internal/raster"
)

func TestProbeRaisesSensitivityWhenCrowded(t *testing.T) {
	d := &countDetector{count: func(s int) int { return 1000 - 4*s }}
	got, err := NewProbe(d, nil).Tune(context.Background(), uniform(2, 2, 1, 0), 300, 400)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 150 {
		t.Fatalf("sensitivity = %d, want 150", got)
	}
	if n := d.count(got); n < 300 || n > 400 {
		t.Fatalf("count %d outside window", n)
	}
}

func TestProbeLowersSensitivityWhenSparse(t *testing.T) {
	d := &countDetector{count: func(s int) int { return 300 - s }}
	got, err := NewProbe(d, nil).Tune(context.Background(), uniform(2, 2, 1, 0), 250, 400)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 50 {
		t.Fatalf("sensitivity = %d, want 50", got)
	}
}

func TestProbeStartsInsideWindow(t *testing.T) {
	d := &countDetector{count: func(s int) int { return 20 }}
	got, err := NewProbe(d, nil).Tune(context.Background(), uniform(2, 2, 1, 0), 10, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != DefaultSensitivity || len(d.calls) != 1 {
		t.Fatalf("got %d after %d calls, want %d after 1", got, len(d.calls), DefaultSensitivity)
	}
}

func TestProbeClampsAtFloor(t *testing.T) {
	d := &countDetector{count: func(s int) int { return 10 }}
	got, err := NewProbe(d, nil).Tune(context.Background(), uniform(2, 2, 1, 0), 50, 750)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Fatalf("sensitivity = %d, want 1", got)
	}
	if last := d.calls[len(d.calls)-1]; last != 2 {
		t.Fatalf("last probed sensitivity = %d, want 2", last)
	}
}

func TestProbeClampsAtTop(t *testing.T) {
	d := &countDetector{count: func(s int) int { return 10000 }}
	got, err := NewProbe(d, nil).Tune(context.Background(), uniform(2, 2, 1, 0), 50, 750)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != MaxSensitivity {
		t.Fatalf("sensitivity = %d, want %d", got, MaxSensitivity)
	}
}

func TestProbeStopsOnOscillation(t *testing.T) {
	d := &countDetector{count: func(s int) int {
		if s == 100 {
			return 450
		}
		return 100
	}}
	got, err := NewProbe(d, nil).Tune(context.Background(), uniform(2, 2, 1, 0), 200, 400)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 100 {
		t.Fatalf("sensitivity = %d, want the closer miss 100", got)
	}
	if len(d.calls) != 2 {
		t.Fatalf("detector called %d times, want 2", len(d.calls))
	}
}

func TestProbeRejectsTargetAboveCeiling(t *testing.T) {
	d := &countDetector{count: func(s int) int { return 0 }}
	_, err := NewProbe(d, nil).Tune(context.Background(), uniform(2, 2, 1, 0), 800, 750)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(d.calls) != 0 {
		t.Fatalf("detector must not run on invalid input")
	}
}

type errDetector struct{}

func (errDetector) Detect(ctx context.Context, f *raster.Frame, sensitivity int) (FeatureSet, error) {
	return nil, errors.New("sensor offline")
}

func TestProbePropagatesDetectorError(t *testing.T) {
	_, err := NewProbe(errDetector{}, nil).Tune(context.Background(), uniform(2, 2, 1, 0), 1, 2)
	if err == nil {
		t.Fatalf("expected detector error")
	}
}

func TestProbeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := &countDetector{count: func(s int) int { return 0 }}
	if _, err := NewProbe(d, nil).Tune(ctx, uniform(2, 2, 1, 0), 1, 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewProbeDefaults(t *testing.T) {
	p := NewProbe(&countDetector{count: func(int) int { return 0 }}, nil)
	if p.Start != DefaultSensitivity || p.Step != SensitivityStep || p.Min != MinSensitivity || p.Max != MaxSensitivity {
		t.Fatalf("unexpected defaults %+v", p)
	}
}
