package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"starstack/internal/config"
	"starstack/internal/fsutil"
	"starstack/internal/storage"
	"starstack/internal/tasks"
)

// Runner is the part of tasks.Workflow the router drives.
type Runner interface {
	Stack(ctx context.Context, req tasks.StackRequest) (tasks.StackResult, error)
	Align(ctx context.Context, req tasks.AlignRequest) (tasks.AlignResult, error)
	TuneFile(ctx context.Context, path string, target, ceiling int) (int, int, error)
}

// router implements Processor and routes jobs to the workflow.
type router struct {
	log    *slog.Logger
	store  *storage.Store
	runner Runner
	cfg    *config.Config
}

// NewRouter returns the Processor used by the CLI and the HTTP server.
// Options missing from a job fall back to cfg.
func NewRouter(logger *slog.Logger, store *storage.Store, runner Runner, cfg *config.Config) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &router{log: logger, store: store, runner: runner, cfg: cfg}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobStack:
		return r.handleStack(ctx, job)
	case JobAlign:
		return r.handleAlign(ctx, job)
	case JobProbe:
		return r.handleProbe(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s: %w", job.Type, tasks.ErrInvalidInput)}
	}
}

func (r *router) inputs(job Job) ([]string, error) {
	if list := getStringsOption(job.Options, "inputs"); len(list) > 0 {
		return list, nil
	}
	files, err := fsutil.ExpandInput(job.InputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tasks.ErrIO, err)
	}
	return files, nil
}

func (r *router) handleStack(ctx context.Context, job Job) Result {
	inputs, err := r.inputs(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	output := job.Output
	if output == "" {
		output = r.cfg.Paths.DefaultOutput
	}

	req := tasks.StackRequest{
		Inputs:      inputs,
		Output:      output,
		Precision:   getFloat64Option(job.Options, "precision", r.cfg.Alignment.Precision),
		Sensitivity: getIntOption(job.Options, "sensitivity", r.cfg.Detection.Sensitivity),
		TargetStars: getIntOption(job.Options, "targetStars", r.cfg.Detection.TargetStars),
		Ceiling:     getIntOption(job.Options, "ceiling", r.cfg.Detection.CeilingStars),
		NoAlign:     getBoolOption(job.Options, "noAlign", false),
		SkipFailed:  getBoolOption(job.Options, "skipFailed", r.cfg.Alignment.SkipFailedFrames),
		AlignedDir:  getStringOption(job.Options, "alignedDir", ""),
	}

	res, err := r.runner.Stack(ctx, req)
	r.persist(job.ID, inputs, res.Stars, res.Skipped, res.Pairs)

	meta := map[string]any{
		"output":      res.OutputFile,
		"imageCount":  res.ImageCount,
		"stacked":     res.Stacked,
		"skipped":     res.Skipped,
		"sensitivity": res.Sensitivity,
		"stars":       res.Stars,
		"pairs":       pairMeta(res.Pairs),
		"dimensions":  res.Dimensions,
		"streamed":    res.Streamed,
		"duration":    res.Duration.String(),
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleAlign(ctx context.Context, job Job) Result {
	inputs, err := r.inputs(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	outputDir := job.Output
	if outputDir == "" {
		outputDir = filepath.Join(filepath.Dir(r.cfg.Paths.DefaultOutput), "aligned")
	}

	req := tasks.AlignRequest{
		Inputs:      inputs,
		OutputDir:   outputDir,
		Format:      getStringOption(job.Options, "format", "tif"),
		Precision:   getFloat64Option(job.Options, "precision", r.cfg.Alignment.Precision),
		Sensitivity: getIntOption(job.Options, "sensitivity", r.cfg.Detection.Sensitivity),
		TargetStars: getIntOption(job.Options, "targetStars", r.cfg.Detection.TargetStars),
		Ceiling:     getIntOption(job.Options, "ceiling", r.cfg.Detection.CeilingStars),
		SkipFailed:  getBoolOption(job.Options, "skipFailed", r.cfg.Alignment.SkipFailedFrames),
	}

	res, err := r.runner.Align(ctx, req)
	r.persist(job.ID, inputs, res.Stars, res.Skipped, res.Pairs)

	meta := map[string]any{
		"outputDir":   outputDir,
		"files":       res.Files,
		"skipped":     res.Skipped,
		"sensitivity": res.Sensitivity,
		"stars":       res.Stars,
		"pairs":       pairMeta(res.Pairs),
		"duration":    res.Duration.String(),
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleProbe(ctx context.Context, job Job) Result {
	if job.InputPath == "" {
		return Result{Job: job, Error: fmt.Errorf("probe needs a frame: %w", tasks.ErrInvalidInput)}
	}
	target := getIntOption(job.Options, "targetStars", r.cfg.Detection.TargetStars)
	ceiling := getIntOption(job.Options, "ceiling", r.cfg.Detection.CeilingStars)

	sens, stars, err := r.runner.TuneFile(ctx, job.InputPath, target, ceiling)
	meta := map[string]any{
		"frame":       job.InputPath,
		"sensitivity": sens,
		"stars":       stars,
		"target":      target,
		"ceiling":     ceiling,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// persist stores per-frame and per-pair outcomes; failures only warn.
func (r *router) persist(runID string, inputs []string, stars []int, skipped []int, pairs []tasks.PairStats) {
	if r.store == nil {
		return
	}
	skip := make(map[int]bool, len(skipped))
	for _, i := range skipped {
		skip[i] = true
	}
	frames := make([]storage.FrameRecord, 0, len(inputs))
	for i, path := range inputs {
		rec := storage.FrameRecord{Index: i, Path: path, Skipped: skip[i]}
		if i < len(stars) {
			rec.Stars = stars[i]
		}
		frames = append(frames, rec)
	}
	if err := r.store.RecordFrames(runID, frames); err != nil {
		r.log.Warn("failed to persist frames", "run", runID, "error", err)
	}

	recs := make([]storage.PairRecord, len(pairs))
	for i, p := range pairs {
		recs[i] = storage.PairRecord{Source: p.Source, Target: p.Target, Matches: p.Matches, MeanDistance: p.MeanDistance, RMS: p.RMS}
	}
	if err := r.store.RecordPairs(runID, recs); err != nil {
		r.log.Warn("failed to persist pair stats", "run", runID, "error", err)
	}
}

func pairMeta(pairs []tasks.PairStats) []map[string]any {
	out := make([]map[string]any, len(pairs))
	for i, p := range pairs {
		out[i] = map[string]any{
			"source":       p.Source,
			"target":       p.Target,
			"matches":      p.Matches,
			"meanDistance": p.MeanDistance,
			"rms":          p.RMS,
			"transform":    p.Transform[:],
		}
	}
	return out
}

// Options arrive as Go values from the CLI and as JSON values from the HTTP API.

func getStringOption(options map[string]any, key, def string) string {
	if v, ok := options[key].(string); ok && v != "" {
		return v
	}
	return def
}

func getBoolOption(options map[string]any, key string, def bool) bool {
	if v, ok := options[key].(bool); ok {
		return v
	}
	return def
}

func getFloat64Option(options map[string]any, key string, def float64) float64 {
	switch v := options[key].(type) {
	case float64:
		if v != 0 {
			return v
		}
	case int:
		if v != 0 {
			return float64(v)
		}
	}
	return def
}

func getIntOption(options map[string]any, key string, def int) int {
	switch v := options[key].(type) {
	case int:
		if v != 0 {
			return v
		}
	case float64:
		if v != 0 {
			return int(v)
		}
	}
	return def
}

func getStringsOption(options map[string]any, key string) []string {
	switch v := options[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
