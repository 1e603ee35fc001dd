package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"starstack/internal/config"
	"starstack/internal/cvbridge"
	"starstack/internal/fsutil"
	"starstack/internal/geom"
	"starstack/internal/logging"
	"starstack/internal/metrics"
	"starstack/internal/pipeline"
	"starstack/internal/raster"
	"starstack/internal/raster/magick"
	"starstack/internal/server"
	"starstack/internal/storage"
	"starstack/internal/tasks"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// workflowFactory builds the alignment workflow from the effective config.
type workflowFactory func(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*tasks.Workflow, error)

type serverFunc func(ctx context.Context, cfg *config.Config, store *storage.Store, pipe pipelineClient, m *metrics.Metrics, log *slog.Logger) error

func defaultServe(ctx context.Context, cfg *config.Config, store *storage.Store, pipe pipelineClient, m *metrics.Metrics, log *slog.Logger) error {
	srv := server.NewServer(cfg.Server.Addr, cfg.Server.GRPCAddr, store, pipe, m, log)
	return srv.Start(ctx)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline   pipelineClient
	cfg        *config.Config
	log        *slog.Logger
	store      *storage.Store
	metrics    *metrics.Metrics
	workflowFn workflowFactory
	serveFn    serverFunc
	stop       func()
	workflowMu sync.Mutex
	workflow   *tasks.Workflow
	pipelineMu sync.Mutex
}

// NewRoot constructs the CLI root. The pipeline is started on first use so
// that command flags can still adjust the alignment settings it is built from.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store, m *metrics.Metrics) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:        cfg,
		log:        logger,
		store:      store,
		metrics:    m,
		workflowFn: buildWorkflow,
		serveFn:    defaultServe,
	}
}

// Close stops the pipeline if one was started.
func (r *Root) Close() {
	r.pipelineMu.Lock()
	defer r.pipelineMu.Unlock()
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
}

func (r *Root) newWorkflow() (*tasks.Workflow, error) {
	r.workflowMu.Lock()
	defer r.workflowMu.Unlock()
	if r.workflow != nil {
		return r.workflow, nil
	}
	w, err := r.workflowFn(r.cfg, r.log, r.metrics)
	if err != nil {
		return nil, err
	}
	r.workflow = w
	return w, nil
}

func (r *Root) client() (pipelineClient, error) {
	r.pipelineMu.Lock()
	defer r.pipelineMu.Unlock()
	if r.pipeline != nil {
		return r.pipeline, nil
	}
	w, err := r.newWorkflow()
	if err != nil {
		return nil, err
	}
	router := pipeline.NewRouter(r.log, r.store, w, r.cfg)
	p := pipeline.New(context.Background(), r.cfg.Processing.QueueWorkers, r.log, r.store, router, r.metrics)
	r.pipeline = p
	r.stop = p.Stop
	return p, nil
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	pipe, err := r.client()
	if err != nil {
		return pipeline.Result{}, err
	}
	resCh, unsubscribe := pipe.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, pipe, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, pipe pipelineClient, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := pipe.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// buildWorkflow picks the codec, detector, solver and warper named by cfg.
func buildWorkflow(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (*tasks.Workflow, error) {
	mode, err := tasks.ParseWarpMode(cfg.Alignment.WarpMode)
	if err != nil {
		return nil, err
	}

	im := magick.NewCodec()
	im.Depth = uint(cfg.Stacking.Depth)
	codec := &raster.Registry{
		Std:      raster.StdCodec{JPEGQuality: cfg.Stacking.JPEGQuality},
		Fallback: im,
	}
	logging.LogBackendStatus(log, "imagemagick", true, magick.Version(), nil)

	var detector tasks.Detector
	switch cfg.Detection.Backend {
	case "opencv", "":
		detector = cvbridge.NewBlobDetector(cfg.Detection.MinArea, cfg.Detection.MaxArea, log)
	default:
		return nil, fmt.Errorf("detection backend %q: %w", cfg.Detection.Backend, tasks.ErrInvalidInput)
	}
	logging.LogBackendStatus(log, "opencv", true, cvbridge.Version(), nil)

	var solver tasks.TransformSolver
	switch cfg.Alignment.Solver {
	case "lsq":
		solver = geom.LeastSquaresSolver{MaxRMS: cfg.Alignment.InlierThreshold}
	default:
		solver = cvbridge.NewRANSACSolver(cfg.Alignment.InlierThreshold)
	}

	var warper tasks.Warper
	switch cfg.Alignment.Warper {
	case "affine":
		warper = tasks.NewAffineWarper()
	default:
		warper = cvbridge.NewPerspectiveWarper()
	}

	planner := tasks.NewPlanner(solver, warper, log)
	planner.Mode = mode
	planner.Background = float32(cfg.Alignment.Background)

	w := tasks.NewWorkflow(codec, detector, planner, log)
	w.Parallel = cfg.Processing.ParallelJobs
	w.StackWorkers = cfg.Stacking.Parallel
	w.Metrics = m

	log.Debug("workflow configured",
		"solver", cfg.Alignment.Solver,
		"warper", cfg.Alignment.Warper,
		"warp_mode", mode,
		"parallel", w.Parallel,
	)
	return w, nil
}

// noteRAW logs how many inputs will go through the ImageMagick delegates.
func noteRAW(log *slog.Logger, paths []string) {
	raw := 0
	for _, p := range paths {
		if fsutil.IsRAWFile(p) {
			raw++
		}
	}
	if raw > 0 {
		log.Info("decoding RAW frames via ImageMagick", "raw", raw, "total", len(paths))
	}
}
