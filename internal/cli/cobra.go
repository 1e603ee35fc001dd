package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"starstack/internal/config"
	"starstack/internal/fsutil"
	"starstack/internal/geom"
	"starstack/internal/metrics"
	"starstack/internal/pipeline"
	"starstack/internal/storage"
	"starstack/internal/tasks"
	"starstack/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, m *metrics.Metrics) (*cobra.Command, *Root) {
	root := NewRoot(cfg, log, store, m)
	return newRootCmd(root), root
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "starstack",
		Short: "Align and stack astrophotography frames",
		Long: `starstack detects stars in a sequence of frames, aligns every frame to the
first one and averages them into a single low-noise image.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newStackCmd(root))
	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newProbeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// applyAlignmentFlags copies planner-level flags into the config the
// workflow is built from.
func applyAlignmentFlags(cmd *cobra.Command, cfg *config.Config, warpMode, solver string) error {
	if cmd.Flags().Changed("warp-mode") {
		cfg.Alignment.WarpMode = warpMode
	}
	if cmd.Flags().Changed("solver") {
		cfg.Alignment.Solver = solver
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", tasks.ErrInvalidInput, err)
	}
	return nil
}

func newStackCmd(root *Root) *cobra.Command {
	var (
		input       string
		output      string
		precision   float64
		targetStars int
		ceiling     int
		warpMode    string
		solver      string
		alignedDir  string
		noAlign     bool
		skipFailed  bool
	)

	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Align a frame sequence and average it into one image",
		Long: `Detect stars in every frame, estimate the transform between adjacent frames,
warp all frames onto the first one and write their per-pixel mean.

Examples:
  starstack stack --input 'lights/*.tif' --output stacked.tif
  starstack stack --input lights/ --target-stars 300 --warp-mode chain
  starstack stack --input 'lights/*.NEF' --skip-bad-frames --save-aligned aligned/`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyAlignmentFlags(cmd, root.cfg, warpMode, solver); err != nil {
				return err
			}
			inputs, err := fsutil.ExpandInput(input)
			if err != nil {
				return fmt.Errorf("%w: %w", tasks.ErrIO, err)
			}
			noteRAW(root.log, inputs)

			job := pipeline.Job{
				ID:        newID("stack"),
				Type:      pipeline.JobStack,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"inputs":      inputs,
					"precision":   precision,
					"targetStars": targetStars,
					"ceiling":     ceiling,
					"noAlign":     noAlign,
					"skipFailed":  skipFailed,
					"alignedDir":  alignedDir,
					"source":      "cli",
				},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printStackSummary(cmd.OutOrStdout(), res.Meta)
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "frames to stack: a directory, a glob or a single file")
	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.DefaultOutput, "stacked image path")
	cmd.Flags().Float64Var(&precision, "precision", root.cfg.Alignment.Precision, "match radius in pixels")
	cmd.Flags().IntVar(&targetStars, "target-stars", root.cfg.Detection.TargetStars, "tune detection to roughly this many stars on the first frame (0 keeps the configured sensitivity)")
	cmd.Flags().IntVar(&ceiling, "ceiling", root.cfg.Detection.CeilingStars, "upper bound on detected stars while tuning")
	cmd.Flags().StringVar(&warpMode, "warp-mode", root.cfg.Alignment.WarpMode, "how transforms reach the reference (compose|chain)")
	cmd.Flags().StringVar(&solver, "solver", root.cfg.Alignment.Solver, "transform estimator (ransac|lsq)")
	cmd.Flags().StringVar(&alignedDir, "save-aligned", "", "also write every aligned frame to this directory")
	cmd.Flags().BoolVar(&noAlign, "no-align", false, "average the frames as they are")
	cmd.Flags().BoolVar(&skipFailed, "skip-bad-frames", root.cfg.Alignment.SkipFailedFrames, "drop frames that cannot be aligned instead of failing")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func newAlignCmd(root *Root) *cobra.Command {
	var (
		input      string
		outputDir  string
		format     string
		precision  float64
		warpMode   string
		solver     string
		skipFailed bool
	)

	cmd := &cobra.Command{
		Use:   "align",
		Short: "Write every frame warped onto the first one",
		Long: `Align a frame sequence without stacking it. Aligned frames are written as
aligned_NNNN.<format> and the estimated transform of every pair is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyAlignmentFlags(cmd, root.cfg, warpMode, solver); err != nil {
				return err
			}
			inputs, err := fsutil.ExpandInput(input)
			if err != nil {
				return fmt.Errorf("%w: %w", tasks.ErrIO, err)
			}
			noteRAW(root.log, inputs)

			job := pipeline.Job{
				ID:        newID("align"),
				Type:      pipeline.JobAlign,
				InputPath: input,
				Output:    outputDir,
				Options: map[string]any{
					"inputs":     inputs,
					"format":     format,
					"precision":  precision,
					"skipFailed": skipFailed,
					"source":     "cli",
				},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			files, _ := res.Meta["files"].([]string)
			fmt.Fprintf(w, "Wrote %d aligned frames to %v\n", len(files), res.Meta["outputDir"])
			printSkipped(w, res.Meta["skipped"])
			printPairs(w, res.Meta["pairs"])
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "frames to align: a directory, a glob or a single file")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory for aligned frames (default: aligned/ next to the default output)")
	cmd.Flags().StringVar(&format, "format", "tif", "aligned frame format (tif|png|jpg|fits)")
	cmd.Flags().Float64Var(&precision, "precision", root.cfg.Alignment.Precision, "match radius in pixels")
	cmd.Flags().StringVar(&warpMode, "warp-mode", root.cfg.Alignment.WarpMode, "how transforms reach the reference (compose|chain)")
	cmd.Flags().StringVar(&solver, "solver", root.cfg.Alignment.Solver, "transform estimator (ransac|lsq)")
	cmd.Flags().BoolVar(&skipFailed, "skip-bad-frames", root.cfg.Alignment.SkipFailedFrames, "drop frames that cannot be aligned instead of failing")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

func newProbeCmd(root *Root) *cobra.Command {
	var (
		target  int
		ceiling int
	)

	cmd := &cobra.Command{
		Use:   "probe <frame>",
		Short: "Find the detection sensitivity that yields about N stars",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target <= 0 {
				return fmt.Errorf("--target must be positive: %w", tasks.ErrInvalidInput)
			}
			job := pipeline.Job{
				ID:        newID("probe"),
				Type:      pipeline.JobProbe,
				InputPath: args[0],
				Options: map[string]any{
					"targetStars": target,
					"ceiling":     ceiling,
					"source":      "cli",
				},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sensitivity %v yields %v stars (target %v, ceiling %v)\n",
				res.Meta["sensitivity"], res.Meta["stars"], res.Meta["target"], res.Meta["ceiling"])
			return nil
		},
	}

	cmd.Flags().IntVar(&target, "target", root.cfg.Detection.TargetStars, "desired number of stars")
	cmd.Flags().IntVar(&ceiling, "ceiling", root.cfg.Detection.CeilingStars, "never accept more stars than this")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		output    string
		precision float64
		saveEvery int
		settle    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Stack frames as they arrive in a directory",
		Long: `Watch a directory for new frames and fold each one into a running stack as
soon as it is written. Frames already in the directory are stacked first.
Frames that cannot be aligned are reported and left out; the session goes on.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if err := checkWatchOutput(dir, output); err != nil {
				return err
			}
			w, err := root.newWorkflow()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			stacker := watch.NewLiveStacker(w.Codec, w.Detector, w.Planner, output, root.log)
			stacker.Precision = precision
			stacker.Sensitivity = root.cfg.Detection.Sensitivity
			stacker.SaveEvery = saveEvery
			stacker.Settle = settle
			stacker.Metrics = root.metrics
			stacker.OnFrame = func(o watch.Outcome) {
				if o.Accepted {
					fmt.Fprintf(out, "+ %s: %d stars, %d matches via %s, %d stacked\n", filepath.Base(o.Path), o.Stars, o.Matches, o.Anchor, o.Stacked)
					return
				}
				fmt.Fprintf(out, "- %s: rejected (%s)\n", filepath.Base(o.Path), o.Reason)
			}

			runID := newID("watch")
			_ = root.store.RecordRunQueued(storage.RunRecord{
				ID:           runID,
				RunType:      "watch",
				Status:       "queued",
				InputPattern: dir,
				OutputPath:   output,
			})
			_ = root.store.RecordRunStart(runID)

			err = runWatch(cmd.Context(), root.log, stacker, dir)
			status, errMsg := "completed", ""
			if err != nil {
				status, errMsg = "failed", err.Error()
			}
			meta := map[string]any{"stacked": stacker.Count(), "output": output}
			if storeErr := root.store.RecordRunResult(runID, status, meta, errMsg); storeErr != nil {
				root.log.Warn("failed to persist run result", "id", runID, "error", storeErr)
			}
			root.metrics.CountRun("watch", status)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Stacked %d frames into %s\n", stacker.Count(), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", root.cfg.Paths.DefaultOutput, "running stack path")
	cmd.Flags().Float64Var(&precision, "precision", root.cfg.Alignment.Precision, "match radius in pixels")
	cmd.Flags().IntVar(&saveEvery, "save-every", 1, "write the running stack every N accepted frames")
	cmd.Flags().DurationVar(&settle, "settle", watch.DefaultSettle, "wait this long after the last write before reading a frame")

	return cmd
}

// checkWatchOutput refuses an output the watcher would pick up as a new frame.
func checkWatchOutput(dir, output string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	absOut, err := filepath.Abs(output)
	if err != nil {
		return err
	}
	if filepath.Dir(absOut) == absDir && fsutil.IsImageFile(absOut) {
		return fmt.Errorf("output %s is inside the watched directory: %w", output, tasks.ErrInvalidInput)
	}
	return nil
}

// runWatch stacks what is already in dir, then follows new files until ctx
// ends. The running stack is saved on the way out.
func runWatch(ctx context.Context, log *slog.Logger, stacker *watch.LiveStacker, dir string) error {
	fw, err := watch.NewWatcher([]string{dir}, log)
	if err != nil {
		return err
	}
	if err := fw.Start(); err != nil {
		fw.Stop()
		return fmt.Errorf("%w: %w", tasks.ErrIO, err)
	}
	defer fw.Stop()

	existing, err := fsutil.ListImages(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", tasks.ErrIO, err)
	}
	if err := stacker.Seed(ctx, existing); err != nil && !isCancel(err) {
		return err
	}

	if err := stacker.Run(ctx, fw.Events); err != nil && !isCancel(err) {
		return err
	}
	if stacker.Count() == 0 {
		log.Warn("no frames stacked", "dir", dir)
		return nil
	}
	return stacker.Save()
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC health endpoint",
		Long: `Start an HTTP server that accepts stack, align and probe runs, serves run
history from the store, streams results over SSE and websockets and exposes
Prometheus metrics. A gRPC listener answers health checks.

Examples:
  starstack serve --addr :8080
  starstack serve --addr 127.0.0.1:8080 --grpc-addr ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.cfg.Server.Addr = addr
			root.cfg.Server.GRPCAddr = grpcAddr

			pipe, err := root.client()
			if err != nil {
				return err
			}
			root.log.Info("starting server", "addr", addr, "grpc_addr", grpcAddr)
			return root.serveFn(cmd.Context(), root.cfg, root.store, pipe, root.metrics, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC listen address (empty disables it)")

	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("no run store configured")
			}
			runs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(w, "No runs recorded")
				return nil
			}
			for _, run := range runs {
				line := fmt.Sprintf("%-48s %-6s %-10s %-16s %s", run.ID, run.RunType, run.Status, humanize.Time(run.CreatedAt), run.InputPattern)
				if run.Error != "" {
					line += "  error: " + run.Error
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")

	return cmd
}

func printStackSummary(w io.Writer, meta map[string]any) {
	fmt.Fprintf(w, "Stacked %v of %v frames into %v\n", meta["stacked"], meta["imageCount"], meta["output"])
	printSkipped(w, meta["skipped"])
	if s, ok := meta["sensitivity"]; ok {
		fmt.Fprintf(w, "Sensitivity: %v\n", s)
	}
	if d, ok := meta["dimensions"].(string); ok && d != "" {
		fmt.Fprintf(w, "Dimensions: %s\n", d)
	}
	if streamed, _ := meta["streamed"].(bool); streamed {
		fmt.Fprintln(w, "Frames were streamed to stay within memory")
	}
	printPairs(w, meta["pairs"])
}

func printSkipped(w io.Writer, v any) {
	if skipped, ok := v.([]int); ok && len(skipped) > 0 {
		fmt.Fprintf(w, "Skipped frames: %v\n", skipped)
	}
}

func printPairs(w io.Writer, v any) {
	pairs, _ := v.([]map[string]any)
	for _, p := range pairs {
		fmt.Fprintf(w, "  frame %v -> %v: %v matches, mean distance %s px, rms %s px\n",
			p["source"], p["target"], p["matches"], num(p["meanDistance"]), num(p["rms"]))
		if t, ok := p["transform"].([]float64); ok && len(t) == 9 {
			var h geom.Homography
			copy(h[:], t)
			fmt.Fprintf(w, "    %s\n", h)
		}
	}
}

func num(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', 3, 64)
	}
	return fmt.Sprint(v)
}
