package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"starstack/internal/cli"
	"starstack/internal/config"
	"starstack/internal/fsutil"
	"starstack/internal/logging"
	"starstack/internal/metrics"
	"starstack/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	if err := fsutil.EnsureParent(cfg.Paths.DatabasePath); err != nil {
		return fmt.Errorf("prepare database directory: %w", err)
	}
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, root := cli.NewRootCmd(cfg, log, store, metrics.New())
	defer root.Close()
	return cmd.ExecuteContext(ctx)
}
