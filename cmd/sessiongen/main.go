// Command sessiongen feeds synthetic session events into a running
// retention instance for local testing.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tutorhq/retention/internal/simulator"
	"github.com/tutorhq/retention/pkg/logger"
)

func main() {
	cfg := simulator.DefaultConfig()
	flag.StringVar(&cfg.BaseURL, "url", cfg.BaseURL, "base URL of the retention service")
	flag.IntVar(&cfg.Events, "events", cfg.Events, "number of events to generate")
	flag.IntVar(&cfg.Tutors, "tutors", cfg.Tutors, "number of distinct tutors")
	flag.IntVar(&cfg.Days, "days", cfg.Days, "spread events over this many trailing days")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "concurrent submitters")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-request timeout")
	flag.Parse()

	if err := logger.Init("text"); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := simulator.Run(ctx, cfg); err != nil {
		logger.Get().Error(ctx, "simulation failed", logger.Error(err))
		os.Exit(1)
	}
	logger.Get().Info(ctx, "done", logger.Duration("took", time.Since(start)))
}
