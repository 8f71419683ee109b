package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/app"
	"github.com/SirClappington/jobq/internal/clock"
	"github.com/SirClappington/jobq/internal/scheduler"
)

// Runs the promotion and reaper loops. Several replicas may run at once.
func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Load(ctx, "scheduler")
	if err != nil {
		log.Printf("startup: %v", err)
		return 1
	}
	defer a.Close()

	cfg := a.Config
	promoter := scheduler.NewPromoter(a.Queue, cfg.PromoteInterval, cfg.PromoteBatch, clock.RealClock{}, a.Logger)
	reaper := scheduler.NewReaper(a.Queue, cfg.ReapInterval, cfg.ReapBatch, clock.RealClock{}, a.Logger)

	if err := a.Run(ctx, promoter.Run, reaper.Run); err != nil {
		a.Logger.Error("scheduler stopped", zap.Error(err))
		return 1
	}
	return 0
}
