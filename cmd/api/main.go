package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/api"
	"github.com/SirClappington/jobq/internal/app"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Load(ctx, "api")
	if err != nil {
		log.Printf("startup: %v", err)
		return 1
	}
	defer a.Close()

	var history api.History
	if a.History != nil {
		history = a.History
	}
	srv := &http.Server{
		Addr:              a.Config.APIAddr,
		Handler:           api.NewServer(a.Queue, history, a.Logger).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serve := func(context.Context) error {
		a.Logger.Info("api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	shutdown := func(ctx context.Context) error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	}

	if err := a.Run(ctx, serve, shutdown); err != nil {
		a.Logger.Error("api stopped", zap.Error(err))
		return 1
	}
	return 0
}
