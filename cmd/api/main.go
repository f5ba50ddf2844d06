package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"adminease/internal/bootstrap"
	"adminease/internal/config"
	"adminease/internal/httpapi"
	"adminease/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, stop)
	stop()
	if err != nil {
		slog.Error("api exited", "err", err)
		os.Exit(1)
	}
}

// run serves until ctx is canceled. Every resource it opens is released
// before it returns, including on startup errors.
func run(ctx context.Context, stop context.CancelFunc) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New("api", cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	app, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer app.Close()

	sched := cron.New()
	if cfg.Tokens.ReaperSchedule != config.ReaperOff {
		if _, err := app.Reaper.Schedule(sched, cfg.Tokens.ReaperSchedule); err != nil {
			return fmt.Errorf("schedule reaper: %w", err)
		}
		sched.Start()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(app.Metrics.Middleware())
	r.Use(logger.Middleware(log))
	r.Use(httpapi.ClientIP())

	registerRoutes(r, app)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "token_store", cfg.Tokens.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Wait for an in-flight sweep before closing the store connections.
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("reaper still running at shutdown")
	}
	return nil
}
