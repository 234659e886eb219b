package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/arlens/ar-backend/config"
	cronjob "github.com/arlens/ar-backend/internal/ar_compilation/cron"
	"github.com/arlens/ar-backend/internal/bootstrap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// runWorker drains the compile queue, runs the cleanup schedule and serves
// /metrics until the process is signalled.
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.DSN == "" {
		return errors.New("the worker needs DB_DSN; without it the api compiles in-process")
	}

	infra, err := bootstrap.OpenInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer infra.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	comp, err := bootstrap.BuildCompilation(ctx, bootstrap.CompilationDeps{
		Config:   cfg,
		Pool:     infra.Pool,
		SQL:      infra.SQL,
		Redis:    infra.Redis,
		Firebase: infra.Firebase,
		Registry: reg,
	})
	if err != nil {
		return err
	}

	opts := cronjob.Options{
		ExpirySchedule:   cfg.Compilation.ExpirySchedule,
		SummaryRetention: cfg.Compilation.SummaryRetention,
	}
	scheduler := cronjob.NewExpiryScheduler(comp.Projects, comp.Summaries, opts, log.With().Str("component", "cron").Logger())
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Server.MetricsPort,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics listener")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	workers := cfg.Compilation.Workers
	if workers <= 0 {
		workers = 1
	}
	log.Info().Int("workers", workers).Str("metrics", metricsSrv.Addr).Msg("worker started")
	comp.WorkerPool(workers).Run(ctx)
	log.Info().Msg("worker stopped")
	return nil
}
