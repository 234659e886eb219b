package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arlens/ar-backend/config"
	httpapi "github.com/arlens/ar-backend/internal/api/http"
	arhttp "github.com/arlens/ar-backend/internal/ar_compilation/http"
	"github.com/arlens/ar-backend/internal/auth"
	"github.com/arlens/ar-backend/internal/bootstrap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

const serviceName = "ar-backend"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	bootstrap.ConfigureLogging(cfg.App.Environment, cfg.App.LogLevel)
	bootstrap.SetGinMode(cfg.App.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := bootstrap.OpenInfra(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open infrastructure")
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
		log.Fatal().Err(err).Msg("build compilation")
	}

	deps := bootstrap.RouterDeps{
		ServiceName:    serviceName,
		Version:        cfg.App.Version,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Redis:          httpapi.RedisPinger{Client: infra.Redis},
		AR:             arhttp.NewHandler(comp.Projects, comp.Events),
		Gatherer:       reg,
	}
	if infra.Pool != nil {
		deps.DB = infra.Pool
	}
	if cfg.Storage.S3Bucket == "" {
		deps.PublicDir = cfg.Storage.PublicDir
	}
	if cfg.Firebase.EnableAuth {
		client, err := auth.AuthClient(ctx, infra.Firebase)
		if err != nil {
			log.Fatal().Err(err).Msg("firebase auth")
		}
		deps.Verifier = client
	} else {
		log.Warn().Msg("FIREBASE_AUTH is off, trusting X-User-Id")
	}

	// Without a database the project store is process-local, so the api
	// has to compile its own jobs.
	if infra.Pool == nil && cfg.Compilation.Workers > 0 {
		go comp.WorkerPool(cfg.Compilation.Workers).Run(ctx)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           bootstrap.BuildRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.App.Environment).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown")
	}
}
