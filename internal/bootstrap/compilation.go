package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	fbapp "firebase.google.com/go/v4"
	"github.com/arlens/ar-backend/config"
	"github.com/arlens/ar-backend/internal/ar_compilation/descriptor"
	"github.com/arlens/ar-backend/internal/ar_compilation/marker"
	"github.com/arlens/ar-backend/internal/ar_compilation/media"
	"github.com/arlens/ar-backend/internal/ar_compilation/notify"
	"github.com/arlens/ar-backend/internal/ar_compilation/qr"
	"github.com/arlens/ar-backend/internal/ar_compilation/queue"
	"github.com/arlens/ar-backend/internal/ar_compilation/repository"
	"github.com/arlens/ar-backend/internal/ar_compilation/service"
	"github.com/arlens/ar-backend/internal/ar_compilation/storage"
	"github.com/arlens/ar-backend/internal/ar_compilation/viewer"
	"github.com/arlens/ar-backend/internal/auth"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// CompilationDeps are the shared connections the compilation components
// are built on. Pool and SQL are nil when no database is configured.
type CompilationDeps struct {
	Config   *config.Config
	Pool     *pgxpool.Pool
	SQL      *sql.DB
	Redis    *redis.Client
	Firebase *fbapp.App
	Registry prometheus.Registerer
}

// Compilation is the wired AR compilation subsystem.
type Compilation struct {
	Store        service.ProjectStore
	Summaries    *repository.SummaryRepository
	Queue        *queue.Queue
	Lock         *queue.RunLock
	Events       *queue.EventBus
	Artifacts    storage.ArtifactStore
	Metrics      *service.Metrics
	Orchestrator *service.Orchestrator
	Projects     *service.ProjectService

	lockTTL time.Duration
}

// BuildCompilation assembles stores, media tooling, the orchestrator and the
// project service from the configuration.
func BuildCompilation(ctx context.Context, dep CompilationDeps) (*Compilation, error) {
	cfg := dep.Config
	c := &Compilation{
		Queue:   queue.NewQueue(dep.Redis),
		Lock:    queue.NewRunLock(dep.Redis),
		Events:  queue.NewEventBus(dep.Redis),
		Metrics: service.NewMetrics(dep.Registry),
		lockTTL: service.LockTTLFor(cfg.Compilation.WatchdogTimeout),
	}

	if dep.Pool != nil {
		c.Store = repository.NewProjectRepository(dep.Pool)
	} else {
		log.Warn().Msg("DB_DSN not set, projects are kept in memory")
		c.Store = repository.NewMemoryStore()
	}
	if dep.SQL != nil {
		c.Summaries = repository.NewSummaryRepository(dep.SQL)
	}

	artifacts, err := buildArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.Artifacts = artifacts

	notifier, err := buildNotifier(ctx, cfg, dep.Firebase)
	if err != nil {
		return nil, err
	}

	runner := media.ExecRunner{}
	fetcher := media.NewFetcher(media.FetcherOptions{
		LocalRoot:            cfg.Compilation.MediaRoot,
		AllowPrivateNetworks: cfg.Compilation.MediaAllowPrivate,
	})
	deps := service.Deps{
		Store:      c.Store,
		Fetcher:    fetcher,
		Prober:     media.NewProber(runner, cfg.Compilation.FFprobePath),
		Video:      media.NewRegionProcessor(runner, cfg.Compilation.FFmpegPath, cfg.Compilation.TranscodeTimeout),
		Enhancer:   marker.NewEnhancer(log.Logger),
		Descriptor: descriptor.NewClient(cfg.Descriptor.URL, cfg.Descriptor.Timeout, cfg.Descriptor.RateLimit, cfg.Descriptor.Burst),
		Viewer:     viewer.NewGenerator(),
		QR:         qr.NewGenerator(0),
		Artifacts:  artifacts,
		Notifier:   notifier,
		Events:     c.Events,
		Metrics:    c.Metrics,
	}
	if c.Summaries != nil {
		deps.Summaries = c.Summaries
	}

	c.Orchestrator = service.NewOrchestrator(deps, service.Options{
		WorkDir:         cfg.Compilation.WorkDir,
		PublicBaseURL:   cfg.Compilation.PublicBaseURL,
		WatchdogTimeout: cfg.Compilation.WatchdogTimeout,
		MarkerTag:       cfg.Compilation.MarkerTag,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
	})

	psDeps := service.ProjectServiceDeps{
		Store:      c.Store,
		Jobs:       c.Queue,
		Viewers:    c.Orchestrator,
		Artifacts:  artifacts,
		Events:     c.Events,
		WorkDir:    cfg.Compilation.WorkDir,
		DemoTTL:    cfg.Compilation.DemoTTL,
		// the fetcher confines relative paths to the media root
		LocalMedia: cfg.Compilation.MediaRoot != "",
	}
	if c.Summaries != nil {
		psDeps.Summaries = c.Summaries
	}
	c.Projects = service.NewProjectService(psDeps)

	return c, nil
}

// WorkerPool returns a pool draining the compile queue into the orchestrator.
func (c *Compilation) WorkerPool(workers int) *service.WorkerPool {
	return service.NewWorkerPool(c.Queue, c.Queue, c.Lock, c.Orchestrator,
		service.WorkerOptions{Workers: workers, LockTTL: c.lockTTL},
		log.With().Str("component", "worker").Logger())
}

func buildArtifactStore(ctx context.Context, cfg *config.Config) (storage.ArtifactStore, error) {
	if cfg.Storage.S3Bucket == "" {
		return storage.NewLocalStore(cfg.Storage.PublicDir, cfg.Compilation.PublicBaseURL), nil
	}
	s3store, err := storage.NewS3Store(ctx, cfg.Storage.S3Bucket, cfg.Storage.S3Region, cfg.Storage.S3PublicURL)
	if err != nil {
		return nil, fmt.Errorf("s3 store: %w", err)
	}
	return s3store, nil
}

func buildNotifier(ctx context.Context, cfg *config.Config, app *fbapp.App) (notify.Notifier, error) {
	logger := log.With().Str("component", "notifier").Logger()
	if !cfg.Firebase.EnableMessaging || app == nil {
		return notify.NewLogNotifier(logger), nil
	}
	client, err := auth.MessagingClient(ctx, app)
	if err != nil {
		return nil, err
	}
	return notify.NewFCMNotifier(client, logger), nil
}
