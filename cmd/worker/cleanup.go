package main

import (
	"context"
	"errors"
	"time"

	"github.com/arlens/ar-backend/config"
	"github.com/arlens/ar-backend/internal/bootstrap"
	"github.com/rs/zerolog/log"
)

// runExpire deletes expired demo projects once and exits.
func runExpire(ctx context.Context, cfg *config.Config) error {
	comp, closeFn, err := openCompilation(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := comp.Projects.ExpireDemos(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("deleted", n).Msg("demo projects expired")
	return nil
}

// runPrune drops summaries older than the configured retention once.
func runPrune(ctx context.Context, cfg *config.Config) error {
	comp, closeFn, err := openCompilation(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if comp.Summaries == nil {
		return errors.New("summaries need DB_DSN")
	}
	cutoff := time.Now().Add(-cfg.Compilation.SummaryRetention)
	n, err := comp.Summaries.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("summaries pruned")
	return nil
}

func openCompilation(ctx context.Context, cfg *config.Config) (*bootstrap.Compilation, func(), error) {
	if cfg.Database.DSN == "" {
		return nil, nil, errors.New("DB_DSN is not set")
	}
	infra, err := bootstrap.OpenInfra(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	comp, err := bootstrap.BuildCompilation(ctx, bootstrap.CompilationDeps{
		Config:   cfg,
		Pool:     infra.Pool,
		SQL:      infra.SQL,
		Redis:    infra.Redis,
		Firebase: infra.Firebase,
	})
	if err != nil {
		infra.Close()
		return nil, nil, err
	}
	return comp, infra.Close, nil
}
