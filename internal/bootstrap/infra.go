package bootstrap

import (
	"context"
	"database/sql"
	"fmt"

	fbapp "firebase.google.com/go/v4"
	"github.com/arlens/ar-backend/config"
	"github.com/arlens/ar-backend/internal/auth"
	"github.com/arlens/ar-backend/internal/storage/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Infra holds the external connections shared by the api and worker.
type Infra struct {
	Pool     *pgxpool.Pool
	SQL      *sql.DB
	Redis    *redis.Client
	Firebase *fbapp.App
}

// OpenInfra connects to postgres (when configured), redis and firebase
// (when auth or messaging is enabled). On error everything opened so far is
// closed again.
func OpenInfra(ctx context.Context, cfg *config.Config) (*Infra, error) {
	in := &Infra{}

	if cfg.Database.DSN != "" {
		pool, err := OpenDB(ctx, DBOptions{DSN: cfg.Database.DSN, EnsureSchema: true})
		if err != nil {
			return nil, err
		}
		in.Pool = pool

		db, err := postgres.NewConnection(&cfg.Database)
		if err != nil {
			in.Close()
			return nil, err
		}
		in.SQL = db
	}

	rdb, err := OpenRedis(ctx, cfg.Redis)
	if err != nil {
		in.Close()
		return nil, err
	}
	in.Redis = rdb

	if cfg.Firebase.EnableAuth || cfg.Firebase.EnableMessaging {
		app, err := auth.InitializeFirebase(ctx, &cfg.Firebase)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("firebase: %w", err)
		}
		in.Firebase = app
	}

	return in, nil
}

func (in *Infra) Close() {
	if in.Redis != nil {
		if err := in.Redis.Close(); err != nil {
			log.Warn().Err(err).Msg("close redis")
		}
	}
	if in.SQL != nil {
		if err := in.SQL.Close(); err != nil {
			log.Warn().Err(err).Msg("close database")
		}
	}
	if in.Pool != nil {
		in.Pool.Close()
	}
}
