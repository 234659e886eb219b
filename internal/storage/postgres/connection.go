package postgres

import (
	"database/sql"
	"fmt"

	"github.com/arlens/ar-backend/config"
	_ "github.com/lib/pq"
)

// NewConnection opens the database/sql pool used by the summary repository.
// Project records go through pgx; summaries keep lib/pq for pq.Array.
func NewConnection(cfg *config.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DB_DSN is not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	return db, nil
}
