package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/khalifapro/crowd.dev/internal/common/config"

	_ "github.com/lib/pq"
)

const pingTimeout = 10 * time.Second

// NewPostgresDB opens the connection pool described by cfg and waits until
// the server answers a ping.
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	Configure(db, cfg)

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}

	return db, nil
}

// Configure applies the pool limits of cfg. Zero values keep the driver defaults.
func Configure(db *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// Close closes db if it is non-nil.
func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
