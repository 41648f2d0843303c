package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
)

// Backend is the attendance store selected by STORE_BACKEND. DB is nil for
// the in-memory backend.
type Backend struct {
	Store attendance.Store
	DB    *DB
}

// OpenBackend connects the configured store, running migrations when asked.
func OpenBackend(ctx context.Context, cfg config.App, logger *zap.Logger) (*Backend, error) {
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		return &Backend{Store: attendance.NewMemoryStore()}, nil
	}

	db, err := NewDB(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := RunMigrations(db.Client.DB, logger); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &Backend{Store: attendance.NewPostgresStore(db.Client), DB: db}, nil
}

// InProcess reports whether the store lives in this process only.
func (b *Backend) InProcess() bool {
	return b.DB == nil
}

// Healthy reports whether the store can serve requests.
func (b *Backend) Healthy(ctx context.Context) bool {
	if b.InProcess() {
		return true
	}
	return b.DB.Healthy(ctx)
}

// Close releases the database pool, if any.
func (b *Backend) Close() error {
	return b.DB.Close()
}
