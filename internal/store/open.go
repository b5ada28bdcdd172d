package store

import (
	"context"
	"fmt"

	"github.com/arogyakrishi/arogyakrishi-backend/internal/config"
	"github.com/arogyakrishi/arogyakrishi-backend/internal/db"
)

// Open connects the store selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewPostgres(pool), nil
	case config.StoreGorm:
		return OpenGormPostgres(cfg.DatabaseURL)
	case config.StoreSQLite:
		return OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
