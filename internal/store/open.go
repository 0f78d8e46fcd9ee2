package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/formflow/internal/config"
)

// Open builds the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case config.DriverMemory:
		s = NewMemoryStore()
	case config.DriverSQLite:
		s, err = OpenSQLite(ctx, cfg.Path)
	case config.DriverPostgres:
		s, err = OpenPostgres(ctx, cfg.DSN(), int32(cfg.MaxOpenConns), cfg.ConnMaxLifetime)
	case config.DriverMongo:
		s, err = OpenMongo(ctx, cfg.DSN(), cfg.Database, cfg.ConnectTimeout)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	logger.Info("store opened", zap.String("driver", cfg.Driver))
	return s, nil
}
