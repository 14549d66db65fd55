package infra

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/congo-pay/seller_ledger/internal/config"
	"github.com/congo-pay/seller_ledger/internal/ledger"
)

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// Backend is the ledger store selected by configuration plus its lifecycle hooks.
type Backend struct {
	Store  ledger.Store
	Driver string
	Checks map[string]Check
	close  []func()
}

// Close releases the underlying connections.
func (b *Backend) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		b.close[i]()
	}
}

// OpenStore connects the store named by cfg.StoreDriver and migrates its schema.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backend, error) {
	b := &Backend{Driver: cfg.StoreDriver, Checks: map[string]Check{}}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName)
		if err != nil {
			return nil, err
		}
		store := ledger.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		b.Store = store
		b.Checks["postgres"] = pool.Ping
		b.close = append(b.close, pool.Close)
	case config.DriverSQLite:
		store, err := ledger.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.Store = store
		b.Checks["sqlite"] = store.Ping
		b.close = append(b.close, func() {
			if err := store.Close(); err != nil {
				logger.Warn("close sqlite", slog.Any("error", err))
			}
		})
	case config.DriverMemory:
		logger.Warn("using in-memory ledger store; balances are lost on restart")
		b.Store = ledger.NewInMemory()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	logger.Info("ledger store ready", slog.String("driver", cfg.StoreDriver))
	return b, nil
}
