package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/streetbus/internal/db"
	"github.com/sells-group/streetbus/internal/resilience"
	"github.com/sells-group/streetbus/internal/store"
)

// connectPostGIS opens the PostGIS pool, retrying while the server is
// unreachable or still starting.
func connectPostGIS(ctx context.Context) (*pgxpool.Pool, error) {
	retry := resilience.FromConfig(cfg.PostGIS.ConnectAttempts, cfg.PostGIS.ConnectBackoffMs)
	retry.OnRetry = resilience.RetryLogger("postgis connect")
	return resilience.DoVal(ctx, retry, func(ctx context.Context) (*pgxpool.Pool, error) {
		return db.Connect(ctx, cfg.PostGIS.DatabaseURL)
	})
}

// initStore opens and migrates the run ledger. It returns nil when the
// ledger is disabled. pool is reused by the postgres driver when non-nil.
func initStore(ctx context.Context, pool db.Pool) (store.Store, error) {
	var st store.Store
	switch cfg.Store.Driver {
	case "none":
		return nil, nil
	case "sqlite", "":
		if cfg.Store.SQLitePath == "" {
			return nil, nil
		}
		s, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		st = s
	case "postgres":
		if pool != nil {
			st = store.NewPostgresFromPool(pool)
			break
		}
		s, err := store.NewPostgres(ctx, cfg.PostGIS.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		st = s
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	zap.L().Debug("run ledger ready", zap.String("driver", cfg.Store.Driver))
	return st, nil
}
