// Package db provides the PostgreSQL/PostGIS connection used by the
// geometry engine.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of pgxpool.Pool the engine needs. pgxmock pools
// satisfy it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect opens a pool and verifies the server is reachable.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, eris.New("db: no database_url configured (set postgis.database_url)")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "db: create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "db: ping database")
	}

	return pool, nil
}

// PostGISVersion returns postgis_full_version(), failing when the extension
// is not installed in the connected database.
func PostGISVersion(ctx context.Context, pool Pool) (string, error) {
	var installed bool
	if err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'postgis')`,
	).Scan(&installed); err != nil {
		return "", eris.Wrap(err, "db: check postgis extension")
	}
	if !installed {
		return "", eris.New("db: postgis extension is not installed (CREATE EXTENSION postgis)")
	}

	var version string
	if err := pool.QueryRow(ctx, `SELECT postgis_full_version()`).Scan(&version); err != nil {
		return "", eris.Wrap(err, "db: query postgis version")
	}
	return version, nil
}
