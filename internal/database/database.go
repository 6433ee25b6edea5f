package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"crmcore/internal/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// PasswordResolver fetches the database password from an external secret store.
type PasswordResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Connect opens the pgx pool used by repositories. When cfg.DBPasswordSecret
// is set the password is taken from resolver instead of the connection string.
func Connect(ctx context.Context, cfg *config.Config, resolver PasswordResolver, logger zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(normalizeDSN(cfg.DBConnectionString, cfg.Environment))
	if err != nil {
		return nil, fmt.Errorf("parse db connection string: %w", err)
	}

	// For non-development environments that use a transaction pooler like pgbouncer,
	// we must use the simple query protocol to avoid issues with server-side prepared statements.
	if !cfg.IsDevelopment() {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = cfg.DBMaxConns
	}

	if cfg.DBPasswordSecret != "" {
		if resolver == nil {
			return nil, fmt.Errorf("db password secret %s configured without a resolver", cfg.DBPasswordSecret)
		}
		password, err := resolver.Resolve(ctx, cfg.DBPasswordSecret)
		if err != nil {
			return nil, fmt.Errorf("resolve db password: %w", err)
		}
		poolCfg.ConnConfig.Password = password
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	logger.Info().
		Str("host", poolCfg.ConnConfig.Host).
		Uint16("port", poolCfg.ConnConfig.Port).
		Int32("max_conns", poolCfg.MaxConns).
		Msg("Database connection established")
	return pool, nil
}

// OpenSQL exposes the pool through database/sql for clients written against it.
func OpenSQL(pool *pgxpool.Pool) *sql.DB {
	return stdlib.OpenDBFromPool(pool)
}

// normalizeDSN disables SSL for local development unless the DSN says otherwise.
// In production the connection string should carry the correct SSL settings.
func normalizeDSN(dsn, env string) string {
	if env != "development" || strings.Contains(dsn, "sslmode") {
		return dsn
	}
	separator := " "
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if strings.Contains(dsn, "?") {
			separator = "&"
		} else {
			separator = "?"
		}
	}
	return dsn + separator + "sslmode=disable"
}
