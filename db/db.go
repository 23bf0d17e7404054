// Package db provides the PostgreSQL persistence layer for mailing lists,
// subscribers and the inbound/outbound message audit log.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailgrove/mailgrove/logger"
)

//go:embed schema.sql
var schema string

type Database struct {
	Pool *pgxpool.Pool
}

// PoolConfig holds configuration for the database connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewDatabase initializes the connection pool, verifies connectivity and
// applies the embedded schema.
func NewDatabase(ctx context.Context, host, port, user, password, dbname string, tlsMode bool, logQueries bool, poolConfig *PoolConfig) (*Database, error) {
	sslMode := "disable"
	if tlsMode {
		sslMode = "require"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, dbname, sslMode)

	logger.Infof("connecting to database: postgres://%s@%s:%s/%s?sslmode=%s",
		user, host, port, dbname, sslMode)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if logQueries {
		config.ConnConfig.Tracer = &queryTracer{}
	}

	if poolConfig != nil {
		config.MaxConns = poolConfig.MaxConns
		config.MinConns = poolConfig.MinConns
		config.MaxConnLifetime = poolConfig.MaxConnLifetime
		config.MaxConnIdleTime = poolConfig.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db := &Database{Pool: pool}

	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}

func (db *Database) migrate(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, schema)
	return err
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}
