package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultMaxConns = 20
	defaultMinConns = 2
)

// PoolOptions sizes the connection pool. Zero values select the defaults.
type PoolOptions struct {
	MaxConns int32
	MinConns int32
}

// DB wraps the event store's connection pool.
type DB struct {
	pool *pgxpool.Pool
}

func poolConfig(databaseURL string, opts PoolOptions) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	config.MaxConns = defaultMaxConns
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	config.MinConns = defaultMinConns
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	if config.MinConns > config.MaxConns {
		return nil, fmt.Errorf("min connections %d exceed max connections %d", config.MinConns, config.MaxConns)
	}
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	return config, nil
}

// New connects to the event store and verifies the connection.
func New(ctx context.Context, databaseURL string, opts PoolOptions) (*DB, error) {
	config, err := poolConfig(databaseURL, opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("database connection established",
		zap.Int32("max_conns", config.MaxConns),
		zap.Int32("min_conns", config.MinConns),
	)
	return &DB{pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.pool.Close()
	log.Info("database connection closed")
}

// Health checks database connectivity.
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Migrate applies the embedded migrations that schema_migrations does not
// list yet, each in its own transaction.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	for _, name := range pendingMigrations(names, applied) {
		if err := db.applyMigration(ctx, name); err != nil {
			return err
		}
		log.Info("migration applied", zap.String("version", migrationVersion(name)))
	}
	return nil
}

func (db *DB) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan applied migrations: %w", err)
	}

	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

func (db *DB) applyMigration(ctx context.Context, name string) error {
	content, err := migrationsFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	version := migrationVersion(name)
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("execute migration %s: %w", version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
		return nil
	})
}

// pendingMigrations returns the migration files not yet applied, in
// version order.
func pendingMigrations(names []string, applied map[string]bool) []string {
	var pending []string
	for _, name := range names {
		if !applied[migrationVersion(name)] {
			pending = append(pending, name)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return migrationVersion(pending[i]) < migrationVersion(pending[j])
	})
	return pending
}

func migrationVersion(name string) string {
	return strings.TrimSuffix(path.Base(name), ".sql")
}

func logQueryError(operation string, err error) {
	log.Error("event store query failed",
		zap.String("operation", operation),
		zap.Error(err),
	)
}
