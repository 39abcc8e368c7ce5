package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"egress-pool/pkg/config"
	"egress-pool/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrGuardFailed = errors.New("guard predicate not satisfied")
	ErrNotAssigned = errors.New("consumer not assigned to resource")
	ErrNoCandidate = errors.New("no candidate matches")
)

type DB struct {
	*bun.DB
}

// NewDB opens the registry described by cfg and verifies the connection.
func NewDB(cfg config.Database) (*DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLiteDB(cfg.Path)
	case "postgres", "":
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN())))
		db := bun.NewDB(sqldb, pgdialect.New())
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return &DB{db}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// NewSQLiteDB opens an embedded registry. SQLite allows a single writer, so
// the pool is limited to one connection and every statement is serialized.
func NewSQLiteDB(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite3", path+"?_busy_timeout=10000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{db}, nil
}

// InitSchema creates the tables and indexes if they don't exist.
func (db *DB) InitSchema(ctx context.Context) error {
	tables := []interface{}{
		(*models.IPResource)(nil),
		(*models.Assignment)(nil),
		(*models.FailureRecord)(nil),
		(*models.ProviderConfig)(nil),
		(*models.UsageMetricRecord)(nil),
	}
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []struct {
		model   interface{}
		name    string
		columns []string
	}{
		{(*models.IPResource)(nil), "ip_resources_status_idx", []string{"status"}},
		{(*models.IPResource)(nil), "ip_resources_country_code_idx", []string{"country_code"}},
		{(*models.Assignment)(nil), "resource_assignments_consumer_id_idx", []string{"consumer_id"}},
		{(*models.FailureRecord)(nil), "resource_failures_resource_id_idx", []string{"resource_id"}},
		{(*models.UsageMetricRecord)(nil), "usage_metrics_recorded_at_idx", []string{"recorded_at"}},
		{(*models.UsageMetricRecord)(nil), "usage_metrics_resource_id_idx", []string{"resource_id"}},
	}
	for _, idx := range indexes {
		_, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}

	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
