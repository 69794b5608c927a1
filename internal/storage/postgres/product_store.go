// Package postgres persists extracted product records in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/product-extractor/internal/product"
)

const defaultTable = "products"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for product rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Row is one persisted product record.
type Row struct {
	ID          string
	BatchID     string
	Record      product.Record
	ExtractedAt time.Time
}

// ProductStore writes product rows into Postgres.
type ProductStore struct {
	pool  execCloser
	table string
}

// NewProductStore connects a pool using cfg.
func NewProductStore(ctx context.Context, cfg Config) (*ProductStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewProductStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewProductStoreWithPool constructs a store from an existing pool.
func NewProductStoreWithPool(pool execCloser, table string) (*ProductStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ProductStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ProductStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertProduct upserts a product row keyed by ID.
func (s *ProductStore) InsertProduct(ctx context.Context, row Row) error {
	if s == nil || s.pool == nil {
		return errors.New("product store is not configured")
	}
	if row.ID == "" {
		return errors.New("row id is required")
	}
	rec := row.Record
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	batch_id,
	name,
	amount,
	currency,
	specs,
	link,
	image,
	sku,
	brand,
	availability,
	strategy,
	extracted_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (id) DO UPDATE SET
	amount = EXCLUDED.amount,
	currency = EXCLUDED.currency,
	specs = EXCLUDED.specs,
	image = EXCLUDED.image,
	extracted_at = EXCLUDED.extracted_at`, s.table)

	args := []any{
		row.ID,
		nullable(row.BatchID),
		rec.Name,
		rec.Amount,
		nullable(rec.Currency),
		rec.Specs,
		rec.Link,
		rec.Image,
		nullable(rec.SKU),
		nullable(rec.Brand),
		nullable(rec.Availability),
		string(rec.Strategy),
		row.ExtractedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
