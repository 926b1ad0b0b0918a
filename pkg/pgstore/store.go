// Package pgstore is the PostgreSQL implementation of catalog.Repository.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-catalogcache/pkg/catalog"
	"github.com/illmade-knight/go-catalogcache/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const uniqueViolation = "23505"

const productColumns = "id, name, description, price, category, stock, created_at, updated_at"

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	DatabaseURL     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool creates a pool and verifies it with a ping.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
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
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

var _ catalog.Repository = (*Store)(nil)

// Store implements catalog.Repository on a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore wraps pool. The pool's lifecycle belongs to the caller.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "PostgresStore").Logger()}
}

func scanProduct(row pgx.Row) (types.Product, error) {
	var p types.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Category, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func collectProducts(rows pgx.Rows) ([]types.Product, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Product, error) {
		return scanProduct(row)
	})
}

func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w: %s", op, catalog.ErrDuplicate, pgErr.Detail)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) Create(ctx context.Context, in types.ProductInput) (*types.Product, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO products (name, description, price, category, stock)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+productColumns,
		in.Name, in.Description, in.Price, in.Category, in.Stock)
	p, err := scanProduct(row)
	if err != nil {
		return nil, mapError("create product", err)
	}
	s.logger.Debug().Int64("product_id", p.ID).Msg("Inserted product.")
	return &p, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*types.Product, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("find product", err)
	}
	return &p, nil
}

// whereClause builds the filter predicate. Category matches exactly and name
// is a case-insensitive substring.
func whereClause(filter types.ProductFilter) (string, []any) {
	var conds []string
	var args []any
	if filter.Category != "" {
		args = append(args, filter.Category)
		conds = append(conds, "category = $"+strconv.Itoa(len(args)))
	}
	if filter.Name != "" {
		args = append(args, "%"+escapeLike(filter.Name)+"%")
		conds = append(conds, "name ILIKE $"+strconv.Itoa(len(args)))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (s *Store) page(ctx context.Context, op, where string, args []any, page, limit int) ([]types.Product, int64, error) {
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapError(op, err)
	}

	offset := (page - 1) * limit
	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM products%s ORDER BY id LIMIT $%d OFFSET $%d`, productColumns, where, n+1, n+2)
	rows, err := s.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, mapError(op, err)
	}
	items, err := collectProducts(rows)
	if err != nil {
		return nil, 0, mapError(op, err)
	}
	return items, total, nil
}

func (s *Store) FindMany(ctx context.Context, filter types.ProductFilter, page, limit int) ([]types.Product, int64, error) {
	where, args := whereClause(filter)
	return s.page(ctx, "list products", where, args, page, limit)
}

func (s *Store) Search(ctx context.Context, query string, page, limit int) ([]types.Product, int64, error) {
	pattern := "%" + escapeLike(query) + "%"
	return s.page(ctx, "search products", " WHERE name ILIKE $1 OR description ILIKE $1", []any{pattern}, page, limit)
}

// Update applies only the non-nil fields of patch and bumps updated_at.
func (s *Store) Update(ctx context.Context, id int64, patch types.ProductPatch) (*types.Product, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE products SET
		   name        = COALESCE($2, name),
		   description = COALESCE($3, description),
		   price       = COALESCE($4, price),
		   category    = COALESCE($5, category),
		   stock       = COALESCE($6, stock),
		   updated_at  = now()
		 WHERE id = $1
		 RETURNING `+productColumns,
		id, patch.Name, patch.Description, patch.Price, patch.Category, patch.Stock)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("update product", err)
	}
	return &p, nil
}

func (s *Store) Delete(ctx context.Context, id int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return 0, mapError("delete product", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, mapError("count products", err)
	}
	return n, nil
}
