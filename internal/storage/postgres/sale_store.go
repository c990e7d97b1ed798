// Package postgres provides the Postgres-backed sale store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/apartment-sales-crawler/internal/ingest"
)

// DefaultTable holds one row per sold apartment.
const DefaultTable = "apartment_sales"

// FinalPriceSaleType labels sales closed at a final, not last-bid, price.
const FinalPriceSaleType = "Slutpris"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SaleStoreConfig controls the Postgres connection pool used for sales.
type SaleStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// SaleStore persists apartment sales into Postgres. Every upsert runs in its
// own transaction so progress survives an aborted run.
type SaleStore struct {
	pool  pool
	table string
}

// NewSaleStore creates a Postgres-backed SaleStore using the provided config.
func NewSaleStore(ctx context.Context, cfg SaleStoreConfig) (*SaleStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := resolveTable(cfg.Table)
	if err != nil {
		return nil, err
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SaleStore{pool: p, table: table}, nil
}

// NewSaleStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSaleStoreWithPool(p pool, table string) (*SaleStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := resolveTable(table)
	if err != nil {
		return nil, err
	}
	return &SaleStore{pool: p, table: table}, nil
}

func resolveTable(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *SaleStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *SaleStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate applies the table DDL in a single transaction.
func (s *SaleStore) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	for _, stmt := range Schema(s.table) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return rollback(ctx, tx, fmt.Errorf("apply schema: %w", err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// Upsert inserts the sale or replaces every mutable column of an existing
// row with the same id.
func (s *SaleStore) Upsert(ctx context.Context, sale ingest.ApartmentSale) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("sale store is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	property_type,
	sale_date,
	municipality,
	neighborhood,
	address,
	latitude,
	longitude,
	sale_type,
	price,
	area_sqm,
	rooms,
	floor
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (id) DO UPDATE SET
	property_type = EXCLUDED.property_type,
	sale_date = EXCLUDED.sale_date,
	municipality = EXCLUDED.municipality,
	neighborhood = EXCLUDED.neighborhood,
	address = EXCLUDED.address,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	sale_type = EXCLUDED.sale_type,
	price = EXCLUDED.price,
	area_sqm = EXCLUDED.area_sqm,
	rooms = EXCLUDED.rooms,
	floor = EXCLUDED.floor,
	updated_at = now()`, s.table)

	args := []any{
		sale.ID,
		string(sale.PropertyType),
		sale.SaleDate,
		sale.Municipality,
		sale.Neighborhood,
		sale.Address,
		sale.Latitude,
		sale.Longitude,
		sale.SaleType,
		sale.Price,
		sale.AreaSqm,
		sale.Rooms,
		sale.Floor,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert %d: %w", sale.ID, err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return rollback(ctx, tx, fmt.Errorf("upsert sale %d: %w", sale.ID, err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit sale %d: %w", sale.ID, err)
	}
	return nil
}

// Watermark returns the oldest and newest stored sale dates.
func (s *SaleStore) Watermark(ctx context.Context) (ingest.Watermark, error) {
	query := fmt.Sprintf(`SELECT MIN(sale_date), MAX(sale_date) FROM %s`, s.table)
	var earliest, latest pgtype.Date
	if err := s.pool.QueryRow(ctx, query).Scan(&earliest, &latest); err != nil {
		return ingest.Watermark{}, fmt.Errorf("query watermark: %w", err)
	}
	var wm ingest.Watermark
	if earliest.Valid {
		t := earliest.Time
		wm.Earliest = &t
	}
	if latest.Valid {
		t := latest.Time
		wm.Latest = &t
	}
	return wm, nil
}

// List returns sales newest first.
func (s *SaleStore) List(ctx context.Context, filter ingest.SaleFilter) ([]ingest.ApartmentSale, error) {
	query := fmt.Sprintf(`
SELECT id, property_type, sale_date, municipality, neighborhood, address,
	latitude, longitude, sale_type, price, area_sqm, rooms, floor
FROM %s
WHERE ($1 = '' OR municipality = $1)
ORDER BY sale_date DESC, id DESC
LIMIT $2 OFFSET $3`, s.table)

	rows, err := s.pool.Query(ctx, query, filter.Municipality, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("query sales: %w", err)
	}
	defer rows.Close()

	var sales []ingest.ApartmentSale
	for rows.Next() {
		var (
			sale         ingest.ApartmentSale
			propertyType string
		)
		if err := rows.Scan(
			&sale.ID,
			&propertyType,
			&sale.SaleDate,
			&sale.Municipality,
			&sale.Neighborhood,
			&sale.Address,
			&sale.Latitude,
			&sale.Longitude,
			&sale.SaleType,
			&sale.Price,
			&sale.AreaSqm,
			&sale.Rooms,
			&sale.Floor,
		); err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		sale.PropertyType = ingest.PropertyType(propertyType)
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sales: %w", err)
	}
	return sales, nil
}

// AvgSqmPriceByMunicipality averages price per square metre over final-price
// sales with a known area.
func (s *SaleStore) AvgSqmPriceByMunicipality(ctx context.Context) ([]ingest.MunicipalityPrice, error) {
	query := fmt.Sprintf(`
SELECT municipality, AVG(price / area_sqm)::float8, COUNT(*)
FROM %s
WHERE sale_type = $1 AND area_sqm > 0
GROUP BY municipality
ORDER BY municipality`, s.table)

	rows, err := s.pool.Query(ctx, query, FinalPriceSaleType)
	if err != nil {
		return nil, fmt.Errorf("query avg sqm price: %w", err)
	}
	defer rows.Close()

	var out []ingest.MunicipalityPrice
	for rows.Next() {
		var mp ingest.MunicipalityPrice
		if err := rows.Scan(&mp.Municipality, &mp.AvgSqmPrice, &mp.Sales); err != nil {
			return nil, fmt.Errorf("scan avg sqm price: %w", err)
		}
		out = append(out, mp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate avg sqm price: %w", err)
	}
	return out, nil
}

// BoundingBox returns the extent of geocoded sales, or nil when none exist.
func (s *SaleStore) BoundingBox(ctx context.Context) (*ingest.BoundingBox, error) {
	query := fmt.Sprintf(`
SELECT MIN(latitude), MIN(longitude), MAX(latitude), MAX(longitude)
FROM %s
WHERE latitude IS NOT NULL AND longitude IS NOT NULL`, s.table)

	var minLat, minLng, maxLat, maxLng pgtype.Float8
	if err := s.pool.QueryRow(ctx, query).Scan(&minLat, &minLng, &maxLat, &maxLng); err != nil {
		return nil, fmt.Errorf("query bounding box: %w", err)
	}
	if !minLat.Valid || !minLng.Valid || !maxLat.Valid || !maxLng.Valid {
		return nil, nil
	}
	return &ingest.BoundingBox{
		MinLat: minLat.Float64,
		MinLng: minLng.Float64,
		MaxLat: maxLat.Float64,
		MaxLng: maxLng.Float64,
	}, nil
}

func rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}
