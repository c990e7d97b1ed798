package postgres

import "fmt"

// Schema returns the idempotent DDL statements for the sales table.
func Schema(table string) []string {
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            BIGINT PRIMARY KEY,
	property_type TEXT NOT NULL,
	sale_date     DATE NOT NULL,
	municipality  TEXT NOT NULL DEFAULT '',
	neighborhood  TEXT NOT NULL DEFAULT 'unspecified',
	address       TEXT NOT NULL DEFAULT '',
	latitude      DOUBLE PRECISION,
	longitude     DOUBLE PRECISION,
	sale_type     TEXT NOT NULL DEFAULT '',
	price         BIGINT NOT NULL CHECK (price > 0),
	area_sqm      DOUBLE PRECISION,
	rooms         DOUBLE PRECISION,
	floor         DOUBLE PRECISION,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_sale_date_idx ON %[1]s (sale_date)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_municipality_idx ON %[1]s (municipality)`, table),
	}
}
