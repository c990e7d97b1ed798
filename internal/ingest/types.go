// Package ingest defines the sale-listing types shared across subsystems and
// the pipeline that drives a single ingestion run.
package ingest

import (
	"net/http"
	"time"
)

// DateLayout is the wire and storage format for civil dates.
const DateLayout = "2006-01-02"

// UnspecifiedNeighborhood is stored when a listing carries no descriptive area.
const UnspecifiedNeighborhood = "unspecified"

// PropertyType classifies a listing by the kind of dwelling sold.
type PropertyType string

// Property types recognised by the extractor. Only apartments are persisted.
const (
	PropertyApartment PropertyType = "apartment"
	PropertyHouse     PropertyType = "house"
	PropertyTownhouse PropertyType = "townhouse"
	PropertyOther     PropertyType = "other"
)

// ApartmentSale is the persisted record for one closed sale.
type ApartmentSale struct {
	ID           int64        `json:"id"`
	PropertyType PropertyType `json:"property_type"`
	// SaleDate is a civil date stored as UTC midnight.
	SaleDate     time.Time `json:"sale_date"`
	Municipality string    `json:"municipality"`
	Neighborhood string    `json:"neighborhood"`
	Address      string    `json:"address"`
	Latitude     *float64  `json:"latitude"`
	Longitude    *float64  `json:"longitude"`
	SaleType     string    `json:"sale_type"`
	Price        int64     `json:"price"`
	AreaSqm      *float64  `json:"area_sqm"`
	Rooms        *float64  `json:"rooms"`
	Floor        *float64  `json:"floor"`
}

// Watermark holds the oldest and newest sale dates present in the store.
// Both are nil when the store is empty.
type Watermark struct {
	Earliest *time.Time `json:"earliest"`
	Latest   *time.Time `json:"latest"`
}

// Empty reports whether the store held no sales when the watermark was read.
func (w Watermark) Empty() bool {
	return w.Latest == nil
}

// SaleFilter narrows sale listings returned by read queries.
type SaleFilter struct {
	Municipality string
	Limit        int
	Offset       int
}

// BoundingBox is the geographic extent of all geocoded sales.
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MinLng float64 `json:"minLng"`
	MaxLat float64 `json:"maxLat"`
	MaxLng float64 `json:"maxLng"`
}

// FetchRequest captures everything needed to fetch a search page.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// PageResult is what the extractor recovers from one search page.
type PageResult struct {
	// Sales are the apartment listings that passed the type filter.
	Sales []ApartmentSale
	// Filtered counts sold-property nodes dropped by the type filter.
	Filtered int
	// Invalid lists record-level problems for nodes that were skipped.
	Invalid []error
	// FirstSoldDate is the sold date of the first listing node on the page.
	FirstSoldDate string
}

// RunOptions are per-invocation overrides for a pipeline run.
type RunOptions struct {
	// StartDate replaces the watermark-derived start when set.
	StartDate *time.Time
}

// RunSummary describes a completed run. It is logged and optionally published.
type RunSummary struct {
	RunID       string    `json:"run_id" yaml:"run_id"`
	WindowStart string    `json:"window_start" yaml:"window_start"`
	WindowEnd   string    `json:"window_end" yaml:"window_end"`
	Batches     int       `json:"batches" yaml:"batches"`
	Pages       int       `json:"pages" yaml:"pages"`
	Upserted    int       `json:"upserted" yaml:"upserted"`
	Filtered    int       `json:"filtered" yaml:"filtered"`
	Invalid     int       `json:"invalid" yaml:"invalid"`
	Watermark   string    `json:"watermark,omitempty" yaml:"watermark,omitempty"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time `json:"finished_at" yaml:"finished_at"`
}

// MunicipalityPrice is the average price per square metre of final-price
// sales in one municipality.
type MunicipalityPrice struct {
	Municipality string  `json:"municipality"`
	AvgSqmPrice  float64 `json:"avgSqmPrice"`
	Sales        int64   `json:"sales"`
}
