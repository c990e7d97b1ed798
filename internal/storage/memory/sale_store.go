package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/paulmach/orb"

	"github.com/JakeFAU/apartment-sales-crawler/internal/ingest"
)

// finalPriceSaleType mirrors the Postgres store's final-price filter.
const finalPriceSaleType = "Slutpris"

// SaleStore keeps sales in-memory for dry runs and tests.
type SaleStore struct {
	mu    sync.RWMutex
	sales map[int64]ingest.ApartmentSale
}

// NewSaleStore constructs an empty SaleStore.
func NewSaleStore() *SaleStore {
	return &SaleStore{sales: make(map[int64]ingest.ApartmentSale)}
}

// Upsert inserts or fully replaces the sale with the same id.
func (s *SaleStore) Upsert(_ context.Context, sale ingest.ApartmentSale) error {
	if sale.ID == 0 {
		return errors.New("sale id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sales[sale.ID] = clone(sale)
	return nil
}

// Watermark returns the oldest and newest stored sale dates.
func (s *SaleStore) Watermark(_ context.Context) (ingest.Watermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var wm ingest.Watermark
	for _, sale := range s.sales {
		d := sale.SaleDate
		if wm.Earliest == nil || d.Before(*wm.Earliest) {
			earliest := d
			wm.Earliest = &earliest
		}
		if wm.Latest == nil || d.After(*wm.Latest) {
			latest := d
			wm.Latest = &latest
		}
	}
	return wm, nil
}

// List returns sales newest first. A zero limit returns every match.
func (s *SaleStore) List(_ context.Context, filter ingest.SaleFilter) ([]ingest.ApartmentSale, error) {
	s.mu.RLock()
	out := make([]ingest.ApartmentSale, 0, len(s.sales))
	for _, sale := range s.sales {
		if filter.Municipality != "" && sale.Municipality != filter.Municipality {
			continue
		}
		out = append(out, clone(sale))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SaleDate.Equal(out[j].SaleDate) {
			return out[i].SaleDate.After(out[j].SaleDate)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// AvgSqmPriceByMunicipality averages price per square metre over final-price
// sales with a known area.
func (s *SaleStore) AvgSqmPriceByMunicipality(_ context.Context) ([]ingest.MunicipalityPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sums := make(map[string]float64)
	counts := make(map[string]int64)
	for _, sale := range s.sales {
		if sale.SaleType != finalPriceSaleType || sale.AreaSqm == nil || *sale.AreaSqm <= 0 {
			continue
		}
		sums[sale.Municipality] += float64(sale.Price) / *sale.AreaSqm
		counts[sale.Municipality]++
	}
	out := make([]ingest.MunicipalityPrice, 0, len(sums))
	for m, sum := range sums {
		out = append(out, ingest.MunicipalityPrice{
			Municipality: m,
			AvgSqmPrice:  sum / float64(counts[m]),
			Sales:        counts[m],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Municipality < out[j].Municipality })
	return out, nil
}

// BoundingBox returns the extent of geocoded sales, or nil when none exist.
func (s *SaleStore) BoundingBox(_ context.Context) (*ingest.BoundingBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var points orb.MultiPoint
	for _, sale := range s.sales {
		if sale.Latitude == nil || sale.Longitude == nil {
			continue
		}
		points = append(points, orb.Point{*sale.Longitude, *sale.Latitude})
	}
	if len(points) == 0 {
		return nil, nil
	}
	bound := points.Bound()
	return &ingest.BoundingBox{
		MinLat: bound.Min.Lat(),
		MinLng: bound.Min.Lon(),
		MaxLat: bound.Max.Lat(),
		MaxLng: bound.Max.Lon(),
	}, nil
}

// Get returns a stored sale by id.
func (s *SaleStore) Get(id int64) (ingest.ApartmentSale, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[id]
	if !ok {
		return ingest.ApartmentSale{}, false
	}
	return clone(sale), true
}

// Len reports the number of stored sales.
func (s *SaleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sales)
}

// Ping always succeeds.
func (s *SaleStore) Ping(context.Context) error { return nil }

// Migrate is a no-op.
func (s *SaleStore) Migrate(context.Context) error { return nil }

// Close is a no-op.
func (s *SaleStore) Close() {}

func clone(sale ingest.ApartmentSale) ingest.ApartmentSale {
	sale.Latitude = cloneFloat(sale.Latitude)
	sale.Longitude = cloneFloat(sale.Longitude)
	sale.AreaSqm = cloneFloat(sale.AreaSqm)
	sale.Rooms = cloneFloat(sale.Rooms)
	sale.Floor = cloneFloat(sale.Floor)
	return sale
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
