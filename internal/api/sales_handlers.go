package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apartment-sales-crawler/internal/ingest"
)

const (
	defaultSalesLimit = 100
	maxSalesLimit     = 1000
	queryTimeout      = 5 * time.Second
)

// SalesHandler exposes read-only sale endpoints.
type SalesHandler struct {
	store   SalesReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewSalesHandler wires the store and logger.
func NewSalesHandler(store SalesReader, logger *zap.Logger) *SalesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SalesHandler{
		store:   store,
		timeout: queryTimeout,
		logger:  logger,
	}
}

// ListSales handles GET /v1/sales?municipality=&limit=&offset=. It returns
// {"sales": [...]} newest first, 400 for invalid paging, 503 when no store is
// configured, or 500 if the query fails.
func (h *SalesHandler) ListSales(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, ok := h.begin(w, r)
	if !ok {
		return
	}
	defer cancel()

	limit, offset, err := parseLimitOffset(r, defaultSalesLimit, maxSalesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := ingest.SaleFilter{
		Municipality: strings.TrimSpace(r.URL.Query().Get("municipality")),
		Limit:        limit,
		Offset:       offset,
	}
	sales, err := h.store.List(ctx, filter)
	if err != nil {
		h.logger.Error("list sales failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sales")
		return
	}
	if sales == nil {
		sales = []ingest.ApartmentSale{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sales":  toSaleDTOs(sales),
		"limit":  limit,
		"offset": offset,
	})
}

// Watermark handles GET /v1/sales/watermark.
func (h *SalesHandler) Watermark(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, ok := h.begin(w, r)
	if !ok {
		return
	}
	defer cancel()

	wm, err := h.store.Watermark(ctx)
	if err != nil {
		h.logger.Error("read watermark failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read watermark")
		return
	}
	writeJSON(w, http.StatusOK, watermarkDTO{
		Earliest: formatDate(wm.Earliest),
		Latest:   formatDate(wm.Latest),
	})
}

// AvgSqmPrice handles GET /v1/stats/avg-sqm-price.
func (h *SalesHandler) AvgSqmPrice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, ok := h.begin(w, r)
	if !ok {
		return
	}
	defer cancel()

	prices, err := h.store.AvgSqmPriceByMunicipality(ctx)
	if err != nil {
		h.logger.Error("avg sqm price failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute average price")
		return
	}
	if prices == nil {
		prices = []ingest.MunicipalityPrice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"municipalities": prices})
}

// BoundingBox handles GET /v1/stats/bounding-box. It returns 404 when no
// geocoded sale is stored.
func (h *SalesHandler) BoundingBox(w http.ResponseWriter, r *http.Request) {
	ctx, cancel, ok := h.begin(w, r)
	if !ok {
		return
	}
	defer cancel()

	box, err := h.store.BoundingBox(ctx)
	if err != nil {
		h.logger.Error("bounding box failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute bounding box")
		return
	}
	if box == nil {
		writeError(w, http.StatusNotFound, "no geocoded sales")
		return
	}
	writeJSON(w, http.StatusOK, box)
}

func (h *SalesHandler) begin(w http.ResponseWriter, r *http.Request) (context.Context, context.CancelFunc, bool) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "sale store unavailable")
		return nil, nil, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	return ctx, cancel, true
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type saleDTO struct {
	ID           int64    `json:"id"`
	PropertyType string   `json:"propertyType"`
	SaleDate     string   `json:"saleDate"`
	Municipality string   `json:"municipality"`
	Neighborhood string   `json:"neighborhood"`
	Address      string   `json:"address"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	SaleType     string   `json:"saleType"`
	Price        int64    `json:"price"`
	AreaSqm      *float64 `json:"areaSqm,omitempty"`
	Rooms        *float64 `json:"rooms,omitempty"`
	Floor        *float64 `json:"floor,omitempty"`
}

type watermarkDTO struct {
	Earliest *string `json:"earliest"`
	Latest   *string `json:"latest"`
}

func toSaleDTOs(in []ingest.ApartmentSale) []saleDTO {
	out := make([]saleDTO, 0, len(in))
	for _, s := range in {
		out = append(out, saleDTO{
			ID:           s.ID,
			PropertyType: string(s.PropertyType),
			SaleDate:     s.SaleDate.Format(ingest.DateLayout),
			Municipality: s.Municipality,
			Neighborhood: s.Neighborhood,
			Address:      s.Address,
			Latitude:     s.Latitude,
			Longitude:    s.Longitude,
			SaleType:     s.SaleType,
			Price:        s.Price,
			AreaSqm:      s.AreaSqm,
			Rooms:        s.Rooms,
			Floor:        s.Floor,
		})
	}
	return out
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(ingest.DateLayout)
	return &s
}
