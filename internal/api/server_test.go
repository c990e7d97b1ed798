package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/apartment-sales-crawler/internal/ingest"
	"github.com/JakeFAU/apartment-sales-crawler/internal/storage/memory"
)

func f64(v float64) *float64 { return &v }

func seededStore(t *testing.T) *memory.SaleStore {
	t.Helper()
	store := memory.NewSaleStore()
	sales := []ingest.ApartmentSale{
		{
			ID: 1, PropertyType: ingest.PropertyApartment, SaleDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			Municipality: "Stockholm", Neighborhood: "Vasastan", Address: "Odengatan 1", SaleType: "Slutpris",
			Price: 5000000, AreaSqm: f64(50), Latitude: f64(59.34), Longitude: f64(18.05),
		},
		{
			ID: 2, PropertyType: ingest.PropertyApartment, SaleDate: time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC),
			Municipality: "Solna", Neighborhood: "Råsunda", Address: "Råsundavägen 2", SaleType: "Slutpris",
			Price: 3000000, AreaSqm: f64(60), Latitude: f64(59.36), Longitude: f64(18.00),
		},
		{
			ID: 3, PropertyType: ingest.PropertyApartment, SaleDate: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
			Municipality: "Stockholm", Neighborhood: "Södermalm", Address: "Götgatan 3", SaleType: "Slutpris",
			Price: 7000000, AreaSqm: f64(70),
		},
	}
	for _, s := range sales {
		require.NoError(t, store.Upsert(context.Background(), s))
	}
	return store
}

func serve(t *testing.T, srv *Server, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	srv := NewServer(seededStore(t), Options{}, zap.NewNop())

	rec := serve(t, srv, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, srv, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(t, srv, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready"}`, rec.Body.String())

	rec = serve(t, srv, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

type downStore struct{ *memory.SaleStore }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func (downStore) List(context.Context, ingest.SaleFilter) ([]ingest.ApartmentSale, error) {
	return nil, errors.New("connection refused")
}

func TestServer_ReadyzReportsStoreFailure(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	srv := NewServer(downStore{memory.NewSaleStore()}, Options{}, zap.New(core))

	rec := serve(t, srv, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, 1, logs.FilterMessage("readiness check failed").Len())

	rec = serve(t, srv, "/v1/sales", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "failed to list sales")
}

func TestServer_NilStore(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, Options{}, nil)
	require.Equal(t, http.StatusServiceUnavailable, serve(t, srv, "/readyz", nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, serve(t, srv, "/v1/sales", nil).Code)
}

func TestServer_ListSales(t *testing.T) {
	t.Parallel()

	srv := NewServer(seededStore(t), Options{}, zap.NewNop())

	rec := serve(t, srv, "/v1/sales", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sales []saleDTO `json:"sales"`
		Limit int       `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, defaultSalesLimit, body.Limit)
	require.Len(t, body.Sales, 3)
	require.Equal(t, int64(2), body.Sales[0].ID, "newest first")
	require.Equal(t, "2025-03-05", body.Sales[0].SaleDate)

	rec = serve(t, srv, "/v1/sales?municipality=Stockholm&limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sales, 1)
	require.Equal(t, int64(1), body.Sales[0].ID)
}

func TestServer_ListSalesRejectsBadPaging(t *testing.T) {
	t.Parallel()

	srv := NewServer(seededStore(t), Options{}, zap.NewNop())
	for _, target := range []string{"/v1/sales?limit=0", "/v1/sales?limit=x", "/v1/sales?offset=-1"} {
		rec := serve(t, srv, target, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestServer_Watermark(t *testing.T) {
	t.Parallel()

	srv := NewServer(seededStore(t), Options{}, zap.NewNop())
	rec := serve(t, srv, "/v1/sales/watermark", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"earliest":"2025-03-01","latest":"2025-03-05"}`, rec.Body.String())

	empty := NewServer(memory.NewSaleStore(), Options{}, zap.NewNop())
	rec = serve(t, empty, "/v1/sales/watermark", nil)
	require.JSONEq(t, `{"earliest":null,"latest":null}`, rec.Body.String())
}

func TestServer_Stats(t *testing.T) {
	t.Parallel()

	srv := NewServer(seededStore(t), Options{}, zap.NewNop())

	rec := serve(t, srv, "/v1/stats/avg-sqm-price", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var avg struct {
		Municipalities []ingest.MunicipalityPrice `json:"municipalities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &avg))
	require.Len(t, avg.Municipalities, 2)
	require.Equal(t, "Solna", avg.Municipalities[0].Municipality)
	require.InDelta(t, 50000.0, avg.Municipalities[0].AvgSqmPrice, 1e-6)
	require.Equal(t, "Stockholm", avg.Municipalities[1].Municipality)
	require.InDelta(t, 100000.0, avg.Municipalities[1].AvgSqmPrice, 1e-6)

	rec = serve(t, srv, "/v1/stats/bounding-box", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"minLat":59.34,"minLng":18.00,"maxLat":59.36,"maxLng":18.05}`, rec.Body.String())

	empty := NewServer(memory.NewSaleStore(), Options{}, zap.NewNop())
	require.Equal(t, http.StatusNotFound, serve(t, empty, "/v1/stats/bounding-box", nil).Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	srv := NewServer(seededStore(t), Options{APIKey: "secret"}, zap.NewNop())

	require.Equal(t, http.StatusForbidden, serve(t, srv, "/v1/sales", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, srv, "/v1/sales", http.Header{"X-Api-Key": {"secret"}}).Code)
	require.Equal(t, http.StatusOK, serve(t, srv, "/v1/sales?api_key=secret", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, srv, "/healthz", nil).Code, "probes stay open")
}

func TestServer_RequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	srv := NewServer(seededStore(t), Options{}, zap.New(core))
	rec := serve(t, srv, "/healthz", http.Header{"X-Request-Id": {"req-42"}})
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "req-42", entries[0].ContextMap()["request_id"])
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	h := recoverMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}
