package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/yaml.v2"

	"github.com/JakeFAU/apartment-sales-crawler/internal/app"
	"github.com/JakeFAU/apartment-sales-crawler/internal/config"
	"github.com/JakeFAU/apartment-sales-crawler/internal/ingest"
	"github.com/JakeFAU/apartment-sales-crawler/internal/storage/memory"
)

// captureApp swaps newApp so a test can inspect the App a command used.
func captureApp(t *testing.T) **app.App {
	t.Helper()
	var (
		mu       sync.Mutex
		captured *app.App
	)
	original := newApp
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		a, err := app.New(ctx, cfg, logger)
		mu.Lock()
		captured = a
		mu.Unlock()
		return a, err
	}
	t.Cleanup(func() { newApp = original })
	return &captured
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func memoryConfig(t *testing.T, baseURL string, port int) string {
	t.Helper()
	return writeConfig(t, fmt.Sprintf(`
env_file: ""
server:
  port: %d
storage:
  driver: memory
ingest:
  timezone: UTC
  lookback_days: 2
search:
  base_url: %s
fetch:
  max_attempts: 1
  base_delay_ms: 0
  requests_per_second: 0
logging:
  development: false
  level: error
`, port, baseURL))
}

func execute(ctx context.Context, args ...string) error {
	return executeTo(ctx, io.Discard, args...)
}

func executeTo(ctx context.Context, out io.Writer, args ...string) error {
	return run(ctx, args, out)
}

func soldSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		day := r.URL.Query().Get("maxSoldDate")
		fmt.Fprintf(w, `<html><body><div class="search-page__content"><p class="m-2">Sida 1 av 1</p></div>`+
			`<script id="__NEXT_DATA__" type="application/json">{"props":{"pageProps":{"__APOLLO_STATE__":{`+
			`"SoldProperty:77":{"id":77,"soldDate":%q,"objectType":"Lägenhet","soldPriceType":"Slutpris",`+
			`"soldPrice":{"raw":1900000},"location":{"region":{"municipalityName":"Lund"}}}`+
			`}}}}</script></body></html>`, day)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIngestCommandStoresSales(t *testing.T) {
	captured := captureApp(t)
	srv := soldSite(t)
	cfgPath := memoryConfig(t, srv.URL+"/sok/slutpriser", 8080)

	start := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	var out bytes.Buffer
	err := executeTo(context.Background(), &out, "--config", cfgPath, "ingest", "--startDate", start, "--summary")
	require.NoError(t, err)

	var summary map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &summary))
	require.Equal(t, 1, summary["upserted"])
	require.Equal(t, start, summary["window_start"])

	require.NotNil(t, *captured)
	store, ok := (*captured).Store().(*memory.SaleStore)
	require.True(t, ok)
	sale, found := store.Get(77)
	require.True(t, found)
	require.Equal(t, "Lund", sale.Municipality)
}

func TestIngestFailureStillClosesApp(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	original := newApp
	newApp = func(ctx context.Context, cfg config.Config, _ *zap.Logger) (*app.App, error) {
		return app.New(ctx, cfg, zap.New(core))
	}
	t.Cleanup(func() { newApp = original })

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)
	cfgPath := memoryConfig(t, down.URL+"/sok/slutpriser", 8080)

	start := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	err := execute(context.Background(), "--config", cfgPath, "ingest", "--startDate", start)
	require.ErrorIs(t, err, ingest.ErrFetchExhausted)
	require.Equal(t, 1, logs.FilterMessage("shutting down application services").Len())
}

func TestIngestSuccessClosesAppOnce(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	original := newApp
	newApp = func(ctx context.Context, cfg config.Config, _ *zap.Logger) (*app.App, error) {
		return app.New(ctx, cfg, zap.New(core))
	}
	t.Cleanup(func() { newApp = original })

	srv := soldSite(t)
	cfgPath := memoryConfig(t, srv.URL+"/sok/slutpriser", 8080)

	start := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	require.NoError(t, execute(context.Background(), "--config", cfgPath, "ingest", "--startDate", start))
	require.Equal(t, 1, logs.FilterMessage("shutting down application services").Len())
}

func TestIngestCommandRejectsBadStartDate(t *testing.T) {
	captureApp(t)
	cfgPath := memoryConfig(t, "http://127.0.0.1:1/sok", 8080)

	err := execute(context.Background(), "--config", cfgPath, "ingest", "--startDate", "01/03/2025")
	require.ErrorContains(t, err, "invalid --startDate")
}

func TestRootFailsOnMissingConfig(t *testing.T) {
	err := execute(context.Background(), "--config", filepath.Join(t.TempDir(), "absent.yaml"), "migrate")
	require.ErrorContains(t, err, "load config")
}

func TestMigrateCommand(t *testing.T) {
	captureApp(t)
	cfgPath := memoryConfig(t, "http://127.0.0.1:1/sok", 8080)
	require.NoError(t, execute(context.Background(), "--config", cfgPath, "migrate"))
}

func TestResolveAppWithoutRoot(t *testing.T) {
	t.Parallel()
	_, err := resolveApp(context.Background())
	require.ErrorContains(t, err, "not initialized")
}

func TestServeCommandShutsDownOnCancel(t *testing.T) {
	captureApp(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfgPath := memoryConfig(t, "http://127.0.0.1:1/sok", port)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- execute(ctx, "--config", cfgPath, "serve") }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
