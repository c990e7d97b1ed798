package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/apartment-sales-crawler/internal/ingest"
)

func TestFetchSendsBrowserHeaders(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := New(Config{Headers: DefaultHeaders(), Timeout: 5 * time.Second})
	resp, err := f.Fetch(context.Background(), ingest.FetchRequest{
		URL:     srv.URL + "/sok/slutpriser?page=2",
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>ok</html>", string(resp.Body))
	require.Equal(t, srv.URL+"/sok/slutpriser?page=2", resp.URL)

	require.Equal(t, DefaultUserAgent, got.Get("User-Agent"))
	require.Equal(t, "en-US,en;q=0.9", got.Get("Accept-Language"))
	require.Equal(t, "https://www.booli.se/", got.Get("Referer"))
	require.Equal(t, "navigate", got.Get("Sec-Fetch-Mode"))
	require.Equal(t, "none", got.Get("Sec-Fetch-Site"))
	require.Equal(t, "?1", got.Get("Sec-Fetch-User"))
	require.Equal(t, "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8", got.Get("Accept"))
	require.Equal(t, "1", got.Get("Upgrade-Insecure-Requests"))
	require.Equal(t, "yes", got.Get("X-Trace"))
}

func TestFetchReturnsErrorStatusAsResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
	}))
	defer srv.Close()

	resp, err := New(Config{}).Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "busy", string(resp.Body))
}

func TestFetchAllowsRevisitingTheSameURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("again"))
	}))
	defer srv.Close()

	f := New(Config{})
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL + "/same"})
		require.NoError(t, err)
	}
	require.Equal(t, int32(3), hits.Load())
}

func TestFetchHonoursContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{}).Fetch(ctx, ingest.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), ingest.FetchRequest{URL: addr})
	require.Error(t, err)
}

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second, MaxBodyBytes: 1 << 20})
	collector := f.buildCollector(ingest.FetchRequest{URL: "https://example.com"}, time.Unix(0, 0), &ingest.FetchResponse{}, new(error))
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if collector.IgnoreRobotsTxt {
		t.Fatal("expected robots txt to be respected")
	}
	if !collector.AllowURLRevisit {
		t.Fatal("expected URL revisits to be allowed")
	}
	if collector.MaxBodySize != 1<<20 {
		t.Fatalf("expected body cap, got %d", collector.MaxBodySize)
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: http.Header{"Accept-Language": {"sv-SE"}, "X-Base": {"1"}}})
	req := ingest.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"Accept-Language": {"en-US"}},
	}
	var result ingest.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("Accept-Language") != "en-US" {
		t.Fatalf("expected request header to win, got %+v", collyReq.Headers)
	}
	if collyReq.Headers.Get("X-Base") != "1" {
		t.Fatalf("expected configured header, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com"),
		},
	})
	if result.StatusCode != http.StatusCreated || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Headers.Get("X-Resp") != "ok" {
		t.Fatalf("expected headers copied, got %+v", result.Headers)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(ingest.FetchRequest{}, collyReq)
	if len(*collyReq.Headers) != 0 {
		t.Fatalf("expected no headers to be copied, got %+v", *collyReq.Headers)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
