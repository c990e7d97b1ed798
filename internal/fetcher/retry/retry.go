// Package retry wraps a Fetcher with rate limiting and exponential backoff.
//
// A page counts as fetched only when the server answers 200 with a non-empty
// body. Every other outcome is retried until the attempt budget runs out, at
// which point the error wraps ingest.ErrFetchExhausted and the caller is
// expected to abort the run.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/apartment-sales-crawler/internal/ingest"
	"github.com/JakeFAU/apartment-sales-crawler/internal/metrics"
)

const (
	// DefaultMaxAttempts is the number of tries per page.
	DefaultMaxAttempts = 4
	// DefaultBaseDelay is multiplied by 2^(attempt+6) to get the backoff.
	DefaultBaseDelay = time.Second
	// backoffShift puts the first backoff at 64 base delays.
	backoffShift = 6
)

// Config controls the retry budget.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Limiter throttles outgoing requests.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Fetcher retries an underlying ingest.Fetcher.
type Fetcher struct {
	next    ingest.Fetcher
	cfg     Config
	limiter Limiter
	sleep   Sleeper
	logger  *zap.Logger
}

// New wraps next. limiter may be nil.
func New(next ingest.Fetcher, cfg Config, limiter Limiter, logger *zap.Logger) *Fetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Fetcher{
		next:    next,
		cfg:     cfg,
		limiter: limiter,
		sleep:   SleepContext,
		logger:  logger,
	}
}

// WithSleeper replaces the backoff sleep, mainly for tests.
func (f *Fetcher) WithSleeper(s Sleeper) *Fetcher {
	if s != nil {
		f.sleep = s
	}
	return f
}

// Backoff returns the delay after the given 0-indexed failed attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(int64(1)<<(attempt+backoffShift))
}

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fetch tries the request up to MaxAttempts times. No sleep follows the final
// attempt.
func (f *Fetcher) Fetch(ctx context.Context, request ingest.FetchRequest) (ingest.FetchResponse, error) {
	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx, request.URL); err != nil {
				return ingest.FetchResponse{}, err
			}
		}

		resp, err := f.next.Fetch(ctx, request)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ingest.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.URL, ctxErr)
		}
		metrics.ObserveFetch(request.URL, resp.StatusCode, len(resp.Body))
		lastErr = checkResponse(resp, err)
		if lastErr == nil {
			return resp, nil
		}

		if attempt == f.cfg.MaxAttempts-1 {
			break
		}
		delay := Backoff(f.cfg.BaseDelay, attempt)
		f.logger.Warn("fetch failed, backing off",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", f.cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		metrics.ObserveRetry(request.URL)
		if err := f.sleep(ctx, delay); err != nil {
			return ingest.FetchResponse{}, fmt.Errorf("backoff for %s: %w", request.URL, err)
		}
	}

	metrics.ObserveExhausted(request.URL)
	f.logger.Error("fetch attempts exhausted",
		zap.String("url", request.URL),
		zap.Int("attempts", f.cfg.MaxAttempts),
		zap.Error(lastErr),
	)
	return ingest.FetchResponse{}, fmt.Errorf("%w: %s after %d attempts: %w",
		ingest.ErrFetchExhausted, request.URL, f.cfg.MaxAttempts, lastErr)
}

var errEmptyBody = errors.New("empty body")

func checkResponse(resp ingest.FetchResponse, err error) error {
	switch {
	case err != nil:
		return err
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	case len(resp.Body) == 0:
		return errEmptyBody
	default:
		return nil
	}
}
