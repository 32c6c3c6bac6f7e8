package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eugenenazirov/tsrlib/internal/metrics"
)

const (
	defaultTimeout         = 50 * time.Second
	defaultMaxRetries      = 5
	defaultInitialInterval = 200 * time.Millisecond
	defaultMaxInterval     = 3 * time.Second
	maxDocumentSize        = 16 << 20
)

// ErrStatus is matched by every StatusError.
var ErrStatus = errors.New("unexpected HTTP status")

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return ErrStatus
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client (primarily for tests).
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithMetrics records attempts on the given recorder.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(f *Fetcher) {
		f.recorder = recorder
	}
}

// WithRetries sets how many times a failed request is retried.
func WithRetries(n uint) Option {
	return func(f *Fetcher) {
		f.maxRetries = n
	}
}

// WithBackoff sets the initial and maximum retry intervals.
func WithBackoff(initial, max time.Duration) Option {
	return func(f *Fetcher) {
		f.initialInterval = initial
		f.maxInterval = max
	}
}

// WithRateLimit paces outgoing attempts. A non-positive rps disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(f *Fetcher) {
		if rps <= 0 {
			f.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// Fetcher downloads documents with retries.
type Fetcher struct {
	client          *http.Client
	logger          *zap.Logger
	recorder        *metrics.Recorder
	limiter         *rate.Limiter
	maxRetries      uint
	initialInterval time.Duration
	maxInterval     time.Duration
}

// New constructs a Fetcher with the default retry policy: 50s timeout,
// 5 retries, backoff capped at 3s.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:          &http.Client{Timeout: defaultTimeout},
		logger:          zap.NewNop(),
		limiter:         rate.NewLimiter(rate.Inf, 0),
		maxRetries:      defaultMaxRetries,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the body served at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		return f.do(ctx, url)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.initialInterval
	policy.MaxInterval = f.maxInterval

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(f.maxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.recorder.FetchAttempt("retry")
			f.logger.Debug("retrying document fetch",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		f.recorder.FetchAttempt("error")
		return nil, err
	}
	f.recorder.FetchAttempt("success")
	return body, nil
}

func (f *Fetcher) do(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json, application/yaml, text/plain, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return body, nil
	}

	statusErr := &StatusError{URL: url, StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return nil, statusErr
	}
	return nil, backoff.Permanent(statusErr)
}
