package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pevans/pagewatch/retry"
)

const (
	// maxBodySize caps how much of a page is read.
	maxBodySize = 8 << 20

	defaultFetchTimeout = 30 * time.Second
	userAgent           = "pagewatch/1.0 (page change monitor)"
)

// FetchError is returned when a page could not be retrieved within the
// configured number of attempts.
type FetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error: %s", e.Status)
}

// Fetcher downloads a page with a bounded number of attempts.
type Fetcher struct {
	client  *http.Client
	policy  retry.Policy
	timeout time.Duration
	logger  *slog.Logger
}

// NewFetcher creates a fetcher that retries according to policy. Each attempt
// is limited by timeout; zero uses a 30 second default. A policy with
// MaxAttempts of zero is treated as a single attempt so that Fetch always
// returns.
func NewFetcher(policy retry.Policy, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Fetcher{
		client:  &http.Client{},
		policy:  policy,
		timeout: timeout,
		logger:  logger,
	}
}

// Fetch performs GET requests against url until one returns a 2xx response or
// the attempts run out, in which case a *FetchError is returned.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := f.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		b, err := f.get(ctx, url)
		if err != nil {
			f.logger.Warn("site not reachable",
				"url", url,
				"attempt", attempt,
				"max_attempts", f.policy.MaxAttempts,
				"error", err,
			)
			return err
		}
		f.logger.Info("site reached, response downloaded",
			"url", url,
			"attempt", attempt,
			"bytes", len(b),
		)
		body = b
		return nil
	})
	if err != nil {
		return nil, &FetchError{URL: url, Attempts: f.policy.MaxAttempts, Err: err}
	}
	return body, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxBodySize)
	}
	return body, nil
}
