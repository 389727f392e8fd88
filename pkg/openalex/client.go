package openalex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-openalex-ingest/pkg/metrics"
)

// FirstCursor is the cursor value that requests the first page of a
// cursor-paginated OpenAlex listing.
const FirstCursor = "*"

// ClientConfig holds configuration for the OpenAlex works client.
type ClientConfig struct {
	BaseURL      string
	Mailto       string // contact address, required by the OpenAlex polite pool
	PerPage      int
	UpdatedSince string // optional YYYY-MM-DD filter on from_updated_date

	// PolitenessDelay is the minimum spacing between requests to the API.
	// It is enforced from the start of one request to the start of the next,
	// regardless of whether the previous request succeeded.
	PolitenessDelay time.Duration

	RequestTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

// Client fetches pages of works from the OpenAlex API. It is not safe for
// concurrent use: the politeness contract requires fetch calls to be
// serialized, so exactly one FetchPage may be outstanding at a time.
type Client struct {
	cfg         ClientConfig
	httpClient  *http.Client
	logger      zerolog.Logger
	nextRequest time.Time
}

// NewClient validates the configuration and returns a works client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	if cfg.Mailto == "" {
		return nil, errors.New("openalex requires a contact address (mailto) for polite use")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openalex.org"
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = 50
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger.With().Str("component", "OpenAlexClient").Logger(),
	}, nil
}

// FetchPage retrieves one page of works. An empty cursor fetches the first
// page. The returned cursor is empty when the listing is exhausted, which is
// normal termination, not an error.
//
// Transient failures (network errors, 5xx, 429) are retried in place with
// capped exponential backoff; the politeness delay is honored before every
// attempt, including retries. A 4xx other than 429 returns a *FatalError.
func (c *Client) FetchPage(ctx context.Context, cursor string) ([]Work, string, error) {
	if cursor == "" {
		cursor = FirstCursor
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := c.awaitPoliteness(ctx); err != nil {
			return nil, "", err
		}

		results, next, err := c.fetchOnce(ctx, cursor)
		if err == nil {
			metrics.SourcePages.Inc()
			return results, next, nil
		}

		var transient *TransientError
		if !errors.As(err, &transient) {
			return nil, "", err
		}
		lastErr = err
		metrics.SourceRetries.Inc()

		delay := c.retryDelay(transient, attempt)
		c.logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Transient fetch failure, backing off before retry.")
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("fetch retry budget exhausted after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// fetchOnce issues a single request for the given cursor.
func (c *Client) fetchOnce(ctx context.Context, cursor string) ([]Work, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("per_page", strconv.Itoa(c.cfg.PerPage))
	q.Set("mailto", c.cfg.Mailto)
	q.Set("cursor", cursor)
	if c.cfg.UpdatedSince != "" {
		q.Set("from_updated_date", c.cfg.UpdatedSince)
	}

	endpoint := c.cfg.BaseURL + "/works?" + q.Encode()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building works request: %w", err)
	}
	req.Header.Set("User-Agent", fmt.Sprintf("go-openalex-ingest/0.1 (+mailto:%s)", c.cfg.Mailto))
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Distinguish caller cancellation from a genuine network failure.
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		var page worksPage
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			// A truncated or malformed body is retried from the same cursor;
			// cursor re-fetch is idempotent upstream.
			return nil, "", &TransientError{Err: fmt.Errorf("decoding works page: %w", err)}
		}
		return page.Results, page.Meta.NextCursor, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, "", &TransientError{Status: resp.StatusCode, RetryAfter: retryAfter, Err: errors.New("rate limited")}

	case resp.StatusCode >= 500:
		return nil, "", &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("server error")}

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", &FatalError{Status: resp.StatusCode, Body: string(body)}
	}
}

// awaitPoliteness blocks until the minimum inter-request spacing has elapsed,
// then reserves the slot for this request.
func (c *Client) awaitPoliteness(ctx context.Context) error {
	if wait := time.Until(c.nextRequest); wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
	c.nextRequest = time.Now().Add(c.cfg.PolitenessDelay)
	return nil
}

// retryDelay prefers an upstream Retry-After hint over the computed backoff.
func (c *Client) retryDelay(terr *TransientError, attempt int) time.Duration {
	if terr.RetryAfter > 0 {
		return terr.RetryAfter
	}
	delay := c.cfg.BackoffBase << uint(attempt)
	if delay > c.cfg.BackoffCap || delay <= 0 {
		delay = c.cfg.BackoffCap
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
