// Package polymarket provides access to the upstream market-data API.
package polymarket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/polycal/internal/logger"
)

// Client provides access to the Polymarket Gamma API.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	retryDelayBase time.Duration
	listLimit      int
	batchSize      int
	batchLimiter   *rate.Limiter
}

// ClientConfig holds tuning knobs for the client.
type ClientConfig struct {
	MaxRetries     int
	RetryDelayBase time.Duration
	ListLimit      int
	BatchSize      int
	BatchPause     time.Duration
}

// NewClient creates a new Polymarket client.
func NewClient(baseURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	limit := rate.Inf
	if cfg.BatchPause > 0 {
		limit = rate.Every(cfg.BatchPause)
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     &http.Client{Timeout: timeout},
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		listLimit:      cfg.ListLimit,
		batchSize:      cfg.BatchSize,
		batchLimiter:   rate.NewLimiter(limit, 1),
	}
}

// ListEvents fetches the bulk listing of active events.
// A non-200 response or an unrecognized body yields no events and no error.
func (c *Client) ListEvents(ctx context.Context) ([]Event, error) {
	u, err := url.Parse(c.baseURL + "/events")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("limit", strconv.Itoa(c.listLimit))
	q.Set("order", "volume24hr")
	q.Set("ascending", "false")
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if body == nil {
		return nil, nil
	}
	events, err := ParseEnvelope(body)
	if err != nil {
		logger.Warn("Ignoring malformed event listing: %v", err)
		return nil, nil
	}
	return events, nil
}

// FetchMarket fetches one market by id. A 404 or other non-200 returns (nil, nil).
func (c *Client) FetchMarket(ctx context.Context, id string) (*Event, error) {
	body, err := c.get(ctx, c.baseURL+"/markets/"+url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch market %s: %w", id, err)
	}
	if body == nil {
		return nil, nil
	}
	events, err := ParseEnvelope(body)
	if err != nil {
		logger.Warn("Ignoring malformed market %s: %v", id, err)
		return nil, nil
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// FetchMarkets fetches markets by id in batches of bounded concurrency, pausing
// between batches. Individual failures are logged and skipped.
func (c *Client) FetchMarkets(ctx context.Context, ids []string) ([]Event, error) {
	var out []Event
	for start := 0; start < len(ids); start += c.batchSize {
		if err := c.batchLimiter.Wait(ctx); err != nil {
			return out, err
		}
		end := min(start+c.batchSize, len(ids))
		batch := ids[start:end]
		results := make([]*Event, len(batch))

		var g errgroup.Group
		g.SetLimit(c.batchSize)
		for i, id := range batch {
			g.Go(func() error {
				ev, err := c.FetchMarket(ctx, id)
				if err != nil {
					logger.Warn("Per-id fetch failed: %v", err)
					return nil
				}
				results[i] = ev
				return nil
			})
		}
		_ = g.Wait()

		for _, ev := range results {
			if ev != nil {
				out = append(out, *ev)
			}
		}
	}
	return out, nil
}

// get performs a GET and returns the body of a 200 response. Non-200 responses
// return a nil body and nil error.
func (c *Client) get(ctx context.Context, urlStr string) ([]byte, error) {
	resp, err := c.doRequest(ctx, urlStr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Debug("Upstream %s returned status %d", urlStr, resp.StatusCode)
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			lastErr = err
		} else if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		} else {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
