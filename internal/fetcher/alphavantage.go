package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL    = "https://www.alphavantage.co/query"
	DefaultOutputSize = "full"
	DefaultTimeout    = 30 * time.Second
	DefaultRetries    = 3
	DefaultRetryDelay = 2 * time.Second
	// free tier allowance
	DefaultRequestsPerMinute = 5

	intradayInterval = "60min"
	maxErrorBody     = 512
)

var seriesKey = fmt.Sprintf("Time Series (%s)", intradayInterval)

type alphaVantage struct {
	baseURL    string
	apiKey     string
	outputSize string
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Option func(*alphaVantage)

func WithBaseURL(baseURL string) Option {
	return func(c *alphaVantage) {
		c.baseURL = baseURL
	}
}

// WithOutputSize selects "compact" (latest 100 bars) or "full".
func WithOutputSize(size string) Option {
	return func(c *alphaVantage) {
		c.outputSize = size
	}
}

// WithTimeout bounds every single provider call.
func WithTimeout(timeout time.Duration) Option {
	return func(c *alphaVantage) {
		c.timeout = timeout
	}
}

// WithRetries sets the number of attempts per fetch, including the first.
func WithRetries(attempts int) Option {
	return func(c *alphaVantage) {
		c.retries = max(attempts, 1)
	}
}

// WithRetryDelay sets the base of the exponential backoff.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *alphaVantage) {
		c.retryDelay = delay
	}
}

// WithRateLimit caps outbound requests per minute. Zero disables the limit.
func WithRateLimit(requestsPerMinute int) Option {
	return func(c *alphaVantage) {
		c.limiter = newMinuteLimiter(requestsPerMinute)
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *alphaVantage) {
		c.httpClient = client
	}
}

func NewAlphaVantage(apiKey string, opts ...Option) *alphaVantage {
	c := &alphaVantage{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		outputSize: DefaultOutputSize,
		timeout:    DefaultTimeout,
		retries:    DefaultRetries,
		retryDelay: DefaultRetryDelay,
		httpClient: &http.Client{},
		limiter:    newMinuteLimiter(DefaultRequestsPerMinute),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newMinuteLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

func (c *alphaVantage) Name() string {
	return "alphavantage"
}

// FetchBars retrieves the hourly series for symbol. Transport failures,
// timeouts, 5xx responses and rate limit notices are retried with exponential
// backoff; everything else fails immediately.
func (c *alphaVantage) FetchBars(ctx context.Context, symbol string) ([]domain.Bar, error) {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			wait := c.retryDelay * time.Duration(1<<(attempt-1))
			if errors.Is(lastErr, ErrRateLimited) {
				wait = c.retryDelay * 5
			}
			slog.InfoContext(ctx, "retrying provider request",
				"symbol", symbol, "attempt", attempt+1, "max_attempts", c.retries, "wait", wait)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
		}

		bars, err := c.fetchOnce(ctx, symbol)
		if err == nil {
			return bars, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		slog.WarnContext(ctx, "provider request failed",
			"symbol", symbol, "attempt", attempt+1, "max_attempts", c.retries, "error", err)
	}

	return nil, fmt.Errorf("fetch %s: giving up after %d attempts: %w", symbol, c.retries, lastErr)
}

func (c *alphaVantage) fetchOnce(ctx context.Context, symbol string) ([]domain.Bar, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("function", "TIME_SERIES_INTRADAY")
	params.Set("symbol", symbol)
	params.Set("interval", intradayInterval)
	params.Set("outputsize", c.outputSize)

	slog.DebugContext(ctx, "requesting intraday series", "symbol", symbol, "output_size", c.outputSize)

	params.Set("apikey", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error carries the full query string, key included
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("request %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			Symbol:     symbol,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response for %s: %w", symbol, err)
	}

	return decodeIntraday(symbol, body)
}

type intradayResponse struct {
	Meta struct {
		TimeZone string `json:"6. Time Zone"`
	} `json:"Meta Data"`
	ErrorMessage string `json:"Error Message"`
	Note         string `json:"Note"`
	Information  string `json:"Information"`
}

func decodeIntraday(symbol string, body []byte) ([]domain.Bar, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, symbol, err)
	}

	var payload intradayResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, symbol, err)
	}

	switch {
	case payload.ErrorMessage != "":
		return nil, fmt.Errorf("%w: %s: %s", ErrProvider, symbol, payload.ErrorMessage)
	case payload.Note != "":
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, payload.Note)
	case payload.Information != "":
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, payload.Information)
	}

	series, ok := raw[seriesKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s: %q missing from response", ErrMalformedPayload, symbol, seriesKey)
	}

	var entries map[string]rawBar
	if err := json.Unmarshal(series, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, symbol, err)
	}

	return normalize(symbol, payload.Meta.TimeZone, entries)
}

func retryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, ErrProvider) || errors.Is(err, ErrMalformedPayload) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	// transport errors and per-call timeouts
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
