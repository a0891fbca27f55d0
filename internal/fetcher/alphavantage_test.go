package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "secret-key"

func intradayBody(timeZone string, entries string) string {
	return fmt.Sprintf(`{
	"Meta Data": {
		"1. Information": "Intraday (60min) open, high, low, close prices and volume",
		"2. Symbol": "AMZN",
		"3. Last Refreshed": "2023-03-24 11:00:00",
		"4. Interval": "60min",
		"5. Output Size": "Full size",
		"6. Time Zone": %q
	},
	"Time Series (60min)": {%s}
}`, timeZone, entries)
}

const twoEntries = `
	"2023-03-24 11:00:00": {"1. open": "98.7100", "2. high": "99.1000", "3. low": "98.5000", "4. close": "98.9000", "5. volume": "1200000"},
	"2023-03-24 10:00:00": {"1. open": "98.4500", "2. high": "98.8700", "3. low": "98.3600", "4. close": "98.7100", "5. volume": "2358035"},
	"2023-03-24 10:30:00": {"1. open": "98.5000", "2. high": "98.6000", "3. low": "98.4000", "4. close": "98.5500", "5. volume": "1000"}`

type testProvider struct {
	*httptest.Server
	calls atomic.Int32
}

func newTestProvider(t *testing.T, fn func(call int32, w http.ResponseWriter, r *http.Request)) *testProvider {
	t.Helper()
	p := &testProvider{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fn(p.calls.Add(1), w, r)
	}))
	t.Cleanup(p.Close)
	return p
}

func newTestClient(baseURL string, opts ...Option) *alphaVantage {
	defaults := []Option{
		WithBaseURL(baseURL),
		WithRetryDelay(time.Millisecond),
		WithRateLimit(0),
		WithTimeout(time.Second),
	}
	return NewAlphaVantage(testKey, append(defaults, opts...)...)
}

func TestFetchBars(t *testing.T) {
	p := newTestProvider(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "TIME_SERIES_INTRADAY", q.Get("function"))
		assert.Equal(t, "AMZN", q.Get("symbol"))
		assert.Equal(t, "60min", q.Get("interval"))
		assert.Equal(t, "compact", q.Get("outputsize"))
		assert.Equal(t, testKey, q.Get("apikey"))
		fmt.Fprint(w, intradayBody("UTC", twoEntries))
	})

	c := newTestClient(p.URL, WithOutputSize("compact"))
	bars, err := c.FetchBars(context.Background(), "AMZN")
	require.NoError(t, err)
	require.Len(t, bars, 2)

	assert.Equal(t, time.Date(2023, 3, 24, 10, 0, 0, 0, time.UTC), bars[0].Timestamp)
	assert.Equal(t, "AMZN", bars[0].Symbol)
	assert.Equal(t, "98.4500", bars[0].Open)
	assert.Equal(t, "98.8700", bars[0].High)
	assert.Equal(t, "98.3600", bars[0].Low)
	assert.Equal(t, "98.7100", bars[0].Close)
	assert.Equal(t, "2358035", bars[0].Volume)
	assert.Equal(t, time.Date(2023, 3, 24, 11, 0, 0, 0, time.UTC), bars[1].Timestamp)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestFetchBarsConvertsTimeZone(t *testing.T) {
	p := newTestProvider(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, intradayBody("US/Eastern", twoEntries))
	})

	bars, err := newTestClient(p.URL).FetchBars(context.Background(), "AMZN")
	require.NoError(t, err)
	require.Len(t, bars, 2)

	// daylight saving time, UTC-4
	assert.Equal(t, time.Date(2023, 3, 24, 14, 0, 0, 0, time.UTC), bars[0].Timestamp)
	assert.Equal(t, time.Date(2023, 3, 24, 15, 0, 0, 0, time.UTC), bars[1].Timestamp)
}

func TestFetchBarsEmptySeries(t *testing.T) {
	p := newTestProvider(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, intradayBody("UTC", ""))
	})

	bars, err := newTestClient(p.URL).FetchBars(context.Background(), "AMZN")
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestFetchBarsPermanentFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{
			name:   "error message payload",
			status: http.StatusOK,
			body:   `{"Error Message": "Invalid API call."}`,
			target: ErrProvider,
		},
		{
			name:   "missing series",
			status: http.StatusOK,
			body:   `{"Meta Data": {}}`,
			target: ErrMalformedPayload,
		},
		{
			name:   "not json",
			status: http.StatusOK,
			body:   `<html>oops</html>`,
			target: ErrMalformedPayload,
		},
		{
			name:   "bad price",
			status: http.StatusOK,
			body:   intradayBody("UTC", `"2023-03-24 10:00:00": {"1. open": "abc", "2. high": "1", "3. low": "1", "4. close": "1", "5. volume": "1"}`),
			target: ErrMalformedPayload,
		},
		{
			name:   "negative volume",
			status: http.StatusOK,
			body:   intradayBody("UTC", `"2023-03-24 10:00:00": {"1. open": "1", "2. high": "1", "3. low": "1", "4. close": "1", "5. volume": "-5"}`),
			target: ErrMalformedPayload,
		},
		{
			name:   "fractional volume",
			status: http.StatusOK,
			body:   intradayBody("UTC", `"2023-03-24 10:00:00": {"1. open": "1", "2. high": "1", "3. low": "1", "4. close": "1", "5. volume": "1.5"}`),
			target: ErrMalformedPayload,
		},
		{
			name:   "bad timestamp",
			status: http.StatusOK,
			body:   intradayBody("UTC", `"yesterday": {"1. open": "1", "2. high": "1", "3. low": "1", "4. close": "1", "5. volume": "1"}`),
			target: ErrMalformedPayload,
		},
		{
			name:   "unknown time zone",
			status: http.StatusOK,
			body:   intradayBody("Mars/Olympus", twoEntries),
			target: ErrMalformedPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			_, err := newTestClient(p.URL).FetchBars(context.Background(), "AMZN")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, int32(1), p.calls.Load())
		})
	}
}

func TestFetchBarsClientErrorNotRetried(t *testing.T) {
	p := newTestProvider(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	_, err := newTestClient(p.URL).FetchBars(context.Background(), "AMZN")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "bad request", apiErr.Message)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestFetchBarsServerErrorRetried(t *testing.T) {
	p := newTestProvider(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := newTestClient(p.URL, WithRetries(3)).FetchBars(context.Background(), "AMZN")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestFetchBarsRecoversAfterRateLimitNote(t *testing.T) {
	p := newTestProvider(t, func(call int32, w http.ResponseWriter, _ *http.Request) {
		if call == 1 {
			fmt.Fprint(w, `{"Note": "Thank you for using Alpha Vantage! Our standard API call frequency is 5 calls per minute."}`)
			return
		}
		fmt.Fprint(w, intradayBody("UTC", twoEntries))
	})

	bars, err := newTestClient(p.URL).FetchBars(context.Background(), "AMZN")
	require.NoError(t, err)
	assert.Len(t, bars, 2)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestFetchBarsRateLimitExhausted(t *testing.T) {
	p := newTestProvider(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"Information": "API rate limit reached."}`)
	})

	_, err := newTestClient(p.URL, WithRetries(2)).FetchBars(context.Background(), "AMZN")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestFetchBarsTimeout(t *testing.T) {
	p := newTestProvider(t, func(_ int32, w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	_, err := newTestClient(p.URL, WithTimeout(20*time.Millisecond), WithRetries(2)).
		FetchBars(context.Background(), "AMZN")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestFetchBarsCancelled(t *testing.T) {
	p := newTestProvider(t, func(_ int32, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(p.URL).FetchBars(ctx, "AMZN")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), p.calls.Load())
}

func TestFetchBarsErrorHidesKey(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	_, err := newTestClient(baseURL, WithRetries(1)).FetchBars(context.Background(), "AMZN")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), testKey)
}
