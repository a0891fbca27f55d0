// Package fetcher pulls intraday bars from the market data provider.
package fetcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
)

var (
	ErrRateLimited      = errors.New("provider rate limit reached")
	ErrMalformedPayload = errors.New("malformed provider payload")
	ErrProvider         = errors.New("provider rejected request")
)

// Fetcher returns the bars the provider currently holds for one symbol,
// ordered by timestamp. It never touches the cache.
type Fetcher interface {
	FetchBars(ctx context.Context, symbol string) ([]domain.Bar, error)
	Name() string
}

// APIError is returned for non-2xx responses from the provider.
type APIError struct {
	StatusCode int
	Message    string
	Symbol     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned status %d for %s: %s", e.StatusCode, e.Symbol, e.Message)
}

// Temporary reports whether the status is worth retrying.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
