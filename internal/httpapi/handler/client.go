package handler

import (
	"context"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
	"github.com/0xc0d3d00d/quotecache/internal/query"
)

// Interface requirements for the query service
type quoteService interface {
	Lookup(symbol, date, hour string) (*query.Quote, error)
	AllData() map[string]query.Series
	SymbolData(symbol string) (string, query.Series, error)
	AvailableSymbols() []string
	TrackedSymbols() []string
	Status() query.Status
	Health() query.Health
}

type cycleHistory interface {
	RecentCycles(ctx context.Context, limit int) ([]domain.CycleSummary, error)
}
