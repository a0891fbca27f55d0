// Package query answers lookups against the cache and explains misses.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
	"github.com/0xc0d3d00d/quotecache/internal/scheduler"
	"github.com/0xc0d3d00d/quotecache/internal/storage"
)

// Interface requirements for the bar cache
type barReader interface {
	Tracks(symbol string) bool
	Symbols() []string
	Get(symbol string, ts time.Time) (domain.Bar, error)
	Lookup(symbol string, ts time.Time) (domain.Bar, []time.Time, error)
	Window(symbol string) (domain.Window, error)
	Snapshot() map[string]domain.Window
	SymbolsWithData() []string
	AvailableTimestamps(symbol string) []time.Time
	Stats() storage.Stats
}

type refreshStatus interface {
	Status() scheduler.Status
	Interval() time.Duration
}

// BarData is the wire shape of a bar's fields.
type BarData struct {
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

func toBarData(bar domain.Bar) BarData {
	return BarData{
		Open:   bar.Open,
		High:   bar.High,
		Low:    bar.Low,
		Close:  bar.Close,
		Volume: bar.Volume,
	}
}

// Quote is a successful point lookup.
type Quote struct {
	Symbol    string  `json:"symbol"`
	Timestamp string  `json:"timestamp"`
	Data      BarData `json:"data"`
}

// Series maps a formatted timestamp to the bar observed then.
type Series map[string]BarData

func toSeries(window domain.Window) Series {
	out := make(Series, len(window))
	for ts, bar := range window {
		out[domain.FormatTimestamp(ts)] = toBarData(bar)
	}
	return out
}

type service struct {
	cache     barReader
	refresher refreshStatus
	startedAt time.Time
	now       func() time.Time

	selfChecked atomic.Bool
}

func NewService(cache barReader, refresher refreshStatus) *service {
	return &service{
		cache:     cache,
		refresher: refresher,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Lookup resolves (symbol, date, hour) to a single bar.
func (s *service) Lookup(symbol, date, hour string) (*Quote, error) {
	sym, err := s.validateSymbol(symbol)
	if err != nil {
		return nil, err
	}
	day, err := domain.ParseDate(date)
	if err != nil {
		return nil, &ValidationError{Field: "date", Reason: err.Error()}
	}
	h, err := domain.ParseHour(hour)
	if err != nil {
		return nil, &ValidationError{Field: "hour", Reason: err.Error()}
	}
	ts := day.Add(time.Duration(h) * time.Hour)

	bar, timestamps, err := s.cache.Lookup(sym, ts)
	if errors.Is(err, domain.ErrNotFound) {
		if len(timestamps) == 0 {
			return nil, &SymbolNotFoundError{
				Symbol:           sym,
				AvailableSymbols: s.cache.SymbolsWithData(),
			}
		}
		return nil, &TimestampNotFoundError{
			Symbol:         sym,
			Timestamp:      domain.FormatTimestamp(ts),
			AvailableDates: availableDates(timestamps),
			AvailableHours: availableHours(timestamps, day),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s at %s: %w", sym, domain.FormatTimestamp(ts), err)
	}

	return &Quote{
		Symbol:    sym,
		Timestamp: domain.FormatTimestamp(ts),
		Data:      toBarData(bar),
	}, nil
}

// AllData returns every tracked symbol's window, including empty ones.
func (s *service) AllData() map[string]Series {
	snapshot := s.cache.Snapshot()
	out := make(map[string]Series, len(snapshot))
	for symbol, window := range snapshot {
		out[symbol] = toSeries(window)
	}
	return out
}

// SymbolData returns one symbol's window.
func (s *service) SymbolData(symbol string) (string, Series, error) {
	sym, err := s.validateSymbol(symbol)
	if err != nil {
		return "", nil, err
	}

	window, err := s.cache.Window(sym)
	if err != nil {
		return "", nil, fmt.Errorf("read window for %s: %w", sym, err)
	}
	if len(window) == 0 {
		return "", nil, &SymbolNotFoundError{
			Symbol:           sym,
			AvailableSymbols: s.cache.SymbolsWithData(),
		}
	}
	return sym, toSeries(window), nil
}

func (s *service) AvailableSymbols() []string {
	return s.cache.SymbolsWithData()
}

func (s *service) TrackedSymbols() []string {
	return s.cache.Symbols()
}

func (s *service) validateSymbol(symbol string) (string, error) {
	sym := domain.NormalizeSymbol(symbol)
	if sym == "" {
		return "", &ValidationError{Field: "symbol", Reason: "symbol is required"}
	}
	if !s.cache.Tracks(sym) {
		return "", &ValidationError{
			Field:  "symbol",
			Reason: fmt.Sprintf("%s is not tracked, expected one of %s", sym, strings.Join(s.cache.Symbols(), ", ")),
		}
	}
	return sym, nil
}

func availableDates(timestamps []time.Time) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, ts := range timestamps {
		d := ts.UTC().Format(domain.DateLayout)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// availableHours lists the distinct hours held on day, or across the whole
// window when day has nothing.
func availableHours(timestamps []time.Time, day time.Time) []int {
	collect := func(match func(time.Time) bool) []int {
		seen := map[int]struct{}{}
		out := []int{}
		for _, ts := range timestamps {
			if !match(ts) {
				continue
			}
			h := ts.UTC().Hour()
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, h)
		}
		sort.Ints(out)
		return out
	}

	next := day.Add(24 * time.Hour)
	hours := collect(func(ts time.Time) bool {
		return !ts.Before(day) && ts.Before(next)
	})
	if len(hours) > 0 {
		return hours
	}
	return collect(func(time.Time) bool { return true })
}

const selfCheckSamples = 6

// AfterCycle runs SelfCheck once, after the first cycle that leaves data in
// the cache. Cycles that cache nothing leave the check pending.
func (s *service) AfterCycle(ctx context.Context, report *domain.CycleReport) {
	if s.selfChecked.Load() {
		return
	}
	if len(s.cache.SymbolsWithData()) == 0 {
		slog.DebugContext(ctx, "cache still empty, deferring self check", "cycle_id", report.ID)
		return
	}
	s.selfChecked.Store(true)
	s.SelfCheck(ctx, selfCheckSamples)
}

// SelfCheck samples n random (symbol, timestamp) pairs from the cache and
// logs whether each resolves. Timestamps are drawn from every symbol, so a
// miss only means that symbol lacks that hour.
func (s *service) SelfCheck(ctx context.Context, n int) (found, missing int) {
	symbols := s.cache.SymbolsWithData()
	if len(symbols) == 0 {
		slog.WarnContext(ctx, "no symbols have data, skipping self check")
		return 0, 0
	}

	seen := map[time.Time]struct{}{}
	var timestamps []time.Time
	for _, sym := range symbols {
		for _, ts := range s.cache.AvailableTimestamps(sym) {
			if _, ok := seen[ts]; !ok {
				seen[ts] = struct{}{}
				timestamps = append(timestamps, ts)
			}
		}
	}
	if len(timestamps) == 0 {
		return 0, 0
	}

	for i := 0; i < n; i++ {
		sym := symbols[rand.IntN(len(symbols))]
		ts := timestamps[rand.IntN(len(timestamps))]

		bar, err := s.cache.Get(sym, ts)
		if err != nil {
			slog.WarnContext(ctx, "self check miss", "check", i+1, "symbol", sym, "timestamp", domain.FormatTimestamp(ts))
			missing++
			continue
		}
		slog.InfoContext(ctx, "self check hit", "check", i+1, "symbol", sym, "timestamp", domain.FormatTimestamp(ts), "close", bar.Close)
		found++
	}

	slog.InfoContext(ctx, "self check complete", "found", found, "missing", missing)
	return found, missing
}
