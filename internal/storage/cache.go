package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
)

var ErrBarNotFound = fmt.Errorf("%w: no bar at timestamp", domain.ErrNotFound)

type set[M comparable] map[M]struct{}

func (s set[M]) add(v M) {
	s[v] = struct{}{}
}

func (s set[M]) has(v M) bool {
	_, ok := s[v]
	return ok
}

type Stats struct {
	Bars          map[string]int `json:"bars_by_symbol"`
	TotalBars     int            `json:"total_bars"`
	Hits          uint64         `json:"cache_hits"`
	Misses        uint64         `json:"cache_misses"`
	LastPrunedAt  time.Time      `json:"last_pruned_at"`
	HitPercentage float64        `json:"hit_rate_percentage"`
}

type Option func(*cache)

// WithClock overrides the time source used by Prune.
func WithClock(now func() time.Time) Option {
	return func(c *cache) {
		c.now = now
	}
}

// cache holds one window per tracked symbol. Published windows are never
// mutated: writers build a replacement off-lock and swap it in, so a reader
// holding the read lock only ever sees a complete window.
type cache struct {
	mu      sync.RWMutex
	windows map[string]domain.Window
	tracked set[string]

	// serializes writers so windows can be rebuilt outside mu
	writeMu sync.Mutex

	lastPrunedAt time.Time
	hits         atomic.Uint64
	misses       atomic.Uint64
	now          func() time.Time
}

// NewCache creates an empty cache covering exactly the given symbols.
func NewCache(symbols []string, opts ...Option) (*cache, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: at least one symbol must be tracked", domain.ErrInvalidSymbol)
	}

	tracked := set[string]{}
	windows := make(map[string]domain.Window, len(symbols))
	for _, s := range symbols {
		sym := domain.NormalizeSymbol(s)
		if sym == "" {
			return nil, fmt.Errorf("%w: empty symbol in tracked set", domain.ErrInvalidSymbol)
		}
		tracked.add(sym)
		windows[sym] = domain.Window{}
	}

	c := &cache{
		windows: windows,
		tracked: tracked,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Tracks reports whether symbol belongs to the tracked set.
func (c *cache) Tracks(symbol string) bool {
	return c.tracked.has(symbol)
}

// Symbols returns the tracked set in sorted order.
func (c *cache) Symbols() []string {
	out := make([]string, 0, len(c.tracked))
	for s := range c.tracked {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Upsert inserts or replaces the bars at the given timestamps for symbol.
// Bars at other timestamps are left alone.
func (c *cache) Upsert(ctx context.Context, symbol string, bars []domain.Bar) error {
	if !c.Tracks(symbol) {
		return fmt.Errorf("%w: %s", domain.ErrUntrackedSymbol, symbol)
	}
	for _, bar := range bars {
		if bar.Symbol != symbol {
			return fmt.Errorf("%w: bar for %q in batch for %q", domain.ErrInvalidSymbol, bar.Symbol, symbol)
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	current := c.windows[symbol]
	c.mu.RUnlock()

	next := make(domain.Window, len(current)+len(bars))
	for ts, bar := range current {
		next[ts] = bar
	}
	for _, bar := range bars {
		bar.Timestamp = domain.CanonicalTimestamp(bar.Timestamp)
		next[bar.Timestamp] = bar
	}

	c.mu.Lock()
	c.windows[symbol] = next
	c.mu.Unlock()

	slog.DebugContext(ctx, "upsert bars", "symbol", symbol, "count", len(bars), "window_size", len(next))
	return nil
}

// Prune drops every bar older than now minus horizon and returns how many
// were removed. All affected windows are swapped in a single critical section.
func (c *cache) Prune(ctx context.Context, horizon time.Duration) int {
	return c.PruneBefore(ctx, c.now().Add(-horizon))
}

// PruneBefore drops every bar whose timestamp is strictly before cutoff.
func (c *cache) PruneBefore(ctx context.Context, cutoff time.Time) int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	replacements := make(map[string]domain.Window)
	removed := 0
	for symbol, window := range c.windows {
		stale := 0
		for ts := range window {
			if ts.Before(cutoff) {
				stale++
			}
		}
		if stale == 0 {
			continue
		}

		kept := make(domain.Window, len(window)-stale)
		for ts, bar := range window {
			if !ts.Before(cutoff) {
				kept[ts] = bar
			}
		}
		replacements[symbol] = kept
		removed += stale
	}
	c.mu.RUnlock()

	c.mu.Lock()
	for symbol, window := range replacements {
		c.windows[symbol] = window
	}
	c.lastPrunedAt = c.now()
	c.mu.Unlock()

	slog.DebugContext(ctx, "prune bars", "cutoff", cutoff, "removed", removed)
	return removed
}

// Get returns the bar for symbol at ts.
func (c *cache) Get(symbol string, ts time.Time) (domain.Bar, error) {
	if !c.Tracks(symbol) {
		return domain.Bar{}, fmt.Errorf("%w: %s", domain.ErrUntrackedSymbol, symbol)
	}

	c.mu.RLock()
	bar, ok := c.windows[symbol][domain.CanonicalTimestamp(ts)]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return domain.Bar{}, ErrBarNotFound
	}
	c.hits.Add(1)
	return bar, nil
}

// Lookup resolves ts against one read of symbol's window. On a miss it also
// returns every timestamp that same window held, oldest first.
func (c *cache) Lookup(symbol string, ts time.Time) (domain.Bar, []time.Time, error) {
	if !c.Tracks(symbol) {
		return domain.Bar{}, nil, fmt.Errorf("%w: %s", domain.ErrUntrackedSymbol, symbol)
	}

	c.mu.RLock()
	window := c.windows[symbol]
	c.mu.RUnlock()

	bar, ok := window[domain.CanonicalTimestamp(ts)]
	if !ok {
		c.misses.Add(1)
		return domain.Bar{}, sortedTimestamps(window), ErrBarNotFound
	}
	c.hits.Add(1)
	return bar, nil, nil
}

// Window returns a copy of one symbol's window.
func (c *cache) Window(symbol string) (domain.Window, error) {
	if !c.Tracks(symbol) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUntrackedSymbol, symbol)
	}

	c.mu.RLock()
	window := c.windows[symbol]
	c.mu.RUnlock()

	return window.Clone(), nil
}

// Snapshot returns a deep copy of every window, consistent as of the call.
func (c *cache) Snapshot() map[string]domain.Window {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]domain.Window, len(c.windows))
	for symbol, window := range c.windows {
		out[symbol] = window.Clone()
	}
	return out
}

// SymbolsWithData returns the sorted symbols that hold at least one bar.
func (c *cache) SymbolsWithData() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.windows))
	for symbol, window := range c.windows {
		if len(window) > 0 {
			out = append(out, symbol)
		}
	}
	c.mu.RUnlock()

	sort.Strings(out)
	return out
}

// AvailableTimestamps returns the sorted timestamps held for symbol.
func (c *cache) AvailableTimestamps(symbol string) []time.Time {
	c.mu.RLock()
	window := c.windows[symbol]
	c.mu.RUnlock()

	return sortedTimestamps(window)
}

func sortedTimestamps(window domain.Window) []time.Time {
	out := make([]time.Time, 0, len(window))
	for ts := range window {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Before(out[j])
	})
	return out
}

func (c *cache) Stats() Stats {
	c.mu.RLock()
	bars := make(map[string]int, len(c.windows))
	total := 0
	for symbol, window := range c.windows {
		bars[symbol] = len(window)
		total += len(window)
	}
	lastPrunedAt := c.lastPrunedAt
	c.mu.RUnlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses) * 100
	}

	return Stats{
		Bars:          bars,
		TotalBars:     total,
		Hits:          hits,
		Misses:        misses,
		LastPrunedAt:  lastPrunedAt,
		HitPercentage: rate,
	}
}
