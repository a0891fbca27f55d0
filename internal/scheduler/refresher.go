// Package scheduler drives the periodic fetch, merge and prune cycle that
// keeps the cache fresh.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
	"github.com/0xc0d3d00d/quotecache/internal/recorder"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateMerging  State = "merging"
)

const (
	DefaultInterval    = time.Hour
	DefaultRetention   = 72 * time.Hour
	DefaultConcurrency = 4
)

// Interface requirements for the bar cache
type barStore interface {
	Symbols() []string
	Upsert(ctx context.Context, symbol string, bars []domain.Bar) error
	Prune(ctx context.Context, horizon time.Duration) int
	Snapshot() map[string]domain.Window
}

type barFetcher interface {
	FetchBars(ctx context.Context, symbol string) ([]domain.Bar, error)
	Name() string
}

type snapshotWriter interface {
	Write(ctx context.Context, snapshot map[string]domain.Window, generatedAt time.Time) error
}

type Status struct {
	State        State
	Cycles       int
	FailedCycles int
	LastRefresh  time.Time
	LastReport   *domain.CycleReport
}

type instruments struct {
	cycles         metric.Int64Counter
	symbolFailures metric.Int64Counter
	barsUpserted   metric.Int64Counter
	barsPruned     metric.Int64Counter
	duration       metric.Float64Histogram
}

type refresher struct {
	store    barStore
	fetcher  barFetcher
	recorder recorder.Recorder
	snapshot snapshotWriter

	interval    time.Duration
	retention   time.Duration
	concurrency int
	now         func() time.Time
	meter       metric.MeterProvider
	onCycle     []func(context.Context, *domain.CycleReport)

	// serializes cycles so the cache only ever has one writer
	cycleMu sync.Mutex

	mu           sync.RWMutex
	state        State
	cycles       int
	failedCycles int
	lastReport   *domain.CycleReport

	metrics instruments
}

type Option func(*refresher)

func WithInterval(d time.Duration) Option {
	return func(r *refresher) {
		r.interval = d
	}
}

func WithRetention(d time.Duration) Option {
	return func(r *refresher) {
		r.retention = d
	}
}

// WithConcurrency bounds how many symbols are fetched at once.
func WithConcurrency(n int) Option {
	return func(r *refresher) {
		r.concurrency = max(n, 1)
	}
}

func WithRecorder(rec recorder.Recorder) Option {
	return func(r *refresher) {
		r.recorder = rec
	}
}

// WithSnapshotWriter exports the cache after every cycle.
func WithSnapshotWriter(w snapshotWriter) Option {
	return func(r *refresher) {
		r.snapshot = w
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(r *refresher) {
		r.meter = mp
	}
}

// WithCycleHook runs fn after every completed cycle, on the refresh goroutine.
func WithCycleHook(fn func(ctx context.Context, report *domain.CycleReport)) Option {
	return func(r *refresher) {
		r.onCycle = append(r.onCycle, fn)
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *refresher) {
		r.now = now
	}
}

func NewRefresher(store barStore, fetcher barFetcher, opts ...Option) (*refresher, error) {
	r := &refresher{
		store:       store,
		fetcher:     fetcher,
		recorder:    recorder.NoopRecorder{},
		interval:    DefaultInterval,
		retention:   DefaultRetention,
		concurrency: DefaultConcurrency,
		now:         time.Now,
		meter:       noop.NewMeterProvider(),
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.interval <= 0 {
		return nil, fmt.Errorf("refresh interval must be positive, got %s", r.interval)
	}
	if r.retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", r.retention)
	}

	if err := r.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	return r, nil
}

func (r *refresher) initMetrics() error {
	meter := r.meter.Meter("github.com/0xc0d3d00d/quotecache/internal/scheduler")

	var err error
	if r.metrics.cycles, err = meter.Int64Counter("quotecache.refresh.cycles",
		metric.WithDescription("Completed refresh cycles")); err != nil {
		return err
	}
	if r.metrics.symbolFailures, err = meter.Int64Counter("quotecache.refresh.symbol_failures",
		metric.WithDescription("Symbols whose fetch failed during a cycle")); err != nil {
		return err
	}
	if r.metrics.barsUpserted, err = meter.Int64Counter("quotecache.refresh.bars_upserted",
		metric.WithDescription("Bars merged into the cache")); err != nil {
		return err
	}
	if r.metrics.barsPruned, err = meter.Int64Counter("quotecache.refresh.bars_pruned",
		metric.WithDescription("Bars evicted past the retention horizon")); err != nil {
		return err
	}
	if r.metrics.duration, err = meter.Float64Histogram("quotecache.refresh.duration",
		metric.WithDescription("Refresh cycle duration"), metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

// OnCycle registers fn like WithCycleHook, for hooks whose receiver needs the
// refresher to exist first.
func (r *refresher) OnCycle(fn func(ctx context.Context, report *domain.CycleReport)) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()
	r.onCycle = append(r.onCycle, fn)
}

// Run performs a cycle immediately and then one per interval until ctx is
// cancelled. Failed cycles are logged and retried on the next tick.
func (r *refresher) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "refresher started",
		"interval", r.interval, "retention", r.retention, "provider", r.fetcher.Name())

	r.RunCycle(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "refresher stopped")
			return nil
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle fetches every tracked symbol, merges the successful results and
// prunes once all merges are done. Fetched bars already past the retention
// horizon are dropped before the merge. A symbol whose fetch fails keeps
// whatever the cache already held for it. A cycle whose context is cancelled
// during the fetch phase merges nothing and is reported as aborted.
func (r *refresher) RunCycle(ctx context.Context) *domain.CycleReport {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	report := &domain.CycleReport{
		ID:        uuid.NewString(),
		StartedAt: r.now(),
	}
	symbols := r.store.Symbols()

	r.setState(StateFetching)
	fetched := r.fetchAll(ctx, symbols)

	if err := ctx.Err(); err != nil {
		report.Aborted = true
		report.FinishedAt = r.now()
		r.setState(StateIdle)
		slog.InfoContext(ctx, "refresh cycle aborted", "cycle_id", report.ID, "reason", err)
		return report
	}

	r.setState(StateMerging)
	cutoff := r.now().Add(-r.retention)
	for i, symbol := range symbols {
		res := domain.SymbolResult{Symbol: symbol, Err: fetched[i].err}
		if res.Err == nil {
			bars := withinHorizon(fetched[i].bars, cutoff)
			if dropped := len(fetched[i].bars) - len(bars); dropped > 0 {
				slog.DebugContext(ctx, "dropped bars past retention",
					"cycle_id", report.ID, "symbol", symbol, "dropped", dropped)
			}
			if err := r.store.Upsert(ctx, symbol, bars); err != nil {
				res.Err = fmt.Errorf("merge: %w", err)
			} else {
				res.Bars = len(bars)
			}
		}
		if res.Err != nil {
			slog.WarnContext(ctx, "symbol refresh failed", "cycle_id", report.ID, "symbol", symbol, "error", res.Err)
		}
		report.Results = append(report.Results, res)
	}

	report.Pruned = r.store.Prune(ctx, r.retention)
	report.FinishedAt = r.now()

	r.finish(ctx, report)
	return report
}

func withinHorizon(bars []domain.Bar, cutoff time.Time) []domain.Bar {
	kept := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		if !b.Timestamp.Before(cutoff) {
			kept = append(kept, b)
		}
	}
	return kept
}

type fetchResult struct {
	bars []domain.Bar
	err  error
}

func (r *refresher) fetchAll(ctx context.Context, symbols []string) []fetchResult {
	results := make([]fetchResult, len(symbols))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, symbol := range symbols {
		g.Go(func() error {
			bars, err := r.fetcher.FetchBars(ctx, symbol)
			results[i] = fetchResult{bars: bars, err: err}
			return nil
		})
	}
	g.Wait()

	return results
}

func (r *refresher) finish(ctx context.Context, report *domain.CycleReport) {
	succeeded, failed := report.Succeeded(), report.Failed()

	r.mu.Lock()
	r.state = StateIdle
	r.cycles++
	if failed > 0 {
		r.failedCycles++
	}
	r.lastReport = report
	r.mu.Unlock()

	outcome := "success"
	switch {
	case succeeded == 0 && failed > 0:
		outcome = "failed"
	case failed > 0:
		outcome = "partial"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	r.metrics.cycles.Add(ctx, 1, attrs)
	r.metrics.symbolFailures.Add(ctx, int64(failed))
	r.metrics.barsUpserted.Add(ctx, int64(report.Upserted()))
	r.metrics.barsPruned.Add(ctx, int64(report.Pruned))
	r.metrics.duration.Record(ctx, report.Duration().Seconds(), attrs)

	logArgs := []any{
		"cycle_id", report.ID,
		"succeeded", succeeded,
		"failed", failed,
		"upserted", report.Upserted(),
		"pruned", report.Pruned,
		"duration", report.Duration(),
	}
	if outcome == "failed" {
		slog.ErrorContext(ctx, "refresh cycle failed for every symbol", logArgs...)
	} else {
		slog.InfoContext(ctx, "refresh cycle complete", logArgs...)
	}

	// outlives a cancelled cycle context
	bgCtx := context.WithoutCancel(ctx)
	if err := r.recorder.RecordCycle(bgCtx, report); err != nil {
		slog.ErrorContext(ctx, "failed to record cycle", "cycle_id", report.ID, "error", err)
	}
	if r.snapshot != nil {
		if err := r.snapshot.Write(bgCtx, r.store.Snapshot(), report.FinishedAt); err != nil {
			slog.ErrorContext(ctx, "failed to export snapshot", "cycle_id", report.ID, "error", err)
		}
	}

	for _, fn := range r.onCycle {
		fn(ctx, report)
	}
}

func (r *refresher) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *refresher) Interval() time.Duration {
	return r.interval
}

func (r *refresher) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Status{
		State:        r.state,
		Cycles:       r.cycles,
		FailedCycles: r.failedCycles,
		LastReport:   r.lastReport,
	}
	if r.lastReport != nil {
		st.LastRefresh = r.lastReport.FinishedAt
	}
	return st
}
