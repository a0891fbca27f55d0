package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
	"github.com/0xc0d3d00d/quotecache/internal/storage"
)

const (
	staleFactor     = 1.5
	maxFailedCycles = 3
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	allChecksPassed = "all checks passed"
)

type Status struct {
	State           string        `json:"state"`
	UpdateCount     int           `json:"update_count"`
	FailedUpdates   int           `json:"failed_updates"`
	LastUpdate      *time.Time    `json:"last_update"`
	CacheAgeSeconds *float64      `json:"cache_age_seconds"`
	RefreshInterval string        `json:"refresh_interval"`
	SymbolsTracked  []string      `json:"symbols_tracked"`
	SymbolsWithData []string      `json:"symbols_with_data"`
	SymbolsMissing  []string      `json:"symbols_missing"`
	LatestBar       string        `json:"latest_bar,omitempty"`
	LastCycle       *CycleStatus  `json:"last_cycle,omitempty"`
	Cache           storage.Stats `json:"cache"`
}

type CycleStatus struct {
	ID       string            `json:"id"`
	Upserted int               `json:"upserted"`
	Pruned   int               `json:"pruned"`
	Failures map[string]string `json:"failures,omitempty"`
}

type Uptime struct {
	Seconds int64 `json:"seconds"`
	Minutes int64 `json:"minutes"`
	Hours   int64 `json:"hours"`
	Days    int64 `json:"days"`
}

type Health struct {
	Status    string    `json:"status"`
	Reasons   []string  `json:"status_reasons"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    Uptime    `json:"uptime"`
	Cache     Status    `json:"cache"`
}

func (h Health) Healthy() bool {
	return h.Status == statusHealthy
}

// Status reports refresh progress alongside cache contents.
func (s *service) Status() Status {
	rs := s.refresher.Status()
	tracked := s.cache.Symbols()
	withData := s.cache.SymbolsWithData()

	st := Status{
		State:           string(rs.State),
		UpdateCount:     rs.Cycles,
		FailedUpdates:   rs.FailedCycles,
		RefreshInterval: s.refresher.Interval().String(),
		SymbolsTracked:  tracked,
		SymbolsWithData: withData,
		SymbolsMissing:  missing(tracked, withData),
		Cache:           s.cache.Stats(),
	}
	if latest, ok := s.latestTimestamp(); ok {
		st.LatestBar = latest
	}
	if !rs.LastRefresh.IsZero() {
		last := rs.LastRefresh.UTC()
		age := s.now().Sub(last).Seconds()
		st.LastUpdate = &last
		st.CacheAgeSeconds = &age
	}
	if r := rs.LastReport; r != nil {
		cs := &CycleStatus{ID: r.ID, Upserted: r.Upserted(), Pruned: r.Pruned}
		for _, res := range r.Results {
			if res.Err != nil {
				if cs.Failures == nil {
					cs.Failures = map[string]string{}
				}
				cs.Failures[res.Symbol] = res.Err.Error()
			}
		}
		st.LastCycle = cs
	}
	return st
}

// Health is unhealthy when a tracked symbol has no bars, when the last
// refresh is older than 1.5 intervals, or after more than 3 failed cycles.
func (s *service) Health() Health {
	st := s.Status()
	now := s.now()

	var reasons []string
	if len(st.SymbolsMissing) > 0 {
		reasons = append(reasons, fmt.Sprintf("missing data for symbols: %s", strings.Join(st.SymbolsMissing, ", ")))
	}
	maxAge := time.Duration(float64(s.refresher.Interval()) * staleFactor)
	if st.CacheAgeSeconds != nil {
		age := time.Duration(*st.CacheAgeSeconds * float64(time.Second))
		if age > maxAge {
			reasons = append(reasons, fmt.Sprintf("cache is stale: %s old, max allowed %s",
				age.Truncate(time.Minute), maxAge.Truncate(time.Minute)))
		}
	}
	if st.FailedUpdates > maxFailedCycles {
		reasons = append(reasons, fmt.Sprintf("multiple failed cache updates: %d", st.FailedUpdates))
	}

	h := Health{
		Status:    statusHealthy,
		Reasons:   []string{allChecksPassed},
		Timestamp: now.UTC(),
		Uptime:    uptime(now.Sub(s.startedAt)),
		Cache:     st,
	}
	if len(reasons) > 0 {
		h.Status = statusUnhealthy
		h.Reasons = reasons
	}
	return h
}

func uptime(d time.Duration) Uptime {
	secs := int64(d.Seconds())
	return Uptime{
		Seconds: secs,
		Minutes: secs / 60,
		Hours:   secs / 3600,
		Days:    secs / 86400,
	}
}

func missing(tracked, withData []string) []string {
	have := make(map[string]struct{}, len(withData))
	for _, s := range withData {
		have[s] = struct{}{}
	}
	out := []string{}
	for _, s := range tracked {
		if _, ok := have[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func (s *service) latestTimestamp() (string, bool) {
	var latest time.Time
	for _, sym := range s.cache.SymbolsWithData() {
		ts := s.cache.AvailableTimestamps(sym)
		if len(ts) > 0 && ts[len(ts)-1].After(latest) {
			latest = ts[len(ts)-1]
		}
	}
	if latest.IsZero() {
		return "", false
	}
	return domain.FormatTimestamp(latest), true
}
