package domain

import "time"

type SymbolResult struct {
	Symbol string
	Bars   int
	Err    error
}

func (r SymbolResult) Ok() bool { return r.Err == nil }

// CycleReport is the outcome of one fetch-merge-prune pass over the tracked
// symbols.
type CycleReport struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []SymbolResult
	Pruned     int
	// Aborted is set when the context was cancelled before the merge phase.
	// Nothing was merged and the cycle is not counted.
	Aborted bool
}

func (r *CycleReport) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Ok() {
			n++
		}
	}
	return n
}

func (r *CycleReport) Failed() int {
	return len(r.Results) - r.Succeeded()
}

// Upserted is the number of bars merged into the cache during the cycle.
func (r *CycleReport) Upserted() int {
	n := 0
	for _, res := range r.Results {
		if res.Ok() {
			n += res.Bars
		}
	}
	return n
}

func (r *CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// CycleSummary is a recorded cycle as read back from history.
type CycleSummary struct {
	ID         string            `json:"id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Upserted   int               `json:"upserted"`
	Pruned     int               `json:"pruned"`
	Failures   map[string]string `json:"failures,omitempty"`
}
