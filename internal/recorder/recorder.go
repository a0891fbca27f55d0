// Package recorder keeps a history of refresh cycle outcomes.
package recorder

import (
	"context"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
)

type Recorder interface {
	RecordCycle(ctx context.Context, report *domain.CycleReport) error
	// RecentCycles returns up to limit cycles, newest first.
	RecentCycles(ctx context.Context, limit int) ([]domain.CycleSummary, error)
	Close() error
}
