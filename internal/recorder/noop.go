package recorder

import (
	"context"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
)

// NoopRecorder discards every cycle.
type NoopRecorder struct{}

func (NoopRecorder) RecordCycle(context.Context, *domain.CycleReport) error { return nil }

func (NoopRecorder) RecentCycles(context.Context, int) ([]domain.CycleSummary, error) {
	return []domain.CycleSummary{}, nil
}

func (NoopRecorder) Close() error { return nil }
