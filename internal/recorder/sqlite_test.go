package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) *SQLiteRecorder {
	t.Helper()
	r, err := NewSQLiteRecorder(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func report(id string, startedAt time.Time, results ...domain.SymbolResult) *domain.CycleReport {
	return &domain.CycleReport{
		ID:         id,
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(3 * time.Second),
		Results:    results,
		Pruned:     2,
	}
}

func TestSQLiteRecorder(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	base := time.Date(2023, 3, 24, 10, 0, 0, 0, time.UTC)
	require.NoError(t, r.RecordCycle(ctx, report("first", base,
		domain.SymbolResult{Symbol: "AMZN", Bars: 10},
		domain.SymbolResult{Symbol: "NFLX", Bars: 5},
	)))
	require.NoError(t, r.RecordCycle(ctx, report("second", base.Add(time.Hour),
		domain.SymbolResult{Symbol: "AMZN", Bars: 3},
		domain.SymbolResult{Symbol: "NFLX", Err: errors.New("provider returned status 503")},
	)))

	cycles, err := r.RecentCycles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cycles, 2)

	latest := cycles[0]
	assert.Equal(t, "second", latest.ID)
	assert.Equal(t, base.Add(time.Hour), latest.StartedAt)
	assert.Equal(t, base.Add(time.Hour+3*time.Second), latest.FinishedAt)
	assert.Equal(t, 1, latest.Succeeded)
	assert.Equal(t, 1, latest.Failed)
	assert.Equal(t, 3, latest.Upserted)
	assert.Equal(t, 2, latest.Pruned)
	assert.Equal(t, map[string]string{"NFLX": "provider returned status 503"}, latest.Failures)

	assert.Equal(t, "first", cycles[1].ID)
	assert.Equal(t, 15, cycles[1].Upserted)
	assert.Nil(t, cycles[1].Failures)

	limited, err := r.RecentCycles(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "second", limited[0].ID)
}

func TestSQLiteRecorderReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	r, err := NewSQLiteRecorder(ctx, path)
	require.NoError(t, err)
	require.NoError(t, r.RecordCycle(ctx, report("kept", time.Now().UTC(), domain.SymbolResult{Symbol: "AMZN", Bars: 1})))
	require.NoError(t, r.Close())

	r, err = NewSQLiteRecorder(ctx, path)
	require.NoError(t, err)
	defer r.Close()

	cycles, err := r.RecentCycles(ctx, 5)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, "kept", cycles[0].ID)
}

func TestSQLiteRecorderDuplicateCycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	rep := report("dup", time.Now().UTC(), domain.SymbolResult{Symbol: "AMZN", Bars: 1})
	require.NoError(t, r.RecordCycle(ctx, rep))
	assert.Error(t, r.RecordCycle(ctx, rep))

	cycles, err := r.RecentCycles(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, cycles, 1)
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	require.NoError(t, r.RecordCycle(context.Background(), report("x", time.Now())))

	cycles, err := r.RecentCycles(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, cycles)
	assert.NoError(t, r.Close())
}
