package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0xc0d3d00d/quotecache/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteRecorder stores cycle outcomes in a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteRecorder opens or creates the database at dbPath and migrates it.
func NewSQLiteRecorder(ctx context.Context, dbPath string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db}
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.InfoContext(ctx, "cycle history opened", "path", dbPath)
	return r, nil
}

func (r *SQLiteRecorder) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS refresh_cycles (
			id          TEXT PRIMARY KEY,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			succeeded   INTEGER NOT NULL,
			failed      INTEGER NOT NULL,
			upserted    INTEGER NOT NULL,
			pruned      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_started ON refresh_cycles(started_at)`,

		`CREATE TABLE IF NOT EXISTS symbol_fetches (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL REFERENCES refresh_cycles(id),
			symbol   TEXT NOT NULL,
			bars     INTEGER NOT NULL,
			error    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fetches_cycle ON symbol_fetches(cycle_id)`,
	}

	for _, s := range stmts {
		if _, err := r.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordCycle(ctx context.Context, report *domain.CycleReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO refresh_cycles
		(id, started_at, finished_at, succeeded, failed, upserted, pruned)
		VALUES (?,?,?,?,?,?,?)`,
		report.ID, report.StartedAt.UnixMilli(), report.FinishedAt.UnixMilli(),
		report.Succeeded(), report.Failed(), report.Upserted(), report.Pruned,
	)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}

	for _, res := range report.Results {
		var reason sql.NullString
		if res.Err != nil {
			reason = sql.NullString{String: res.Err.Error(), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO symbol_fetches
			(cycle_id, symbol, bars, error) VALUES (?,?,?,?)`,
			report.ID, res.Symbol, res.Bars, reason,
		)
		if err != nil {
			return fmt.Errorf("insert fetch %s: %w", res.Symbol, err)
		}
	}

	return tx.Commit()
}

func (r *SQLiteRecorder) RecentCycles(ctx context.Context, limit int) ([]domain.CycleSummary, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, started_at, finished_at, succeeded, failed, upserted, pruned
		FROM refresh_cycles ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	cycles := []domain.CycleSummary{}
	index := map[string]int{}
	for rows.Next() {
		var (
			c                 domain.CycleSummary
			started, finished int64
		)
		if err := rows.Scan(&c.ID, &started, &finished, &c.Succeeded, &c.Failed, &c.Upserted, &c.Pruned); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		c.StartedAt = time.UnixMilli(started).UTC()
		c.FinishedAt = time.UnixMilli(finished).UTC()
		index[c.ID] = len(cycles)
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for id, i := range index {
		failures, err := r.failures(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(failures) > 0 {
			cycles[i].Failures = failures
		}
	}
	return cycles, nil
}

func (r *SQLiteRecorder) failures(ctx context.Context, cycleID string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT symbol, error FROM symbol_fetches
		WHERE cycle_id = ? AND error IS NOT NULL`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var symbol, reason string
		if err := rows.Scan(&symbol, &reason); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out[symbol] = reason
	}
	return out, rows.Err()
}

func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
