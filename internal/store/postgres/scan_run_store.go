package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// ScanRunStore implements domain.ScanRunStore using PostgreSQL.
type ScanRunStore struct {
	pool *pgxpool.Pool
}

// NewScanRunStore creates a new ScanRunStore backed by the given pool.
func NewScanRunStore(pool *pgxpool.Pool) *ScanRunStore {
	return &ScanRunStore{pool: pool}
}

const scanRunSelectCols = `id::text, status, trigger, started_at, finished_at,
	items_total, items_succeeded, items_failed, items_skipped, listings_seen,
	opportunities_created, opportunities_updated, opportunities_expired,
	failures, error`

// Create inserts a new scan run.
func (s *ScanRunStore) Create(ctx context.Context, run domain.ScanRun) error {
	failures, err := marshalFailures(run.Failures)
	if err != nil {
		return fmt.Errorf("postgres: create scan run %s: %w", run.ID, err)
	}

	const query = `
		INSERT INTO scan_runs (
			id, status, trigger, started_at, finished_at,
			items_total, items_succeeded, items_failed, items_skipped, listings_seen,
			opportunities_created, opportunities_updated, opportunities_expired,
			failures, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = s.pool.Exec(ctx, query,
		run.ID, string(run.Status), run.Trigger, run.StartedAt, run.FinishedAt,
		run.ItemsTotal, run.ItemsSucceeded, run.ItemsFailed, run.ItemsSkipped, run.ListingsSeen,
		run.OpportunitiesCreated, run.OpportunitiesUpdated, run.OpportunitiesExpired,
		failures, run.Error,
	)
	if err != nil {
		return fmt.Errorf("postgres: create scan run %s: %w", run.ID, err)
	}
	return nil
}

// Update overwrites the mutable fields of a scan run.
func (s *ScanRunStore) Update(ctx context.Context, run domain.ScanRun) error {
	failures, err := marshalFailures(run.Failures)
	if err != nil {
		return fmt.Errorf("postgres: update scan run %s: %w", run.ID, err)
	}

	const query = `
		UPDATE scan_runs SET
			status                = $2,
			finished_at           = $3,
			items_total           = $4,
			items_succeeded       = $5,
			items_failed          = $6,
			items_skipped         = $7,
			listings_seen         = $8,
			opportunities_created = $9,
			opportunities_updated = $10,
			opportunities_expired = $11,
			failures              = $12,
			error                 = $13
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		run.ID, string(run.Status), run.FinishedAt,
		run.ItemsTotal, run.ItemsSucceeded, run.ItemsFailed, run.ItemsSkipped, run.ListingsSeen,
		run.OpportunitiesCreated, run.OpportunitiesUpdated, run.OpportunitiesExpired,
		failures, run.Error,
	)
	if err != nil {
		return fmt.Errorf("postgres: update scan run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns a scan run.
func (s *ScanRunStore) GetByID(ctx context.Context, id string) (domain.ScanRun, error) {
	query := `SELECT ` + scanRunSelectCols + ` FROM scan_runs WHERE id::text = $1`
	run, err := scanScanRun(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ScanRun{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ScanRun{}, fmt.Errorf("postgres: get scan run %s: %w", id, err)
	}
	return run, nil
}

// ListRecent returns the most recent scan runs, newest first.
func (s *ScanRunStore) ListRecent(ctx context.Context, limit int) ([]domain.ScanRun, error) {
	query := `SELECT ` + scanRunSelectCols + ` FROM scan_runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list scan runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.ScanRun
	for rows.Next() {
		run, err := scanScanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list scan runs rows: %w", err)
	}
	return runs, nil
}

func scanScanRun(row pgx.Row) (domain.ScanRun, error) {
	var (
		run      domain.ScanRun
		status   string
		failures []byte
	)
	if err := row.Scan(
		&run.ID, &status, &run.Trigger, &run.StartedAt, &run.FinishedAt,
		&run.ItemsTotal, &run.ItemsSucceeded, &run.ItemsFailed, &run.ItemsSkipped, &run.ListingsSeen,
		&run.OpportunitiesCreated, &run.OpportunitiesUpdated, &run.OpportunitiesExpired,
		&failures, &run.Error,
	); err != nil {
		return domain.ScanRun{}, err
	}
	run.Status = domain.ScanStatus(status)
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &run.Failures); err != nil {
			return domain.ScanRun{}, fmt.Errorf("unmarshal failures: %w", err)
		}
	}
	return run, nil
}

func marshalFailures(f []domain.ItemFailure) ([]byte, error) {
	if f == nil {
		f = []domain.ItemFailure{}
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal failures: %w", err)
	}
	return b, nil
}
