package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// ScanRunStore implements domain.ScanRunStore on SQLite.
type ScanRunStore struct {
	db *sql.DB
}

// NewScanRunStore creates a new ScanRunStore.
func NewScanRunStore(db *sql.DB) *ScanRunStore {
	return &ScanRunStore{db: db}
}

const scanRunSelectCols = `id, status, trigger, started_at, finished_at,
	items_total, items_succeeded, items_failed, items_skipped, listings_seen,
	opportunities_created, opportunities_updated, opportunities_expired,
	failures, error`

// Create inserts a new scan run.
func (s *ScanRunStore) Create(ctx context.Context, run domain.ScanRun) error {
	failures, err := marshalFailures(run.Failures)
	if err != nil {
		return fmt.Errorf("sqlite: create scan run %s: %w", run.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_runs (
			id, status, trigger, started_at, finished_at,
			items_total, items_succeeded, items_failed, items_skipped, listings_seen,
			opportunities_created, opportunities_updated, opportunities_expired,
			failures, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.Trigger, toNanos(run.StartedAt), nullNanos(run.FinishedAt),
		run.ItemsTotal, run.ItemsSucceeded, run.ItemsFailed, run.ItemsSkipped, run.ListingsSeen,
		run.OpportunitiesCreated, run.OpportunitiesUpdated, run.OpportunitiesExpired,
		failures, run.Error,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create scan run %s: %w", run.ID, err)
	}
	return nil
}

// Update overwrites the mutable fields of a scan run.
func (s *ScanRunStore) Update(ctx context.Context, run domain.ScanRun) error {
	failures, err := marshalFailures(run.Failures)
	if err != nil {
		return fmt.Errorf("sqlite: update scan run %s: %w", run.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_runs SET
			status = ?, finished_at = ?,
			items_total = ?, items_succeeded = ?, items_failed = ?, items_skipped = ?, listings_seen = ?,
			opportunities_created = ?, opportunities_updated = ?, opportunities_expired = ?,
			failures = ?, error = ?
		WHERE id = ?`,
		string(run.Status), nullNanos(run.FinishedAt),
		run.ItemsTotal, run.ItemsSucceeded, run.ItemsFailed, run.ItemsSkipped, run.ListingsSeen,
		run.OpportunitiesCreated, run.OpportunitiesUpdated, run.OpportunitiesExpired,
		failures, run.Error,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update scan run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns a scan run.
func (s *ScanRunStore) GetByID(ctx context.Context, id string) (domain.ScanRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scanRunSelectCols+` FROM scan_runs WHERE id = ?`, id)
	run, err := scanScanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScanRun{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ScanRun{}, fmt.Errorf("sqlite: get scan run %s: %w", id, err)
	}
	return run, nil
}

// ListRecent returns the most recent scan runs, newest first.
func (s *ScanRunStore) ListRecent(ctx context.Context, limit int) ([]domain.ScanRun, error) {
	query := `SELECT ` + scanRunSelectCols + ` FROM scan_runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list scan runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.ScanRun
	for rows.Next() {
		run, err := scanScanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list scan runs rows: %w", err)
	}
	return runs, nil
}

func scanScanRun(row rowScanner) (domain.ScanRun, error) {
	var (
		run        domain.ScanRun
		status     string
		startedAt  int64
		finishedAt sql.NullInt64
		failures   string
	)
	if err := row.Scan(
		&run.ID, &status, &run.Trigger, &startedAt, &finishedAt,
		&run.ItemsTotal, &run.ItemsSucceeded, &run.ItemsFailed, &run.ItemsSkipped, &run.ListingsSeen,
		&run.OpportunitiesCreated, &run.OpportunitiesUpdated, &run.OpportunitiesExpired,
		&failures, &run.Error,
	); err != nil {
		return domain.ScanRun{}, err
	}
	run.Status = domain.ScanStatus(status)
	run.StartedAt = fromNanos(startedAt)
	run.FinishedAt = fromNullNanos(finishedAt)
	if failures != "" {
		if err := json.Unmarshal([]byte(failures), &run.Failures); err != nil {
			return domain.ScanRun{}, fmt.Errorf("unmarshal failures: %w", err)
		}
	}
	return run, nil
}

func marshalFailures(f []domain.ItemFailure) (string, error) {
	if f == nil {
		f = []domain.ItemFailure{}
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("marshal failures: %w", err)
	}
	return string(b), nil
}
