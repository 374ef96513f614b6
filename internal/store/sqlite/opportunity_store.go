package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore on SQLite. Each write
// runs in its own transaction on the single pooled connection, so writes are
// serialised.
type OpportunityStore struct {
	db *sql.DB
}

// NewOpportunityStore creates a new OpportunityStore.
func NewOpportunityStore(db *sql.DB) *OpportunityStore {
	return &OpportunityStore{db: db}
}

const oppSelectCols = `listing_id, item_key, item_name, title, url, image_url, seller,
	price, benchmark_value, discount_ratio, potential_profit,
	status, first_seen_at, last_seen_at, expired_at`

// Upsert creates or refreshes the opportunity for u.ListingID.
func (s *OpportunityStore) Upsert(ctx context.Context, u domain.OpportunityUpsert) (domain.Opportunity, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Opportunity{}, false, fmt.Errorf("sqlite: upsert opportunity %s: begin: %w", u.ListingID, err)
	}
	defer tx.Rollback()

	cur, err := getOpportunity(ctx, tx, u.ListingID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		opp := domain.NewOpportunity(u)
		if err := insertOpportunity(ctx, tx, opp); err != nil {
			return domain.Opportunity{}, false, fmt.Errorf("sqlite: insert opportunity %s: %w", u.ListingID, err)
		}
		if err := tx.Commit(); err != nil {
			return domain.Opportunity{}, false, fmt.Errorf("sqlite: commit opportunity %s: %w", u.ListingID, err)
		}
		return opp, true, nil
	case err != nil:
		return domain.Opportunity{}, false, fmt.Errorf("sqlite: upsert opportunity %s: %w", u.ListingID, err)
	}

	if u.ObservedAt.Before(cur.LastSeenAt) {
		return cur, false, nil
	}
	cur.Apply(u)
	if err := updateOpportunity(ctx, tx, cur); err != nil {
		return domain.Opportunity{}, false, fmt.Errorf("sqlite: update opportunity %s: %w", u.ListingID, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Opportunity{}, false, fmt.Errorf("sqlite: commit opportunity %s: %w", u.ListingID, err)
	}
	return cur, false, nil
}

// Refresh updates an existing active opportunity in place.
func (s *OpportunityStore) Refresh(ctx context.Context, u domain.OpportunityUpsert) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: refresh opportunity %s: begin: %w", u.ListingID, err)
	}
	defer tx.Rollback()

	cur, err := getOpportunity(ctx, tx, u.ListingID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: refresh opportunity %s: %w", u.ListingID, err)
	}
	if !cur.Active() || u.ObservedAt.Before(cur.LastSeenAt) {
		return false, nil
	}
	cur.Apply(u)
	if err := updateOpportunity(ctx, tx, cur); err != nil {
		return false, fmt.Errorf("sqlite: refresh opportunity %s: %w", u.ListingID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: commit refresh %s: %w", u.ListingID, err)
	}
	return true, nil
}

// ExpireMissing expires active opportunities of itemKey not seen this pass.
func (s *OpportunityStore) ExpireMissing(ctx context.Context, itemKey string, observedIDs []string, scanTime time.Time) (int64, error) {
	query := `UPDATE opportunities SET status = 'expired', expired_at = ?
		WHERE item_key = ? AND status = 'active' AND last_seen_at < ?`
	ts := toNanos(scanTime)
	args := []any{ts, itemKey, ts}
	if len(observedIDs) > 0 {
		query += " AND listing_id NOT IN (" + placeholders(len(observedIDs)) + ")"
		for _, id := range observedIDs {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: expire opportunities for %s: %w", itemKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: expire opportunities for %s: %w", itemKey, err)
	}
	return n, nil
}

// GetByID returns a single opportunity.
func (s *OpportunityStore) GetByID(ctx context.Context, listingID string) (domain.Opportunity, error) {
	opp, err := getOpportunity(ctx, s.db, listingID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Opportunity{}, fmt.Errorf("sqlite: get opportunity %s: %w", listingID, err)
	}
	return opp, err
}

// ListActive returns active opportunities, by default ordered by discount
// ratio descending.
func (s *OpportunityStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Opportunity, error) {
	opts.Status = domain.OpportunityStatusActive
	return s.List(ctx, opts)
}

// List returns opportunities filtered by opts.
func (s *OpportunityStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Opportunity, error) {
	query := `SELECT ` + oppSelectCols + ` FROM opportunities WHERE 1=1`
	var args []any
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Since != nil {
		query += " AND last_seen_at >= ?"
		args = append(args, toNanos(*opts.Since))
	}
	query += " ORDER BY " + orderBy(opts.Sort)
	// SQLite only accepts OFFSET after LIMIT; -1 means no limit.
	switch {
	case opts.Limit > 0 && opts.Offset > 0:
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	case opts.Limit > 0:
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	case opts.Offset > 0:
		query += " LIMIT -1 OFFSET ?"
		args = append(args, opts.Offset)
	}
	return s.query(ctx, "list opportunities", query, args...)
}

// ListExpiredBefore returns expired opportunities whose expiry predates
// before, oldest first.
func (s *OpportunityStore) ListExpiredBefore(ctx context.Context, before time.Time, limit int) ([]domain.Opportunity, error) {
	query := `SELECT ` + oppSelectCols + ` FROM opportunities
		WHERE status = 'expired' AND expired_at < ?
		ORDER BY expired_at, listing_id`
	args := []any{toNanos(before)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, "list expired opportunities", query, args...)
}

// DeleteExpiredBefore purges expired opportunities older than before.
func (s *OpportunityStore) DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM opportunities WHERE status = 'expired' AND expired_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired opportunities: %w", err)
	}
	return res.RowsAffected()
}

func (s *OpportunityStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Opportunity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	defer rows.Close()

	var opps []domain.Opportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan opportunity: %w", err)
		}
		opps = append(opps, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s rows: %w", op, err)
	}
	return opps, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getOpportunity(ctx context.Context, q querier, listingID string) (domain.Opportunity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+oppSelectCols+` FROM opportunities WHERE listing_id = ?`, listingID)
	opp, err := scanOpportunity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Opportunity{}, domain.ErrNotFound
	}
	return opp, err
}

func insertOpportunity(ctx context.Context, x execer, o domain.Opportunity) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO opportunities (
			listing_id, item_key, item_name, title, url, image_url, seller,
			price, benchmark_value, discount_ratio, discount_sort,
			potential_profit, profit_sort, price_sort,
			status, first_seen_at, last_seen_at, expired_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ListingID, o.ItemKey, o.ItemName, o.Title, o.URL, o.ImageURL, o.Seller,
		o.Price.String(), o.BenchmarkValue.String(), o.DiscountRatio.String(), o.DiscountRatio.InexactFloat64(),
		o.PotentialProfit.String(), o.PotentialProfit.InexactFloat64(), o.Price.InexactFloat64(),
		string(o.Status), toNanos(o.FirstSeenAt), toNanos(o.LastSeenAt), nullNanos(o.ExpiredAt),
	)
	return err
}

func updateOpportunity(ctx context.Context, x execer, o domain.Opportunity) error {
	_, err := x.ExecContext(ctx, `
		UPDATE opportunities SET
			item_key = ?, item_name = ?, title = ?, url = ?, image_url = ?, seller = ?,
			price = ?, benchmark_value = ?, discount_ratio = ?, discount_sort = ?,
			potential_profit = ?, profit_sort = ?, price_sort = ?,
			last_seen_at = ?
		WHERE listing_id = ?`,
		o.ItemKey, o.ItemName, o.Title, o.URL, o.ImageURL, o.Seller,
		o.Price.String(), o.BenchmarkValue.String(), o.DiscountRatio.String(), o.DiscountRatio.InexactFloat64(),
		o.PotentialProfit.String(), o.PotentialProfit.InexactFloat64(), o.Price.InexactFloat64(),
		toNanos(o.LastSeenAt),
		o.ListingID,
	)
	return err
}

func scanOpportunity(row rowScanner) (domain.Opportunity, error) {
	var (
		opp                         domain.Opportunity
		price, bench, ratio, profit string
		status                      string
		firstSeen, lastSeen         int64
		expiredAt                   sql.NullInt64
	)
	if err := row.Scan(
		&opp.ListingID, &opp.ItemKey, &opp.ItemName, &opp.Title, &opp.URL, &opp.ImageURL, &opp.Seller,
		&price, &bench, &ratio, &profit,
		&status, &firstSeen, &lastSeen, &expiredAt,
	); err != nil {
		return domain.Opportunity{}, err
	}
	var err error
	if opp.Price, err = decimal.NewFromString(price); err != nil {
		return domain.Opportunity{}, fmt.Errorf("parse price: %w", err)
	}
	if opp.BenchmarkValue, err = decimal.NewFromString(bench); err != nil {
		return domain.Opportunity{}, fmt.Errorf("parse benchmark: %w", err)
	}
	if opp.DiscountRatio, err = decimal.NewFromString(ratio); err != nil {
		return domain.Opportunity{}, fmt.Errorf("parse discount: %w", err)
	}
	if opp.PotentialProfit, err = decimal.NewFromString(profit); err != nil {
		return domain.Opportunity{}, fmt.Errorf("parse profit: %w", err)
	}
	opp.Status = domain.OpportunityStatus(status)
	opp.FirstSeenAt = fromNanos(firstSeen)
	opp.LastSeenAt = fromNanos(lastSeen)
	opp.ExpiredAt = fromNullNanos(expiredAt)
	return opp, nil
}

func orderBy(sort domain.OpportunitySort) string {
	switch sort {
	case domain.SortByProfit:
		return "profit_sort DESC, listing_id"
	case domain.SortByPrice:
		return "price_sort ASC, listing_id"
	case domain.SortByRecent:
		return "first_seen_at DESC, listing_id"
	default:
		return "discount_sort DESC, last_seen_at DESC, listing_id"
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
