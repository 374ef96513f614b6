package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
// Concurrent writes to the same listing are serialised by the row lock taken
// in INSERT ... ON CONFLICT, and the last_seen_at guard makes them
// last-writer-wins by observation time.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore backed by the given pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

// Decimals are selected as text so no numeric codec is needed.
const oppSelectCols = `listing_id, item_key, item_name, title, url, image_url, seller,
	price::text, benchmark_value::text, discount_ratio::text, potential_profit::text,
	status, first_seen_at, last_seen_at, expired_at`

// Upsert creates or refreshes the opportunity for u.ListingID.
func (s *OpportunityStore) Upsert(ctx context.Context, u domain.OpportunityUpsert) (domain.Opportunity, bool, error) {
	const query = `
		INSERT INTO opportunities (
			listing_id, item_key, item_name, title, url, image_url, seller,
			price, benchmark_value, discount_ratio, potential_profit,
			status, first_seen_at, last_seen_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::numeric, $9::numeric, $10::numeric, $11::numeric,
			'active', $12, $12
		)
		ON CONFLICT (listing_id) DO UPDATE SET
			item_key         = EXCLUDED.item_key,
			item_name        = COALESCE(NULLIF(EXCLUDED.item_name, ''), opportunities.item_name),
			title            = EXCLUDED.title,
			url              = EXCLUDED.url,
			image_url        = EXCLUDED.image_url,
			seller           = EXCLUDED.seller,
			price            = EXCLUDED.price,
			benchmark_value  = EXCLUDED.benchmark_value,
			discount_ratio   = EXCLUDED.discount_ratio,
			potential_profit = EXCLUDED.potential_profit,
			last_seen_at     = EXCLUDED.last_seen_at
		WHERE opportunities.last_seen_at <= EXCLUDED.last_seen_at
		RETURNING ` + oppSelectCols + `, (xmax = 0) AS inserted`

	row := s.pool.QueryRow(ctx, query, upsertArgs(u)...)

	var created bool
	opp, err := scanOpportunity(row, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		// Stale write: a newer observation already landed.
		cur, getErr := s.GetByID(ctx, u.ListingID)
		if getErr != nil {
			return domain.Opportunity{}, false, fmt.Errorf("postgres: upsert opportunity %s: %w", u.ListingID, getErr)
		}
		return cur, false, nil
	}
	if err != nil {
		return domain.Opportunity{}, false, fmt.Errorf("postgres: upsert opportunity %s: %w", u.ListingID, err)
	}
	return opp, created, nil
}

// Refresh updates an existing active opportunity in place.
func (s *OpportunityStore) Refresh(ctx context.Context, u domain.OpportunityUpsert) (bool, error) {
	const query = `
		UPDATE opportunities SET
			item_key         = $2,
			item_name        = COALESCE(NULLIF($3, ''), item_name),
			title            = $4,
			url              = $5,
			image_url        = $6,
			seller           = $7,
			price            = $8::numeric,
			benchmark_value  = $9::numeric,
			discount_ratio   = $10::numeric,
			potential_profit = $11::numeric,
			last_seen_at     = $12
		WHERE listing_id = $1
		  AND status = 'active'
		  AND last_seen_at <= $12`

	tag, err := s.pool.Exec(ctx, query, upsertArgs(u)...)
	if err != nil {
		return false, fmt.Errorf("postgres: refresh opportunity %s: %w", u.ListingID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExpireMissing expires active opportunities of itemKey not seen this pass.
func (s *OpportunityStore) ExpireMissing(ctx context.Context, itemKey string, observedIDs []string, scanTime time.Time) (int64, error) {
	const query = `
		UPDATE opportunities SET
			status     = 'expired',
			expired_at = $3
		WHERE item_key = $1
		  AND status = 'active'
		  AND last_seen_at < $3
		  AND NOT (listing_id = ANY($2))`

	// A nil slice encodes as NULL, which would make ANY() unknown and expire
	// nothing.
	if observedIDs == nil {
		observedIDs = []string{}
	}
	tag, err := s.pool.Exec(ctx, query, itemKey, observedIDs, scanTime)
	if err != nil {
		return 0, fmt.Errorf("postgres: expire opportunities for %s: %w", itemKey, err)
	}
	return tag.RowsAffected(), nil
}

// GetByID returns a single opportunity.
func (s *OpportunityStore) GetByID(ctx context.Context, listingID string) (domain.Opportunity, error) {
	query := `SELECT ` + oppSelectCols + ` FROM opportunities WHERE listing_id = $1`
	opp, err := scanOpportunity(s.pool.QueryRow(ctx, query, listingID), nil)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Opportunity{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("postgres: get opportunity %s: %w", listingID, err)
	}
	return opp, nil
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
	args := []any{}
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND last_seen_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}

	query += " ORDER BY " + orderBy(opts.Sort)

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.query(ctx, "list opportunities", query, args...)
}

// ListExpiredBefore returns expired opportunities whose expiry predates
// before, oldest first.
func (s *OpportunityStore) ListExpiredBefore(ctx context.Context, before time.Time, limit int) ([]domain.Opportunity, error) {
	query := `SELECT ` + oppSelectCols + ` FROM opportunities
		WHERE status = 'expired' AND expired_at < $1
		ORDER BY expired_at, listing_id`
	args := []any{before}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.query(ctx, "list expired opportunities", query, args...)
}

// DeleteExpiredBefore purges expired opportunities older than before.
func (s *OpportunityStore) DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM opportunities WHERE status = 'expired' AND expired_at < $1`
	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete expired opportunities: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *OpportunityStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Opportunity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var opps []domain.Opportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		opps = append(opps, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return opps, nil
}

// orderBy maps a sort option to a deterministic ORDER BY clause.
func orderBy(sort domain.OpportunitySort) string {
	switch sort {
	case domain.SortByProfit:
		return "potential_profit DESC, listing_id"
	case domain.SortByPrice:
		return "price ASC, listing_id"
	case domain.SortByRecent:
		return "first_seen_at DESC, listing_id"
	default:
		return "discount_ratio DESC, last_seen_at DESC, listing_id"
	}
}

func upsertArgs(u domain.OpportunityUpsert) []any {
	ratio := domain.DiscountRatio(u.Price, u.BenchmarkValue)
	profit := u.BenchmarkValue.Sub(u.Price)
	return []any{
		u.ListingID, u.ItemKey, u.ItemName, u.Title, u.URL, u.ImageURL, u.Seller,
		u.Price.String(), u.BenchmarkValue.String(), ratio.String(), profit.String(),
		u.ObservedAt,
	}
}

// scanOpportunity reads one row selected with oppSelectCols. When inserted is
// non-nil an extra trailing boolean column is scanned into it.
func scanOpportunity(row pgx.Row, inserted *bool) (domain.Opportunity, error) {
	var (
		opp                         domain.Opportunity
		price, bench, ratio, profit string
		status                      string
	)
	dest := []any{
		&opp.ListingID, &opp.ItemKey, &opp.ItemName, &opp.Title, &opp.URL, &opp.ImageURL, &opp.Seller,
		&price, &bench, &ratio, &profit,
		&status, &opp.FirstSeenAt, &opp.LastSeenAt, &opp.ExpiredAt,
	}
	if inserted != nil {
		dest = append(dest, inserted)
	}
	if err := row.Scan(dest...); err != nil {
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
	return opp, nil
}
