// Package pipeline drives scan passes over the catalog: fetching listings,
// resolving benchmarks, recording opportunities and expiring stale ones.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/slabscan/internal/arbitrage"
	"github.com/alanyoungcy/slabscan/internal/domain"
)

// Scan triggers recorded on ScanRun.Trigger.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerOnce     = "once"
)

// Alerter receives operator-facing alerts. *notify.Notifier implements it.
type Alerter interface {
	OpportunityDetected(ctx context.Context, o domain.Opportunity) error
	ScanFailed(ctx context.Context, run domain.ScanRun) error
}

// ScannerConfig bounds the work done by one pass.
type ScannerConfig struct {
	Concurrency int
	Retry       RetryPolicy
	// ItemTimeout caps all attempts for one item. Zero disables it.
	ItemTimeout time.Duration
}

// ScannerDeps are the collaborators of a Scanner. Bus, Alerts and Reports
// are optional.
type ScannerDeps struct {
	Catalog       *domain.Catalog
	Fetcher       domain.ListingFetcher
	Resolver      domain.BenchmarkResolver
	Evaluator     *arbitrage.Evaluator
	Opportunities domain.OpportunityStore
	Runs          domain.ScanRunStore
	Bus           domain.SignalBus
	Alerts        Alerter
	Reports       domain.Archiver
}

// Scanner runs scan passes. At most one pass runs at a time per Scanner.
type Scanner struct {
	cfg  ScannerConfig
	deps ScannerDeps

	running atomic.Bool
	now     func() time.Time
	sleep   sleepFunc
	logger  *slog.Logger
}

// NewScanner creates a Scanner.
func NewScanner(cfg ScannerConfig, deps ScannerDeps, logger *slog.Logger) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	if deps.Evaluator == nil {
		deps.Evaluator = arbitrage.NewEvaluator(arbitrage.EvaluatorConfig{})
	}
	return &Scanner{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		sleep:  sleepContext,
		logger: logger.With(slog.String("component", "scanner")),
	}
}

// Running reports whether a pass is in progress.
func (s *Scanner) Running() bool {
	return s.running.Load()
}

// itemResult is what a worker reports for one catalog item.
type itemResult struct {
	item     domain.TrackedItem
	skipped  bool
	listings int
	created  []domain.Opportunity
	updated  int
	// observed is set only when the item is eligible for the expiry sweep.
	observed []string
	eligible bool
	failure  *domain.ItemFailure
	fatal    error
}

func (r *itemResult) fail(stage string, attempts int, err error, at time.Time) {
	r.failure = &domain.ItemFailure{
		ItemKey:   r.item.Key,
		Stage:     stage,
		Error:     err.Error(),
		Attempts:  attempts,
		Retryable: domain.IsRetryable(err),
		At:        at,
	}
	if domain.IsPermanent(err) {
		r.fatal = err
	}
}

// RunPass performs one pass over the catalog. It returns
// domain.ErrScanInProgress without doing anything when another pass is
// running. A pass that ends FAILED returns the run together with the error
// that failed it.
func (s *Scanner) RunPass(ctx context.Context, trigger string) (domain.ScanRun, error) {
	if !s.running.CompareAndSwap(false, true) {
		return domain.ScanRun{}, domain.ErrScanInProgress
	}
	defer s.running.Store(false)

	items := s.deps.Catalog.Items()
	run := domain.ScanRun{
		ID:         uuid.NewString(),
		Status:     domain.ScanStatusPending,
		Trigger:    trigger,
		StartedAt:  s.now().UTC(),
		ItemsTotal: len(items),
		Failures:   []domain.ItemFailure{},
	}
	scanTime := run.StartedAt
	logger := s.logger.With(slog.String("scan_id", run.ID))

	run.Status = domain.ScanStatusRunning
	if err := s.deps.Runs.Create(ctx, run); err != nil {
		return run, fmt.Errorf("pipeline: create scan run: %w", err)
	}
	logger.InfoContext(ctx, "scan started",
		slog.String("trigger", trigger),
		slog.Int("items", len(items)),
	)

	results, fatal := s.processAll(ctx, items)

	var created []domain.Opportunity
	var eligible []itemResult
	for _, res := range results {
		run.ListingsSeen += res.listings
		run.OpportunitiesUpdated += res.updated
		run.OpportunitiesCreated += len(res.created)
		created = append(created, res.created...)
		switch {
		case res.failure != nil:
			run.ItemsFailed++
			run.Failures = append(run.Failures, *res.failure)
			s.logFailure(ctx, logger, *res.failure)
		case res.skipped:
			run.ItemsSkipped++
		default:
			run.ItemsSucceeded++
		}
		if res.eligible {
			eligible = append(eligible, res)
		}
	}

	switch {
	case fatal != nil:
		run.Status = domain.ScanStatusFailed
		run.Error = fatal.Error()
	case ctx.Err() != nil:
		fatal = fmt.Errorf("pipeline: scan interrupted: %w", ctx.Err())
		run.Status = domain.ScanStatusFailed
		run.Error = fatal.Error()
	default:
		s.expire(ctx, logger, &run, eligible, scanTime)
		run.Status = domain.ScanStatusCompleted
		if run.ItemsFailed > 0 {
			run.Status = domain.ScanStatusCompletedWithErrors
		}
	}

	sort.Slice(run.Failures, func(i, j int) bool { return run.Failures[i].ItemKey < run.Failures[j].ItemKey })
	finished := s.now().UTC()
	run.FinishedAt = &finished

	s.finish(ctx, logger, run, created)
	return run, fatal
}

// processAll fans items out to a bounded pool of workers. A permanent error
// from any item cancels the remaining work and is returned.
func (s *Scanner) processAll(ctx context.Context, items []domain.TrackedItem) ([]itemResult, error) {
	tasks := make(chan domain.TrackedItem)
	results := make(chan itemResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(tasks)
		for _, it := range items {
			select {
			case tasks <- it:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	workers := min(s.cfg.Concurrency, max(len(items), 1))
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for it := range tasks {
				if gctx.Err() != nil {
					continue
				}
				res := s.processItem(gctx, it)
				results <- res
				if res.fatal != nil {
					return res.fatal
				}
			}
			return nil
		})
	}

	fatal := g.Wait()
	close(results)

	out := make([]itemResult, 0, len(items))
	for res := range results {
		out = append(out, res)
	}
	return out, fatal
}

type resolved struct {
	benchmark domain.Benchmark
	ok        bool
}

// processItem resolves, fetches, evaluates and writes one item.
func (s *Scanner) processItem(ctx context.Context, item domain.TrackedItem) itemResult {
	res := itemResult{item: item}
	if s.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ItemTimeout)
		defer cancel()
	}

	r, attempts, err := withRetry(ctx, s.cfg.Retry, s.sleep, func(ctx context.Context) (resolved, error) {
		b, ok, err := s.deps.Resolver.Resolve(ctx, item)
		return resolved{benchmark: b, ok: ok}, err
	})
	if err != nil {
		res.fail(domain.StageResolve, attempts, err, s.now().UTC())
		return res
	}
	if !r.ok || !r.benchmark.Usable() {
		res.skipped = true
		return res
	}

	listings, attempts, err := withRetry(ctx, s.cfg.Retry, s.sleep, func(ctx context.Context) ([]domain.Listing, error) {
		return s.deps.Fetcher.Fetch(ctx, item)
	})
	if err != nil {
		res.fail(domain.StageFetch, attempts, err, s.now().UTC())
		return res
	}
	res.listings = len(listings)

	ev := s.deps.Evaluator.Evaluate(item, listings, r.benchmark, true)
	for _, u := range ev.Qualifying {
		o, isNew, err := s.deps.Opportunities.Upsert(ctx, u)
		if err != nil {
			res.fail(domain.StageStore, 1, fmt.Errorf("upsert %s: %w", u.ListingID, err), s.now().UTC())
			return res
		}
		if isNew {
			res.created = append(res.created, o)
		} else {
			res.updated++
		}
	}
	for _, u := range ev.Refresh {
		ok, err := s.deps.Opportunities.Refresh(ctx, u)
		if err != nil {
			res.fail(domain.StageStore, 1, fmt.Errorf("refresh %s: %w", u.ListingID, err), s.now().UTC())
			return res
		}
		if ok {
			res.updated++
		}
	}

	if ev.Malformed > 0 || ev.Duplicates > 0 {
		s.logger.DebugContext(ctx, "listing anomalies",
			slog.String("item_key", item.Key),
			slog.Int("malformed", ev.Malformed),
			slog.Int("duplicates", ev.Duplicates),
			slog.Int("over_ceiling", ev.OverCeiling),
		)
	}

	res.observed = ev.ObservedIDs
	res.eligible = true
	return res
}

// expire runs the missing-listing sweep for every item that fetched
// successfully with a benchmark.
func (s *Scanner) expire(ctx context.Context, logger *slog.Logger, run *domain.ScanRun, eligible []itemResult, scanTime time.Time) {
	for _, res := range eligible {
		n, err := s.deps.Opportunities.ExpireMissing(ctx, res.item.Key, res.observed, scanTime)
		if err != nil {
			f := domain.ItemFailure{
				ItemKey:  res.item.Key,
				Stage:    domain.StageExpire,
				Error:    err.Error(),
				Attempts: 1,
				At:       s.now().UTC(),
			}
			run.ItemsSucceeded--
			run.ItemsFailed++
			run.Failures = append(run.Failures, f)
			s.logFailure(ctx, logger, f)
			continue
		}
		run.OpportunitiesExpired += int(n)
	}
}

func (s *Scanner) logFailure(ctx context.Context, logger *slog.Logger, f domain.ItemFailure) {
	logger.WarnContext(ctx, "item failed",
		slog.String("item_key", f.ItemKey),
		slog.String("stage", f.Stage),
		slog.Int("attempts", f.Attempts),
		slog.Bool("retryable", f.Retryable),
		slog.String("error", f.Error),
	)
}

// finish persists the final run and emits events, alerts and the report.
// These side effects survive cancellation of the pass context.
func (s *Scanner) finish(ctx context.Context, logger *slog.Logger, run domain.ScanRun, created []domain.Opportunity) {
	ctx = context.WithoutCancel(ctx)

	if err := s.deps.Runs.Update(ctx, run); err != nil {
		logger.ErrorContext(ctx, "persist scan run failed", slog.String("error", err.Error()))
	}

	attrs := []any{
		slog.String("status", string(run.Status)),
		slog.Int("succeeded", run.ItemsSucceeded),
		slog.Int("failed", run.ItemsFailed),
		slog.Int("skipped", run.ItemsSkipped),
		slog.Int("listings", run.ListingsSeen),
		slog.Int("created", run.OpportunitiesCreated),
		slog.Int("updated", run.OpportunitiesUpdated),
		slog.Int("expired", run.OpportunitiesExpired),
		slog.Duration("duration", run.Duration()),
	}
	if run.Status == domain.ScanStatusFailed {
		logger.ErrorContext(ctx, "scan failed", append(attrs, slog.String("error", run.Error))...)
	} else {
		logger.InfoContext(ctx, "scan finished", attrs...)
	}

	for _, o := range created {
		s.publish(ctx, logger, domain.ChannelOpportunity, domain.OpportunityEvent{
			Type:        "opportunity_detected",
			Opportunity: o,
			ScanID:      run.ID,
			At:          *run.FinishedAt,
		})
		if s.deps.Alerts != nil {
			if err := s.deps.Alerts.OpportunityDetected(ctx, o); err != nil {
				logger.WarnContext(ctx, "opportunity alert failed",
					slog.String("listing_id", o.ListingID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	evt := domain.ScanEvent{Type: "scan_completed", Run: run}
	if run.Status == domain.ScanStatusFailed {
		evt.Type = "scan_failed"
		evt.Reason = run.Error
	}
	s.publish(ctx, logger, domain.ChannelScan, evt)
	if s.deps.Bus != nil {
		if payload, err := json.Marshal(evt); err == nil {
			if err := s.deps.Bus.StreamAppend(ctx, domain.StreamScanRuns, payload); err != nil {
				logger.WarnContext(ctx, "append scan stream failed", slog.String("error", err.Error()))
			}
		}
	}

	if s.deps.Alerts != nil && run.Status != domain.ScanStatusCompleted {
		if err := s.deps.Alerts.ScanFailed(ctx, run); err != nil {
			logger.WarnContext(ctx, "scan alert failed", slog.String("error", err.Error()))
		}
	}

	if s.deps.Reports != nil {
		if err := s.deps.Reports.WriteScanReport(ctx, run); err != nil {
			logger.WarnContext(ctx, "write scan report failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Scanner) publish(ctx context.Context, logger *slog.Logger, channel string, v any) {
	if s.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		logger.WarnContext(ctx, "marshal event failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	if err := s.deps.Bus.Publish(ctx, channel, payload); err != nil {
		logger.WarnContext(ctx, "publish event failed", slog.String("channel", channel), slog.String("error", err.Error()))
	}
}
