package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/slabscan/internal/arbitrage"
	"github.com/alanyoungcy/slabscan/internal/domain"
	"github.com/alanyoungcy/slabscan/internal/pipeline"
	"github.com/alanyoungcy/slabscan/internal/server"
	"github.com/alanyoungcy/slabscan/internal/server/handler"
	"github.com/alanyoungcy/slabscan/internal/server/ws"
	"github.com/alanyoungcy/slabscan/internal/service"
)

// ErrPassFailed is returned by once mode when the pass ends FAILED.
var ErrPassFailed = errors.New("scan pass failed")

// FullMode runs the scheduler, the archive cron and the HTTP server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	scheduler := a.newScheduler(deps)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.NewOrchestrator(scheduler, a.newArchiver(deps), a.cfg.Archive.Cron, a.logger).Run(ctx)
	})
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, scheduler)
	}
	return g.Wait()
}

// ScanMode runs the scheduler and the archive cron without the HTTP server.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scan mode")
	return pipeline.NewOrchestrator(a.newScheduler(deps), a.newArchiver(deps), a.cfg.Archive.Cron, a.logger).Run(ctx)
}

// ServerMode serves the read API only. The trigger endpoint answers 503.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil)
	return g.Wait()
}

// OnceMode runs one pass, prints a summary and returns ErrPassFailed when
// the pass failed.
func (a *App) OnceMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting once mode")

	run, err := a.newScanner(deps).RunPass(ctx, pipeline.TriggerOnce)
	if run.ID == "" {
		return fmt.Errorf("once: %w", err)
	}

	active, listErr := deps.Opportunities.ListActive(ctx, domain.ListOpts{Limit: 20, Sort: domain.SortByDiscount})
	if listErr != nil {
		a.logger.WarnContext(ctx, "list active opportunities", slog.String("error", listErr.Error()))
	}
	renderSummary(a.out, run, active)

	if run.Status == domain.ScanStatusFailed {
		if err != nil {
			return fmt.Errorf("once: %w: %w", ErrPassFailed, err)
		}
		return fmt.Errorf("once: %w", ErrPassFailed)
	}
	return nil
}

func (a *App) newScanner(deps *Dependencies) *pipeline.Scanner {
	sc := a.cfg.Scan
	scannerDeps := pipeline.ScannerDeps{
		Catalog:       deps.Catalog,
		Fetcher:       deps.Fetcher,
		Resolver:      deps.Resolver,
		Evaluator:     arbitrage.NewEvaluator(arbitrage.EvaluatorConfig{Threshold: a.cfg.Threshold()}),
		Opportunities: deps.Opportunities,
		Runs:          deps.Runs,
		Bus:           deps.SignalBus,
	}
	if deps.Notifier.Enabled() {
		scannerDeps.Alerts = deps.Notifier
	}
	if deps.Archiver != nil && a.cfg.Archive.ScanReports {
		scannerDeps.Reports = deps.Archiver
	}
	return pipeline.NewScanner(pipeline.ScannerConfig{
		Concurrency: sc.Concurrency,
		Retry: pipeline.RetryPolicy{
			MaxAttempts: sc.MaxAttempts,
			BaseBackoff: sc.BaseBackoff.Duration,
			MaxBackoff:  sc.MaxBackoff.Duration,
		},
		ItemTimeout: sc.ItemTimeout.Duration,
	}, scannerDeps, a.logger)
}

func (a *App) newScheduler(deps *Dependencies) *pipeline.Scheduler {
	return pipeline.NewScheduler(a.newScanner(deps), deps.LockManager,
		a.cfg.Scan.Interval.Duration, a.cfg.Scan.LockTTL.Duration, a.logger)
}

// newArchiver returns nil unless archiving is enabled and S3 is wired.
func (a *App) newArchiver(deps *Dependencies) *pipeline.Archiver {
	if !a.cfg.Archive.Enabled || deps.Archiver == nil {
		return nil
	}
	return pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
}

// startHTTPServer adds the websocket hub and HTTP server to g. scheduler is
// nil when this process does not scan.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, scheduler *pipeline.Scheduler) {
	svc := service.NewOpportunityService(deps.Opportunities, deps.Runs, a.logger)

	var trigger handler.ScanTrigger
	if scheduler != nil {
		trigger = scheduler
	}

	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Channels:  a.cfg.Server.WebsocketChannels,
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
	}, a.logger)
	g.Go(func() error {
		if err := hub.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout.Duration,
	}, server.Handlers{
		Health:        handler.NewHealthHandler(a.startedAt),
		Opportunities: handler.NewOpportunityHandler(svc, a.logger),
		Scans:         handler.NewScanHandler(svc, trigger, a.logger),
		Status: handler.NewStatusHandler(handler.StatusInfo{
			Mode:        a.cfg.Mode,
			CatalogSize: deps.Catalog.Len(),
			Threshold:   a.cfg.Threshold().String(),
			Storage:     a.cfg.Storage.Backend,
			StartedAt:   a.startedAt,
		}, svc, trigger, a.logger).WithStorageCheck(deps.StorageHealth),
	}, hub, deps.APILimiter, a.logger)

	g.Go(func() error {
		return srv.Run(ctx)
	})
}

// renderSummary prints the pass counters, its failures and the current
// best opportunities.
func renderSummary(w io.Writer, run domain.ScanRun, active []domain.Opportunity) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Scan " + run.ID)
	t.AppendHeader(table.Row{"Status", "Items", "OK", "Failed", "Skipped", "Listings", "Created", "Updated", "Expired", "Duration"})
	t.AppendRow(table.Row{
		run.Status, run.ItemsTotal, run.ItemsSucceeded, run.ItemsFailed, run.ItemsSkipped,
		run.ListingsSeen, run.OpportunitiesCreated, run.OpportunitiesUpdated, run.OpportunitiesExpired,
		run.Duration().Round(time.Millisecond).String(),
	})
	t.Render()

	if len(run.Failures) > 0 {
		f := table.NewWriter()
		f.SetOutputMirror(w)
		f.SetTitle("Failures")
		f.AppendHeader(table.Row{"Item", "Stage", "Attempts", "Retryable", "Error"})
		for _, fl := range run.Failures {
			f.AppendRow(table.Row{fl.ItemKey, fl.Stage, fl.Attempts, fl.Retryable, fl.Error})
		}
		f.Render()
	}

	if len(active) > 0 {
		o := table.NewWriter()
		o.SetOutputMirror(w)
		o.SetTitle("Active opportunities")
		o.AppendHeader(table.Row{"Item", "Price", "Benchmark", "Discount", "Profit", "URL"})
		for _, opp := range active {
			o.AppendRow(table.Row{
				opp.ItemKey,
				opp.Price.StringFixed(2),
				opp.BenchmarkValue.StringFixed(2),
				opp.DiscountRatio.Shift(2).StringFixed(1) + "%",
				opp.PotentialProfit.StringFixed(2),
				opp.URL,
			})
		}
		o.Render()
	}
}
