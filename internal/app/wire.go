package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/slabscan/internal/blob/s3"
	"github.com/alanyoungcy/slabscan/internal/cache/local"
	"github.com/alanyoungcy/slabscan/internal/cache/redis"
	"github.com/alanyoungcy/slabscan/internal/config"
	"github.com/alanyoungcy/slabscan/internal/crypto"
	"github.com/alanyoungcy/slabscan/internal/domain"
	"github.com/alanyoungcy/slabscan/internal/notify"
	"github.com/alanyoungcy/slabscan/internal/platform/ebay"
	"github.com/alanyoungcy/slabscan/internal/server/handler"
	"github.com/alanyoungcy/slabscan/internal/service"
	"github.com/alanyoungcy/slabscan/internal/store/memory"
	"github.com/alanyoungcy/slabscan/internal/store/postgres"
	"github.com/alanyoungcy/slabscan/internal/store/sqlite"
)

// Dependencies bundles the concrete implementations the modes run on. It
// is built by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Catalog *domain.Catalog

	// Stores. StorageHealth is nil for the memory backend.
	Opportunities domain.OpportunityStore
	Runs          domain.ScanRunStore
	StorageHealth handler.HealthChecker

	// Coordination. LockManager is nil without Redis.
	EbayLimiter    domain.RateLimiter
	APILimiter     domain.RateLimiter
	LockManager    domain.LockManager
	BenchmarkCache domain.BenchmarkCache
	SignalBus      domain.SignalBus

	// Blob storage. Nil unless S3 is enabled.
	Archiver domain.Archiver

	// Marketplace. Nil in server mode.
	Fetcher  domain.ListingFetcher
	Resolver domain.BenchmarkResolver

	Notifier *notify.Notifier
}

// Wire constructs every dependency the configured mode needs.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	catalog, err := cfg.BuildCatalog()
	if err != nil {
		return fail(fmt.Errorf("wire: %w", err))
	}
	deps.Catalog = catalog

	// --- Storage ---
	closeStore, err := wireStorage(ctx, cfg, deps, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStore)

	// --- Redis, or in-process stand-ins ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.LockManager = redis.NewLockManager(rc)
		deps.BenchmarkCache = redis.NewBenchmarkCache(rc)
		deps.SignalBus = redis.NewSignalBus(rc)
		if n := cfg.Ebay.RequestsPerMinute; n > 0 {
			deps.EbayLimiter = redis.NewRateLimiter(rc, n, time.Minute)
		}
		if n := cfg.Server.RateLimitPerMin; n > 0 {
			deps.APILimiter = redis.NewRateLimiter(rc, n, time.Minute)
		}
	} else {
		deps.SignalBus = local.NewSignalBus()
		if n := cfg.Ebay.RequestsPerMinute; n > 0 {
			deps.EbayLimiter = local.NewRateLimiter(n, time.Minute)
		}
		if n := cfg.Server.RateLimitPerMin; n > 0 {
			deps.APILimiter = local.NewRateLimiter(n, time.Minute)
		}
	}

	// --- S3 ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := sc.Health(ctx); err != nil {
			logger.WarnContext(ctx, "s3 bucket not reachable, uploads will fail until it is",
				slog.String("bucket", cfg.S3.Bucket),
				slog.String("error", err.Error()),
			)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(sc), s3blob.NewReader(sc), deps.Opportunities, logger)
	}

	// --- eBay ---
	if cfg.NeedsScanner() {
		if err := wireEbay(cfg, deps, logger); err != nil {
			return fail(err)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// wireStorage opens the configured backend and sets both stores.
func wireStorage(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("wire: postgres: %w", err)
		}
		if cfg.Postgres.RunMigrations {
			if _, err := pg.RunMigrations(ctx); err != nil {
				pg.Close()
				return nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Opportunities = postgres.NewOpportunityStore(pg.Pool())
		deps.Runs = postgres.NewScanRunStore(pg.Pool())
		deps.StorageHealth = pg
		return pg.Close, nil

	case "sqlite":
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("wire: %w", err)
		}
		if err := sqlite.EnsureSchema(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("wire: %w", err)
		}
		deps.Opportunities = sqlite.NewOpportunityStore(db)
		deps.Runs = sqlite.NewScanRunStore(db)
		deps.StorageHealth = sqliteHealth{db}
		return closeDB(db), nil

	case "memory":
		deps.Opportunities = memory.NewOpportunityStore()
		deps.Runs = memory.NewScanRunStore(0)
		return func() {}, nil
	}
	return nil, fmt.Errorf("wire: unknown storage backend %q", cfg.Storage.Backend)
}

// sqliteHealth adapts *sql.DB to handler.HealthChecker.
type sqliteHealth struct{ db *sql.DB }

func (h sqliteHealth) Health(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: health: %w", err)
	}
	return nil
}

func closeDB(db *sql.DB) func() {
	return func() { _ = db.Close() }
}

// wireEbay builds the listing fetcher and the cached benchmark resolver.
func wireEbay(cfg *config.Config, deps *Dependencies, logger *slog.Logger) error {
	certID, err := crypto.LoadSecret(crypto.SecretConfig{
		Raw:      cfg.Ebay.CertID,
		Path:     cfg.Ebay.EncryptedCertPath,
		Password: cfg.Ebay.CertPassword,
	})
	if err != nil {
		return fmt.Errorf("wire: ebay cert: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.Ebay.Timeout.Duration}
	tokens := ebay.NewTokenSource(cfg.Ebay.AuthURL, cfg.Ebay.AppID, certID, httpClient, deps.EbayLimiter)

	deps.Fetcher = ebay.NewBrowseClient(ebay.BrowseConfig{
		BaseURL:             cfg.Ebay.APIBaseURL,
		MarketplaceID:       cfg.Ebay.MarketplaceID,
		Currency:            cfg.Ebay.Currency,
		CategoryID:          cfg.Ebay.CategoryID,
		QueryPrefix:         cfg.Ebay.QueryPrefix,
		DestinationCountry:  cfg.Ebay.DestinationCountry,
		DestinationPostcode: cfg.Ebay.DestinationPostcode,
		RequireGraded:       cfg.Ebay.RequireGraded,
		Grader:              cfg.Ebay.Grader,
		PageSize:            cfg.Ebay.PageSize,
		MaxPages:            cfg.Ebay.MaxPages,
	}, tokens, httpClient, deps.EbayLimiter, logger)

	var source domain.BenchmarkResolver
	switch cfg.Ebay.BenchmarkSource {
	case "sold":
		source = ebay.NewFindingClient(ebay.FindingConfig{
			URL:         cfg.Ebay.FindingURL,
			AppID:       cfg.Ebay.AppID,
			CategoryID:  cfg.Ebay.CategoryID,
			QueryPrefix: cfg.Ebay.QueryPrefix,
			Currency:    cfg.Ebay.Currency,
			Samples:     cfg.Ebay.SoldSamples,
			PriceFloor:  decimal.NewFromFloat(cfg.Scan.PriceFloor),
		}, httpClient, deps.EbayLimiter, logger)
	default:
		source = ebay.NewMerchandisingClient(ebay.MerchandisingConfig{
			URL:         cfg.Ebay.MerchandisingURL,
			AppID:       cfg.Ebay.AppID,
			CategoryID:  cfg.Ebay.CategoryID,
			QueryPrefix: cfg.Ebay.QueryPrefix,
			Samples:     cfg.Ebay.BenchmarkSamples,
			PriceFloor:  decimal.NewFromFloat(cfg.Scan.PriceFloor),
		}, httpClient, deps.EbayLimiter, logger)
	}

	deps.Resolver = service.NewBenchmarkService(source, deps.BenchmarkCache, cfg.Scan.BenchmarkTTL.Duration, logger).
		WithSource(cfg.Ebay.BenchmarkSource)
	return nil
}
