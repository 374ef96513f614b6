package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SLABSCAN_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SLABSCAN_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── eBay ──
	setStr(&cfg.Ebay.AppID, "SLABSCAN_EBAY_APP_ID")
	setStr(&cfg.Ebay.CertID, "SLABSCAN_EBAY_CERT_ID")
	setStr(&cfg.Ebay.EncryptedCertPath, "SLABSCAN_EBAY_ENCRYPTED_CERT_PATH")
	setStr(&cfg.Ebay.CertPassword, "SLABSCAN_EBAY_CERT_PASSWORD")
	setStr(&cfg.Ebay.APIBaseURL, "SLABSCAN_EBAY_API_BASE_URL")
	setStr(&cfg.Ebay.AuthURL, "SLABSCAN_EBAY_AUTH_URL")
	setStr(&cfg.Ebay.MerchandisingURL, "SLABSCAN_EBAY_MERCHANDISING_URL")
	setStr(&cfg.Ebay.FindingURL, "SLABSCAN_EBAY_FINDING_URL")
	setStr(&cfg.Ebay.BenchmarkSource, "SLABSCAN_EBAY_BENCHMARK_SOURCE")
	setInt(&cfg.Ebay.SoldSamples, "SLABSCAN_EBAY_SOLD_SAMPLES")
	setStr(&cfg.Ebay.MarketplaceID, "SLABSCAN_EBAY_MARKETPLACE_ID")
	setStr(&cfg.Ebay.Currency, "SLABSCAN_EBAY_CURRENCY")
	setStr(&cfg.Ebay.CategoryID, "SLABSCAN_EBAY_CATEGORY_ID")
	setStr(&cfg.Ebay.DestinationCountry, "SLABSCAN_EBAY_DESTINATION_COUNTRY")
	setStr(&cfg.Ebay.DestinationPostcode, "SLABSCAN_EBAY_DESTINATION_POSTCODE")
	setBool(&cfg.Ebay.RequireGraded, "SLABSCAN_EBAY_REQUIRE_GRADED")
	setInt(&cfg.Ebay.PageSize, "SLABSCAN_EBAY_PAGE_SIZE")
	setInt(&cfg.Ebay.MaxPages, "SLABSCAN_EBAY_MAX_PAGES")
	setInt(&cfg.Ebay.RequestsPerMinute, "SLABSCAN_EBAY_REQUESTS_PER_MINUTE")
	setDuration(&cfg.Ebay.Timeout, "SLABSCAN_EBAY_TIMEOUT")

	// ── Scan ──
	setDuration(&cfg.Scan.Interval, "SLABSCAN_SCAN_INTERVAL")
	setFloat64(&cfg.Scan.DiscountThreshold, "SLABSCAN_SCAN_DISCOUNT_THRESHOLD")
	setFloat64(&cfg.Scan.PriceFloor, "SLABSCAN_SCAN_PRICE_FLOOR")
	setInt(&cfg.Scan.Concurrency, "SLABSCAN_SCAN_CONCURRENCY")
	setInt(&cfg.Scan.MaxAttempts, "SLABSCAN_SCAN_MAX_ATTEMPTS")
	setDuration(&cfg.Scan.BaseBackoff, "SLABSCAN_SCAN_BASE_BACKOFF")
	setDuration(&cfg.Scan.MaxBackoff, "SLABSCAN_SCAN_MAX_BACKOFF")
	setDuration(&cfg.Scan.ItemTimeout, "SLABSCAN_SCAN_ITEM_TIMEOUT")
	setDuration(&cfg.Scan.BenchmarkTTL, "SLABSCAN_SCAN_BENCHMARK_TTL")
	setDuration(&cfg.Scan.LockTTL, "SLABSCAN_SCAN_LOCK_TTL")

	// ── Storage ──
	setStr(&cfg.Storage.Backend, "SLABSCAN_STORAGE_BACKEND")
	setStr(&cfg.SQLite.Path, "SLABSCAN_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SLABSCAN_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SLABSCAN_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SLABSCAN_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SLABSCAN_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SLABSCAN_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SLABSCAN_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SLABSCAN_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SLABSCAN_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SLABSCAN_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SLABSCAN_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SLABSCAN_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SLABSCAN_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SLABSCAN_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SLABSCAN_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SLABSCAN_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SLABSCAN_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SLABSCAN_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SLABSCAN_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SLABSCAN_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SLABSCAN_S3_REGION")
	setStr(&cfg.S3.Bucket, "SLABSCAN_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SLABSCAN_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SLABSCAN_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SLABSCAN_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SLABSCAN_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "SLABSCAN_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "SLABSCAN_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "SLABSCAN_ARCHIVE_CRON")
	setBool(&cfg.Archive.ScanReports, "SLABSCAN_ARCHIVE_SCAN_REPORTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SLABSCAN_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SLABSCAN_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SLABSCAN_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SLABSCAN_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMin, "SLABSCAN_SERVER_RATE_LIMIT_PER_MIN")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SLABSCAN_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SLABSCAN_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SLABSCAN_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SLABSCAN_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SLABSCAN_MODE")
	setStr(&cfg.LogLevel, "SLABSCAN_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
