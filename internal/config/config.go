// Package config defines the top-level configuration for the slabscan
// scanner and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SLABSCAN_* environment variables.
type Config struct {
	Ebay     EbayConfig     `toml:"ebay"`
	Scan     ScanConfig     `toml:"scan"`
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Catalog  []ItemConfig   `toml:"catalog"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EbayConfig holds eBay API credentials and search parameters.
type EbayConfig struct {
	AppID               string `toml:"app_id"`
	CertID              string `toml:"cert_id"`
	EncryptedCertPath   string `toml:"encrypted_cert_path"`
	CertPassword        string `toml:"cert_password"`
	APIBaseURL          string `toml:"api_base_url"`
	AuthURL             string `toml:"auth_url"`
	MerchandisingURL    string `toml:"merchandising_url"`
	FindingURL          string `toml:"finding_url"`
	MarketplaceID       string `toml:"marketplace_id"`
	Currency            string `toml:"currency"`
	CategoryID          string `toml:"category_id"`
	QueryPrefix         string `toml:"query_prefix"`
	DestinationCountry  string `toml:"destination_country"`
	DestinationPostcode string `toml:"destination_postcode"`
	RequireGraded       bool   `toml:"require_graded"`
	Grader              string `toml:"grader"`
	PageSize            int    `toml:"page_size"`
	MaxPages            int    `toml:"max_pages"`
	BenchmarkSamples    int    `toml:"benchmark_samples"`
	// BenchmarkSource is "most_watched" (Merchandising average) or "sold"
	// (Finding median of completed sales).
	BenchmarkSource string `toml:"benchmark_source"`
	SoldSamples     int    `toml:"sold_samples"`
	// RequestsPerMinute caps outbound calls. The quota is shared across
	// instances when Redis is enabled. Zero disables the limiter.
	RequestsPerMinute int      `toml:"requests_per_minute"`
	Timeout           duration `toml:"timeout"`
}

// ScanConfig holds scan-pass parameters.
type ScanConfig struct {
	Interval          duration `toml:"interval"`
	DiscountThreshold float64  `toml:"discount_threshold"`
	PriceFloor        float64  `toml:"price_floor"`
	Concurrency       int      `toml:"concurrency"`
	MaxAttempts       int      `toml:"max_attempts"`
	BaseBackoff       duration `toml:"base_backoff"`
	MaxBackoff        duration `toml:"max_backoff"`
	ItemTimeout       duration `toml:"item_timeout"`
	BenchmarkTTL      duration `toml:"benchmark_ttl"`
	// LockTTL is how long the cross-instance scan lock survives a holder
	// that stopped refreshing it. A live holder keeps extending it.
	LockTTL duration `toml:"lock_ttl"`
}

// StorageConfig selects the opportunity store backend.
type StorageConfig struct {
	// Backend is one of "postgres", "sqlite" or "memory".
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// SQLiteConfig holds the single-node SQLite backend parameters.
type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls cold storage of expired opportunities.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
	ScanReports   bool   `toml:"scan_reports"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled           bool     `toml:"enabled"`
	Port              int      `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	APIKey            string   `toml:"api_key"`
	RateLimitPerMin   int      `toml:"rate_limit_per_min"`
	ShutdownTimeout   duration `toml:"shutdown_timeout"`
	WebsocketChannels []string `toml:"websocket_channels"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ItemConfig is one [[catalog]] entry.
type ItemConfig struct {
	Key          string  `toml:"key"`
	Name         string  `toml:"name"`
	Query        string  `toml:"query"`
	PriceCeiling float64 `toml:"price_ceiling"`
	BenchmarkKey string  `toml:"benchmark_key"`
	Language     string  `toml:"language"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ebay: EbayConfig{
			APIBaseURL:          "https://api.ebay.com",
			AuthURL:             "https://api.ebay.com/identity/v1/oauth2/token",
			MerchandisingURL:    "https://svcs.ebay.com/MerchandisingService",
			FindingURL:          "https://svcs.ebay.com/services/search/FindingService/v1",
			MarketplaceID:       "EBAY_AU",
			Currency:            "AUD",
			CategoryID:          "183454",
			QueryPrefix:         "psa 10",
			DestinationCountry:  "AU",
			DestinationPostcode: "2176",
			RequireGraded:       true,
			Grader:              "Professional Sports Authenticator (PSA)",
			PageSize:            50,
			MaxPages:            4,
			BenchmarkSamples:    5,
			BenchmarkSource:     "most_watched",
			SoldSamples:         50,
			RequestsPerMinute:   120,
			Timeout:             duration{30 * time.Second},
		},
		Scan: ScanConfig{
			Interval:          duration{30 * time.Minute},
			DiscountThreshold: 0.15,
			PriceFloor:        30,
			Concurrency:       4,
			MaxAttempts:       3,
			BaseBackoff:       duration{time.Second},
			MaxBackoff:        duration{30 * time.Second},
			ItemTimeout:       duration{2 * time.Minute},
			BenchmarkTTL:      duration{2 * time.Hour},
			LockTTL:           duration{25 * time.Minute},
		},
		Storage: StorageConfig{
			Backend: "postgres",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "slabscan",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{
			Path: "slabscan.db",
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "slabscan-data",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 30,
			Cron:          "0 3 * * *",
			ScanReports:   true,
		},
		Server: ServerConfig{
			Enabled:           true,
			Port:              8000,
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMin:   120,
			ShutdownTimeout:   duration{10 * time.Second},
			WebsocketChannels: []string{"ch:opportunity", "ch:scan"},
		},
		Notify: NotifyConfig{
			Events: []string{"opportunity_detected", "scan_failed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":   true,
	"scan":   true,
	"once":   true,
	"server": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"memory":   true,
}

var validBenchmarkSources = map[string]bool{
	"most_watched": true,
	"sold":         true,
}

// NeedsScanner reports whether the mode runs scan passes.
func (c *Config) NeedsScanner() bool {
	return c.Mode == "full" || c.Mode == "scan" || c.Mode == "once"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, scan, once, server)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// eBay credentials are only needed when something actually scans.
	if c.NeedsScanner() {
		if c.Ebay.AppID == "" {
			errs = append(errs, "ebay: app_id is required for mode "+c.Mode)
		}
		if c.Ebay.CertID == "" && c.Ebay.EncryptedCertPath == "" {
			errs = append(errs, "ebay: either cert_id or encrypted_cert_path must be set for mode "+c.Mode)
		}
		if c.Ebay.EncryptedCertPath != "" && c.Ebay.CertPassword == "" {
			errs = append(errs, "ebay: cert_password is required when encrypted_cert_path is set")
		}
		if len(c.Catalog) == 0 {
			errs = append(errs, "catalog: at least one [[catalog]] item is required for mode "+c.Mode)
		}
	}
	if c.Ebay.APIBaseURL == "" {
		errs = append(errs, "ebay: api_base_url must not be empty")
	}
	if c.Ebay.PageSize < 1 || c.Ebay.PageSize > 200 {
		errs = append(errs, fmt.Sprintf("ebay: page_size must be 1-200, got %d", c.Ebay.PageSize))
	}
	if c.Ebay.MaxPages < 1 {
		errs = append(errs, "ebay: max_pages must be >= 1")
	}
	if !validBenchmarkSources[c.Ebay.BenchmarkSource] {
		errs = append(errs, fmt.Sprintf("ebay: unknown benchmark_source %q (valid: most_watched, sold)", c.Ebay.BenchmarkSource))
	}
	if c.Ebay.RequestsPerMinute < 0 {
		errs = append(errs, "ebay: requests_per_minute must be >= 0")
	}

	// Scan
	if c.Scan.Interval.Duration <= 0 {
		errs = append(errs, "scan: interval must be > 0")
	}
	if c.Scan.DiscountThreshold <= 0 || c.Scan.DiscountThreshold >= 1 {
		errs = append(errs, fmt.Sprintf("scan: discount_threshold must be in (0, 1), got %g", c.Scan.DiscountThreshold))
	}
	if c.Scan.PriceFloor < 0 {
		errs = append(errs, "scan: price_floor must be >= 0")
	}
	if c.Scan.Concurrency < 1 {
		errs = append(errs, "scan: concurrency must be >= 1")
	}
	if c.Scan.MaxAttempts < 1 {
		errs = append(errs, "scan: max_attempts must be >= 1")
	}

	// Catalog
	seen := make(map[string]bool, len(c.Catalog))
	for i, it := range c.Catalog {
		if it.Key == "" {
			errs = append(errs, fmt.Sprintf("catalog[%d]: key must not be empty", i))
		} else if seen[it.Key] {
			errs = append(errs, fmt.Sprintf("catalog[%d]: duplicate key %q", i, it.Key))
		}
		seen[it.Key] = true
		if strings.TrimSpace(it.Query) == "" {
			errs = append(errs, fmt.Sprintf("catalog[%d]: query must not be empty", i))
		}
		if it.PriceCeiling <= 0 {
			errs = append(errs, fmt.Sprintf("catalog[%d]: price_ceiling must be > 0", i))
		}
	}

	// Storage
	if !validBackends[c.Storage.Backend] {
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: postgres, sqlite, memory)", c.Storage.Backend))
	}
	if c.Storage.Backend == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}
	if c.Storage.Backend == "sqlite" && c.SQLite.Path == "" {
		errs = append(errs, "sqlite: path must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			errs = append(errs, "archive: requires s3.enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron must have 5 fields, got %q", c.Archive.Cron))
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
