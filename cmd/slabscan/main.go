// Command slabscan scans eBay for graded cards listed below their benchmark
// price. It loads configuration, validates it, sets up signal handling and
// runs the application in the configured mode.
//
// "slabscan seal-secret" encrypts the eBay cert ID read from stdin so it can
// be referenced through ebay.encrypted_cert_path instead of kept in plain text.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/slabscan/internal/app"
	"github.com/alanyoungcy/slabscan/internal/config"
	"github.com/alanyoungcy/slabscan/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seal-secret" {
		if err := sealSecret(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "seal-secret: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "override the configured mode (full, scan, once, server)")
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("slabscan starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Int("catalog_items", len(cfg.Catalog)),
	)

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = application.Run(ctx)
	stop()
	application.Close()

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		logger.Info("application shut down gracefully")
	case errors.Is(err, app.ErrPassFailed):
		logger.Error("scan pass failed", slog.String("error", err.Error()))
		os.Exit(2)
	default:
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	logger.Info("slabscan stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// sealSecret reads one line from stdin and writes it encrypted under the
// password in SLABSCAN_EBAY_CERT_PASSWORD.
func sealSecret(args []string) error {
	fs := flag.NewFlagSet("seal-secret", flag.ContinueOnError)
	out := fs.String("out", "ebay-cert.enc", "file to write the sealed secret to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	password := os.Getenv("SLABSCAN_EBAY_CERT_PASSWORD")
	if password == "" {
		return errors.New("SLABSCAN_EBAY_CERT_PASSWORD is not set")
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return errors.New("empty secret")
	}

	sealed, err := crypto.SealSecret(secret, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(os.Stderr, "sealed secret written to %s\n", *out)
	return nil
}
