// Package app wires the slabscan dependencies together and runs the
// configured mode.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alanyoungcy/slabscan/internal/config"
)

// App is the root application object. It owns the configuration, logger
// and the cleanup functions run in reverse order on Close.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	out       io.Writer
	startedAt time.Time
	closers   []func()
}

// New creates an App.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "app")),
		out:       os.Stdout,
		startedAt: time.Now().UTC(),
	}
}

// Run wires dependencies and blocks in the configured mode until ctx is
// cancelled or, in once mode, the pass finishes.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("storage", a.cfg.Storage.Backend),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("s3", a.cfg.S3.Enabled),
		slog.Int("catalog_items", len(a.cfg.Catalog)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch strings.ToLower(a.cfg.Mode) {
	case "full":
		return a.FullMode(ctx, deps)
	case "scan":
		return a.ScanMode(ctx, deps)
	case "once":
		return a.OnceMode(ctx, deps)
	case "server":
		return a.ServerMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down resources in reverse registration order. Repeated calls
// are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
