package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/alanyoungcy/slabscan/internal/domain"
	"github.com/alanyoungcy/slabscan/internal/store/storetest"
)

// newTestClient connects to SLABSCAN_TEST_POSTGRES_DSN and resets the
// tables, or skips when the variable is unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("SLABSCAN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SLABSCAN_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 20}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(c.Close)
	if _, err := c.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if n, err := c.RunMigrations(ctx); err != nil || n != 0 {
		t.Fatalf("second migrate applied %d, err %v", n, err)
	}
	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if _, err := c.Pool().Exec(ctx, "TRUNCATE opportunities, scan_runs"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return c
}

func TestOpportunityStoreIntegration(t *testing.T) {
	storetest.OpportunityStore(t, func(t *testing.T) domain.OpportunityStore {
		return NewOpportunityStore(newTestClient(t).Pool())
	})
}

func TestScanRunStoreIntegration(t *testing.T) {
	storetest.ScanRunStore(t, func(t *testing.T) domain.ScanRunStore {
		return NewScanRunStore(newTestClient(t).Pool())
	})
}
