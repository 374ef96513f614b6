package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/slabscan/internal/domain"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeJSONL = "application/x-ndjson"
)

// ExpiredOpportunityStore is the slice of domain.OpportunityStore the
// archiver needs.
type ExpiredOpportunityStore interface {
	ListExpiredBefore(ctx context.Context, before time.Time, limit int) ([]domain.Opportunity, error)
	DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver implements domain.Archiver. Expired opportunities are written
// as JSONL to a per-day object and purged from the store only after the
// upload succeeds.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader // optional; enables appending to today's file
	opps   ExpiredOpportunityStore
	now    func() time.Time
	logger *slog.Logger
}

// NewArchiver creates an Archiver. reader may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, opps ExpiredOpportunityStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		opps:   opps,
		now:    time.Now,
		logger: logger.With(slog.String("component", "s3_archiver")),
	}
}

// ArchiveExpiredOpportunities uploads every opportunity that expired before
// the cutoff and then deletes them. It returns the number archived.
func (a *Archiver) ArchiveExpiredOpportunities(ctx context.Context, before time.Time) (int64, error) {
	opps, err := a.opps.ListExpiredBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list expired opportunities: %w", err)
	}
	if len(opps) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(opps)
	if err != nil {
		return 0, fmt.Errorf("s3blob: marshal opportunities: %w", err)
	}

	path := opportunityArchivePath(a.now())
	existing, err := a.existing(ctx, path)
	if err != nil {
		return 0, err
	}
	body := append(existing, buf...)

	if int64(len(body)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(body), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(body), contentTypeJSONL)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: upload opportunity archive: %w", err)
	}

	deleted, err := a.opps.DeleteExpiredBefore(ctx, before)
	if err != nil {
		return int64(len(opps)), fmt.Errorf("s3blob: purge archived opportunities: %w", err)
	}
	if deleted != int64(len(opps)) {
		a.logger.WarnContext(ctx, "purged count differs from archived count",
			slog.Int("archived", len(opps)),
			slog.Int64("purged", deleted),
		)
	}

	a.logger.InfoContext(ctx, "opportunities archived",
		slog.String("path", path),
		slog.Int("count", len(opps)),
		slog.Time("before", before),
	)
	return int64(len(opps)), nil
}

// existing returns the current contents of path, or nil when absent or
// when no reader is configured.
func (a *Archiver) existing(ctx context.Context, path string) ([]byte, error) {
	if a.reader == nil {
		return nil, nil
	}
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("s3blob: check archive %s: %w", path, err)
	}
	if !ok {
		return nil, nil
	}
	rc, err := a.reader.Get(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("s3blob: read archive %s: %w", path, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read archive %s: %w", path, err)
	}
	if n := len(data); n > 0 && data[n-1] != '\n' {
		data = append(data, '\n')
	}
	return data, nil
}

// WriteScanReport uploads the finished run as a JSON document.
func (a *Archiver) WriteScanReport(ctx context.Context, run domain.ScanRun) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("s3blob: marshal scan report %s: %w", run.ID, err)
	}
	path := scanReportPath(run)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), contentTypeJSON); err != nil {
		return fmt.Errorf("s3blob: upload scan report: %w", err)
	}
	return nil
}

// opportunityArchivePath partitions archives by the day they were written:
//
//	archive/opportunities/2026-06-01.jsonl
func opportunityArchivePath(at time.Time) string {
	return fmt.Sprintf("archive/opportunities/%s.jsonl", at.UTC().Format("2006-01-02"))
}

// scanReportPath partitions reports by the run's start date:
//
//	scans/2026/06/01/<run-id>.json
func scanReportPath(run domain.ScanRun) string {
	return fmt.Sprintf("scans/%s/%s.json", run.StartedAt.UTC().Format("2006/01/02"), run.ID)
}

// marshalJSONL encodes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
