package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// Archiver implements domain.Archiver. It exports rows older than a cutoff
// as JSONL under archive/<kind>/<cutoff>.jsonl and records each export in
// the audit log. Deleting the exported rows is left to the caller.
type Archiver struct {
	writer       domain.BlobWriter
	reader       domain.BlobReader
	purchases    domain.PurchaseStore
	transactions domain.TransactionStore
	points       domain.PricePointStore
	audit        domain.AuditStore
}

// NewArchiver builds an Archiver. reader and audit may be nil.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	purchases domain.PurchaseStore,
	transactions domain.TransactionStore,
	points domain.PricePointStore,
	audit domain.AuditStore,
) *Archiver {
	return &Archiver{
		writer:       writer,
		reader:       reader,
		purchases:    purchases,
		transactions: transactions,
		points:       points,
		audit:        audit,
	}
}

// ArchivePurchases exports purchase records older than before.
func (a *Archiver) ArchivePurchases(ctx context.Context, before time.Time) (int64, error) {
	if a.purchases == nil {
		return 0, nil
	}
	rows, err := a.purchases.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive purchases: %w", err)
	}
	return export(ctx, a, "purchases", before, rows)
}

// ArchiveTransactions exports transactions older than before.
func (a *Archiver) ArchiveTransactions(ctx context.Context, before time.Time) (int64, error) {
	if a.transactions == nil {
		return 0, nil
	}
	rows, err := a.transactions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions: %w", err)
	}
	return export(ctx, a, "transactions", before, rows)
}

// ArchivePricePoints exports published price points older than before.
func (a *Archiver) ArchivePricePoints(ctx context.Context, before time.Time) (int64, error) {
	if a.points == nil {
		return 0, nil
	}
	rows, err := a.points.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive price points: %w", err)
	}
	return export(ctx, a, "price_points", before, rows)
}

func export[T any](ctx context.Context, a *Archiver, kind string, before time.Time, rows []T) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	path := archivePath(kind, before)
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
		}
		if exists {
			return 0, fmt.Errorf("s3blob: archive %s: %s: %w", kind, path, domain.ErrAlreadyExists)
		}
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType); err != nil {
		return 0, fmt.Errorf("s3blob: archive %s: %w", kind, err)
	}

	count := int64(len(rows))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
			"path":   path,
			"count":  count,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive %s: audit: %w", kind, err)
		}
	}
	return count, nil
}

// archivePath partitions archives by the UTC day of the cutoff, e.g.
// archive/purchases/2026-03-14.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

func marshalJSONL[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, r := range rows {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
