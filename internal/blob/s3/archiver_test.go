package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

type fakePurchases struct {
	rows []domain.PurchaseRecord
	err  error
}

func (f *fakePurchases) ListSince(context.Context, time.Time) ([]domain.PurchaseRecord, error) {
	return nil, nil
}

func (f *fakePurchases) ListBefore(_ context.Context, before time.Time) ([]domain.PurchaseRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.PurchaseRecord
	for _, r := range f.rows {
		if r.Timestamp.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakePurchases) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type fakeAudit struct{ events []string }

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

var cutoff = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

func TestArchivePurchasesWritesJSONL(t *testing.T) {
	blobs := newMemBlobs()
	audit := &fakeAudit{}
	purchases := &fakePurchases{rows: []domain.PurchaseRecord{
		{ListingID: "1", SellerID: "s1", Quantity: 2, PricePaid: decimal.RequireFromString("9.99"), Timestamp: cutoff.Add(-2 * time.Hour)},
		{ListingID: "2", SellerID: "s1", Quantity: 1, PricePaid: decimal.RequireFromString("7.99"), Timestamp: cutoff.Add(-time.Hour)},
		{ListingID: "3", SellerID: "s2", Quantity: 1, PricePaid: decimal.RequireFromString("5.00"), Timestamp: cutoff.Add(time.Hour)},
	}}
	a := NewArchiver(blobs, blobs, purchases, nil, nil, audit)

	n, err := a.ArchivePurchases(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	path := "archive/purchases/2026-03-14.jsonl"
	require.Contains(t, blobs.objects, path)
	assert.Equal(t, jsonlContentType, blobs.types[path])

	var got []domain.PurchaseRecord
	sc := bufio.NewScanner(bytes.NewReader(blobs.objects[path]))
	for sc.Scan() {
		var r domain.PurchaseRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		got = append(got, r)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ListingID)
	assert.True(t, got[1].PricePaid.Equal(decimal.RequireFromString("7.99")))
	assert.Equal(t, []string{"archive.purchases"}, audit.events)
}

func TestArchiveSkipsEmptyAndNilStores(t *testing.T) {
	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, &fakePurchases{}, nil, nil, nil)

	n, err := a.ArchivePurchases(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = a.ArchiveTransactions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = a.ArchivePricePoints(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blobs.objects)
}

func TestArchiveRefusesToOverwrite(t *testing.T) {
	blobs := newMemBlobs()
	blobs.objects["archive/purchases/2026-03-14.jsonl"] = []byte("{}\n")
	purchases := &fakePurchases{rows: []domain.PurchaseRecord{
		{ListingID: "1", Quantity: 1, Timestamp: cutoff.Add(-time.Minute)},
	}}
	a := NewArchiver(blobs, blobs, purchases, nil, nil, nil)

	_, err := a.ArchivePurchases(context.Background(), cutoff)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestArchivePropagatesStoreError(t *testing.T) {
	boom := errors.New("boom")
	a := NewArchiver(newMemBlobs(), nil, &fakePurchases{err: boom}, nil, nil, nil)
	_, err := a.ArchivePurchases(context.Background(), cutoff)
	assert.ErrorIs(t, err, boom)
}

func TestWithScheme(t *testing.T) {
	assert.Equal(t, "https://minio:9000", withScheme("https://minio:9000", false))
	assert.Equal(t, "http://minio:9000", withScheme("minio:9000", false))
	assert.Equal(t, "https://minio:9000", withScheme("minio:9000", true))
}
