package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/surplusmarket/internal/crypto"
	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSender struct {
	mu    sync.Mutex
	calls int
	sent  []string
	err   error
}

func (f *fakeSender) Send(_ context.Context, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, title+": "+message)
	return nil
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &fakeSender{}
	n := NewNotifier([]Sender{s}, []string{EventPriceFloor}, discard())

	require.NoError(t, n.Notify(context.Background(), EventPriceCeiling, "t", "m"))
	require.NoError(t, n.Notify(context.Background(), EventPriceFloor, "t", "m"))
	assert.Len(t, s.messages(), 1)
}

func TestNotifierBreakerStopsCallingDeadSender(t *testing.T) {
	s := &fakeSender{err: errors.New("webhook gone")}
	n := NewNotifier([]Sender{s}, nil, discard())

	for i := 0; i < 5; i++ {
		assert.Error(t, n.Notify(context.Background(), EventPriceFloor, "t", "m"))
	}
	assert.Equal(t, 3, s.calls)
}

func TestDiscordSenderPostsContent(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "Title", "body"))
	assert.Equal(t, "**Title**\nbody", got["content"])
}

func TestTelegramSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		http.Error(w, "bad chat", http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	err := s.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func listingAt(id, base, current string) domain.Listing {
	return domain.Listing{
		ID:           id,
		Name:         "item " + id,
		BasePrice:    decimal.RequireFromString(base),
		CurrentPrice: decimal.RequireFromString(current),
	}
}

func TestAlertsFireOncePerBoundEntry(t *testing.T) {
	s := &fakeSender{}
	a := NewAlerts(NewNotifier([]Sender{s}, nil, discard()), 0.5, 2.0, 2, discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()

	snap := func(v uint64, ls ...domain.Listing) *domain.Snapshot {
		return domain.NewSnapshot(v, time.Now(), ls)
	}

	require.NoError(t, a.HandleSnapshot(ctx, snap(1, listingAt("1", "10.00", "5.00"), listingAt("2", "10.00", "10.50"))))
	require.NoError(t, a.HandleSnapshot(ctx, snap(2, listingAt("1", "10.00", "5.00"), listingAt("2", "10.00", "20.00"))))
	require.NoError(t, a.HandleSnapshot(ctx, snap(3, listingAt("1", "10.00", "6.00"), listingAt("2", "10.00", "20.00"))))
	require.NoError(t, a.HandleSnapshot(ctx, snap(4, listingAt("1", "10.00", "5.00"))))

	require.Eventually(t, func() bool { return len(s.messages()) == 3 }, time.Second, 5*time.Millisecond)
	msgs := s.messages()
	assert.Contains(t, msgs[0], "Price floor reached")
	assert.Contains(t, msgs[1], "Price ceiling reached")
	assert.Contains(t, msgs[2], "Price floor reached")

	cancel()
	<-done
}

func TestAlertsCheckoutFailed(t *testing.T) {
	s := &fakeSender{}
	a := NewAlerts(NewNotifier([]Sender{s}, nil, discard()), 0.5, 2.0, 2, discard())
	a.CheckoutFailed(context.Background(), domain.Transaction{ID: "tx-1", TotalAmount: decimal.RequireFromString("3.50")}, errors.New("db down"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(s.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, s.messages()[0], "tx-1")
}

func TestWebhookSenderSignsPayload(t *testing.T) {
	signer := crypto.NewWebhookSigner("hook-secret")
	var (
		body   []byte
		header http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		header = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, signer)
	require.NoError(t, s.Send(context.Background(), "Price floor", "bowl at 4.99"))

	var got webhookPayload
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "Price floor", got.Title)
	assert.Equal(t, "bowl at 4.99", got.Message)
	assert.True(t, signer.Verify(body,
		header.Get(crypto.HeaderTimestamp), header.Get(crypto.HeaderSignature),
		time.Now(), time.Minute))
}

func TestWebhookSenderUnsignedAndFailing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(crypto.HeaderSignature))
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSender(srv.URL, nil).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
