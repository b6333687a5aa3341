package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/surplusmarket/internal/crypto"
)

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// postJSON posts payload to url and treats any non-2xx status as an error.
// When sign is non-nil its headers are added to the request.
func postJSON(ctx context.Context, client *http.Client, url string, payload any, sign func([]byte) map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sign != nil {
		for k, v := range sign(body) {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// WebhookSender posts alerts as JSON to an arbitrary endpoint. Requests are
// signed when a signer is set.
type WebhookSender struct {
	url    string
	signer *crypto.WebhookSigner
	client *http.Client
	now    func() time.Time
}

// NewWebhookSender returns a sender for url. signer may be nil.
func NewWebhookSender(url string, signer *crypto.WebhookSigner) *WebhookSender {
	return &WebhookSender{url: url, signer: signer, client: defaultHTTPClient(), now: time.Now}
}

type webhookPayload struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// Send implements Sender.
func (w *WebhookSender) Send(ctx context.Context, title, message string) error {
	var sign func([]byte) map[string]string
	if w.signer != nil {
		sign = w.signer.Headers
	}
	payload := webhookPayload{Title: title, Message: message, SentAt: w.now().UTC()}
	if err := postJSON(ctx, w.client, w.url, payload, sign); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// Name implements Sender.
func (w *WebhookSender) Name() string { return "webhook" }
