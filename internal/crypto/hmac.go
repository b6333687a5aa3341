// Package crypto signs outbound webhook payloads so receivers can check
// they came from this service.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names set on signed requests.
const (
	HeaderTimestamp = "X-Surplus-Timestamp"
	HeaderSignature = "X-Surplus-Signature"
)

// WebhookSigner computes HMAC-SHA256 signatures over timestamp "." body.
type WebhookSigner struct {
	secret []byte
}

// NewWebhookSigner returns a signer for secret.
func NewWebhookSigner(secret string) *WebhookSigner {
	return &WebhookSigner{secret: []byte(secret)}
}

// Headers signs body with the current time.
func (s *WebhookSigner) Headers(body []byte) map[string]string {
	return s.HeadersAt(body, time.Now().Unix())
}

// HeadersAt is like Headers with a caller supplied Unix timestamp.
func (s *WebhookSigner) HeadersAt(body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderTimestamp: ts,
		HeaderSignature: s.sign(ts, body),
	}
}

// Verify reports whether sig is the signature of body at ts and ts is
// within maxSkew of now.
func (s *WebhookSigner) Verify(body []byte, ts, sig string, now time.Time, maxSkew time.Duration) bool {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < -maxSkew || skew > maxSkew {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(s.sign(ts, body))
	if err != nil {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

func (s *WebhookSigner) sign(ts string, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (s *WebhookSigner) String() string {
	if len(s.secret) <= 4 {
		return "WebhookSigner{secret=****}"
	}
	return fmt.Sprintf("WebhookSigner{secret=%s****}", s.secret[:4])
}
