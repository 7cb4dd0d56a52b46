package export

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Webhook delivery headers.
const (
	HeaderEvent     = "X-Trustscore-Event"
	HeaderSession   = "X-Trustscore-Session"
	HeaderTimestamp = "X-Trustscore-Timestamp"
	HeaderSignature = "X-Trustscore-Signature"

	EventSessionExported = "session.exported"
)

// WebhookSink POSTs each export to a receiver. When a secret is set the body
// is signed with HMAC-SHA256 over "<timestamp>.<body>".
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

// NewWebhookSink creates a sink delivering to url.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

// Write delivers doc. Any non-2xx answer is an error, so a receiver that
// rejects the full document with 413 gets the minimal one.
func (s *WebhookSink) Write(ctx context.Context, sessionID string, doc []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	ts := strconv.FormatInt(s.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, EventSessionExported)
	req.Header.Set(HeaderSession, sessionID)
	req.Header.Set(HeaderTimestamp, ts)
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(s.secret, ts, doc))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a signature produced by Sign in constant time.
func VerifySignature(secret, timestamp string, payload []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
