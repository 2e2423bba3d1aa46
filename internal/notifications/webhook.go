package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crosslogic/metering-agent/pkg/events"
	"go.uber.org/zap"
)

// signatureHeader carries "t=<unix>,v1=<hex hmac>" where the HMAC covers
// "<unix>.<body>".
const signatureHeader = "X-Metering-Signature"

// WebhookAdapter posts metering health events as JSON.
type WebhookAdapter struct {
	url     string
	secret  string
	method  string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger
}

// WebhookPayload is the body of a metering webhook delivery. Level and
// PreviousLevel use "normal" for the healthy level.
type WebhookPayload struct {
	EventID       string   `json:"event_id"`
	EventType     string   `json:"event_type"`
	OccurredAt    string   `json:"occurred_at"`
	Level         string   `json:"level,omitempty"`
	PreviousLevel string   `json:"previous_level,omitempty"`
	Details       []string `json:"details,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// NewWebhookAdapter creates a webhook adapter. An empty secret disables
// signing.
func NewWebhookAdapter(url, secret, method string, headers map[string]string, logger *zap.Logger) *WebhookAdapter {
	return &WebhookAdapter{
		url:     url,
		secret:  secret,
		method:  method,
		headers: headers,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func newWebhookPayload(event events.Event) WebhookPayload {
	p := WebhookPayload{
		EventID:    event.ID,
		EventType:  string(event.Type),
		OccurredAt: event.Timestamp.UTC().Format(time.RFC3339),
	}
	switch event.Type {
	case events.EventHealthChanged, events.EventHealthInit:
		p.Level = stringField(event.Payload, "to")
		p.PreviousLevel = stringField(event.Payload, "from")
		p.Details = stateDetails(event.Payload)
	case events.EventFlushFailed:
		p.Error = stringField(event.Payload, "error")
	}
	return p
}

// Send delivers one event.
func (w *WebhookAdapter) Send(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(newWebhookPayload(event))
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Metering-Agent-Notifications/1.0")
	req.Header.Set("X-Metering-Event-ID", event.ID)
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}
	if w.secret != "" {
		req.Header.Set(signatureHeader, sign(body, w.secret, time.Now().Unix()))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook sent",
		zap.String("url", maskURL(w.url)),
		zap.String("event_id", event.ID),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

func sign(body []byte, secret string, ts int64) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, signature(body, secret, ts))
}

func signature(body []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header produced by WebhookAdapter.
// Receivers use it to authenticate deliveries.
func VerifySignature(body []byte, header, secret string) bool {
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return false
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return false
			}
			ts = n
		case "v1":
			sig = value
		}
	}
	if ts == 0 || sig == "" {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(signature(body, secret, ts)))
}

func stringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
