package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/crosslogic/metering-agent/pkg/events"
	"go.uber.org/zap"
)

// SlackAdapter sends notifications to Slack via webhooks
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// SlackWebhookPayload represents a Slack webhook message
type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"` // Fallback text
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type   string            `json:"type"`
	Text   *SlackTextObject  `json:"text,omitempty"`
	Fields []SlackTextObject `json:"fields,omitempty"`
}

// SlackTextObject represents a text object in Slack
type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackAdapter creates a new Slack notification adapter
func NewSlackAdapter(webhookURL, channel string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Send sends a notification to Slack
func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "Metering Agent",
		Blocks:   s.formatEvent(event),
		Text:     fmt.Sprintf("Event: %s", event.Type),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// formatEvent converts an event into Slack blocks
func (s *SlackAdapter) formatEvent(event events.Event) []SlackBlock {
	switch event.Type {
	case events.EventHealthChanged, events.EventHealthInit:
		return s.formatHealthChanged(event)
	case events.EventFlushFailed:
		return s.formatFlushFailed(event)
	default:
		return s.formatGeneric(event)
	}
}

var levelHeaders = map[string]string{
	"init":    "🛑 Metering could not start",
	"stop":    "🛑 Metering stopped",
	"warning": "⚠️ Metering degraded",
	"normal":  "✅ Metering recovered",
}

func (s *SlackAdapter) formatHealthChanged(event events.Event) []SlackBlock {
	to := getStringField(event.Payload, "to")
	header, ok := levelHeaders[to]
	if !ok {
		header = fmt.Sprintf("Metering health: %s", to)
	}

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{Type: "plain_text", Text: header, Emoji: true},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*From:*\n%s", getStringField(event.Payload, "from"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*To:*\n%s", to)},
			},
		},
	}

	if details := stateDetails(event.Payload); len(details) > 0 {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackTextObject{Type: "mrkdwn", Text: "*Details:*\n• " + strings.Join(details, "\n• ")},
		})
	}

	blocks = append(blocks, SlackBlock{
		Type: "context",
		Fields: []SlackTextObject{
			{Type: "mrkdwn", Text: fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s>", event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339))},
		},
	})
	return blocks
}

func (s *SlackAdapter) formatFlushFailed(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{Type: "plain_text", Text: "💥 Metering flush failed", Emoji: true},
		},
		{
			Type: "section",
			Text: &SlackTextObject{Type: "mrkdwn", Text: fmt.Sprintf("```%s```", getStringField(event.Payload, "error"))},
		},
	}
}

func (s *SlackAdapter) formatGeneric(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{Type: "plain_text", Text: fmt.Sprintf("📬 Event: %s", event.Type), Emoji: true},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Event ID:*\n`%s`", event.ID)},
			},
		},
	}
}

func getStringField(payload map[string]interface{}, key string) string {
	if v := stringField(payload, key); v != "" {
		return v
	}
	return "N/A"
}

// stateDetails reads the detail list out of a health event payload.
func stateDetails(payload map[string]interface{}) []string {
	state, ok := payload["state"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := state["details"].([]interface{})
	if !ok {
		return nil
	}
	details := make([]string, 0, len(raw))
	for _, d := range raw {
		details = append(details, fmt.Sprint(d))
	}
	return details
}
