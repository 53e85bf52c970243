package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Alerter posts unresolved-payment alerts to a Slack channel via chat.postMessage.
type Alerter struct {
	token   string
	channel string
	client  *http.Client
	apiURL  string

	mu       sync.Mutex
	lastSent time.Time
}

// NewAlerter creates a new Slack alerter.
func NewAlerter(token, channel string) *Alerter {
	return &Alerter{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  "https://slack.com/api/chat.postMessage",
	}
}

// paymentPayload is the subset of fields we extract from the unresolved-payment message.
type paymentPayload struct {
	StripeEventID string `json:"stripe_event_id"`
	AccountID     string `json:"account_id"`
	Reason        string `json:"reason"`
}

// PostUnresolvedPaymentAlert sends a Block Kit message for a payment that
// could not be credited automatically. It rate-limits to at most one alert
// per 30 seconds to protect against burst storms.
func (a *Alerter) PostUnresolvedPaymentAlert(ctx context.Context, eventID string, payload []byte) error {
	a.mu.Lock()
	if time.Since(a.lastSent) < 30*time.Second {
		a.mu.Unlock()
		return nil
	}
	a.lastSent = time.Now()
	a.mu.Unlock()

	var p paymentPayload
	_ = json.Unmarshal(payload, &p)

	if p.StripeEventID == "" {
		p.StripeEventID = eventID
	}
	account := p.AccountID
	if account == "" {
		account = "unknown"
	}
	reason := p.Reason
	if reason == "" {
		reason = "unknown"
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": "Unresolved Payment Alert",
			},
		},
		{
			"type": "section",
			"fields": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Stripe Event:*\n%s", p.StripeEventID)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Account:*\n%s", account)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:*\n%s", reason)},
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("Sent at %s", time.Now().UTC().Format(time.RFC3339))},
			},
		},
	}

	body, err := json.Marshal(map[string]any{
		"channel": a.channel,
		"blocks":  blocks,
		"text":    fmt.Sprintf("Unresolved payment: %s — %s", p.StripeEventID, reason),
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	slog.Info("unresolved-payment alert posted to Slack", "channel", a.channel, "stripe_event_id", p.StripeEventID)
	return nil
}
