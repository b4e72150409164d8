// Package relay filters inbound messages and forwards accepted ones to
// the configured webhook, at most once per event.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/anikeev/wagate/internal/domain"
	"github.com/anikeev/wagate/internal/guard"
)

// Rules are the filter settings applied to each inbound event. They are
// fetched from the provider per event, so reconfiguration takes effect
// without a restart.
type Rules struct {
	AllowPrivate   bool
	AllowedGroups  []string
	TargetIdentity string
}

func (r Rules) groupAllowed(chatID string) bool {
	for _, id := range r.AllowedGroups {
		if id == chatID {
			return true
		}
	}
	return false
}

// RulesProvider returns the current filter rules.
type RulesProvider func() Rules

// Payload is the exact wire shape delivered to the webhook.
// RepliedMessageID is a pointer so an absent quote serializes as an
// explicit null, which the consumer contract requires.
type Payload struct {
	MessageID        string  `json:"message_id"`
	ChatID           string  `json:"chat_id"`
	RepliedMessageID *string `json:"replied_message_id"`
	IsGroup          bool    `json:"is_group"`
	MessageText      string  `json:"message_text"`
}

// Forwarder relays filtered inbound messages to one webhook. Delivery
// is best-effort: a failed POST is logged and the event is gone. There
// is no queue to replay from.
type Forwarder struct {
	webhookURL string
	apiKey     string
	budget     time.Duration
	rules      RulesProvider
	httpc      *http.Client
}

// New creates a forwarder for the given webhook.
func New(webhookURL, apiKey string, budget time.Duration, rules RulesProvider) *Forwarder {
	return &Forwarder{
		webhookURL: webhookURL,
		apiKey:     apiKey,
		budget:     budget,
		rules:      rules,
		httpc:      &http.Client{},
	}
}

// Handle runs one event through the filter pipeline and, if it passes,
// delivers it. Intended to be wired as the supervisor's message hook;
// when inbound handling is disabled for the process the hook is simply
// never registered.
func (f *Forwarder) Handle(msg domain.InboundMessage) {
	rules := f.rules()

	if !msg.IsGroup && !rules.AllowPrivate {
		slog.Debug("Dropping private message, private handling disabled",
			"session_id", msg.SessionID, "message_id", msg.MessageID)
		return
	}
	if msg.IsGroup && !rules.groupAllowed(msg.ChatID) {
		slog.Debug("Dropping message from unlisted group",
			"session_id", msg.SessionID, "chat_id", msg.ChatID, "message_id", msg.MessageID)
		return
	}
	if rules.TargetIdentity != "" && msg.To != rules.TargetIdentity {
		slog.Debug("Dropping message for a different identity",
			"session_id", msg.SessionID, "to", msg.To, "message_id", msg.MessageID)
		return
	}

	if err := guard.Run(context.Background(), "webhook delivery", f.budget, func(ctx context.Context) error {
		return f.deliver(ctx, msg)
	}); err != nil {
		// Terminal for this event: no retry, no queue.
		slog.Error("Webhook delivery failed, event dropped",
			"session_id", msg.SessionID, "message_id", msg.MessageID, "error", err)
		return
	}

	slog.Info("Message relayed",
		"session_id", msg.SessionID, "chat_id", msg.ChatID, "message_id", msg.MessageID)
}

func (f *Forwarder) deliver(ctx context.Context, msg domain.InboundMessage) error {
	payload := Payload{
		MessageID:   msg.MessageID,
		ChatID:      msg.ChatID,
		IsGroup:     msg.IsGroup,
		MessageText: msg.Body,
	}
	if msg.QuotedID != "" {
		quoted := msg.QuotedID
		payload.RepliedMessageID = &quoted
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", f.apiKey)

	resp, err := f.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close webhook response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
