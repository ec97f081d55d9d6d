// Package notify pings a Slack webhook when an event arrives carrying a
// pending human-in-the-loop request, so a human sees it without watching the
// dashboard. Best-effort only.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/ClawScope/ClawScope/internal/store"
)

const postTimeout = 5 * time.Second

// SlackNotifier posts HITL alerts to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
}

// NewSlackNotifier returns nil when the webhook URL is empty (disabled).
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	if webhookURL == "" {
		return nil
	}
	return &SlackNotifier{webhookURL: webhookURL}
}

// HITLPending announces a newly pending request. Errors are returned for
// logging only; the ingest path never fails because of a notification.
func (n *SlackNotifier) HITLPending(ctx context.Context, ev *store.Event) error {
	if n == nil {
		return nil
	}
	req := ev.HITLRequest()
	if req == nil {
		return nil
	}
	text := fmt.Sprintf("Agent %s (%s) is waiting on a %s: %s",
		ev.SourceApp, ev.SessionID, req.Type, req.Question)
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()
	if err := slack.PostWebhookContext(ctx, n.webhookURL, &slack.WebhookMessage{Text: text}); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
