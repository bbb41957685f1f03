package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Webhook posts each notification as JSON to a URL.
type Webhook struct {
	url            string
	defaultChannel string
	client         *http.Client
}

// NewWebhook creates a webhook sink. Notifications without a recipient are
// addressed to defaultChannel.
func NewWebhook(url, defaultChannel string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:            url,
		defaultChannel: defaultChannel,
		client:         &http.Client{Timeout: timeout},
	}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	if n.Recipient == "" {
		n.Recipient = w.defaultChannel
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return eris.Wrap(err, "notify: marshal notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	zap.L().Debug("notify: webhook sent",
		zap.String("run_id", n.RunID),
		zap.String("kind", string(n.Kind)),
		zap.String("recipient", n.Recipient),
	)
	return nil
}
