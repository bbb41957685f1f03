// Package notify delivers run and approval events to people. Notifications
// are sent after a transition commits; a failed delivery is logged and never
// affects the run.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/validation-cli/internal/config"
)

// Kind identifies what a notification is about.
type Kind string

const (
	KindApprovalRequested Kind = "approval_requested"
	KindApprovalEscalated Kind = "approval_escalated"
	KindApprovalResolved  Kind = "approval_resolved"
	KindRunUpdated        Kind = "run_updated"
	KindRunFinished       Kind = "run_finished"
)

// Detail keys the orchestrator fills in.
const (
	DetailProject  = "project"
	DetailPhase    = "phase"
	DetailNextStep = "next_step"
	DetailType     = "approval_type"
	DetailLevel    = "escalation_level"
)

// Notification is one event addressed to a recipient.
type Notification struct {
	RunID      string         `json:"run_id"`
	Kind       Kind           `json:"kind"`
	ApprovalID string         `json:"approval_id,omitempty"`
	Recipient  string         `json:"recipient,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (n Notification) detail(key string) string {
	s, _ := n.Details[key].(string)
	return s
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Notification) error { return nil }

// Multi fans a notification out to every sink. Every sink is attempted; the
// returned error joins the failures.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the configured sinks. With nothing configured it returns
// Nop.
func FromConfig(cfg config.NotifyConfig) Notifier {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	var sinks Multi
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhook(cfg.WebhookURL, cfg.DefaultChannel, timeout))
	}
	if cfg.NotionToken != "" && cfg.NotionBoardDB != "" {
		sinks = append(sinks, NewNotionBoard(NewNotionClient(cfg.NotionToken), cfg.NotionBoardDB))
	}
	switch len(sinks) {
	case 0:
		zap.L().Debug("notify: no sinks configured")
		return Nop{}
	case 1:
		return sinks[0]
	default:
		return sinks
	}
}

// Deliver sends n and logs a failure instead of returning it.
func Deliver(ctx context.Context, nt Notifier, n Notification) {
	if nt == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	if err := nt.Notify(ctx, n); err != nil {
		zap.L().Warn("notify: delivery failed",
			zap.String("run_id", n.RunID),
			zap.String("kind", string(n.Kind)),
			zap.String("approval_id", n.ApprovalID),
			zap.Error(err),
		)
	}
}
