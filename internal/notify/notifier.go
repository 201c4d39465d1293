// Package notify fans alerts out to chat webhooks. Alerts below the
// configured severity, or for rules outside the configured set, are dropped.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every Sender.
type Notifier struct {
	senders     []Sender
	rules       map[string]bool
	minSeverity domain.Severity
	logger      *slog.Logger
}

// NewNotifier creates a Notifier. An empty rules list allows every rule.
func NewNotifier(senders []Sender, minSeverity domain.Severity, rules []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r = strings.TrimSpace(r); r != "" {
			allowed[r] = true
		}
	}
	if minSeverity == "" {
		minSeverity = domain.SeverityWarning
	}
	return &Notifier{
		senders:     senders,
		rules:       allowed,
		minSeverity: minSeverity,
		logger:      logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Wants reports whether a passes the severity and rule filters.
func (n *Notifier) Wants(a domain.Alert) bool {
	if a.Severity.Rank() < n.minSeverity.Rank() {
		return false
	}
	return len(n.rules) == 0 || n.rules[a.Rule]
}

// Deliver sends a to all senders if it passes the filters.
func (n *Notifier) Deliver(ctx context.Context, a domain.Alert) error {
	if !n.Wants(a) {
		n.logger.DebugContext(ctx, "alert filtered out",
			slog.String("rule", a.Rule),
			slog.String("severity", string(a.Severity)),
		)
		return nil
	}
	return n.dispatch(ctx, Title(a), a.Message)
}

// Title renders the headline used by every sender.
func Title(a domain.Alert) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.Title)
}

// dispatch delivers to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
