// Package notify fans trade alerts out to chat channels. Notify filters by
// event type so operators only receive the alerts they subscribed to.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Sender is one notification channel, such as a Telegram chat or a Discord
// webhook.
type Sender interface {
	// Send delivers one alert. title is a short headline and message the body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the sender in logs and errors.
	Name() string
}

// Notifier delivers every alert to all of its Senders. It holds the set of
// event types operators subscribed to: Notify drops alerts outside that set,
// while NotifyAll always delivers. A Notifier with no senders accepts alerts
// and does nothing with them.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to senders. events lists the
// event types Notify forwards, for example "trade_buy" or "auto_close". An
// empty list forwards every event type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify delivers the alert when event is one of the subscribed types, or
// when no filter was configured. Filtered alerts return nil.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "notifier: event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every sender in turn. A sender that fails is logged and
// skipped, the remaining senders still receive the alert, and the failures
// come back joined into one error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "notifier: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notifier: sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
