// Package notify sends operator alerts to chat channels. Each sender sits
// behind its own circuit breaker so a dead webhook stops costing a timeout
// per alert.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Alert event types.
const (
	EventPriceFloor   = "price_floor"
	EventPriceCeiling = "price_ceiling"
	EventCheckoutFail = "checkout_failed"
)

// Sender delivers one message to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

type guardedSender struct {
	Sender
	breaker *gobreaker.CircuitBreaker
}

// Notifier fans an alert out to every sender. When events is non-empty only
// those event types are forwarded.
type Notifier struct {
	senders []guardedSender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier wraps each sender in a breaker that opens after three
// consecutive failures and probes again after a minute.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	logger = logger.With(slog.String("component", "notifier"))
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	guarded := make([]guardedSender, 0, len(senders))
	for _, s := range senders {
		guarded = append(guarded, guardedSender{
			Sender: s,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    "notify." + s.Name(),
				Timeout: time.Minute,
				ReadyToTrip: func(c gobreaker.Counts) bool {
					return c.ConsecutiveFailures >= 3
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					logger.Warn("circuit breaker state change",
						slog.String("breaker", name),
						slog.String("to", to.String()),
					)
				},
			}),
		})
	}
	return &Notifier{senders: guarded, events: allowed, logger: logger}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify delivers an alert of the given event type if it passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		return nil
	}
	var errs []error
	for _, s := range n.senders {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.Send(ctx, title, message)
		})
		if err != nil {
			n.logger.WarnContext(ctx, "alert delivery failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
