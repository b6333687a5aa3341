// Package kafka publishes domain events to Kafka topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// Config holds the publisher settings.
type Config struct {
	Brokers []string
	// Topics maps an event type to a topic. Unmapped events are written to
	// a topic named after the event type.
	Topics       map[string]string
	WriteTimeout time.Duration
	// BreakerFailures is the number of consecutive failures that opens the
	// circuit; BreakerCooldown is how long it stays open.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements domain.EventPublisher. Writes go through a circuit
// breaker so an unavailable cluster fails fast instead of stalling
// checkouts.
type Publisher struct {
	writer  messageWriter
	topics  map[string]string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	now     func() time.Time
}

// NewPublisher creates a Publisher writing to cfg.Brokers.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}
	return newPublisher(w, cfg, logger), nil
}

func newPublisher(w messageWriter, cfg Config, logger *slog.Logger) *Publisher {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	logger = logger.With(slog.String("component", "kafka_publisher"))
	failures := cfg.BreakerFailures
	return &Publisher{
		writer:  w,
		topics:  cfg.Topics,
		timeout: cfg.WriteTimeout,
		logger:  logger,
		now:     time.Now,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "kafka",
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		}),
	}
}

// Topic returns the topic eventType is written to.
func (p *Publisher) Topic(eventType string) string {
	if t, ok := p.topics[eventType]; ok && t != "" {
		return t
	}
	return eventType
}

// Publish writes payload keyed by key. When the breaker is open the call
// returns domain.ErrUnavailable without touching the network.
func (p *Publisher) Publish(ctx context.Context, eventType, key string, payload []byte) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return nil, p.writer.WriteMessages(wctx, kafka.Message{
			Topic: p.Topic(eventType),
			Key:   []byte(key),
			Value: payload,
			Time:  p.now().UTC(),
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("kafka: publish %s: %w", eventType, domain.ErrUnavailable)
	}
	if err != nil {
		return fmt.Errorf("kafka: publish %s: %w", eventType, err)
	}
	return nil
}

// Close flushes pending writes and closes the connection.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ domain.EventPublisher = (*Publisher)(nil)
