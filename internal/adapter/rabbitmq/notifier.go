package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/simaogato/transferflow-backend/internal/domain"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	DefaultExchange        = "notification_events"
	RoutingKeyCodeIssued   = "otp.code.issued"
	routingKeyNotification = "transfer.%s"
)

// NotificationEvent is the payload published for customer notifications
type NotificationEvent struct {
	AccountID uuid.UUID `json:"account_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// CodeIssuedEvent asks the delivery service to send a security code
type CodeIssuedEvent struct {
	Destination string    `json:"destination"`
	Purpose     string    `json:"purpose"`
	Code        string    `json:"code"`
	Timestamp   time.Time `json:"timestamp"`
}

// BreakerSettings tunes when publishing stops trying the broker
type BreakerSettings struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
}

// DefaultBreakerSettings opens after 5 consecutive failures for 30 seconds
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, Timeout: 30 * time.Second}
}

// Notifier publishes notifications and code deliveries behind a circuit breaker.
// It implements domain.Notifier and domain.CodeDelivery.
type Notifier struct {
	publisher Publisher
	exchange  string
	breaker   *gobreaker.CircuitBreaker
}

// NewNotifier creates a notifier publishing to exchange
func NewNotifier(publisher Publisher, exchange string, settings BreakerSettings, logger *zap.Logger) *Notifier {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = DefaultBreakerSettings().ConsecutiveFailures
	}

	n := &Notifier{publisher: publisher, exchange: exchange}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rabbitmq-" + exchange,
		MaxRequests: 1,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return n
}

// Notify publishes a customer notification. Failures are returned for the caller to log.
func (n *Notifier) Notify(ctx context.Context, notification domain.Notification) error {
	event := NotificationEvent{
		AccountID: notification.AccountID,
		Title:     notification.Title,
		Message:   notification.Message,
		Kind:      string(notification.Kind),
		Timestamp: notification.CreatedAt,
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return n.publish(ctx, fmt.Sprintf(routingKeyNotification, notification.Kind), event)
}

// DeliverCode publishes a code for out-of-band delivery
func (n *Notifier) DeliverCode(ctx context.Context, destination, purpose, code string) error {
	return n.publish(ctx, RoutingKeyCodeIssued, CodeIssuedEvent{
		Destination: destination,
		Purpose:     purpose,
		Code:        code,
		Timestamp:   time.Now(),
	})
}

func (n *Notifier) publish(ctx context.Context, routingKey string, body interface{}) error {
	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, n.publisher.Publish(ctx, n.exchange, routingKey, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("message broker unavailable: %w", err)
	}
	return err
}

// State reports the breaker state, for health checks
func (n *Notifier) State() gobreaker.State {
	return n.breaker.State()
}
