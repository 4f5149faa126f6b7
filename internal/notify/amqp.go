package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RoutingKey is the topic every offline notification is published under.
const RoutingKey = "notify.offline"

// AMQPNotifier publishes notifications to a topic exchange for a push
// worker to pick up.
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

type offlineEvent struct {
	UserID  uuid.UUID `json:"user_id"`
	Preview Preview   `json:"preview"`
}

// New returns an AMQP notifier when amqpURL is set and reachable, and a
// LogNotifier otherwise. The second return value is a closer for the
// broker connection (a no-op for the log notifier).
func New(amqpURL, exchange string, logger *zap.Logger) (Notifier, func() error) {
	if amqpURL == "" {
		logger.Info("amqp disabled, logging offline notifications", zap.String("reason", "empty amqp url"))
		return NewLogNotifier(logger), func() error { return nil }
	}
	n, err := NewAMQPNotifier(amqpURL, exchange)
	if err != nil {
		logger.Warn("amqp disabled, logging offline notifications", zap.Error(err))
		return NewLogNotifier(logger), func() error { return nil }
	}
	logger.Info("amqp connected", zap.String("exchange", exchange))
	return n, n.Close
}

func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPNotifier{conn: conn, ch: ch, exchange: exchange}, nil
}

func (n *AMQPNotifier) NotifyOffline(ctx context.Context, userID uuid.UUID, preview Preview) error {
	body, err := json.Marshal(offlineEvent{UserID: userID, Preview: preview})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	err = n.ch.PublishWithContext(ctx, n.exchange, RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    preview.MessageID.String(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (n *AMQPNotifier) Close() error {
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
