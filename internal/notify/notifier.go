// Package notify tells users about messages that arrived while they had
// no live connection.
package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Preview is the notification body for one offline recipient.
type Preview struct {
	MessageID uuid.UUID `json:"message_id"`
	ChatID    uuid.UUID `json:"chat_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Sequence  int64     `json:"sequence"`
	Text      string    `json:"text"`
}

// Notifier delivers offline notifications. Failures are the caller's to
// log; they never affect the message itself.
type Notifier interface {
	NotifyOffline(ctx context.Context, userID uuid.UUID, preview Preview) error
}

// LogNotifier writes notifications to the log. It is used when no broker
// is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyOffline(_ context.Context, userID uuid.UUID, preview Preview) error {
	n.logger.Info("offline notification",
		zap.String("user_id", userID.String()),
		zap.String("chat_id", preview.ChatID.String()),
		zap.String("message_id", preview.MessageID.String()),
		zap.Int64("sequence", preview.Sequence),
	)
	return nil
}
