// Package idempotency remembers which client message ids have already
// produced a message, so a resent frame returns the original result.
package idempotency

import (
	"context"

	"github.com/google/uuid"
)

// Store maps an idempotency key to the id of the message it created.
// Entries expire; a key seen again after expiry is treated as new.
type Store interface {
	// Lookup returns the remembered message id and true, or false if the
	// key is unknown or expired.
	Lookup(ctx context.Context, key string) (uuid.UUID, bool, error)

	Remember(ctx context.Context, key string, messageID uuid.UUID) error
}

// Key builds the idempotency key for one sender's client message id in
// one chat. Two senders, or one sender in two chats, never collide.
func Key(senderID, chatID uuid.UUID, clientMessageID string) string {
	return senderID.String() + "|" + chatID.String() + "|" + clientMessageID
}
