package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/models"
)

// Every method takes context.Context first: each one may hit the network
// (Postgres today), and the caller's deadline has to reach the query.
//
// Lookups return nil, nil when the row does not exist. Translating "not
// found" into a domain error is the caller's job, since only the caller
// knows whether absence is an error (loading a chat) or expected (a weak
// quote reference).

// UserRepository handles user accounts.
type UserRepository interface {
	// Create inserts a user and returns it with ID and CreatedAt populated.
	Create(ctx context.Context, email, displayName, passwordHash string) (*models.User, error)

	GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error)

	// GetByEmail is used by login.
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	// Update changes the profile. Empty arguments keep the current value.
	// Returns nil, nil if the user does not exist.
	Update(ctx context.Context, userID uuid.UUID, displayName, email string) (*models.User, error)
}

// ChatRepository handles chats.
type ChatRepository interface {
	// Create inserts the chat and its initial participants atomically.
	Create(ctx context.Context, chat models.Chat, members []models.Participant) (*models.Chat, error)

	GetByID(ctx context.Context, chatID uuid.UUID) (*models.Chat, error)

	// ListForUser returns every chat the user participates in, newest first.
	// Returns an empty slice (not nil) so JSON serializes to [].
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Chat, error)

	// Update overwrites name and description. Returns nil, nil if the chat
	// does not exist.
	Update(ctx context.Context, chatID uuid.UUID, name, description string) (*models.Chat, error)

	// Delete removes the chat and everything that belongs to it: members,
	// messages and delivery records.
	Delete(ctx context.Context, chatID uuid.UUID) error
}

// MembershipRepository handles who belongs to which chat.
type MembershipRepository interface {
	// AddMember inserts a participant. Adding an existing member is a no-op.
	AddMember(ctx context.Context, p models.Participant) error

	// RemoveMember deletes a participant. No-op if not a member.
	RemoveMember(ctx context.Context, chatID, userID uuid.UUID) error

	// ListMembers returns participants ordered by join time.
	ListMembers(ctx context.Context, chatID uuid.UUID) ([]models.Participant, error)

	SetMuted(ctx context.Context, chatID, userID uuid.UUID, muted bool) error
}

// MessageRepository handles message persistence.
type MessageRepository interface {
	// Create persists msg and assigns its sequence number in the same
	// atomic step. Concurrent callers on one chat get distinct, gap-free,
	// increasing numbers; a failed insert consumes no number.
	Create(ctx context.Context, msg models.Message) (*models.Message, error)

	GetByID(ctx context.Context, messageID uuid.UUID) (*models.Message, error)

	// Update applies fn to the current row under a row lock and writes the
	// result back. If fn returns an error nothing is written and the error
	// is returned unchanged. Returns nil, nil if the message does not exist.
	Update(ctx context.Context, messageID uuid.UUID, fn func(*models.Message) error) (*models.Message, error)

	// ListByChat pages backwards by sequence: before=0 starts from the
	// latest message.
	ListByChat(ctx context.Context, chatID uuid.UUID, before int64, limit int) ([]models.Message, error)

	ListPinned(ctx context.Context, chatID uuid.UUID) ([]models.Message, error)

	// Search returns up to limit non-deleted messages whose text contains
	// query, case-insensitively, newest first. Only chats userID belongs to
	// are searched; chatID narrows that to one chat.
	Search(ctx context.Context, userID uuid.UUID, chatID *uuid.UUID, query string, limit int) ([]models.Message, error)

	// LastSequence returns the highest sequence allocated in the chat, 0
	// for an empty chat.
	LastSequence(ctx context.Context, chatID uuid.UUID) (int64, error)
}

// DeliveryRepository persists per-recipient delivery records.
type DeliveryRepository interface {
	// Save upserts records. An existing record is only overwritten when the
	// new state is strictly higher, so stale writers can never regress it.
	Save(ctx context.Context, records ...models.DeliveryRecord) error

	ListByMessage(ctx context.Context, messageID uuid.UUID) ([]models.DeliveryRecord, error)

	// ListUnread returns ids of messages in chatID, up to and including
	// sequence upTo, whose record for recipientID is not yet read.
	ListUnread(ctx context.Context, chatID, recipientID uuid.UUID, upTo int64) ([]uuid.UUID, error)
}
