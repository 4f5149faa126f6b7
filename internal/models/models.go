package models

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// PresenceStatus is what contacts see for a user. It is derived from the
// set of live connections plus an explicit away toggle.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// User is a registered account.
//
// PasswordHash uses json:"-" so a User can be returned from the API
// without leaking the hash.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// ChatType decides the membership and posting rules of a chat.
//
//   - direct: exactly two participants, no additions after creation.
//   - group: any number of participants, owner/admins manage membership.
//   - broadcast: only the owner posts, everyone else is a read-only member.
type ChatType string

const (
	ChatDirect    ChatType = "direct"
	ChatGroup     ChatType = "group"
	ChatBroadcast ChatType = "broadcast"
)

func (t ChatType) Valid() bool {
	switch t {
	case ChatDirect, ChatGroup, ChatBroadcast:
		return true
	}
	return false
}

// Chat mirrors the chats table. LastSequence is the highest sequence
// number handed out so far; the next message gets LastSequence+1.
type Chat struct {
	ID           uuid.UUID `json:"id"`
	Type         ChatType  `json:"type"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	CreatedBy    uuid.UUID `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	LastSequence int64     `json:"last_sequence"`
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// CanManage reports whether the role may add members or pin messages.
func (r Role) CanManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

// Participant is one row of chat_members.
type Participant struct {
	ChatID   uuid.UUID `json:"chat_id"`
	UserID   uuid.UUID `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
	Muted    bool      `json:"muted"`
}

type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentEmoji    ContentKind = "emoji"
	ContentFile     ContentKind = "file"
	ContentReaction ContentKind = "reaction"
	ContentSystem   ContentKind = "system"
)

// FileRef is the opaque handle the blob store returns. Messages carry the
// reference and metadata, never the bytes.
type FileRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	Checksum string `json:"checksum"`
}

// Content is the payload of a message. Text holds the body for text, emoji,
// reaction and system content; File is set only for file content.
type Content struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text,omitempty"`
	File *FileRef    `json:"file,omitempty"`
}

func (c Content) IsZero() bool {
	return c.Kind == "" && c.Text == "" && c.File == nil
}

// ContentVersion is an immutable prior version of a message's content.
type ContentVersion struct {
	Content    Content   `json:"content"`
	ReplacedAt time.Time `json:"replaced_at"`
}

type Reaction struct {
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single chat message.
//
// Sequence is assigned by the database at insert time and is unique,
// gap-free and strictly increasing within ChatID.
//
// QuotedID and ForwardedFromID are weak references: the target may be
// deleted or missing, and resolving them must not fail because of that.
type Message struct {
	ID              uuid.UUID        `json:"id"`
	ChatID          uuid.UUID        `json:"chat_id"`
	SenderID        uuid.UUID        `json:"sender_id"`
	Sequence        int64            `json:"sequence"`
	ClientMessageID string           `json:"client_message_id,omitempty"`
	Content         Content          `json:"content"`
	CreatedAt       time.Time        `json:"created_at"`
	EditedAt        *time.Time       `json:"edited_at,omitempty"`
	EditHistory     []ContentVersion `json:"edit_history"`
	Deleted         bool             `json:"deleted"`
	DeletedAt       *time.Time       `json:"deleted_at,omitempty"`
	Pinned          bool             `json:"pinned"`
	Reactions       []Reaction       `json:"reactions"`
	QuotedID        *uuid.UUID       `json:"quoted_id,omitempty"`
	ForwardedFromID *uuid.UUID       `json:"forwarded_from_id,omitempty"`
}

// Clone returns a deep copy, so callers can mutate the result without
// affecting versions held by other goroutines.
func (m Message) Clone() Message {
	out := m
	out.EditHistory = slices.Clone(m.EditHistory)
	out.Reactions = slices.Clone(m.Reactions)
	if m.Content.File != nil {
		f := *m.Content.File
		out.Content.File = &f
	}
	for i := range out.EditHistory {
		if f := out.EditHistory[i].Content.File; f != nil {
			cp := *f
			out.EditHistory[i].Content.File = &cp
		}
	}
	return out
}

// Preview is a short plain-text rendering used by notifications and
// quote resolution.
func (m Message) Preview(limit int) string {
	if m.Deleted {
		return "[deleted]"
	}
	var s string
	switch m.Content.Kind {
	case ContentFile:
		if m.Content.File != nil {
			s = "[file] " + m.Content.File.Name
		} else {
			s = "[file]"
		}
	default:
		s = m.Content.Text
	}
	r := []rune(s)
	if limit > 0 && len(r) > limit {
		return string(r[:limit]) + "…"
	}
	return s
}

// MessageRef is the resolved form of a weak reference.
type MessageRef struct {
	ID       uuid.UUID `json:"id"`
	ChatID   uuid.UUID `json:"chat_id,omitempty"`
	SenderID uuid.UUID `json:"sender_id,omitempty"`
	Sequence int64     `json:"sequence,omitempty"`
	Preview  string    `json:"preview,omitempty"`
	Deleted  bool      `json:"deleted"`
	Missing  bool      `json:"missing"`
}

// DeliveryState is ordered: a record only ever moves to a higher value.
type DeliveryState int

const (
	DeliverySent      DeliveryState = 1
	DeliveryDelivered DeliveryState = 2
	DeliveryRead      DeliveryState = 3
)

func (s DeliveryState) String() string {
	switch s {
	case DeliverySent:
		return "sent"
	case DeliveryDelivered:
		return "delivered"
	case DeliveryRead:
		return "read"
	}
	return fmt.Sprintf("DeliveryState(%d)", int(s))
}

func (s DeliveryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DeliveryState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "sent":
		*s = DeliverySent
	case "delivered":
		*s = DeliveryDelivered
	case "read":
		*s = DeliveryRead
	default:
		return fmt.Errorf("unknown delivery state %q", b)
	}
	return nil
}

// DeliveryRecord tracks one recipient's progress on one message.
type DeliveryRecord struct {
	MessageID   uuid.UUID     `json:"message_id"`
	RecipientID uuid.UUID     `json:"recipient_id"`
	ChatID      uuid.UUID     `json:"chat_id"`
	SenderID    uuid.UUID     `json:"sender_id"`
	Sequence    int64         `json:"sequence"`
	State       DeliveryState `json:"state"`
	SentAt      time.Time     `json:"sent_at"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
}
