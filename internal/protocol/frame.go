// Package protocol defines the websocket wire format: a JSON envelope with
// a type tag and a type-specific payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/models"
)

type Type string

// Client → server.
const (
	TypeAuth         Type = "auth"
	TypeSend         Type = "send"
	TypeEdit         Type = "edit"
	TypeDelete       Type = "delete"
	TypeReact        Type = "react"
	TypePin          Type = "pin"
	TypeForward      Type = "forward"
	TypeTyping       Type = "typing"
	TypeAckDelivered Type = "ack-delivered"
	TypeAckRead      Type = "ack-read"
	TypeReadUntil    Type = "read-until"
	TypePresence     Type = "presence"
	TypePing         Type = "ping"
)

// Server → client. edit, delete, react, pin, typing and presence are
// reused in this direction as event notifications.
const (
	TypeConnected Type = "connected"
	TypeAck       Type = "ack"
	TypeMessage   Type = "message"
	TypeReceipt   Type = "receipt"
	TypeReadByAll Type = "read-by-all"
	TypePong      Type = "pong"
	TypeError     Type = "error"

	TypeChatUpdated Type = "chat-updated"
	TypeChatDeleted Type = "chat-deleted"
)

// Frame is the envelope for every message in both directions.
type Frame struct {
	Type            Type            `json:"type"`
	ChatID          *uuid.UUID      `json:"chat_id,omitempty"`
	MessageID       *uuid.UUID      `json:"message_id,omitempty"`
	ClientMessageID string          `json:"client_message_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// ID returns a pointer to a copy of id, for the optional envelope fields.
func ID(id uuid.UUID) *uuid.UUID {
	return &id
}

// New builds an outbound frame with payload encoded as JSON.
func New(t Type, payload any) (Frame, error) {
	f := Frame{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// MustNew is New for payload types that always marshal (plain structs of
// strings, ids and times).
func MustNew(t Type, payload any) Frame {
	f, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return f
}

func (f Frame) WithChat(id uuid.UUID) Frame {
	f.ChatID = ID(id)
	return f
}

func (f Frame) WithMessage(id uuid.UUID) Frame {
	f.MessageID = ID(id)
	return f
}

func (f Frame) WithClientMessageID(id string) Frame {
	f.ClientMessageID = id
	return f
}

// Decode parses an inbound frame. It only checks the envelope; payloads
// are decoded by DecodePayload once the type is known.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into v. An absent payload
// leaves v at its zero value.
func DecodePayload(f Frame, v any) error {
	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// ---------------------------------------------------------------
// Inbound payloads
// ---------------------------------------------------------------

type AuthPayload struct {
	Token string `json:"token"`
}

// SendPayload carries the content of a new message. QuotedMessageID turns
// the send into a quote.
type SendPayload struct {
	Content         models.Content `json:"content"`
	QuotedMessageID *uuid.UUID     `json:"quoted_message_id,omitempty"`
}

type EditPayload struct {
	Content models.Content `json:"content"`
}

type ReactPayload struct {
	Emoji  string `json:"emoji"`
	Remove bool   `json:"remove,omitempty"`
}

// PinPayload defaults to pinning when Pinned is omitted.
type PinPayload struct {
	Pinned *bool `json:"pinned,omitempty"`
}

type ForwardPayload struct {
	TargetChatID uuid.UUID `json:"target_chat_id"`
}

type TypingPayload struct {
	IsTyping bool `json:"is_typing"`
}

type ReadUntilPayload struct {
	Sequence int64 `json:"sequence"`
}

type PresencePayload struct {
	Status models.PresenceStatus `json:"status"`
}

// ---------------------------------------------------------------
// Outbound payloads
// ---------------------------------------------------------------

type ConnectedPayload struct {
	UserID              uuid.UUID `json:"user_id"`
	ConnectionID        string    `json:"connection_id"`
	HeartbeatIntervalMS int64     `json:"heartbeat_interval_ms"`
}

// MessagePayload is used for message, ack, edit, delete, react and pin
// frames: the full current state of the message.
type MessagePayload struct {
	Message   models.Message     `json:"message"`
	Quoted    *models.MessageRef `json:"quoted,omitempty"`
	Duplicate bool               `json:"duplicate,omitempty"`
}

// ChatPayload carries chat-updated and chat-deleted.
type ChatPayload struct {
	Chat models.Chat `json:"chat"`
}

type TypingEvent struct {
	UserID   uuid.UUID `json:"user_id"`
	IsTyping bool      `json:"is_typing"`
}

type PresenceEvent struct {
	UserID uuid.UUID             `json:"user_id"`
	Status models.PresenceStatus `json:"status"`
}

type ReceiptPayload struct {
	MessageID   uuid.UUID            `json:"message_id"`
	RecipientID uuid.UUID            `json:"recipient_id"`
	State       models.DeliveryState `json:"state"`
}

type ReadByAllPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	Readers   int       `json:"readers"`
}

type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	RequestType  Type   `json:"request_type,omitempty"`
}
