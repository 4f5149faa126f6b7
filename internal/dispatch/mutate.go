package dispatch

import (
	"context"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/protocol"
)

const maxEmojiBytes = 64

// loadForMember fetches a message and checks that actor belongs to its
// chat, returning the actor's role.
func (d *Dispatcher) loadForMember(ctx context.Context, actor, messageID uuid.UUID) (*models.Message, models.Role, error) {
	msg, err := d.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, "", fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return nil, "", apperr.ErrMessageNotFound
	}
	role, err := d.members.RoleOf(ctx, msg.ChatID, actor)
	if err != nil {
		return nil, "", err
	}
	return msg, role, nil
}

// update runs fn under the repository's row lock and maps a vanished row
// to ErrMessageNotFound.
func (d *Dispatcher) update(ctx context.Context, messageID uuid.UUID, fn func(*models.Message) error) (models.Message, error) {
	msg, err := d.messages.Update(ctx, messageID, fn)
	if err != nil {
		return models.Message{}, err
	}
	if msg == nil {
		return models.Message{}, apperr.ErrMessageNotFound
	}
	return *msg, nil
}

// EditMessage replaces a message's content. Only the sender may edit; the
// previous content is kept in the edit history.
func (d *Dispatcher) EditMessage(ctx context.Context, actor, messageID uuid.UUID, content models.Content) (models.Message, error) {
	if err := validateContent(content); err != nil {
		return models.Message{}, err
	}
	if _, _, err := d.loadForMember(ctx, actor, messageID); err != nil {
		return models.Message{}, err
	}

	msg, err := d.update(ctx, messageID, func(m *models.Message) error {
		if m.Deleted {
			return apperr.ErrMessageTombstoned
		}
		if m.SenderID != actor {
			return apperr.Denied("only the sender may edit a message")
		}
		now := d.now().UTC()
		m.EditHistory = append(m.EditHistory, models.ContentVersion{Content: m.Content, ReplacedAt: now})
		m.Content = content
		m.EditedAt = &now
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	d.broadcastUpdate(ctx, protocol.TypeEdit, msg)
	return msg, nil
}

// DeleteMessage tombstones a message. The sender or a chat owner/admin
// may delete. The id and sequence survive; content and history do not.
func (d *Dispatcher) DeleteMessage(ctx context.Context, actor, messageID uuid.UUID) (models.Message, error) {
	_, role, err := d.loadForMember(ctx, actor, messageID)
	if err != nil {
		return models.Message{}, err
	}

	msg, err := d.update(ctx, messageID, func(m *models.Message) error {
		if m.Deleted {
			return apperr.ErrMessageTombstoned
		}
		if m.SenderID != actor && !role.CanManage() {
			return apperr.Denied("only the sender or a chat admin may delete a message")
		}
		now := d.now().UTC()
		m.Deleted = true
		m.DeletedAt = &now
		m.Content = models.Content{}
		m.EditHistory = []models.ContentVersion{}
		m.Reactions = []models.Reaction{}
		m.Pinned = false
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	d.broadcastUpdate(ctx, protocol.TypeDelete, msg)
	return msg, nil
}

// ReactToMessage adds or removes actor's emoji reaction. A user holds at
// most one reaction per emoji on a message.
func (d *Dispatcher) ReactToMessage(ctx context.Context, actor, messageID uuid.UUID, emoji string, remove bool) (models.Message, error) {
	if emoji == "" || len(emoji) > maxEmojiBytes || !utf8.ValidString(emoji) {
		return models.Message{}, apperr.Invalid("invalid emoji")
	}
	if _, _, err := d.loadForMember(ctx, actor, messageID); err != nil {
		return models.Message{}, err
	}

	msg, err := d.update(ctx, messageID, func(m *models.Message) error {
		if m.Deleted {
			return apperr.ErrMessageTombstoned
		}
		i := slices.IndexFunc(m.Reactions, func(r models.Reaction) bool {
			return r.UserID == actor && r.Emoji == emoji
		})
		switch {
		case remove && i >= 0:
			m.Reactions = slices.Delete(m.Reactions, i, i+1)
		case !remove && i < 0:
			m.Reactions = append(m.Reactions, models.Reaction{UserID: actor, Emoji: emoji, CreatedAt: d.now().UTC()})
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	d.broadcastUpdate(ctx, protocol.TypeReact, msg)
	return msg, nil
}

// PinMessage pins or unpins a message. Any member may pin in a direct
// chat, owners and admins in a group, and only the owner in a broadcast.
func (d *Dispatcher) PinMessage(ctx context.Context, actor, messageID uuid.UUID, pinned bool) (models.Message, error) {
	current, role, err := d.loadForMember(ctx, actor, messageID)
	if err != nil {
		return models.Message{}, err
	}
	chat, err := d.members.Chat(ctx, current.ChatID)
	if err != nil {
		return models.Message{}, err
	}
	switch chat.Type {
	case models.ChatGroup:
		if !role.CanManage() {
			return models.Message{}, apperr.Denied("only the owner or an admin may pin in a group")
		}
	case models.ChatBroadcast:
		if role != models.RoleOwner {
			return models.Message{}, apperr.Denied("only the owner may pin in a broadcast chat")
		}
	}

	msg, err := d.update(ctx, messageID, func(m *models.Message) error {
		if m.Deleted {
			return apperr.ErrMessageTombstoned
		}
		m.Pinned = pinned
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	d.broadcastUpdate(ctx, protocol.TypePin, msg)
	return msg, nil
}

// PinnedMessages lists a chat's pinned messages in sequence order.
func (d *Dispatcher) PinnedMessages(ctx context.Context, actor, chatID uuid.UUID) ([]models.Message, error) {
	if _, err := d.members.RoleOf(ctx, chatID, actor); err != nil {
		return nil, err
	}
	msgs, err := d.messages.ListPinned(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("list pinned: %w", err)
	}
	return msgs, nil
}

// History pages backwards through a chat: before=0 starts at the latest
// message. limit is clamped to [1, 100], 50 when zero.
func (d *Dispatcher) History(ctx context.Context, actor, chatID uuid.UUID, before int64, limit int) ([]models.Message, error) {
	if _, err := d.members.RoleOf(ctx, chatID, actor); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = 50
	case limit > 100:
		limit = 100
	}
	msgs, err := d.messages.ListByChat(ctx, chatID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}
