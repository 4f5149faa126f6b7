package dispatch

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/protocol"
	"go.uber.org/zap"
)

const (
	maxChatNameRunes    = 100
	maxDescriptionRunes = 1000
	maxQueryRunes       = 200
)

// UpdateChat renames a chat and tells its members.
func (d *Dispatcher) UpdateChat(ctx context.Context, actor, chatID uuid.UUID, name, description string) (models.Chat, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return models.Chat{}, apperr.Invalid("name cannot be empty")
	case utf8.RuneCountInString(name) > maxChatNameRunes:
		return models.Chat{}, apperr.Invalid("name exceeds %d characters", maxChatNameRunes)
	case utf8.RuneCountInString(description) > maxDescriptionRunes:
		return models.Chat{}, apperr.Invalid("description exceeds %d characters", maxDescriptionRunes)
	}

	chat, err := d.members.UpdateChat(ctx, actor, chatID, name, description)
	if err != nil {
		return models.Chat{}, err
	}
	members, err := d.members.MembersOf(ctx, chatID)
	if err != nil {
		d.logger.Warn("chat update fan-out failed", zap.String("chat_id", chatID.String()), zap.Error(err))
		return chat, nil
	}
	frame := protocol.MustNew(protocol.TypeChatUpdated, protocol.ChatPayload{Chat: chat}).WithChat(chatID)
	d.sendToMembers(members, frame, uuid.Nil, "")
	return chat, nil
}

// DeleteChat removes a chat with its history. Former members who are
// online get a chat-deleted frame.
func (d *Dispatcher) DeleteChat(ctx context.Context, actor, chatID uuid.UUID) error {
	chat, err := d.members.Chat(ctx, chatID)
	if err != nil {
		return err
	}
	former, err := d.members.DeleteChat(ctx, actor, chatID)
	if err != nil {
		return err
	}
	d.sequencers.drop(chatID)

	frame := protocol.MustNew(protocol.TypeChatDeleted, protocol.ChatPayload{Chat: chat}).WithChat(chatID)
	d.sendToMembers(former, frame, uuid.Nil, "")
	return nil
}

// SearchMessages finds messages containing query in the chats actor
// belongs to, or in chatID alone when it is set.
func (d *Dispatcher) SearchMessages(ctx context.Context, actor uuid.UUID, query string, chatID *uuid.UUID, limit int) ([]models.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Invalid("query cannot be empty")
	}
	if utf8.RuneCountInString(query) > maxQueryRunes {
		return nil, apperr.Invalid("query exceeds %d characters", maxQueryRunes)
	}
	if chatID != nil {
		if _, err := d.members.RoleOf(ctx, *chatID, actor); err != nil {
			return nil, err
		}
	}
	switch {
	case limit <= 0:
		limit = 20
	case limit > 100:
		limit = 100
	}
	msgs, err := d.messages.Search(ctx, actor, chatID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return msgs, nil
}
