package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateChatNotifiesMembers(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	owner, member := uuid.New(), uuid.New()
	chat := h.chat(t, owner, models.ChatGroup, member)
	mConn := h.connect(member, "m1")

	_, err := h.d.UpdateChat(ctx, owner, chat.ID, "   ", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = h.d.UpdateChat(ctx, member, chat.ID, "mine", "")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	updated, err := h.d.UpdateChat(ctx, owner, chat.ID, " Renamed ", "about us")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)

	frames := mConn.ofType(protocol.TypeChatUpdated)
	require.Len(t, frames, 1)
	var p protocol.ChatPayload
	require.NoError(t, protocol.DecodePayload(frames[0], &p))
	assert.Equal(t, "about us", p.Chat.Description)
}

func TestDeleteChatRemovesAccess(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	owner, member := uuid.New(), uuid.New()
	chat := h.chat(t, owner, models.ChatGroup, member)
	mConn := h.connect(member, "m1")

	sent, err := h.d.SendMessage(ctx, SendRequest{SenderID: owner, ChatID: chat.ID, Content: text("soon gone")})
	require.NoError(t, err)

	assert.ErrorIs(t, h.d.DeleteChat(ctx, member, chat.ID), apperr.ErrPermissionDenied)
	require.NoError(t, h.d.DeleteChat(ctx, owner, chat.ID))

	require.Len(t, mConn.ofType(protocol.TypeChatDeleted), 1)

	_, err = h.d.History(ctx, owner, chat.ID, 0, 10)
	assert.ErrorIs(t, err, apperr.ErrChatNotFound)
	_, err = h.d.SendMessage(ctx, SendRequest{SenderID: owner, ChatID: chat.ID, Content: text("hello?")})
	assert.ErrorIs(t, err, apperr.ErrChatNotFound)

	// The history went with the chat; references to it resolve as missing.
	ref, err := h.d.ResolveReference(ctx, owner, sent.Message.ID)
	require.NoError(t, err)
	assert.True(t, ref.Missing)
	assert.ErrorIs(t, h.d.DeleteChat(ctx, owner, chat.ID), apperr.ErrChatNotFound)
}

func TestSearchMessagesIsMemberScoped(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	ab := h.chat(t, a, models.ChatDirect, b)
	bc := h.chat(t, b, models.ChatDirect, c)

	send := func(sender uuid.UUID, chatID uuid.UUID, s string) models.Message {
		res, err := h.d.SendMessage(ctx, SendRequest{SenderID: sender, ChatID: chatID, Content: text(s)})
		require.NoError(t, err)
		return res.Message
	}
	first := send(a, ab.ID, "Lunch at noon?")
	send(b, bc.ID, "lunch plans with c")
	gone := send(a, ab.ID, "lunch is cancelled")
	_, err := h.d.DeleteMessage(ctx, a, gone.ID)
	require.NoError(t, err)

	found, err := h.d.SearchMessages(ctx, a, "LUNCH", nil, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, first.ID, found[0].ID)

	found, err = h.d.SearchMessages(ctx, b, "lunch", nil, 0)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = h.d.SearchMessages(ctx, b, "lunch", &bc.ID, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, bc.ID, found[0].ChatID)

	_, err = h.d.SearchMessages(ctx, a, "lunch", &bc.ID, 0)
	assert.ErrorIs(t, err, apperr.ErrNotAMember)
	_, err = h.d.SearchMessages(ctx, a, "  ", nil, 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}
