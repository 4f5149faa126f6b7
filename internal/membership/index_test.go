package membership

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newIndex() (*Index, *memory.Store) {
	store := memory.New()
	return NewIndex(store.Chats(), store.Members(), zap.NewNop()), store
}

func TestCreateDirectChat(t *testing.T) {
	ix, _ := newIndex()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	chat, members, err := ix.CreateChat(ctx, a, models.ChatDirect, "", []uuid.UUID{b, a, b})
	require.NoError(t, err)
	assert.Equal(t, models.ChatDirect, chat.Type)
	require.Len(t, members, 2)
	assert.Equal(t, a, members[0].UserID)
	assert.Equal(t, models.RoleOwner, members[0].Role)
	assert.Equal(t, b, members[1].UserID)

	_, _, err = ix.CreateChat(ctx, a, models.ChatDirect, "", []uuid.UUID{b, uuid.New()})
	assert.ErrorIs(t, err, apperr.ErrInvariantViolation)

	_, _, err = ix.CreateChat(ctx, a, models.ChatDirect, "", nil)
	assert.ErrorIs(t, err, apperr.ErrInvariantViolation)
}

func TestDirectChatRejectsThirdMember(t *testing.T) {
	ix, _ := newIndex()
	ctx := context.Background()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	chat, _, err := ix.CreateChat(ctx, a, models.ChatDirect, "", []uuid.UUID{b})
	require.NoError(t, err)

	for _, actor := range []uuid.UUID{a, b, c} {
		_, err = ix.AddMember(ctx, actor, chat.ID, c, models.RoleMember)
		assert.ErrorIs(t, err, apperr.ErrInvariantViolation)
	}

	members, err := ix.MembersOf(ctx, chat.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestGroupMembershipRules(t *testing.T) {
	ix, _ := newIndex()
	ctx := context.Background()
	owner, member, newcomer, outsider := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	chat, _, err := ix.CreateChat(ctx, owner, models.ChatGroup, "team", []uuid.UUID{member})
	require.NoError(t, err)

	_, err = ix.AddMember(ctx, outsider, chat.ID, newcomer, models.RoleMember)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = ix.AddMember(ctx, member, chat.ID, newcomer, models.RoleMember)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = ix.AddMember(ctx, owner, chat.ID, newcomer, models.RoleOwner)
	assert.ErrorIs(t, err, apperr.ErrInvariantViolation)

	p, err := ix.AddMember(ctx, owner, chat.ID, newcomer, "")
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, p.Role)

	_, err = ix.AddMember(ctx, owner, chat.ID, newcomer, models.RoleMember)
	assert.ErrorIs(t, err, apperr.ErrInvariantViolation, "re-adding is rejected")

	// A non-owner cannot remove someone else.
	err = ix.RemoveMember(ctx, member, chat.ID, newcomer)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	// But can leave.
	require.NoError(t, ix.RemoveMember(ctx, member, chat.ID, member))
	_, err = ix.RoleOf(ctx, chat.ID, member)
	assert.ErrorIs(t, err, apperr.ErrNotAMember)

	// The owner cannot leave.
	err = ix.RemoveMember(ctx, owner, chat.ID, owner)
	assert.ErrorIs(t, err, apperr.ErrInvariantViolation)

	require.NoError(t, ix.RemoveMember(ctx, owner, chat.ID, newcomer))
	members, err := ix.MembersOf(ctx, chat.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestAdminsMayAddButOnlyOwnerGrantsAdmin(t *testing.T) {
	ix, _ := newIndex()
	ctx := context.Background()
	owner, admin, x, y := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	chat, _, err := ix.CreateChat(ctx, owner, models.ChatGroup, "team", nil)
	require.NoError(t, err)
	_, err = ix.AddMember(ctx, owner, chat.ID, admin, models.RoleAdmin)
	require.NoError(t, err)

	_, err = ix.AddMember(ctx, admin, chat.ID, x, models.RoleMember)
	require.NoError(t, err)

	_, err = ix.AddMember(ctx, admin, chat.ID, y, models.RoleAdmin)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestBroadcastPosting(t *testing.T) {
	ix, _ := newIndex()
	ctx := context.Background()
	owner, listener := uuid.New(), uuid.New()

	chat, _, err := ix.CreateChat(ctx, owner, models.ChatBroadcast, "news", []uuid.UUID{listener})
	require.NoError(t, err)

	assert.NoError(t, ix.CanPost(ctx, chat.ID, owner))
	assert.ErrorIs(t, ix.CanPost(ctx, chat.ID, listener), apperr.ErrPermissionDenied)
	assert.ErrorIs(t, ix.CanPost(ctx, chat.ID, uuid.New()), apperr.ErrNotAMember)
}

func TestLoadsFromRepositoryOnMiss(t *testing.T) {
	ix, store := newIndex()
	ctx := context.Background()
	owner, member := uuid.New(), uuid.New()

	chat, _, err := ix.CreateChat(ctx, owner, models.ChatGroup, "team", []uuid.UUID{member})
	require.NoError(t, err)

	// A fresh index over the same store sees the chat.
	fresh := NewIndex(store.Chats(), store.Members(), zap.NewNop())
	role, err := fresh.RoleOf(ctx, chat.ID, member)
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, role)

	_, err = fresh.MembersOf(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrChatNotFound)
}

func TestSetMutedAndContacts(t *testing.T) {
	ix, _ := newIndex()
	ctx := context.Background()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	g, _, err := ix.CreateChat(ctx, a, models.ChatGroup, "g", []uuid.UUID{b})
	require.NoError(t, err)
	_, _, err = ix.CreateChat(ctx, a, models.ChatDirect, "", []uuid.UUID{c})
	require.NoError(t, err)

	require.NoError(t, ix.SetMuted(ctx, g.ID, b, true))
	p, err := ix.Participant(ctx, g.ID, b)
	require.NoError(t, err)
	assert.True(t, p.Muted)

	assert.ErrorIs(t, ix.SetMuted(ctx, g.ID, c, true), apperr.ErrNotAMember)

	contacts, err := ix.Contacts(ctx, a)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{b, c}, contacts)
}

func TestUpdateChat(t *testing.T) {
	ix, store := newIndex()
	ctx := context.Background()
	owner, admin, member := uuid.New(), uuid.New(), uuid.New()

	chat, _, err := ix.CreateChat(ctx, owner, models.ChatGroup, "team", []uuid.UUID{member})
	require.NoError(t, err)
	_, err = ix.AddMember(ctx, owner, chat.ID, admin, models.RoleAdmin)
	require.NoError(t, err)

	_, err = ix.UpdateChat(ctx, member, chat.ID, "mine", "")
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = ix.UpdateChat(ctx, uuid.New(), chat.ID, "mine", "")
	assert.ErrorIs(t, err, apperr.ErrNotAMember)

	updated, err := ix.UpdateChat(ctx, admin, chat.ID, "Updated Chat Name", "Updated description")
	require.NoError(t, err)
	assert.Equal(t, "Updated Chat Name", updated.Name)
	assert.Equal(t, "Updated description", updated.Description)

	cached, err := ix.Chat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "Updated description", cached.Description)

	stored, err := store.Chats().GetByID(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "Updated Chat Name", stored.Name)

	direct, _, err := ix.CreateChat(ctx, owner, models.ChatDirect, "", []uuid.UUID{member})
	require.NoError(t, err)
	_, err = ix.UpdateChat(ctx, owner, direct.ID, "x", "")
	assert.ErrorIs(t, err, apperr.ErrInvariantViolation)
}

func TestDeleteChat(t *testing.T) {
	ix, store := newIndex()
	ctx := context.Background()
	owner, admin := uuid.New(), uuid.New()

	chat, _, err := ix.CreateChat(ctx, owner, models.ChatGroup, "doomed", nil)
	require.NoError(t, err)
	_, err = ix.AddMember(ctx, owner, chat.ID, admin, models.RoleAdmin)
	require.NoError(t, err)

	_, err = ix.DeleteChat(ctx, admin, chat.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	former, err := ix.DeleteChat(ctx, owner, chat.ID)
	require.NoError(t, err)
	assert.Len(t, former, 2)

	_, err = ix.MembersOf(ctx, chat.ID)
	assert.ErrorIs(t, err, apperr.ErrChatNotFound)
	_, err = ix.RoleOf(ctx, chat.ID, owner)
	assert.ErrorIs(t, err, apperr.ErrChatNotFound)
	_, err = ix.AddMember(ctx, owner, chat.ID, uuid.New(), models.RoleMember)
	assert.ErrorIs(t, err, apperr.ErrChatNotFound)
	_, err = ix.DeleteChat(ctx, owner, chat.ID)
	assert.ErrorIs(t, err, apperr.ErrChatNotFound)

	chats, err := ix.ChatsFor(ctx, admin)
	require.NoError(t, err)
	assert.Empty(t, chats)

	stored, err := store.Chats().GetByID(ctx, chat.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestInvalidateReloadsFromRepository(t *testing.T) {
	ix, store := newIndex()
	ctx := context.Background()
	owner, late := uuid.New(), uuid.New()

	chat, _, err := ix.CreateChat(ctx, owner, models.ChatGroup, "g", nil)
	require.NoError(t, err)

	// Written behind the index's back: invisible until invalidated.
	require.NoError(t, store.Members().AddMember(ctx, models.Participant{ChatID: chat.ID, UserID: late, Role: models.RoleMember}))
	_, err = ix.RoleOf(ctx, chat.ID, late)
	assert.ErrorIs(t, err, apperr.ErrNotAMember)

	ix.Invalidate(chat.ID)
	role, err := ix.RoleOf(ctx, chat.ID, late)
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, role)
}
