// Package membership answers "who is in this chat and what may they do",
// enforcing the per-chat-type rules on every change.
package membership

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Index caches chats and their participants in front of the repositories.
//
// Reads (MembersOf, RoleOf, CanPost) are served from memory after the
// first load and never wait on the database. Mutations persist first and
// then swap in a new participant slice, so readers holding the old slice
// keep a consistent snapshot.
type Index struct {
	chats   repository.ChatRepository
	members repository.MembershipRepository
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	deleted map[uuid.UUID]struct{} // chat ids are never reused
	loads   singleflight.Group
}

type entry struct {
	// mutate serializes add/remove/mute/update/delete for one chat across the
	// validate → persist → apply sequence. Readers never take it.
	mutate  sync.Mutex
	removed bool // set by DeleteChat, guarded by mutate

	mu           sync.RWMutex
	chat         models.Chat
	participants []models.Participant // ordered by JoinedAt; replaced, never modified in place
}

// lock takes the mutate lock, failing if the chat was deleted while the
// caller waited.
func (e *entry) lock() error {
	e.mutate.Lock()
	if e.removed {
		e.mutate.Unlock()
		return apperr.ErrChatNotFound
	}
	return nil
}

func (e *entry) snapshot() (models.Chat, []models.Participant) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.chat, e.participants
}

func (e *entry) replace(participants []models.Participant) {
	e.mu.Lock()
	e.participants = participants
	e.mu.Unlock()
}

func (e *entry) setChat(chat models.Chat) {
	e.mu.Lock()
	e.chat = chat
	e.mu.Unlock()
}

func find(participants []models.Participant, userID uuid.UUID) (models.Participant, bool) {
	for _, p := range participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return models.Participant{}, false
}

func NewIndex(chats repository.ChatRepository, members repository.MembershipRepository, logger *zap.Logger) *Index {
	return &Index{
		chats:   chats,
		members: members,
		logger:  logger,
		entries: make(map[uuid.UUID]*entry),
		deleted: make(map[uuid.UUID]struct{}),
	}
}

// load returns the cached entry for chatID, reading it from the
// repositories on a miss. Concurrent misses for the same chat share one
// load.
func (ix *Index) load(ctx context.Context, chatID uuid.UUID) (*entry, error) {
	ix.mu.RLock()
	e, ok := ix.entries[chatID]
	ix.mu.RUnlock()
	if ok {
		return e, nil
	}

	v, err, _ := ix.loads.Do(chatID.String(), func() (any, error) {
		chat, err := ix.chats.GetByID(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("load chat: %w", err)
		}
		if chat == nil {
			return nil, apperr.ErrChatNotFound
		}
		participants, err := ix.members.ListMembers(ctx, chatID)
		if err != nil {
			return nil, fmt.Errorf("load membership: %w", err)
		}

		ix.mu.Lock()
		defer ix.mu.Unlock()
		if _, gone := ix.deleted[chatID]; gone {
			return nil, apperr.ErrChatNotFound
		}
		if existing, ok := ix.entries[chatID]; ok {
			return existing, nil
		}
		e := &entry{chat: *chat, participants: participants}
		ix.entries[chatID] = e
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// Invalidate drops the cached entry so the next read reloads it.
func (ix *Index) Invalidate(chatID uuid.UUID) {
	ix.mu.Lock()
	delete(ix.entries, chatID)
	ix.mu.Unlock()
}

func (ix *Index) Chat(ctx context.Context, chatID uuid.UUID) (models.Chat, error) {
	e, err := ix.load(ctx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	chat, _ := e.snapshot()
	return chat, nil
}

// MembersOf returns the participants ordered by join time.
func (ix *Index) MembersOf(ctx context.Context, chatID uuid.UUID) ([]models.Participant, error) {
	e, err := ix.load(ctx, chatID)
	if err != nil {
		return nil, err
	}
	_, participants := e.snapshot()
	return slices.Clone(participants), nil
}

// Participant returns userID's entry in the chat, or apperr.ErrNotAMember.
func (ix *Index) Participant(ctx context.Context, chatID, userID uuid.UUID) (models.Participant, error) {
	e, err := ix.load(ctx, chatID)
	if err != nil {
		return models.Participant{}, err
	}
	_, participants := e.snapshot()
	p, ok := find(participants, userID)
	if !ok {
		return models.Participant{}, apperr.ErrNotAMember
	}
	return p, nil
}

// RoleOf returns userID's role, or apperr.ErrNotAMember.
func (ix *Index) RoleOf(ctx context.Context, chatID, userID uuid.UUID) (models.Role, error) {
	p, err := ix.Participant(ctx, chatID, userID)
	if err != nil {
		return "", err
	}
	return p.Role, nil
}

// CanPost returns nil if userID may send messages to the chat. In a
// broadcast chat that is only the owner.
func (ix *Index) CanPost(ctx context.Context, chatID, userID uuid.UUID) error {
	e, err := ix.load(ctx, chatID)
	if err != nil {
		return err
	}
	chat, participants := e.snapshot()
	p, ok := find(participants, userID)
	if !ok {
		return apperr.ErrNotAMember
	}
	if chat.Type == models.ChatBroadcast && p.Role != models.RoleOwner {
		return apperr.Denied("only the owner may post in a broadcast chat")
	}
	return nil
}

// CreateChat creates a chat with creator as owner and memberIDs as
// members. A direct chat needs exactly one other, distinct user.
func (ix *Index) CreateChat(ctx context.Context, creator uuid.UUID, chatType models.ChatType, name string, memberIDs []uuid.UUID) (models.Chat, []models.Participant, error) {
	if !chatType.Valid() {
		return models.Chat{}, nil, apperr.Invalid("unknown chat type %q", chatType)
	}

	others := make([]uuid.UUID, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id == creator || id == uuid.Nil || slices.Contains(others, id) {
			continue
		}
		others = append(others, id)
	}
	if chatType == models.ChatDirect && len(others) != 1 {
		return models.Chat{}, nil, apperr.Violation("a direct chat has exactly two participants")
	}

	// Join times are spaced a microsecond apart (Postgres precision) so
	// the owner sorts first and the rest keep the order they were given.
	now := time.Now().UTC().Truncate(time.Microsecond)
	chatID := uuid.New()
	participants := make([]models.Participant, 0, len(others)+1)
	participants = append(participants, models.Participant{
		ChatID: chatID, UserID: creator, Role: models.RoleOwner, JoinedAt: now,
	})
	for i, id := range others {
		participants = append(participants, models.Participant{
			ChatID: chatID, UserID: id, Role: models.RoleMember, JoinedAt: now.Add(time.Duration(i+1) * time.Microsecond),
		})
	}

	chat, err := ix.chats.Create(ctx, models.Chat{
		ID:        chatID,
		Type:      chatType,
		Name:      name,
		CreatedBy: creator,
	}, participants)
	if err != nil {
		return models.Chat{}, nil, fmt.Errorf("create chat: %w", err)
	}

	ix.mu.Lock()
	ix.entries[chat.ID] = &entry{chat: *chat, participants: participants}
	ix.mu.Unlock()

	ix.logger.Info("chat created",
		zap.String("chat_id", chat.ID.String()),
		zap.String("type", string(chat.Type)),
		zap.Int("participants", len(participants)),
	)
	return *chat, slices.Clone(participants), nil
}

// AddMember adds userID to the chat on behalf of actor.
//
//   - direct: never (InvariantViolation), whoever asks.
//   - broadcast: owner only.
//   - group: owner or admin; only the owner may add an admin.
//
// There is exactly one owner per chat, so role=owner is rejected.
func (ix *Index) AddMember(ctx context.Context, actor, chatID, userID uuid.UUID, role models.Role) (models.Participant, error) {
	if role == "" {
		role = models.RoleMember
	}
	if !role.Valid() {
		return models.Participant{}, apperr.Invalid("unknown role %q", role)
	}

	e, err := ix.load(ctx, chatID)
	if err != nil {
		return models.Participant{}, err
	}
	if err := e.lock(); err != nil {
		return models.Participant{}, err
	}
	defer e.mutate.Unlock()

	chat, participants := e.snapshot()
	if chat.Type == models.ChatDirect {
		return models.Participant{}, apperr.Violation("a direct chat cannot accept additional members")
	}
	actorEntry, ok := find(participants, actor)
	if !ok {
		return models.Participant{}, apperr.ErrNotAMember
	}
	switch {
	case chat.Type == models.ChatBroadcast && actorEntry.Role != models.RoleOwner:
		return models.Participant{}, apperr.Denied("only the owner may add members to a broadcast chat")
	case !actorEntry.Role.CanManage():
		return models.Participant{}, apperr.Denied("only the owner or an admin may add members")
	case role == models.RoleOwner:
		return models.Participant{}, apperr.Violation("a chat has exactly one owner")
	case role == models.RoleAdmin && actorEntry.Role != models.RoleOwner:
		return models.Participant{}, apperr.Denied("only the owner may grant admin")
	}
	if _, exists := find(participants, userID); exists {
		return models.Participant{}, apperr.Violation("user is already a member")
	}

	p := models.Participant{
		ChatID:   chatID,
		UserID:   userID,
		Role:     role,
		JoinedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := ix.members.AddMember(ctx, p); err != nil {
		return models.Participant{}, fmt.Errorf("add member: %w", err)
	}

	next := append(slices.Clone(participants), p)
	e.replace(next)

	ix.logger.Info("member added",
		zap.String("chat_id", chatID.String()),
		zap.String("user_id", userID.String()),
		zap.String("role", string(role)),
		zap.String("actor", actor.String()),
	)
	return p, nil
}

// RemoveMember removes userID from the chat on behalf of actor.
//
// Anyone but the owner may remove themselves (leave). Removing somebody
// else takes the owner. Direct chats have fixed membership.
func (ix *Index) RemoveMember(ctx context.Context, actor, chatID, userID uuid.UUID) error {
	e, err := ix.load(ctx, chatID)
	if err != nil {
		return err
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mutate.Unlock()

	chat, participants := e.snapshot()
	if chat.Type == models.ChatDirect {
		return apperr.Violation("direct chat membership is fixed")
	}
	actorEntry, ok := find(participants, actor)
	if !ok {
		return apperr.ErrNotAMember
	}
	target, ok := find(participants, userID)
	if !ok {
		return apperr.Violation("user is not a member of this chat")
	}
	if actor == userID {
		if target.Role == models.RoleOwner {
			return apperr.Violation("the owner cannot leave the chat")
		}
	} else if actorEntry.Role != models.RoleOwner {
		return apperr.Denied("only the owner may remove members")
	}

	if err := ix.members.RemoveMember(ctx, chatID, userID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}

	next := slices.DeleteFunc(slices.Clone(participants), func(p models.Participant) bool {
		return p.UserID == userID
	})
	e.replace(next)

	ix.logger.Info("member removed",
		zap.String("chat_id", chatID.String()),
		zap.String("user_id", userID.String()),
		zap.String("actor", actor.String()),
	)
	return nil
}

// SetMuted toggles the caller's own muted flag.
func (ix *Index) SetMuted(ctx context.Context, chatID, userID uuid.UUID, muted bool) error {
	e, err := ix.load(ctx, chatID)
	if err != nil {
		return err
	}
	if err := e.lock(); err != nil {
		return err
	}
	defer e.mutate.Unlock()

	_, participants := e.snapshot()
	if _, ok := find(participants, userID); !ok {
		return apperr.ErrNotAMember
	}
	if err := ix.members.SetMuted(ctx, chatID, userID, muted); err != nil {
		return fmt.Errorf("set muted: %w", err)
	}

	next := slices.Clone(participants)
	for i := range next {
		if next[i].UserID == userID {
			next[i].Muted = muted
		}
	}
	e.replace(next)
	return nil
}

// UpdateChat renames a group or broadcast chat and sets its description.
// Owner or admin only; direct chats have no name to change.
func (ix *Index) UpdateChat(ctx context.Context, actor, chatID uuid.UUID, name, description string) (models.Chat, error) {
	e, err := ix.load(ctx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if err := e.lock(); err != nil {
		return models.Chat{}, err
	}
	defer e.mutate.Unlock()

	chat, participants := e.snapshot()
	p, ok := find(participants, actor)
	if !ok {
		return models.Chat{}, apperr.ErrNotAMember
	}
	if chat.Type == models.ChatDirect {
		return models.Chat{}, apperr.Violation("a direct chat cannot be renamed")
	}
	if !p.Role.CanManage() {
		return models.Chat{}, apperr.Denied("only the owner or an admin may update the chat")
	}

	updated, err := ix.chats.Update(ctx, chatID, name, description)
	if err != nil {
		return models.Chat{}, fmt.Errorf("update chat: %w", err)
	}
	if updated == nil {
		return models.Chat{}, apperr.ErrChatNotFound
	}
	// The cached LastSequence is not maintained, so only the editable
	// fields are copied in.
	chat.Name = updated.Name
	chat.Description = updated.Description
	e.setChat(chat)

	ix.logger.Info("chat updated",
		zap.String("chat_id", chatID.String()),
		zap.String("actor", actor.String()),
	)
	return chat, nil
}

// DeleteChat removes the chat and its history on behalf of its owner. It
// returns the participants the chat had, so they can be told.
func (ix *Index) DeleteChat(ctx context.Context, actor, chatID uuid.UUID) ([]models.Participant, error) {
	e, err := ix.load(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := e.lock(); err != nil {
		return nil, err
	}
	defer e.mutate.Unlock()

	_, participants := e.snapshot()
	p, ok := find(participants, actor)
	if !ok {
		return nil, apperr.ErrNotAMember
	}
	if p.Role != models.RoleOwner {
		return nil, apperr.Denied("only the owner may delete the chat")
	}

	if err := ix.chats.Delete(ctx, chatID); err != nil {
		return nil, fmt.Errorf("delete chat: %w", err)
	}
	e.removed = true
	ix.mu.Lock()
	ix.deleted[chatID] = struct{}{}
	ix.mu.Unlock()
	ix.Invalidate(chatID)

	ix.logger.Info("chat deleted",
		zap.String("chat_id", chatID.String()),
		zap.String("actor", actor.String()),
		zap.Int("participants", len(participants)),
	)
	return slices.Clone(participants), nil
}

// ChatsFor lists every chat userID belongs to.
func (ix *Index) ChatsFor(ctx context.Context, userID uuid.UUID) ([]models.Chat, error) {
	chats, err := ix.chats.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// Contacts returns every other user sharing at least one chat with userID.
func (ix *Index) Contacts(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	chats, err := ix.ChatsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]struct{})
	contacts := make([]uuid.UUID, 0)
	for _, chat := range chats {
		members, err := ix.MembersOf(ctx, chat.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range members {
			if p.UserID == userID {
				continue
			}
			if _, ok := seen[p.UserID]; ok {
				continue
			}
			seen[p.UserID] = struct{}{}
			contacts = append(contacts, p.UserID)
		}
	}
	return contacts, nil
}
