// Package memory is an in-process backend for every repository interface.
// It is selected with DB_BACKEND=memory and backs the core's tests.
//
// All data sits behind one RWMutex. Message sequence allocation happens
// under the write lock, so it has the same atomic, gap-free guarantee as
// the Postgres backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/models"
)

type memberKey struct {
	chatID, userID uuid.UUID
}

type deliveryKey struct {
	messageID, recipientID uuid.UUID
}

type Store struct {
	mu         sync.RWMutex
	users      map[uuid.UUID]models.User
	chats      map[uuid.UUID]models.Chat
	members    map[memberKey]models.Participant
	messages   map[uuid.UUID]models.Message
	byChat     map[uuid.UUID][]uuid.UUID // message ids in sequence order
	deliveries map[deliveryKey]models.DeliveryRecord
	recipients map[uuid.UUID][]uuid.UUID             // message id → recipients with a record
	unread     map[memberKey]map[uuid.UUID]struct{} // (chat, recipient) → unread message ids
}

func New() *Store {
	return &Store{
		users:      make(map[uuid.UUID]models.User),
		chats:      make(map[uuid.UUID]models.Chat),
		members:    make(map[memberKey]models.Participant),
		messages:   make(map[uuid.UUID]models.Message),
		byChat:     make(map[uuid.UUID][]uuid.UUID),
		deliveries: make(map[deliveryKey]models.DeliveryRecord),
		recipients: make(map[uuid.UUID][]uuid.UUID),
		unread:     make(map[memberKey]map[uuid.UUID]struct{}),
	}
}

// The repository interfaces share method names (Create, GetByID), so each
// one is served by a thin view over the shared Store.

func (s *Store) Users() *UserStore { return &UserStore{s} }
func (s *Store) Chats() *ChatStore { return &ChatStore{s} }
func (s *Store) Members() *MembershipStore { return &MembershipStore{s} }
func (s *Store) Messages() *MessageStore { return &MessageStore{s} }
func (s *Store) Deliveries() *DeliveryStore { return &DeliveryStore{s} }

// ---------------------------------------------------------------
// Users
// ---------------------------------------------------------------

type UserStore struct{ s *Store }

func (u *UserStore) Create(_ context.Context, email, displayName, passwordHash string) (*models.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	for _, existing := range u.s.users {
		if strings.EqualFold(existing.Email, email) {
			return nil, fmt.Errorf("insert user: email %q already exists", email)
		}
	}
	user := models.User{
		ID:           uuid.New(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	u.s.users[user.ID] = user
	return &user, nil
}

func (u *UserStore) GetByID(_ context.Context, userID uuid.UUID) (*models.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	user, ok := u.s.users[userID]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

// Update changes the display name and email. Empty arguments keep the
// current value.
func (u *UserStore) Update(_ context.Context, userID uuid.UUID, displayName, email string) (*models.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()

	user, ok := u.s.users[userID]
	if !ok {
		return nil, nil
	}
	if email != "" && !strings.EqualFold(email, user.Email) {
		for _, existing := range u.s.users {
			if strings.EqualFold(existing.Email, email) {
				return nil, fmt.Errorf("update user: email %q already exists", email)
			}
		}
		user.Email = email
	}
	if displayName != "" {
		user.DisplayName = displayName
	}
	u.s.users[userID] = user
	return &user, nil
}

func (u *UserStore) GetByEmail(_ context.Context, email string) (*models.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()

	for _, user := range u.s.users {
		if strings.EqualFold(user.Email, email) {
			return &user, nil
		}
	}
	return nil, nil
}

// ---------------------------------------------------------------
// Chats
// ---------------------------------------------------------------

type ChatStore struct{ s *Store }

func (c *ChatStore) Create(_ context.Context, chat models.Chat, members []models.Participant) (*models.Chat, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if _, exists := c.s.chats[chat.ID]; exists {
		return nil, fmt.Errorf("insert chat: %s already exists", chat.ID)
	}
	chat.CreatedAt = time.Now().UTC()
	chat.LastSequence = 0
	c.s.chats[chat.ID] = chat
	for _, m := range members {
		m.ChatID = chat.ID
		c.s.members[memberKey{chat.ID, m.UserID}] = m
	}
	return &chat, nil
}

func (c *ChatStore) GetByID(_ context.Context, chatID uuid.UUID) (*models.Chat, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	chat, ok := c.s.chats[chatID]
	if !ok {
		return nil, nil
	}
	return &chat, nil
}

func (c *ChatStore) Update(_ context.Context, chatID uuid.UUID, name, description string) (*models.Chat, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	chat, ok := c.s.chats[chatID]
	if !ok {
		return nil, nil
	}
	chat.Name = name
	chat.Description = description
	c.s.chats[chatID] = chat
	return &chat, nil
}

// Delete removes the chat with its members, messages and delivery
// records. Deleting a missing chat is a no-op.
func (c *ChatStore) Delete(_ context.Context, chatID uuid.UUID) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	delete(c.s.chats, chatID)
	for key := range c.s.members {
		if key.chatID == chatID {
			delete(c.s.members, key)
		}
	}
	for key := range c.s.unread {
		if key.chatID == chatID {
			delete(c.s.unread, key)
		}
	}
	for _, id := range c.s.byChat[chatID] {
		for _, r := range c.s.recipients[id] {
			delete(c.s.deliveries, deliveryKey{id, r})
		}
		delete(c.s.recipients, id)
		delete(c.s.messages, id)
	}
	delete(c.s.byChat, chatID)
	return nil
}

func (c *ChatStore) ListForUser(_ context.Context, userID uuid.UUID) ([]models.Chat, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	chats := make([]models.Chat, 0)
	for key := range c.s.members {
		if key.userID != userID {
			continue
		}
		if chat, ok := c.s.chats[key.chatID]; ok {
			chats = append(chats, chat)
		}
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].CreatedAt.After(chats[j].CreatedAt)
	})
	return chats, nil
}

// ---------------------------------------------------------------
// Membership
// ---------------------------------------------------------------

type MembershipStore struct{ s *Store }

func (m *MembershipStore) AddMember(_ context.Context, p models.Participant) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	if _, ok := m.s.chats[p.ChatID]; !ok {
		return fmt.Errorf("add member: %w", apperr.ErrChatNotFound)
	}
	key := memberKey{p.ChatID, p.UserID}
	if _, exists := m.s.members[key]; exists {
		return nil
	}
	m.s.members[key] = p
	return nil
}

func (m *MembershipStore) RemoveMember(_ context.Context, chatID, userID uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	delete(m.s.members, memberKey{chatID, userID})
	return nil
}

func (m *MembershipStore) ListMembers(_ context.Context, chatID uuid.UUID) ([]models.Participant, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	members := make([]models.Participant, 0)
	for key, p := range m.s.members {
		if key.chatID == chatID {
			members = append(members, p)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].UserID.String() < members[j].UserID.String()
	})
	return members, nil
}

func (m *MembershipStore) SetMuted(_ context.Context, chatID, userID uuid.UUID, muted bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	key := memberKey{chatID, userID}
	p, ok := m.s.members[key]
	if !ok {
		return nil
	}
	p.Muted = muted
	m.s.members[key] = p
	return nil
}

// ---------------------------------------------------------------
// Messages
// ---------------------------------------------------------------

type MessageStore struct{ s *Store }

func (m *MessageStore) Create(_ context.Context, msg models.Message) (*models.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	chat, ok := m.s.chats[msg.ChatID]
	if !ok {
		return nil, fmt.Errorf("insert message: %w", apperr.ErrChatNotFound)
	}
	if _, exists := m.s.messages[msg.ID]; exists {
		return nil, fmt.Errorf("insert message: %s already exists", msg.ID)
	}

	chat.LastSequence++
	m.s.chats[chat.ID] = chat

	msg = msg.Clone()
	msg.Sequence = chat.LastSequence
	msg.CreatedAt = time.Now().UTC()
	if msg.EditHistory == nil {
		msg.EditHistory = []models.ContentVersion{}
	}
	if msg.Reactions == nil {
		msg.Reactions = []models.Reaction{}
	}
	m.s.messages[msg.ID] = msg
	m.s.byChat[msg.ChatID] = append(m.s.byChat[msg.ChatID], msg.ID)

	out := msg.Clone()
	return &out, nil
}

func (m *MessageStore) GetByID(_ context.Context, messageID uuid.UUID) (*models.Message, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	msg, ok := m.s.messages[messageID]
	if !ok {
		return nil, nil
	}
	out := msg.Clone()
	return &out, nil
}

func (m *MessageStore) Update(_ context.Context, messageID uuid.UUID, fn func(*models.Message) error) (*models.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	stored, ok := m.s.messages[messageID]
	if !ok {
		return nil, nil
	}
	working := stored.Clone()
	if err := fn(&working); err != nil {
		return nil, err
	}
	m.s.messages[messageID] = working.Clone()
	return &working, nil
}

func (m *MessageStore) ListByChat(_ context.Context, chatID uuid.UUID, before int64, limit int) ([]models.Message, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	ids := m.s.byChat[chatID]
	messages := make([]models.Message, 0)
	for i := len(ids) - 1; i >= 0 && len(messages) < limit; i-- {
		msg := m.s.messages[ids[i]]
		if before > 0 && msg.Sequence >= before {
			continue
		}
		messages = append(messages, msg.Clone())
	}
	return messages, nil
}

func (m *MessageStore) ListPinned(_ context.Context, chatID uuid.UUID) ([]models.Message, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	messages := make([]models.Message, 0)
	for _, id := range m.s.byChat[chatID] {
		msg := m.s.messages[id]
		if msg.Pinned && !msg.Deleted {
			messages = append(messages, msg.Clone())
		}
	}
	return messages, nil
}

// Search matches query case-insensitively against message text in the
// chats userID belongs to, newest first. Deleted messages never match.
func (m *MessageStore) Search(_ context.Context, userID uuid.UUID, chatID *uuid.UUID, query string, limit int) ([]models.Message, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	needle := strings.ToLower(query)
	messages := make([]models.Message, 0)
	for key := range m.s.members {
		if key.userID != userID || (chatID != nil && key.chatID != *chatID) {
			continue
		}
		for _, id := range m.s.byChat[key.chatID] {
			msg := m.s.messages[id]
			if !msg.Deleted && strings.Contains(strings.ToLower(msg.Content.Text), needle) {
				messages = append(messages, msg.Clone())
			}
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].CreatedAt.After(messages[j].CreatedAt)
		}
		return messages[i].Sequence > messages[j].Sequence
	})
	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (m *MessageStore) LastSequence(_ context.Context, chatID uuid.UUID) (int64, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	chat, ok := m.s.chats[chatID]
	if !ok {
		return 0, fmt.Errorf("last sequence: %w", apperr.ErrChatNotFound)
	}
	return chat.LastSequence, nil
}

// ---------------------------------------------------------------
// Delivery records
// ---------------------------------------------------------------

type DeliveryStore struct{ s *Store }

// Save keeps the higher state when a record already exists, matching the
// guarded upsert of the Postgres backend.
func (d *DeliveryStore) Save(_ context.Context, records ...models.DeliveryRecord) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	for _, r := range records {
		key := deliveryKey{r.MessageID, r.RecipientID}
		existing, ok := d.s.deliveries[key]
		if !ok {
			d.s.deliveries[key] = r
			d.s.recipients[r.MessageID] = append(d.s.recipients[r.MessageID], r.RecipientID)
			d.index(r)
			continue
		}
		if r.State <= existing.State {
			continue
		}
		existing.State = r.State
		if existing.DeliveredAt == nil {
			existing.DeliveredAt = r.DeliveredAt
		}
		if existing.ReadAt == nil {
			existing.ReadAt = r.ReadAt
		}
		d.s.deliveries[key] = existing
		d.index(existing)
	}
	return nil
}

// index keeps the unread set in step with r. Must hold the write lock.
func (d *DeliveryStore) index(r models.DeliveryRecord) {
	key := memberKey{r.ChatID, r.RecipientID}
	set := d.s.unread[key]
	if r.State >= models.DeliveryRead {
		delete(set, r.MessageID)
		if len(set) == 0 {
			delete(d.s.unread, key)
		}
		return
	}
	if set == nil {
		set = make(map[uuid.UUID]struct{})
		d.s.unread[key] = set
	}
	set[r.MessageID] = struct{}{}
}

func (d *DeliveryStore) ListByMessage(_ context.Context, messageID uuid.UUID) ([]models.DeliveryRecord, error) {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()

	recipients := d.s.recipients[messageID]
	records := make([]models.DeliveryRecord, 0, len(recipients))
	for _, id := range recipients {
		records = append(records, d.s.deliveries[deliveryKey{messageID, id}])
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].RecipientID.String() < records[j].RecipientID.String()
	})
	return records, nil
}

func (d *DeliveryStore) ListUnread(_ context.Context, chatID, recipientID uuid.UUID, upTo int64) ([]uuid.UUID, error) {
	d.s.mu.RLock()
	defer d.s.mu.RUnlock()

	var pending []models.DeliveryRecord
	for id := range d.s.unread[memberKey{chatID, recipientID}] {
		if r := d.s.deliveries[deliveryKey{id, recipientID}]; r.Sequence <= upTo {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Sequence < pending[j].Sequence })

	ids := make([]uuid.UUID, 0, len(pending))
	for _, r := range pending {
		ids = append(ids, r.MessageID)
	}
	return ids, nil
}
