package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/delivery"
	"github.com/lalith-99/relaychat/internal/idempotency"
	"github.com/lalith-99/relaychat/internal/membership"
	"github.com/lalith-99/relaychat/internal/mocks"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/protocol"
	"github.com/lalith-99/relaychat/internal/repository/memory"
	"github.com/lalith-99/relaychat/internal/session"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingConn struct {
	id     string
	userID uuid.UUID

	mu     sync.Mutex
	frames []protocol.Frame
}

func (c *recordingConn) ID() string        { return c.id }
func (c *recordingConn) UserID() uuid.UUID { return c.userID }
func (c *recordingConn) Close() error      { return nil }

func (c *recordingConn) Send(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

// ofType returns the received frames of type t, in arrival order.
func (c *recordingConn) ofType(t protocol.Type) []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Frame
	for _, f := range c.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

type harness struct {
	d        *Dispatcher
	store    *memory.Store
	registry *session.Registry
	members  *membership.Index
	notifier *mocks.Notifier
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := memory.New()
	registry := session.NewRegistry(1024, zap.NewNop())
	members := membership.NewIndex(store.Chats(), store.Members(), zap.NewNop())
	notifier := &mocks.Notifier{}

	d := New(Deps{
		Registry:    registry,
		Members:     members,
		Tracker:     delivery.NewTracker(store.Deliveries(), zap.NewNop()),
		Messages:    store.Messages(),
		Idempotency: idempotency.NewMemoryStore(time.Hour, 1000),
		Notifier:    notifier,
	}, cfg, zap.NewNop())
	return &harness{d: d, store: store, registry: registry, members: members, notifier: notifier}
}

func (h *harness) connect(userID uuid.UUID, id string) *recordingConn {
	c := &recordingConn{id: id, userID: userID}
	h.registry.Register(c)
	return c
}

func (h *harness) chat(t *testing.T, owner uuid.UUID, chatType models.ChatType, others ...uuid.UUID) models.Chat {
	t.Helper()
	chat, _, err := h.members.CreateChat(context.Background(), owner, chatType, "test", others)
	require.NoError(t, err)
	return chat
}

func text(s string) models.Content {
	return models.Content{Kind: models.ContentText, Text: s}
}

func decodeMessage(t *testing.T, f protocol.Frame) protocol.MessagePayload {
	t.Helper()
	var p protocol.MessagePayload
	require.NoError(t, protocol.DecodePayload(f, &p))
	return p
}
