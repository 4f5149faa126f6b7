package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/notify"
	"github.com/lalith-99/relaychat/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestConcurrentSendsAreGapFreeAndOrdered(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	chat := h.chat(t, a, models.ChatGroup, b)
	h.connect(a, "a1")
	bConn := h.connect(b, "b1")

	const n = 50
	var wg sync.WaitGroup
	seqs := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.d.SendMessage(ctx, SendRequest{SenderID: a, ChatID: chat.ID, Content: text(fmt.Sprintf("m%d", i))})
			assert.NoError(t, err)
			seqs[i] = res.Message.Sequence
		}(i)
	}
	wg.Wait()

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, s := range seqs {
		assert.Equal(t, int64(i+1), s)
	}

	frames := bConn.ofType(protocol.TypeMessage)
	require.Len(t, frames, n)
	for i, f := range frames {
		assert.Equal(t, int64(i+1), decodeMessage(t, f).Message.Sequence, "frames must arrive in sequence order")
	}
}

func TestIdempotentResend(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	chat := h.chat(t, a, models.ChatDirect, b)
	h.connect(a, "a1")
	h.connect(b, "b1")

	req := SendRequest{SenderID: a, ChatID: chat.ID, Content: text("hello"), ClientMessageID: "c-1"}
	first, err := h.d.SendMessage(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	again, err := h.d.SendMessage(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Message.ID, again.Message.ID)
	assert.Equal(t, first.Message.Sequence, again.Message.Sequence)

	history, err := h.d.History(ctx, a, chat.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// The same client id from the other participant is a different message.
	other, err := h.d.SendMessage(ctx, SendRequest{SenderID: b, ChatID: chat.ID, Content: text("hi"), ClientMessageID: "c-1"})
	require.NoError(t, err)
	assert.False(t, other.Duplicate)
	assert.NotEqual(t, first.Message.ID, other.Message.ID)
}

func TestConcurrentDuplicatesCollapse(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	chat := h.chat(t, a, models.ChatDirect, b)
	h.connect(b, "b1")

	const n = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		originals int
		ids       = make(map[uuid.UUID]struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.d.SendMessage(ctx, SendRequest{SenderID: a, ChatID: chat.ID, Content: text("once"), ClientMessageID: "same"})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[res.Message.ID] = struct{}{}
			if !res.Duplicate {
				originals++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, originals)
	assert.Len(t, ids, 1)
	last, err := h.store.Messages().LastSequence(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)
}

func TestGroupScenario(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	chat := h.chat(t, a, models.ChatGroup, b, c)
	aConn := h.connect(a, "a1")
	bConn := h.connect(b, "b1")

	h.notifier.On("NotifyOffline", mock.Anything, c, mock.MatchedBy(func(p notify.Preview) bool {
		return p.SenderID == a && p.Text == "hello group"
	})).Return(nil).Once()

	res, err := h.d.SendMessage(ctx, SendRequest{SenderID: a, ChatID: chat.ID, Content: text("hello group"), OriginConnID: "a1"})
	require.NoError(t, err)
	h.d.Wait()
	h.notifier.AssertExpectations(t)
	h.notifier.AssertNumberOfCalls(t, "NotifyOffline", 1)

	require.Len(t, bConn.ofType(protocol.TypeMessage), 1)
	assert.Empty(t, aConn.ofType(protocol.TypeMessage), "the origin connection gets the ack, not a copy")

	msgID := res.Message.ID
	_, err = h.d.AcknowledgeDelivery(ctx, b, msgID)
	require.NoError(t, err)
	_, err = h.d.AcknowledgeRead(ctx, b, msgID)
	require.NoError(t, err)

	st, err := h.d.tracker.Status(ctx, msgID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Read)
	assert.Empty(t, aConn.ofType(protocol.TypeReadByAll))

	// C comes online and reads without ever acknowledging delivery.
	h.connect(c, "c1")
	out, err := h.d.AcknowledgeRead(ctx, c, msgID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryRead, out.Record.State)
	assert.NotNil(t, out.Record.DeliveredAt)
	assert.True(t, out.ReadByAll)

	assert.Len(t, aConn.ofType(protocol.TypeReceipt), 3)
	allRead := aConn.ofType(protocol.TypeReadByAll)
	require.Len(t, allRead, 1)
	var p protocol.ReadByAllPayload
	require.NoError(t, protocol.DecodePayload(allRead[0], &p))
	assert.Equal(t, 2, p.Readers)

	// A late duplicate read changes nothing and emits nothing.
	_, err = h.d.AcknowledgeRead(ctx, c, msgID)
	require.NoError(t, err)
	assert.Len(t, aConn.ofType(protocol.TypeReadByAll), 1)
}

func TestMutedRecipientsAreNotNotified(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	chat := h.chat(t, a, models.ChatGroup, b)
	require.NoError(t, h.members.SetMuted(ctx, chat.ID, b, true))

	_, err := h.d.SendMessage(ctx, SendRequest{SenderID: a, ChatID: chat.ID, Content: text("shh")})
	require.NoError(t, err)
	h.d.Wait()
	h.notifier.AssertNotCalled(t, "NotifyOffline", mock.Anything, mock.Anything, mock.Anything)
}

func TestTwoDevicesBothReceive(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	chat := h.chat(t, a, models.ChatDirect, b)
	h.connect(a, "a1")
	phone := h.connect(b, "b-phone")
	laptop := h.connect(b, "b-laptop")

	res, err := h.d.SendMessage(ctx, SendRequest{SenderID: a, ChatID: chat.ID, Content: text("ping")})
	require.NoError(t, err)

	for _, c := range []*recordingConn{phone, laptop} {
		frames := c.ofType(protocol.TypeMessage)
		require.Len(t, frames, 1, c.id)
		assert.Equal(t, res.Message.ID, decodeMessage(t, frames[0]).Message.ID)
	}
}

func TestTombstonedQuoteResolves(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	chat := h.chat(t, a, models.ChatDirect, b)
	h.connect(a, "a1")
	h.connect(b, "b1")

	original, err := h.d.SendMessage(ctx, SendRequest{SenderID: a, ChatID: chat.ID, Content: text("secret")})
	require.NoError(t, err)
	_, err = h.d.DeleteMessage(ctx, a, original.Message.ID)
	require.NoError(t, err)

	res, err := h.d.QuoteMessage(ctx, b, chat.ID, original.Message.ID, text("what was that?"), "")
	require.NoError(t, err)
	require.NotNil(t, res.Quoted)
	assert.True(t, res.Quoted.Deleted)
	assert.Equal(t, "[deleted]", res.Quoted.Preview)
	assert.Equal(t, original.Message.Sequence, res.Quoted.Sequence)

	missing := uuid.New()
	res, err = h.d.QuoteMessage(ctx, b, chat.ID, missing, text("and this?"), "")
	require.NoError(t, err)
	require.NotNil(t, res.Quoted)
	assert.True(t, res.Quoted.Missing)
	assert.Equal(t, missing, res.Quoted.ID)

	ref, err := h.d.ResolveReference(ctx, b, original.Message.ID)
	require.NoError(t, err)
	assert.True(t, ref.Deleted)
}

func TestRateLimitReturnsRetryAfter(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 1, RateBurst: 2})
	now := time.Now()
	h.d.now = func() time.Time { return now }
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	chat := h.chat(t, a, models.ChatDirect, b)
	h.connect(a, "a1")
	h.connect(b, "b1")

	for i := 0; i < 2; i++ {
		_, err := h.d.SendMessage(ctx, SendRequest{SenderID: a, ChatID: chat.ID, Content: text("x")})
		require.NoError(t, err)
	}
	_, err := h.d.SendMessage(ctx, SendRequest{SenderID: a, ChatID: chat.ID, Content: text("x")})
	require.ErrorIs(t, err, apperr.ErrRateLimited)
	assert.Greater(t, apperr.RetryAfter(err), time.Duration(0))
	assert.LessOrEqual(t, apperr.RetryAfter(err), time.Second)

	// Other senders are unaffected.
	_, err = h.d.SendMessage(ctx, SendRequest{SenderID: b, ChatID: chat.ID, Content: text("y")})
	require.NoError(t, err)

	now = now.Add(time.Second)
	_, err = h.d.SendMessage(ctx, SendRequest{SenderID: a, ChatID: chat.ID, Content: text("x")})
	assert.NoError(t, err)
}

func TestResendIsNotRateLimited(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 1, RateBurst: 1})
	now := time.Now()
	h.d.now = func() time.Time { return now }
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	chat := h.chat(t, a, models.ChatDirect, b)
	h.connect(b, "b1")

	req := SendRequest{SenderID: a, ChatID: chat.ID, Content: text("once"), ClientMessageID: "c-1"}
	first, err := h.d.SendMessage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Message.Sequence)

	for i := 0; i < 3; i++ {
		again, err := h.d.SendMessage(ctx, req)
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, first.Message.ID, again.Message.ID)
	}

	// The bucket is empty from the first send, not from the resends.
	_, err = h.d.SendMessage(ctx, SendRequest{SenderID: a, ChatID: chat.ID, Content: text("new"), ClientMessageID: "c-2"})
	require.ErrorIs(t, err, apperr.ErrRateLimited)

	now = now.Add(time.Second)
	next, err := h.d.SendMessage(ctx, SendRequest{SenderID: a, ChatID: chat.ID, Content: text("new"), ClientMessageID: "c-2"})
	require.NoError(t, err)
	assert.False(t, next.Duplicate)
	assert.Equal(t, int64(2), next.Message.Sequence)

	msgs, err := h.store.Messages().ListByChat(ctx, chat.ID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestSendValidationAndPermissions(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	owner, listener, stranger := uuid.New(), uuid.New(), uuid.New()
	news := h.chat(t, owner, models.ChatBroadcast, listener)
	h.connect(listener, "l1")

	_, err := h.d.SendMessage(ctx, SendRequest{SenderID: listener, ChatID: news.ID, Content: text("can I talk?")})
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = h.d.SendMessage(ctx, SendRequest{SenderID: stranger, ChatID: news.ID, Content: text("hi")})
	assert.ErrorIs(t, err, apperr.ErrNotAMember)

	_, err = h.d.SendMessage(ctx, SendRequest{SenderID: owner, ChatID: uuid.New(), Content: text("hi")})
	assert.ErrorIs(t, err, apperr.ErrChatNotFound)

	_, err = h.d.SendMessage(ctx, SendRequest{SenderID: owner, ChatID: news.ID, Content: text("   ")})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = h.d.SendMessage(ctx, SendRequest{SenderID: owner, ChatID: news.ID, Content: models.Content{Kind: models.ContentSystem, Text: "x"}})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	long := make([]rune, MaxTextRunes+1)
	for i := range long {
		long[i] = 'é'
	}
	_, err = h.d.SendMessage(ctx, SendRequest{SenderID: owner, ChatID: news.ID, Content: text(string(long))})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = h.d.SendMessage(ctx, SendRequest{SenderID: owner, ChatID: news.ID, Content: text("announcement")})
	assert.NoError(t, err)
}

func TestEditDeleteReactPin(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	owner, member := uuid.New(), uuid.New()
	chat := h.chat(t, owner, models.ChatGroup, member)
	h.connect(owner, "o1")
	memberConn := h.connect(member, "m1")

	sent, err := h.d.SendMessage(ctx, SendRequest{SenderID: member, ChatID: chat.ID, Content: text("v1")})
	require.NoError(t, err)
	id := sent.Message.ID

	_, err = h.d.EditMessage(ctx, owner, id, text("hijack"))
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)

	edited, err := h.d.EditMessage(ctx, member, id, text("v2"))
	require.NoError(t, err)
	assert.Equal(t, "v2", edited.Content.Text)
	require.Len(t, edited.EditHistory, 1)
	assert.Equal(t, "v1", edited.EditHistory[0].Content.Text)
	assert.NotNil(t, edited.EditedAt)
	assert.Len(t, memberConn.ofType(protocol.TypeEdit), 1)

	reacted, err := h.d.ReactToMessage(ctx, owner, id, "👍", false)
	require.NoError(t, err)
	reacted, err = h.d.ReactToMessage(ctx, owner, id, "👍", false)
	require.NoError(t, err)
	assert.Len(t, reacted.Reactions, 1, "one reaction per user per emoji")
	reacted, err = h.d.ReactToMessage(ctx, owner, id, "👍", true)
	require.NoError(t, err)
	assert.Empty(t, reacted.Reactions)

	_, err = h.d.PinMessage(ctx, member, id, true)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	pinned, err := h.d.PinMessage(ctx, owner, id, true)
	require.NoError(t, err)
	assert.True(t, pinned.Pinned)
	list, err := h.d.PinnedMessages(ctx, member, chat.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Admins may delete other people's messages.
	deleted, err := h.d.DeleteMessage(ctx, owner, id)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Equal(t, sent.Message.Sequence, deleted.Sequence)
	assert.True(t, deleted.Content.IsZero())
	assert.Empty(t, deleted.EditHistory)

	_, err = h.d.DeleteMessage(ctx, owner, id)
	assert.ErrorIs(t, err, apperr.ErrMessageTombstoned)
	_, err = h.d.EditMessage(ctx, member, id, text("v3"))
	assert.ErrorIs(t, err, apperr.ErrMessageTombstoned)
	_, err = h.d.ReactToMessage(ctx, owner, id, "👍", false)
	assert.ErrorIs(t, err, apperr.ErrMessageTombstoned)
	_, err = h.d.EditMessage(ctx, member, uuid.New(), text("v3"))
	assert.ErrorIs(t, err, apperr.ErrMessageNotFound)

	list, err = h.d.PinnedMessages(ctx, member, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMembersCannotDeleteOthersMessages(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	owner, m1, m2 := uuid.New(), uuid.New(), uuid.New()
	chat := h.chat(t, owner, models.ChatGroup, m1, m2)
	for i, u := range []uuid.UUID{owner, m1, m2} {
		h.connect(u, fmt.Sprintf("c%d", i))
	}

	sent, err := h.d.SendMessage(ctx, SendRequest{SenderID: m1, ChatID: chat.ID, Content: text("mine")})
	require.NoError(t, err)

	_, err = h.d.DeleteMessage(ctx, m2, sent.Message.ID)
	assert.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = h.d.DeleteMessage(ctx, m1, sent.Message.ID)
	assert.NoError(t, err)
}

func TestForwardMessage(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	src := h.chat(t, a, models.ChatDirect, b)
	dst := h.chat(t, a, models.ChatDirect, c)
	for i, u := range []uuid.UUID{a, b, c} {
		h.connect(u, fmt.Sprintf("c%d", i))
	}

	orig, err := h.d.SendMessage(ctx, SendRequest{SenderID: b, ChatID: src.ID, Content: text("fwd me")})
	require.NoError(t, err)

	fwd, err := h.d.ForwardMessage(ctx, a, orig.Message.ID, dst.ID, "f-1")
	require.NoError(t, err)
	assert.Equal(t, dst.ID, fwd.Message.ChatID)
	assert.Equal(t, "fwd me", fwd.Message.Content.Text)
	require.NotNil(t, fwd.Message.ForwardedFromID)
	assert.Equal(t, orig.Message.ID, *fwd.Message.ForwardedFromID)

	_, err = h.d.ForwardMessage(ctx, c, orig.Message.ID, dst.ID, "")
	assert.ErrorIs(t, err, apperr.ErrNotAMember)

	_, err = h.d.DeleteMessage(ctx, b, orig.Message.ID)
	require.NoError(t, err)
	_, err = h.d.ForwardMessage(ctx, a, orig.Message.ID, dst.ID, "f-2")
	assert.ErrorIs(t, err, apperr.ErrMessageTombstoned)
}

func TestTypingGoesToOthersOnly(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	chat := h.chat(t, a, models.ChatGroup, b)
	aConn := h.connect(a, "a1")
	bConn := h.connect(b, "b1")

	require.NoError(t, h.d.TypingIndicator(ctx, a, chat.ID, true))
	assert.Empty(t, aConn.ofType(protocol.TypeTyping))
	frames := bConn.ofType(protocol.TypeTyping)
	require.Len(t, frames, 1)
	var ev protocol.TypingEvent
	require.NoError(t, protocol.DecodePayload(frames[0], &ev))
	assert.Equal(t, a, ev.UserID)
	assert.True(t, ev.IsTyping)

	assert.ErrorIs(t, h.d.TypingIndicator(ctx, uuid.New(), chat.ID, true), apperr.ErrNotAMember)
}

func TestAcknowledgeReadUntil(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	chat := h.chat(t, a, models.ChatDirect, b)
	h.connect(a, "a1")
	h.connect(b, "b1")

	for i := 0; i < 3; i++ {
		_, err := h.d.SendMessage(ctx, SendRequest{SenderID: a, ChatID: chat.ID, Content: text("m")})
		require.NoError(t, err)
	}

	n, err := h.d.AcknowledgeReadUntil(ctx, b, chat.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.d.AcknowledgeReadUntil(ctx, b, chat.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunFansOutPresenceToContacts(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, b := uuid.New(), uuid.New()
	h.chat(t, a, models.ChatDirect, b)

	aConn := h.connect(a, "a1")
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	h.connect(b, "b1")
	assert.Eventually(t, func() bool {
		for _, f := range aConn.ofType(protocol.TypePresence) {
			var ev protocol.PresenceEvent
			if protocol.DecodePayload(f, &ev) == nil && ev.UserID == b && ev.Status == models.PresenceOnline {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.d.SetPresence(ctx, b, models.PresenceAway))
	assert.Equal(t, models.PresenceAway, h.registry.Status(b))
	assert.ErrorIs(t, h.d.SetPresence(ctx, b, models.PresenceOffline), apperr.ErrInvalidArgument)

	cancel()
	assert.NoError(t, <-done)
}
