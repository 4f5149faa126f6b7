package delivery

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func tracked(t *testing.T, recipients ...uuid.UUID) (*Tracker, *memory.Store, models.Message) {
	t.Helper()
	store := memory.New()
	tr := NewTracker(store.Deliveries(), zap.NewNop())
	msg := models.Message{ID: uuid.New(), ChatID: uuid.New(), SenderID: uuid.New(), Sequence: 1}
	require.NoError(t, tr.Track(context.Background(), msg, recipients))
	return tr, store, msg
}

func TestReadBeforeDeliveredPromotes(t *testing.T) {
	b := uuid.New()
	tr, _, msg := tracked(t, b)
	ctx := context.Background()

	out, err := tr.MarkRead(ctx, msg.ID, b)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, models.DeliveryRead, out.Record.State)
	assert.NotNil(t, out.Record.DeliveredAt)
	assert.NotNil(t, out.Record.ReadAt)
	assert.True(t, out.ReadByAll)

	// The late delivered ack is a no-op.
	out, err = tr.MarkDelivered(ctx, msg.ID, b)
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Equal(t, models.DeliveryRead, out.Record.State)
}

func TestAdvanceRejectsRegression(t *testing.T) {
	b, c := uuid.New(), uuid.New()
	tr, _, msg := tracked(t, b, c)
	ctx := context.Background()

	_, err := tr.MarkRead(ctx, msg.ID, b)
	require.NoError(t, err)

	_, err = tr.Advance(ctx, msg.ID, b, models.DeliveryDelivered)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	st, err := tr.Status(ctx, msg.ID)
	require.NoError(t, err)
	for _, r := range st.Records {
		if r.RecipientID == b {
			assert.Equal(t, models.DeliveryRead, r.State)
		}
	}
}

func TestAckFromNonRecipient(t *testing.T) {
	tr, _, msg := tracked(t, uuid.New())

	_, err := tr.MarkDelivered(context.Background(), msg.ID, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = tr.MarkRead(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestStatusCounts(t *testing.T) {
	b, c, d := uuid.New(), uuid.New(), uuid.New()
	tr, _, msg := tracked(t, b, c, d)
	ctx := context.Background()

	_, err := tr.MarkDelivered(ctx, msg.ID, b)
	require.NoError(t, err)
	_, err = tr.MarkRead(ctx, msg.ID, c)
	require.NoError(t, err)

	st, err := tr.Status(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Delivered)
	assert.Equal(t, 1, st.Read)
}

func TestReadByAllFiresOnce(t *testing.T) {
	b, c := uuid.New(), uuid.New()
	tr, store, msg := tracked(t, b, c)
	ctx := context.Background()

	out, err := tr.MarkRead(ctx, msg.ID, b)
	require.NoError(t, err)
	assert.False(t, out.ReadByAll)

	out, err = tr.MarkRead(ctx, msg.ID, c)
	require.NoError(t, err)
	assert.True(t, out.ReadByAll)
	assert.Equal(t, 2, out.Readers)
	assert.Equal(t, msg.SenderID, out.SenderID)

	// Repeating the ack, on this tracker or a fresh one over the same
	// store, never reports read-by-all again.
	out, err = tr.MarkRead(ctx, msg.ID, c)
	require.NoError(t, err)
	assert.False(t, out.ReadByAll)

	fresh := NewTracker(store.Deliveries(), zap.NewNop())
	out, err = fresh.MarkRead(ctx, msg.ID, b)
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.False(t, out.ReadByAll)
}

func TestConcurrentAcksNeverRegress(t *testing.T) {
	recipients := make([]uuid.UUID, 20)
	for i := range recipients {
		recipients[i] = uuid.New()
	}
	tr, store, msg := tracked(t, recipients...)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		allReads int
	)
	for _, r := range recipients {
		for _, target := range []models.DeliveryState{models.DeliveryRead, models.DeliveryDelivered} {
			wg.Add(1)
			go func(r uuid.UUID, target models.DeliveryState) {
				defer wg.Done()
				var out Outcome
				var err error
				if target == models.DeliveryRead {
					out, err = tr.MarkRead(ctx, msg.ID, r)
				} else {
					out, err = tr.MarkDelivered(ctx, msg.ID, r)
				}
				assert.NoError(t, err)
				if out.ReadByAll {
					mu.Lock()
					allReads++
					mu.Unlock()
				}
			}(r, target)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, allReads)

	persisted, err := store.Deliveries().ListByMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, persisted, len(recipients))
	for _, r := range persisted {
		assert.Equal(t, models.DeliveryRead, r.State)
	}
}

func TestUnread(t *testing.T) {
	b := uuid.New()
	tr, _, msg := tracked(t, b)
	ctx := context.Background()

	ids, err := tr.Unread(ctx, msg.ChatID, b, msg.Sequence)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{msg.ID}, ids)

	_, err = tr.MarkRead(ctx, msg.ID, b)
	require.NoError(t, err)
	ids, err = tr.Unread(ctx, msg.ChatID, b, msg.Sequence)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCacheIsBoundedAndReloads(t *testing.T) {
	store := memory.New()
	tr := NewTracker(store.Deliveries(), zap.NewNop(), WithCacheSize(16))
	ctx := context.Background()
	b, c := uuid.New(), uuid.New()
	chatID, sender := uuid.New(), uuid.New()

	ids := make([]uuid.UUID, 0, 500)
	for i := 1; i <= 500; i++ {
		msg := models.Message{ID: uuid.New(), ChatID: chatID, SenderID: sender, Sequence: int64(i)}
		require.NoError(t, tr.Track(ctx, msg, []uuid.UUID{b, c}))
		_, err := tr.MarkRead(ctx, msg.ID, b)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	assert.LessOrEqual(t, tr.Len(), 16)

	// The oldest message was evicted long ago and comes back from the
	// repository with its progress intact.
	st, err := tr.Status(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Read)

	out, err := tr.MarkRead(ctx, ids[0], c)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.True(t, out.ReadByAll)

	out, err = tr.MarkRead(ctx, ids[0], c)
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.False(t, out.ReadByAll)
	assert.LessOrEqual(t, tr.Len(), 16)
}
