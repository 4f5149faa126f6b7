// Package delivery tracks, per message and recipient, whether the message
// has been sent, delivered or read.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/repository"
	"go.uber.org/zap"
)

// Outcome describes the effect of one acknowledgement.
type Outcome struct {
	Record  models.DeliveryRecord
	Changed bool

	// ReadByAll is true on the single transition that made every
	// recipient read. It is never true twice for the same message.
	ReadByAll bool
	Readers   int

	ChatID   uuid.UUID
	SenderID uuid.UUID
}

// Status is the "read by N of M" view of one message.
type Status struct {
	MessageID uuid.UUID               `json:"message_id"`
	Records   []models.DeliveryRecord `json:"records"`
	Delivered int                     `json:"delivered"`
	Read      int                     `json:"read"`
	Total     int                     `json:"total"`
}

// DefaultCacheSize is how many messages the tracker keeps live when
// NewTracker is not given WithCacheSize.
const DefaultCacheSize = 10000

// Tracker keeps live delivery state in memory and writes every change
// through to the repository. Entries are loaded back from the repository
// on demand, so a restart or an eviction only costs a read.
//
// At most cacheSize messages are held, least recently used first out.
// An entry with a write still in flight is pinned until the write lands,
// so a reload never sees a record older than one already reported.
type Tracker struct {
	repo   repository.DeliveryRepository
	logger *zap.Logger

	mu      sync.Mutex
	entries *simplelru.LRU[uuid.UUID, *entry]
	pinned  map[uuid.UUID]*entry
}

type entry struct {
	chatID   uuid.UUID
	senderID uuid.UUID
	records  map[uuid.UUID]*models.DeliveryRecord
	emitted  bool // read-by-all already reported
	inflight int  // repository writes not yet finished
}

type Option func(*Tracker)

// WithCacheSize bounds the number of live entries. n <= 0 keeps the default.
func WithCacheSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.entries, _ = simplelru.NewLRU[uuid.UUID, *entry](n, t.onEvict)
		}
	}
}

func (e *entry) allRead() bool {
	for _, r := range e.records {
		if r.State != models.DeliveryRead {
			return false
		}
	}
	return len(e.records) > 0
}

func NewTracker(repo repository.DeliveryRepository, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		repo:   repo,
		logger: logger,
		pinned: make(map[uuid.UUID]*entry),
	}
	t.entries, _ = simplelru.NewLRU[uuid.UUID, *entry](DefaultCacheSize, t.onEvict)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// onEvict runs with t.mu held, from inside the LRU.
func (t *Tracker) onEvict(messageID uuid.UUID, e *entry) {
	if e.inflight > 0 {
		t.pinned[messageID] = e
	}
}

// lookup must hold t.mu.
func (t *Tracker) lookup(messageID uuid.UUID) (*entry, bool) {
	if e, ok := t.entries.Get(messageID); ok {
		return e, true
	}
	if e, ok := t.pinned[messageID]; ok {
		delete(t.pinned, messageID)
		t.entries.Add(messageID, e)
		return e, true
	}
	return nil, false
}

// release marks one write on e as finished. Must hold t.mu.
func (t *Tracker) release(messageID uuid.UUID, e *entry) {
	e.inflight--
	if e.inflight == 0 && t.pinned[messageID] == e {
		delete(t.pinned, messageID)
	}
}

// Len reports how many messages are held in memory, pinned ones included.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len() + len(t.pinned)
}

// Track creates a sent record for every recipient of msg and persists
// them. Recipients should exclude the sender.
func (t *Tracker) Track(ctx context.Context, msg models.Message, recipients []uuid.UUID) error {
	if len(recipients) == 0 {
		return nil
	}

	now := time.Now().UTC()
	e := &entry{
		chatID:   msg.ChatID,
		senderID: msg.SenderID,
		records:  make(map[uuid.UUID]*models.DeliveryRecord, len(recipients)),
		inflight: 1,
	}
	records := make([]models.DeliveryRecord, 0, len(recipients))
	for _, id := range recipients {
		if _, dup := e.records[id]; dup {
			continue
		}
		r := models.DeliveryRecord{
			MessageID:   msg.ID,
			RecipientID: id,
			ChatID:      msg.ChatID,
			SenderID:    msg.SenderID,
			Sequence:    msg.Sequence,
			State:       models.DeliverySent,
			SentAt:      now,
		}
		e.records[id] = &r
		records = append(records, r)
	}

	t.mu.Lock()
	t.entries.Add(msg.ID, e)
	t.mu.Unlock()

	err := t.repo.Save(ctx, records...)

	t.mu.Lock()
	t.release(msg.ID, e)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save delivery records: %w", err)
	}
	return nil
}

// entry returns the live entry for messageID, loading it from the
// repository if needed. The repository call happens without t.mu held.
func (t *Tracker) entry(ctx context.Context, messageID uuid.UUID) (*entry, error) {
	t.mu.Lock()
	e, ok := t.lookup(messageID)
	t.mu.Unlock()
	if ok {
		return e, nil
	}

	records, err := t.repo.ListByMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load delivery records: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	loaded := &entry{
		chatID:   records[0].ChatID,
		senderID: records[0].SenderID,
		records:  make(map[uuid.UUID]*models.DeliveryRecord, len(records)),
	}
	for i := range records {
		loaded.records[records[i].RecipientID] = &records[i]
	}
	// A message that was fully read before it was evicted has already
	// reported read-by-all.
	loaded.emitted = loaded.allRead()

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.lookup(messageID); ok {
		return existing, nil
	}
	t.entries.Add(messageID, loaded)
	return loaded, nil
}

// MarkDelivered moves a record to delivered. Already delivered or read
// records are left alone.
func (t *Tracker) MarkDelivered(ctx context.Context, messageID, recipientID uuid.UUID) (Outcome, error) {
	return t.transition(ctx, messageID, recipientID, models.DeliveryDelivered, false)
}

// MarkRead moves a record to read, directly from sent if the delivered
// acknowledgement never arrived.
func (t *Tracker) MarkRead(ctx context.Context, messageID, recipientID uuid.UUID) (Outcome, error) {
	return t.transition(ctx, messageID, recipientID, models.DeliveryRead, false)
}

// Advance is the general transition. Moving a record backwards returns
// apperr.ErrInvalidTransition.
func (t *Tracker) Advance(ctx context.Context, messageID, recipientID uuid.UUID, target models.DeliveryState) (Outcome, error) {
	return t.transition(ctx, messageID, recipientID, target, true)
}

func (t *Tracker) transition(ctx context.Context, messageID, recipientID uuid.UUID, target models.DeliveryState, strict bool) (Outcome, error) {
	if target < models.DeliverySent || target > models.DeliveryRead {
		return Outcome{}, apperr.Invalid("unknown delivery state %d", int(target))
	}

	e, err := t.entry(ctx, messageID)
	if err != nil {
		return Outcome{}, err
	}
	if e == nil {
		return Outcome{}, fmt.Errorf("%w: message %s is not tracked", apperr.ErrInvalidTransition, messageID)
	}

	t.mu.Lock()
	rec, ok := e.records[recipientID]
	if !ok {
		t.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: user is not a recipient of this message", apperr.ErrInvalidTransition)
	}
	out := Outcome{ChatID: e.chatID, SenderID: e.senderID, Readers: len(e.records)}
	if target <= rec.State {
		out.Record = *rec
		t.mu.Unlock()
		if strict && target < rec.State {
			return out, fmt.Errorf("%w: %s → %s", apperr.ErrInvalidTransition, rec.State, target)
		}
		return out, nil
	}

	now := time.Now().UTC()
	if target >= models.DeliveryDelivered && rec.DeliveredAt == nil {
		rec.DeliveredAt = &now
	}
	if target == models.DeliveryRead {
		rec.ReadAt = &now
	}
	rec.State = target
	out.Record = *rec
	out.Changed = true
	if target == models.DeliveryRead && !e.emitted && e.allRead() {
		e.emitted = true
		out.ReadByAll = true
	}
	e.inflight++
	t.mu.Unlock()

	err = t.repo.Save(ctx, out.Record)

	// Unpin and evict only once the state is durable, so a reload can
	// never observe an unread record and report read-by-all again.
	t.mu.Lock()
	t.release(messageID, e)
	if out.ReadByAll && err == nil && e.inflight == 0 {
		if cur, ok := t.entries.Peek(messageID); ok && cur == e {
			t.entries.Remove(messageID)
		}
	}
	t.mu.Unlock()
	if err != nil {
		return out, fmt.Errorf("save delivery record: %w", err)
	}

	if out.ReadByAll {
		t.logger.Debug("message read by all",
			zap.String("message_id", messageID.String()),
			zap.Int("readers", out.Readers),
		)
	}
	return out, nil
}

// Status returns every recipient's record for messageID, sorted by
// recipient, with delivered and read counts. Read records count as
// delivered too.
func (t *Tracker) Status(ctx context.Context, messageID uuid.UUID) (Status, error) {
	st := Status{MessageID: messageID, Records: make([]models.DeliveryRecord, 0)}

	e, err := t.entry(ctx, messageID)
	if err != nil {
		return Status{}, err
	}
	if e == nil {
		return st, nil
	}

	t.mu.Lock()
	for _, r := range e.records {
		st.Records = append(st.Records, *r)
		if r.State >= models.DeliveryDelivered {
			st.Delivered++
		}
		if r.State == models.DeliveryRead {
			st.Read++
		}
	}
	t.mu.Unlock()

	st.Total = len(st.Records)
	sort.Slice(st.Records, func(i, j int) bool {
		return st.Records[i].RecipientID.String() < st.Records[j].RecipientID.String()
	})
	return st, nil
}

// Unread lists messages in chatID up to sequence upTo that recipientID
// has not read yet.
func (t *Tracker) Unread(ctx context.Context, chatID, recipientID uuid.UUID, upTo int64) ([]uuid.UUID, error) {
	ids, err := t.repo.ListUnread(ctx, chatID, recipientID, upTo)
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	return ids, nil
}
