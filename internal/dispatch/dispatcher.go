// Package dispatch interprets client operations: it persists messages,
// enforces chat rules and fans results out to the participants' live
// connections.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/delivery"
	"github.com/lalith-99/relaychat/internal/idempotency"
	"github.com/lalith-99/relaychat/internal/membership"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/notify"
	"github.com/lalith-99/relaychat/internal/observ"
	"github.com/lalith-99/relaychat/internal/protocol"
	"github.com/lalith-99/relaychat/internal/repository"
	"github.com/lalith-99/relaychat/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// MaxTextRunes bounds text, emoji and reaction content.
	MaxTextRunes = 4000

	previewRunes  = 80
	sweepInterval = time.Second
)

// Config tunes the dispatcher. Zero values fall back to defaults.
type Config struct {
	RateLimit      float64 // messages per second per sender per chat; <= 0 disables
	RateBurst      int
	ReorderTimeout time.Duration
	NotifyTimeout  time.Duration
}

// Deps are the dispatcher's collaborators.
type Deps struct {
	Registry    *session.Registry
	Members     *membership.Index
	Tracker     *delivery.Tracker
	Messages    repository.MessageRepository
	Idempotency idempotency.Store
	Notifier    notify.Notifier
}

// Dispatcher is safe for concurrent use. Each connection's reader
// goroutine calls into it directly; Run must be running for presence
// fan-out and housekeeping.
type Dispatcher struct {
	registry *session.Registry
	members  *membership.Index
	tracker  *delivery.Tracker
	messages repository.MessageRepository
	idem     idempotency.Store
	notifier notify.Notifier

	cfg        Config
	limiters   *limiterPool
	sequencers *sequencers
	sends      singleflight.Group
	notifies   sync.WaitGroup

	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.ReorderTimeout <= 0 {
		cfg.ReorderTimeout = 5 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	return &Dispatcher{
		registry:   deps.Registry,
		members:    deps.Members,
		tracker:    deps.Tracker,
		messages:   deps.Messages,
		idem:       deps.Idempotency,
		notifier:   deps.Notifier,
		cfg:        cfg,
		limiters:   newLimiterPool(cfg.RateLimit, cfg.RateBurst),
		sequencers: newSequencers(deps.Messages.LastSequence),
		logger:     logger,
		tracer:     otel.Tracer("github.com/lalith-99/relaychat/internal/dispatch"),
		now:        time.Now,
	}
}

// Run consumes presence events from the registry and performs periodic
// housekeeping until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.registry.Events():
			d.broadcastPresence(ctx, ev)
		case now := <-ticker.C:
			d.sweep(now)
		}
	}
}

func (d *Dispatcher) sweep(now time.Time) {
	if n := d.limiters.sweep(now); n > 0 {
		d.logger.Debug("idle rate limiters dropped", zap.Int("count", n))
	}
	if n := d.sequencers.sweep(now, d.cfg.ReorderTimeout); n > 0 {
		d.logger.Warn("skipped stalled sequence gaps", zap.Int("chats", n))
	}
}

// Wait blocks until in-flight offline notifications have finished.
func (d *Dispatcher) Wait() {
	d.notifies.Wait()
}

func (d *Dispatcher) broadcastPresence(ctx context.Context, ev session.Event) {
	contacts, err := d.members.Contacts(ctx, ev.UserID)
	if err != nil {
		d.logger.Warn("presence fan-out failed", zap.String("user_id", ev.UserID.String()), zap.Error(err))
		return
	}
	frame := protocol.MustNew(protocol.TypePresence, protocol.PresenceEvent{UserID: ev.UserID, Status: ev.Status})
	for _, id := range contacts {
		d.sendToUser(id, frame, "")
	}
}

// sendToUser enqueues frame on every live connection of userID except
// skipConn. A connection that cannot take the frame has already closed
// itself; it only costs a metric.
func (d *Dispatcher) sendToUser(userID uuid.UUID, frame protocol.Frame, skipConn string) {
	for _, c := range d.registry.Conns(userID) {
		if c.ID() == skipConn {
			continue
		}
		if err := c.Send(frame); err != nil {
			observ.IncDroppedFrame()
			d.logger.Debug("frame not delivered",
				zap.String("connection_id", c.ID()),
				zap.String("type", string(frame.Type)),
				zap.Error(err),
			)
			continue
		}
		observ.IncFanoutFrame(string(frame.Type))
	}
}

// sendToMembers fans frame out to every participant except skipUser.
func (d *Dispatcher) sendToMembers(members []models.Participant, frame protocol.Frame, skipUser uuid.UUID, skipConn string) {
	for _, p := range members {
		if p.UserID == skipUser {
			continue
		}
		d.sendToUser(p.UserID, frame, skipConn)
	}
}

// broadcastUpdate sends the current state of msg to everyone in its chat.
// Used for edit, delete, react and pin, which are not sequenced.
func (d *Dispatcher) broadcastUpdate(ctx context.Context, t protocol.Type, msg models.Message) {
	members, err := d.members.MembersOf(ctx, msg.ChatID)
	if err != nil {
		d.logger.Warn("update fan-out failed", zap.String("message_id", msg.ID.String()), zap.Error(err))
		return
	}
	frame, err := protocol.New(t, protocol.MessagePayload{Message: msg})
	if err != nil {
		d.logger.Error("failed to encode update", zap.Error(err))
		return
	}
	frame = frame.WithChat(msg.ChatID).WithMessage(msg.ID)
	d.sendToMembers(members, frame, uuid.Nil, "")
}

func refOf(msg *models.Message, id uuid.UUID) models.MessageRef {
	if msg == nil {
		return models.MessageRef{ID: id, Missing: true}
	}
	return models.MessageRef{
		ID:       msg.ID,
		ChatID:   msg.ChatID,
		SenderID: msg.SenderID,
		Sequence: msg.Sequence,
		Preview:  msg.Preview(previewRunes),
		Deleted:  msg.Deleted,
	}
}
