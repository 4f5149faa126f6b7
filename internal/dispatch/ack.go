package dispatch

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/delivery"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/protocol"
	"go.uber.org/zap"
)

// AcknowledgeDelivery records that user's device received messageID.
func (d *Dispatcher) AcknowledgeDelivery(ctx context.Context, user, messageID uuid.UUID) (delivery.Outcome, error) {
	out, err := d.tracker.MarkDelivered(ctx, messageID, user)
	if err != nil {
		return out, err
	}
	d.publishReceipt(messageID, out)
	return out, nil
}

// AcknowledgeRead records that user has read messageID. The sender is told
// about the change and, once everyone has read it, gets read-by-all.
func (d *Dispatcher) AcknowledgeRead(ctx context.Context, user, messageID uuid.UUID) (delivery.Outcome, error) {
	out, err := d.tracker.MarkRead(ctx, messageID, user)
	if err != nil {
		return out, err
	}
	d.publishReceipt(messageID, out)
	return out, nil
}

// DeliveryStatus reports per-recipient progress on messageID. Any member
// of the message's chat may ask.
func (d *Dispatcher) DeliveryStatus(ctx context.Context, actor, messageID uuid.UUID) (delivery.Status, error) {
	if _, _, err := d.loadForMember(ctx, actor, messageID); err != nil {
		return delivery.Status{}, err
	}
	return d.tracker.Status(ctx, messageID)
}

// AcknowledgeReadUntil marks every message in chatID up to and including
// sequence as read by user. It returns how many records changed.
func (d *Dispatcher) AcknowledgeReadUntil(ctx context.Context, user, chatID uuid.UUID, sequence int64) (int, error) {
	if sequence <= 0 {
		return 0, apperr.Invalid("sequence must be positive")
	}
	if _, err := d.members.RoleOf(ctx, chatID, user); err != nil {
		return 0, err
	}
	ids, err := d.tracker.Unread(ctx, chatID, user, sequence)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, id := range ids {
		out, err := d.AcknowledgeRead(ctx, user, id)
		if errors.Is(err, apperr.ErrInvalidTransition) {
			d.logger.Debug("read-until skipped message", zap.String("message_id", id.String()), zap.Error(err))
			continue
		}
		if err != nil {
			return changed, err
		}
		if out.Changed {
			changed++
		}
	}
	return changed, nil
}

func (d *Dispatcher) publishReceipt(messageID uuid.UUID, out delivery.Outcome) {
	if !out.Changed {
		return
	}
	receipt := protocol.MustNew(protocol.TypeReceipt, protocol.ReceiptPayload{
		MessageID:   messageID,
		RecipientID: out.Record.RecipientID,
		State:       out.Record.State,
	}).WithChat(out.ChatID).WithMessage(messageID)
	d.sendToUser(out.SenderID, receipt, "")

	if out.ReadByAll {
		all := protocol.MustNew(protocol.TypeReadByAll, protocol.ReadByAllPayload{
			MessageID: messageID,
			Readers:   out.Readers,
		}).WithChat(out.ChatID).WithMessage(messageID)
		d.sendToUser(out.SenderID, all, "")
	}
}

// TypingIndicator relays a typing state to the other members' live
// connections. Nothing is stored.
func (d *Dispatcher) TypingIndicator(ctx context.Context, user, chatID uuid.UUID, isTyping bool) error {
	if _, err := d.members.RoleOf(ctx, chatID, user); err != nil {
		return err
	}
	members, err := d.members.MembersOf(ctx, chatID)
	if err != nil {
		return err
	}
	frame := protocol.MustNew(protocol.TypeTyping, protocol.TypingEvent{UserID: user, IsTyping: isTyping}).WithChat(chatID)
	d.sendToMembers(members, frame, user, "")
	return nil
}

// SetPresence switches a connected user between online and away.
func (d *Dispatcher) SetPresence(_ context.Context, user uuid.UUID, status models.PresenceStatus) error {
	if status != models.PresenceOnline && status != models.PresenceAway {
		return apperr.Invalid("presence must be online or away")
	}
	d.registry.SetStatus(user, status)
	return nil
}
