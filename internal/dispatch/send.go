package dispatch

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/idempotency"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/notify"
	"github.com/lalith-99/relaychat/internal/observ"
	"github.com/lalith-99/relaychat/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// SendRequest is one new message. OriginConnID, when set, is the
// connection the request came in on; it gets an ack instead of a
// duplicate message frame.
type SendRequest struct {
	SenderID        uuid.UUID
	ChatID          uuid.UUID
	Content         models.Content
	ClientMessageID string
	QuotedID        *uuid.UUID
	ForwardedFromID *uuid.UUID
	OriginConnID    string
}

type SendResult struct {
	Message   models.Message     `json:"message"`
	Quoted    *models.MessageRef `json:"quoted,omitempty"`
	Duplicate bool               `json:"duplicate"`
}

func validateContent(c models.Content) error {
	switch c.Kind {
	case models.ContentText, models.ContentEmoji, models.ContentReaction:
		text := strings.TrimSpace(c.Text)
		if text == "" {
			return apperr.Invalid("%s content cannot be empty", c.Kind)
		}
		if utf8.RuneCountInString(c.Text) > MaxTextRunes {
			return apperr.Invalid("content exceeds %d characters", MaxTextRunes)
		}
		if c.File != nil {
			return apperr.Invalid("%s content cannot carry a file", c.Kind)
		}
	case models.ContentFile:
		if c.File == nil || c.File.ID == "" {
			return apperr.Invalid("file content needs a file reference")
		}
		if utf8.RuneCountInString(c.Text) > MaxTextRunes {
			return apperr.Invalid("caption exceeds %d characters", MaxTextRunes)
		}
	case models.ContentSystem:
		return apperr.Invalid("clients cannot send system content")
	default:
		return apperr.Invalid("unknown content kind %q", c.Kind)
	}
	return nil
}

// SendMessage validates, persists and fans out a new message.
//
// Resending the same ClientMessageID (same sender, same chat) returns the
// original message with Duplicate set, and creates nothing. Concurrent
// resends collapse into one persist.
func (d *Dispatcher) SendMessage(ctx context.Context, req SendRequest) (SendResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.SendMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("chat.id", req.ChatID.String()),
		attribute.String("sender.id", req.SenderID.String()),
	)

	res, err := d.send(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Code(err))
		return SendResult{}, err
	}
	span.SetAttributes(attribute.Int64("message.sequence", res.Message.Sequence), attribute.Bool("duplicate", res.Duplicate))
	return res, nil
}

func (d *Dispatcher) send(ctx context.Context, req SendRequest) (SendResult, error) {
	if err := validateContent(req.Content); err != nil {
		return SendResult{}, err
	}
	if len(req.ClientMessageID) > 128 {
		return SendResult{}, apperr.Invalid("client message id is too long")
	}

	chat, err := d.members.Chat(ctx, req.ChatID)
	if err != nil {
		return SendResult{}, err
	}
	if err := d.members.CanPost(ctx, req.ChatID, req.SenderID); err != nil {
		return SendResult{}, err
	}

	if req.ClientMessageID == "" {
		if err := d.charge(req); err != nil {
			return SendResult{}, err
		}
		return d.persistAndFanOut(ctx, chat, req)
	}

	// A resend of a stored message is answered before the rate limit, and
	// only a send that will persist uses up a token.
	idemKey := idempotency.Key(req.SenderID, req.ChatID, req.ClientMessageID)
	leader := false
	v, err, _ := d.sends.Do(idemKey, func() (any, error) {
		leader = true
		if prior, ok, err := d.lookupPrior(ctx, idemKey, req); err != nil || ok {
			return prior, err
		}
		if err := d.charge(req); err != nil {
			return SendResult{}, err
		}
		res, err := d.persistAndFanOut(ctx, chat, req)
		if err != nil {
			return res, err
		}
		if err := d.idem.Remember(ctx, idemKey, res.Message.ID); err != nil {
			d.logger.Warn("failed to remember idempotency key",
				zap.String("message_id", res.Message.ID.String()),
				zap.Error(err),
			)
		}
		return res, nil
	})
	if err != nil {
		return SendResult{}, err
	}
	res := v.(SendResult)
	if !leader {
		res.Duplicate = true
	}
	return res, nil
}

// charge takes one rate-limit token for the sender in the request's chat.
func (d *Dispatcher) charge(req SendRequest) error {
	key := req.SenderID.String() + ":" + req.ChatID.String()
	if wait, ok := d.limiters.take(key, d.now()); !ok {
		return &apperr.RateLimitedError{RetryAfter: wait}
	}
	return nil
}

// lookupPrior returns the result of an earlier send with the same key.
func (d *Dispatcher) lookupPrior(ctx context.Context, idemKey string, req SendRequest) (SendResult, bool, error) {
	id, ok, err := d.idem.Lookup(ctx, idemKey)
	if err != nil {
		return SendResult{}, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if !ok {
		return SendResult{}, false, nil
	}
	msg, err := d.messages.GetByID(ctx, id)
	if err != nil {
		return SendResult{}, false, fmt.Errorf("load prior message: %w", err)
	}
	if msg == nil {
		// Remembered but gone; treat the resend as new.
		return SendResult{}, false, nil
	}
	res := SendResult{Message: *msg, Duplicate: true}
	if msg.QuotedID != nil {
		ref, err := d.resolve(ctx, *msg.QuotedID)
		if err != nil {
			return SendResult{}, false, err
		}
		res.Quoted = &ref
	}
	return res, true, nil
}

func (d *Dispatcher) persistAndFanOut(ctx context.Context, chat models.Chat, req SendRequest) (SendResult, error) {
	var quoted *models.MessageRef
	if req.QuotedID != nil {
		ref, err := d.resolve(ctx, *req.QuotedID)
		if err != nil {
			return SendResult{}, err
		}
		if !ref.Missing && ref.ChatID != req.ChatID {
			return SendResult{}, apperr.Invalid("quoted message belongs to another chat")
		}
		quoted = &ref
	}

	members, err := d.members.MembersOf(ctx, req.ChatID)
	if err != nil {
		return SendResult{}, err
	}
	seq, err := d.sequencers.get(ctx, req.ChatID)
	if err != nil {
		return SendResult{}, err
	}

	msg, err := d.messages.Create(ctx, models.Message{
		ID:              uuid.New(),
		ChatID:          req.ChatID,
		SenderID:        req.SenderID,
		ClientMessageID: req.ClientMessageID,
		Content:         req.Content,
		QuotedID:        req.QuotedID,
		ForwardedFromID: req.ForwardedFromID,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("save message: %w", err)
	}
	observ.IncMessageSent(string(chat.Type))

	recipients := make([]uuid.UUID, 0, len(members))
	for _, p := range members {
		if p.UserID != req.SenderID {
			recipients = append(recipients, p.UserID)
		}
	}
	if err := d.tracker.Track(ctx, *msg, recipients); err != nil {
		d.logger.Error("failed to track delivery", zap.String("message_id", msg.ID.String()), zap.Error(err))
	}

	// The slot is submitted even if encoding fails, or the chat would
	// stall until the gap timeout.
	deliver := func() {}
	frame, err := protocol.New(protocol.TypeMessage, protocol.MessagePayload{Message: *msg, Quoted: quoted})
	if err != nil {
		d.logger.Error("failed to encode message frame", zap.String("message_id", msg.ID.String()), zap.Error(err))
	} else {
		frame = frame.WithChat(msg.ChatID).WithMessage(msg.ID).WithClientMessageID(msg.ClientMessageID)
		deliver = func() { d.sendToMembers(members, frame, uuid.Nil, req.OriginConnID) }
	}
	seq.submit(msg.Sequence, deliver, d.now())

	d.notifyOffline(members, *msg)

	d.logger.Debug("message sent",
		zap.String("message_id", msg.ID.String()),
		zap.String("chat_id", msg.ChatID.String()),
		zap.Int64("sequence", msg.Sequence),
	)
	return SendResult{Message: *msg, Quoted: quoted}, nil
}

// notifyOffline notifies recipients with no live connection, unless they
// muted the chat. It never blocks the send.
func (d *Dispatcher) notifyOffline(members []models.Participant, msg models.Message) {
	preview := notify.Preview{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Sequence:  msg.Sequence,
		Text:      msg.Preview(previewRunes),
	}
	for _, p := range members {
		if p.UserID == msg.SenderID || p.Muted || d.registry.IsOnline(p.UserID) {
			continue
		}
		d.notifies.Add(1)
		go func(userID uuid.UUID) {
			defer d.notifies.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.NotifyTimeout)
			defer cancel()
			if err := d.notifier.NotifyOffline(ctx, userID, preview); err != nil {
				observ.IncNotifyError()
				d.logger.Warn("offline notification failed",
					zap.String("user_id", userID.String()),
					zap.String("message_id", msg.ID.String()),
					zap.Error(err),
				)
			}
		}(p.UserID)
	}
}

// QuoteMessage sends content to chatID quoting quotedID. The returned
// reference may be deleted or missing.
func (d *Dispatcher) QuoteMessage(ctx context.Context, actor, chatID, quotedID uuid.UUID, content models.Content, clientMessageID string) (SendResult, error) {
	return d.SendMessage(ctx, SendRequest{
		SenderID:        actor,
		ChatID:          chatID,
		Content:         content,
		ClientMessageID: clientMessageID,
		QuotedID:        &quotedID,
	})
}

// ForwardMessage copies a message into targetChatID with a weak link back
// to the original.
func (d *Dispatcher) ForwardMessage(ctx context.Context, actor, messageID, targetChatID uuid.UUID, clientMessageID string) (SendResult, error) {
	src, err := d.messages.GetByID(ctx, messageID)
	if err != nil {
		return SendResult{}, fmt.Errorf("load message: %w", err)
	}
	if src == nil {
		return SendResult{}, apperr.ErrMessageNotFound
	}
	if _, err := d.members.RoleOf(ctx, src.ChatID, actor); err != nil {
		return SendResult{}, err
	}
	if src.Deleted {
		return SendResult{}, apperr.ErrMessageTombstoned
	}
	return d.SendMessage(ctx, SendRequest{
		SenderID:        actor,
		ChatID:          targetChatID,
		Content:         src.Content,
		ClientMessageID: clientMessageID,
		ForwardedFromID: &src.ID,
	})
}

// ResolveReference looks up a weakly referenced message. A missing or
// deleted target is not an error; it resolves with Missing or Deleted set.
func (d *Dispatcher) ResolveReference(ctx context.Context, actor, messageID uuid.UUID) (models.MessageRef, error) {
	msg, err := d.messages.GetByID(ctx, messageID)
	if err != nil {
		return models.MessageRef{}, fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return refOf(nil, messageID), nil
	}
	if _, err := d.members.RoleOf(ctx, msg.ChatID, actor); err != nil {
		return models.MessageRef{}, err
	}
	return refOf(msg, messageID), nil
}

func (d *Dispatcher) resolve(ctx context.Context, messageID uuid.UUID) (models.MessageRef, error) {
	msg, err := d.messages.GetByID(ctx, messageID)
	if err != nil {
		return models.MessageRef{}, fmt.Errorf("load referenced message: %w", err)
	}
	return refOf(msg, messageID), nil
}
