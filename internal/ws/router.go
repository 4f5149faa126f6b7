package ws

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/dispatch"
	"github.com/lalith-99/relaychat/internal/protocol"
	"go.uber.org/zap"
)

// route runs one inbound frame on the reader goroutine and answers it.
// Any error becomes an error frame on the same connection.
func (m *Manager) route(ctx context.Context, c *Conn, f protocol.Frame) {
	if err := m.handle(ctx, c, f); err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			// Late or foreign acknowledgements are expected noise.
			c.logger.Debug("acknowledgement ignored", zap.String("type", string(f.Type)), zap.Error(err))
			return
		}
		c.reject(f, err)
	}
}

func chatID(f protocol.Frame) (uuid.UUID, error) {
	if f.ChatID == nil || *f.ChatID == uuid.Nil {
		return uuid.Nil, apperr.Invalid("%s frame needs chat_id", f.Type)
	}
	return *f.ChatID, nil
}

func messageID(f protocol.Frame) (uuid.UUID, error) {
	if f.MessageID == nil || *f.MessageID == uuid.Nil {
		return uuid.Nil, apperr.Invalid("%s frame needs message_id", f.Type)
	}
	return *f.MessageID, nil
}

func decode(f protocol.Frame, v any) error {
	if err := protocol.DecodePayload(f, v); err != nil {
		return apperr.Invalid("%v", err)
	}
	return nil
}

func (m *Manager) ack(c *Conn, f protocol.Frame, res dispatch.SendResult) error {
	frame, err := protocol.New(protocol.TypeAck, protocol.MessagePayload{
		Message:   res.Message,
		Quoted:    res.Quoted,
		Duplicate: res.Duplicate,
	})
	if err != nil {
		return err
	}
	frame = frame.WithChat(res.Message.ChatID).WithMessage(res.Message.ID).WithClientMessageID(f.ClientMessageID)
	return c.Send(frame)
}

func (m *Manager) handle(ctx context.Context, c *Conn, f protocol.Frame) error {
	user := c.UserID()
	d := m.dispatcher

	switch f.Type {
	case protocol.TypePing:
		return c.Send(protocol.MustNew(protocol.TypePong, nil).WithClientMessageID(f.ClientMessageID))

	case protocol.TypeAuth:
		return apperr.Invalid("connection is already authenticated")

	case protocol.TypeSend:
		chat, err := chatID(f)
		if err != nil {
			return err
		}
		var p protocol.SendPayload
		if err := decode(f, &p); err != nil {
			return err
		}
		res, err := d.SendMessage(ctx, dispatch.SendRequest{
			SenderID:        user,
			ChatID:          chat,
			Content:         p.Content,
			ClientMessageID: f.ClientMessageID,
			QuotedID:        p.QuotedMessageID,
			OriginConnID:    c.ID(),
		})
		if err != nil {
			return err
		}
		return m.ack(c, f, res)

	case protocol.TypeForward:
		id, err := messageID(f)
		if err != nil {
			return err
		}
		var p protocol.ForwardPayload
		if err := decode(f, &p); err != nil {
			return err
		}
		if p.TargetChatID == uuid.Nil {
			return apperr.Invalid("forward needs target_chat_id")
		}
		res, err := d.ForwardMessage(ctx, user, id, p.TargetChatID, f.ClientMessageID)
		if err != nil {
			return err
		}
		return m.ack(c, f, res)

	case protocol.TypeEdit:
		id, err := messageID(f)
		if err != nil {
			return err
		}
		var p protocol.EditPayload
		if err := decode(f, &p); err != nil {
			return err
		}
		_, err = d.EditMessage(ctx, user, id, p.Content)
		return err

	case protocol.TypeDelete:
		id, err := messageID(f)
		if err != nil {
			return err
		}
		_, err = d.DeleteMessage(ctx, user, id)
		return err

	case protocol.TypeReact:
		id, err := messageID(f)
		if err != nil {
			return err
		}
		var p protocol.ReactPayload
		if err := decode(f, &p); err != nil {
			return err
		}
		_, err = d.ReactToMessage(ctx, user, id, p.Emoji, p.Remove)
		return err

	case protocol.TypePin:
		id, err := messageID(f)
		if err != nil {
			return err
		}
		var p protocol.PinPayload
		if err := decode(f, &p); err != nil {
			return err
		}
		pinned := p.Pinned == nil || *p.Pinned
		_, err = d.PinMessage(ctx, user, id, pinned)
		return err

	case protocol.TypeTyping:
		chat, err := chatID(f)
		if err != nil {
			return err
		}
		var p protocol.TypingPayload
		if err := decode(f, &p); err != nil {
			return err
		}
		return d.TypingIndicator(ctx, user, chat, p.IsTyping)

	case protocol.TypeAckDelivered:
		id, err := messageID(f)
		if err != nil {
			return err
		}
		_, err = d.AcknowledgeDelivery(ctx, user, id)
		return err

	case protocol.TypeAckRead:
		id, err := messageID(f)
		if err != nil {
			return err
		}
		_, err = d.AcknowledgeRead(ctx, user, id)
		return err

	case protocol.TypeReadUntil:
		chat, err := chatID(f)
		if err != nil {
			return err
		}
		var p protocol.ReadUntilPayload
		if err := decode(f, &p); err != nil {
			return err
		}
		_, err = d.AcknowledgeReadUntil(ctx, user, chat, p.Sequence)
		return err

	case protocol.TypePresence:
		var p protocol.PresencePayload
		if err := decode(f, &p); err != nil {
			return err
		}
		return d.SetPresence(ctx, user, p.Status)
	}

	return apperr.Invalid("unknown frame type %q", f.Type)
}
