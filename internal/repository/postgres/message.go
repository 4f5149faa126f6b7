package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/lalith-99/relaychat/internal/models"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

const messageColumns = `id, chat_id, sender_id, seq, client_message_id, content, edit_history,
	reactions, created_at, edited_at, deleted, deleted_at, pinned, quoted_id, forwarded_from_id`

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		msg                         models.Message
		content, history, reactions []byte
	)
	err := row.Scan(
		&msg.ID,
		&msg.ChatID,
		&msg.SenderID,
		&msg.Sequence,
		&msg.ClientMessageID,
		&content,
		&history,
		&reactions,
		&msg.CreatedAt,
		&msg.EditedAt,
		&msg.Deleted,
		&msg.DeletedAt,
		&msg.Pinned,
		&msg.QuotedID,
		&msg.ForwardedFromID,
	)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(content, &msg.Content); err != nil {
		return msg, fmt.Errorf("decode content: %w", err)
	}
	if err := json.Unmarshal(history, &msg.EditHistory); err != nil {
		return msg, fmt.Errorf("decode edit history: %w", err)
	}
	if err := json.Unmarshal(reactions, &msg.Reactions); err != nil {
		return msg, fmt.Errorf("decode reactions: %w", err)
	}
	return msg, nil
}

// Create allocates the sequence number and inserts the message in a
// single statement.
//
// The CTE bumps chats.last_seq and the INSERT consumes the new value. The
// UPDATE takes a row lock on the chat, so concurrent senders to the same
// chat queue behind each other in Postgres, and if the INSERT fails the
// whole statement rolls back, including the bump. That is what makes the
// sequence gap-free.
//
// If the chat row does not exist the CTE returns nothing, the INSERT
// inserts nothing, and Scan reports ErrNoRows.
func (s *MessageStore) Create(ctx context.Context, msg models.Message) (*models.Message, error) {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}

	query := `
		WITH next AS (
			UPDATE chats SET last_seq = last_seq + 1
			WHERE id = $2
			RETURNING last_seq
		)
		INSERT INTO messages (id, chat_id, sender_id, seq, client_message_id, content,
			edit_history, reactions, created_at, quoted_id, forwarded_from_id)
		SELECT $1, $2, $3, next.last_seq, $4, $5, '[]', '[]', now(), $6, $7
		FROM next
		RETURNING ` + messageColumns

	row := s.pool.QueryRow(ctx, query,
		msg.ID, msg.ChatID, msg.SenderID, msg.ClientMessageID, content, msg.QuotedID, msg.ForwardedFromID)
	created, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("insert message: %w", apperr.ErrChatNotFound)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &created, nil
}

func (s *MessageStore) GetByID(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(s.pool.QueryRow(ctx, query, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

// Update runs fn against the row while holding FOR UPDATE, so two edits
// (or an edit racing a delete) are applied one after the other instead of
// the second silently overwriting the first.
func (s *MessageStore) Update(ctx context.Context, messageID uuid.UUID, fn func(*models.Message) error) (*models.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update message: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1 FOR UPDATE`
	msg, err := scanMessage(tx.QueryRow(ctx, query, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock message: %w", err)
	}

	if err := fn(&msg); err != nil {
		return nil, err
	}

	content, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	history, err := json.Marshal(nonNil(msg.EditHistory))
	if err != nil {
		return nil, fmt.Errorf("encode edit history: %w", err)
	}
	reactions, err := json.Marshal(nonNil(msg.Reactions))
	if err != nil {
		return nil, fmt.Errorf("encode reactions: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE messages
		SET content = $2, edit_history = $3, reactions = $4, edited_at = $5,
			deleted = $6, deleted_at = $7, pinned = $8
		WHERE id = $1`,
		msg.ID, content, history, reactions, msg.EditedAt, msg.Deleted, msg.DeletedAt, msg.Pinned)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update message: %w", err)
	}
	return &msg, nil
}

// ListByChat pages by sequence number, newest first.
//
// before=0 → first page (latest messages).
// before=42 → messages with seq < 42.
func (s *MessageStore) ListByChat(ctx context.Context, chatID uuid.UUID, before int64, limit int) ([]models.Message, error) {
	var query string
	var args []any

	if before > 0 {
		query = `SELECT ` + messageColumns + `
			FROM messages
			WHERE chat_id = $1 AND seq < $2
			ORDER BY seq DESC
			LIMIT $3`
		args = []any{chatID, before, limit}
	} else {
		query = `SELECT ` + messageColumns + `
			FROM messages
			WHERE chat_id = $1
			ORDER BY seq DESC
			LIMIT $2`
		args = []any{chatID, limit}
	}

	return s.list(ctx, "list messages", query, args...)
}

func (s *MessageStore) ListPinned(ctx context.Context, chatID uuid.UUID) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = $1 AND pinned AND NOT deleted
		ORDER BY seq`

	return s.list(ctx, "list pinned messages", query, chatID)
}

// Search matches content->>'text' with ILIKE. LIKE wildcards in query
// are escaped, so they match literally.
func (s *MessageStore) Search(ctx context.Context, userID uuid.UUID, chatID *uuid.UUID, query string, limit int) ([]models.Message, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"

	sql := `SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id IN (SELECT chat_id FROM chat_members WHERE user_id = $1)
			AND ($2::uuid IS NULL OR chat_id = $2)
			AND NOT deleted
			AND content->>'text' ILIKE $3
		ORDER BY created_at DESC, seq DESC
		LIMIT $4`

	return s.list(ctx, "search messages", sql, userID, chatID, pattern, limit)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *MessageStore) LastSequence(ctx context.Context, chatID uuid.UUID) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT last_seq FROM chats WHERE id = $1`, chatID).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("last sequence: %w", apperr.ErrChatNotFound)
		}
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return seq, nil
}

func (s *MessageStore) list(ctx context.Context, op, query string, args ...any) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
