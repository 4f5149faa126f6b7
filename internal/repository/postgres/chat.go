package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/relaychat/internal/models"
)

type ChatStore struct {
	pool *pgxpool.Pool
}

func NewChatStore(pool *pgxpool.Pool) *ChatStore {
	return &ChatStore{pool: pool}
}

const chatColumns = `id, type, name, description, created_by, created_at, last_seq`

func scanChat(row rowScanner) (models.Chat, error) {
	var ch models.Chat
	err := row.Scan(
		&ch.ID,
		&ch.Type,
		&ch.Name,
		&ch.Description,
		&ch.CreatedBy,
		&ch.CreatedAt,
		&ch.LastSequence,
	)
	return ch, err
}

// Create inserts the chat row and its initial participants in one
// transaction. A chat without its owner row would be unusable, so either
// everything lands or nothing does.
func (s *ChatStore) Create(ctx context.Context, chat models.Chat, members []models.Participant) (*models.Chat, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create chat: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO chats (id, type, name, description, created_by, created_at, last_seq)
		VALUES ($1, $2, $3, $4, $5, now(), 0)
		RETURNING ` + chatColumns

	ch, err := scanChat(tx.QueryRow(ctx, query, chat.ID, chat.Type, chat.Name, chat.Description, chat.CreatedBy))
	if err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}

	batch := &pgx.Batch{}
	for _, m := range members {
		batch.Queue(`
			INSERT INTO chat_members (chat_id, user_id, role, joined_at, muted)
			VALUES ($1, $2, $3, $4, $5)`,
			ch.ID, m.UserID, m.Role, m.JoinedAt, m.Muted)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert chat members: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create chat: %w", err)
	}
	return &ch, nil
}

func (s *ChatStore) GetByID(ctx context.Context, chatID uuid.UUID) (*models.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE id = $1`

	ch, err := scanChat(s.pool.QueryRow(ctx, query, chatID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return &ch, nil
}

func (s *ChatStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Chat, error) {
	query := `
		SELECT c.id, c.type, c.name, c.description, c.created_by, c.created_at, c.last_seq
		FROM chats c
		JOIN chat_members m ON m.chat_id = c.id
		WHERE m.user_id = $1
		ORDER BY c.created_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := make([]models.Chat, 0)
	for rows.Next() {
		ch, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}

	return chats, nil
}

func (s *ChatStore) Update(ctx context.Context, chatID uuid.UUID, name, description string) (*models.Chat, error) {
	query := `
		UPDATE chats SET name = $2, description = $3
		WHERE id = $1
		RETURNING ` + chatColumns

	ch, err := scanChat(s.pool.QueryRow(ctx, query, chatID, name, description))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update chat: %w", err)
	}
	return &ch, nil
}

// Delete relies on ON DELETE CASCADE for members, messages and, through
// messages, delivery records.
func (s *ChatStore) Delete(ctx context.Context, chatID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE id = $1`, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}
