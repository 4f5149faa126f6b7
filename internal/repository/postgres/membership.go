package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/relaychat/internal/models"
)

type MembershipStore struct {
	pool *pgxpool.Pool
}

func NewMembershipStore(pool *pgxpool.Pool) *MembershipStore {
	return &MembershipStore{pool: pool}
}

func (s *MembershipStore) AddMember(ctx context.Context, p models.Participant) error {
	// ON CONFLICT DO NOTHING keeps AddMember idempotent at the storage
	// layer. Whether re-adding is an error is decided by the membership
	// index, which sees the cached participant set.
	query := `
		INSERT INTO chat_members (chat_id, user_id, role, joined_at, muted)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chat_id, user_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query, p.ChatID, p.UserID, p.Role, p.JoinedAt, p.Muted)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *MembershipStore) RemoveMember(ctx context.Context, chatID, userID uuid.UUID) error {
	query := `
		DELETE FROM chat_members
		WHERE chat_id = $1 AND user_id = $2`

	_, err := s.pool.Exec(ctx, query, chatID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (s *MembershipStore) ListMembers(ctx context.Context, chatID uuid.UUID) ([]models.Participant, error) {
	query := `
		SELECT chat_id, user_id, role, joined_at, muted
		FROM chat_members
		WHERE chat_id = $1
		ORDER BY joined_at, user_id`

	rows, err := s.pool.Query(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := make([]models.Participant, 0)
	for rows.Next() {
		var m models.Participant
		if err := rows.Scan(&m.ChatID, &m.UserID, &m.Role, &m.JoinedAt, &m.Muted); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}

	return members, nil
}

func (s *MembershipStore) SetMuted(ctx context.Context, chatID, userID uuid.UUID, muted bool) error {
	query := `
		UPDATE chat_members SET muted = $3
		WHERE chat_id = $1 AND user_id = $2`

	_, err := s.pool.Exec(ctx, query, chatID, userID, muted)
	if err != nil {
		return fmt.Errorf("set muted: %w", err)
	}
	return nil
}
