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

type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

// Create inserts a new user row. The id is generated here so the same
// code path works for every backend.
func (s *UserStore) Create(ctx context.Context, email, displayName, passwordHash string) (*models.User, error) {
	query := `
		INSERT INTO users (id, email, display_name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, email, display_name, password_hash, created_at`

	var u models.User
	err := s.pool.QueryRow(ctx, query, uuid.New(), email, displayName, passwordHash).Scan(
		&u.ID,
		&u.Email,
		&u.DisplayName,
		&u.PasswordHash,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &u, nil
}

func (s *UserStore) GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	query := `
		SELECT id, email, display_name, password_hash, created_at
		FROM users
		WHERE id = $1`

	return s.getOne(ctx, "get user", query, userID)
}

// GetByEmail looks up a user by email. Used for login.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT id, email, display_name, password_hash, created_at
		FROM users
		WHERE email = $1`

	return s.getOne(ctx, "get user by email", query, email)
}

// Update changes the profile. NULLIF keeps the current value for empty
// arguments.
func (s *UserStore) Update(ctx context.Context, userID uuid.UUID, displayName, email string) (*models.User, error) {
	query := `
		UPDATE users
		SET display_name = COALESCE(NULLIF($2, ''), display_name),
			email = COALESCE(NULLIF($3, ''), email)
		WHERE id = $1
		RETURNING id, email, display_name, password_hash, created_at`

	return s.getOne(ctx, "update user", query, userID, displayName, email)
}

func (s *UserStore) getOne(ctx context.Context, op, query string, args ...any) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&u.ID,
		&u.Email,
		&u.DisplayName,
		&u.PasswordHash,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &u, nil
}
