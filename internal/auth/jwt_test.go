package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseToken(t *testing.T) {
	userID := uuid.New()

	token, err := GenerateToken(userID, "a@example.com", "secret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, "relaychat", claims.Issuer)
}

func TestParseTokenRejects(t *testing.T) {
	userID := uuid.New()

	t.Run("wrong secret", func(t *testing.T) {
		token, err := GenerateToken(userID, "a@example.com", "secret", time.Hour)
		require.NoError(t, err)
		_, err = ParseToken(token, "other")
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := GenerateToken(userID, "a@example.com", "secret", -time.Minute)
		require.NoError(t, err)
		_, err = ParseToken(token, "secret")
		assert.Error(t, err)
	})

	t.Run("none algorithm", func(t *testing.T) {
		claims := Claims{UserID: userID, RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = ParseToken(token, "secret")
		assert.Error(t, err)
	})
}

func TestValidatorWrapsAuthError(t *testing.T) {
	v := NewValidator("secret")

	_, err := v.ValidateToken(context.Background(), "")
	assert.ErrorIs(t, err, apperr.ErrAuth)

	_, err = v.ValidateToken(context.Background(), "garbage")
	assert.ErrorIs(t, err, apperr.ErrAuth)

	userID := uuid.New()
	token, err := GenerateToken(userID, "b@example.com", "secret", time.Hour)
	require.NoError(t, err)
	got, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}
