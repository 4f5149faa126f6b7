package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
)

const issuer = "relaychat"

// Claims is the payload inside every JWT token.
//
// When a user logs in we create a token containing these fields. On every
// later request (REST or websocket handshake) the token is parsed back and
// UserID tells the server who is talking without a database lookup.
//
// jwt.RegisteredClaims supplies the standard ExpiresAt, IssuedAt and
// Issuer fields.
type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
	jwt.RegisteredClaims
}

// GenerateToken creates an HS256-signed JWT for a user that expires after
// ttl.
func GenerateToken(userID uuid.UUID, email, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// ParseToken validates a JWT string and extracts the claims.
//
// It verifies:
//  1. The signature matches our secret (not tampered with).
//  2. The token hasn't expired.
//  3. The signing method is HMAC. A token signed with "none" or RSA is
//     rejected before the signature is even checked.
//  4. The issuer is ours.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.UserID == uuid.Nil {
		return nil, fmt.Errorf("token has no user id")
	}

	return claims, nil
}

// Validator is the auth collaborator used by the websocket handshake.
type Validator struct {
	secret string
}

func NewValidator(secret string) *Validator {
	return &Validator{secret: secret}
}

// ValidateToken returns the user id carried by token, or an error wrapping
// apperr.ErrAuth.
func (v *Validator) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, fmt.Errorf("%w: missing token", apperr.ErrAuth)
	}
	claims, err := ParseToken(token, v.secret)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", apperr.ErrAuth, err)
	}
	return claims.UserID, nil
}
