package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestJWTVerifier(t *testing.T) {
	userID := uuid.New()

	t.Run("should accept a token it issued", func(t *testing.T) {
		req := require.New(t)
		v := NewJWTVerifier("secret")
		token, err := v.Issue(userID, "agent@acme.test", "authenticated", time.Hour)
		req.NoError(err)

		id, err := v.Verify(context.Background(), token)

		req.NoError(err)
		req.Equal(userID, id.UserID)
		req.Equal("agent@acme.test", id.Email)
		req.Equal("authenticated", id.Role)
	})

	t.Run("should reject a token signed with another secret", func(t *testing.T) {
		req := require.New(t)
		token, err := NewJWTVerifier("other").Issue(userID, "", "", time.Hour)
		req.NoError(err)

		_, err = NewJWTVerifier("secret").Verify(context.Background(), token)

		req.ErrorIs(err, ErrInvalidToken)
	})

	t.Run("should reject an expired token", func(t *testing.T) {
		req := require.New(t)
		v := NewJWTVerifier("secret")
		token, err := v.Issue(userID, "", "", time.Minute)
		req.NoError(err)
		v.now = func() time.Time { return time.Now().Add(time.Hour) }

		_, err = v.Verify(context.Background(), token)

		req.ErrorIs(err, ErrInvalidToken)
	})

	t.Run("should reject a token without expiry", func(t *testing.T) {
		req := require.New(t)
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: userID.String()},
		}).SignedString([]byte("secret"))
		req.NoError(err)

		_, err = NewJWTVerifier("secret").Verify(context.Background(), token)

		req.ErrorIs(err, ErrInvalidToken)
	})

	t.Run("should reject a non uuid subject", func(t *testing.T) {
		req := require.New(t)
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "not-a-uuid",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}).SignedString([]byte("secret"))
		req.NoError(err)

		_, err = NewJWTVerifier("secret").Verify(context.Background(), token)

		req.ErrorIs(err, ErrInvalidToken)
	})

	t.Run("should reject garbage", func(t *testing.T) {
		_, err := NewJWTVerifier("secret").Verify(context.Background(), "garbage")
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}
