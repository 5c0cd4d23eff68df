package serverutils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	userId := uuid.New()
	token, err := CreateAccessToken(userId, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, userId, VerifyAccessToken(token))
}

func TestVerifyExpiredToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	claims := jwt.MapClaims{
		"user_id": uuid.New().String(),
		"iat":     time.Now().Add(-2 * time.Hour).Unix(),
		"exp":     time.Now().Add(-time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	assert.Equal(t, uuid.Nil, VerifyAccessToken(token))
}

func TestVerifyTamperedToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	token, err := CreateAccessToken(uuid.New(), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, uuid.Nil, VerifyAccessToken(token+"x"))
	assert.Equal(t, uuid.Nil, VerifyAccessToken("not-a-token"))
}

func TestVerifyWrongSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	token, err := CreateAccessToken(uuid.New(), time.Hour)
	require.NoError(t, err)

	t.Setenv("JWT_SECRET", "other-secret")
	assert.Equal(t, uuid.Nil, VerifyAccessToken(token))
}
