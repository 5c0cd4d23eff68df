package serverutils

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessTokenCookieName is the cookie checked before the Authorization header.
const AccessTokenCookieName = "access_token"

// DefaultAccessTokenTTL is used when no TTL is configured.
const DefaultAccessTokenTTL = 30 * 24 * time.Hour

func jwtSecret() []byte {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "default_secret"
	}
	return []byte(secret)
}

// CreateAccessToken mints a signed HS256 token carrying the user id.
func CreateAccessToken(userId uuid.UUID, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userId.String(),
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret())
}

// VerifyAccessToken returns the embedded user id, or uuid.Nil for any
// parse, signature or expiry failure. It never returns an error: callers
// check for the nil sentinel.
func VerifyAccessToken(tokenStr string) uuid.UUID {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return jwtSecret(), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return uuid.Nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil
	}
	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return uuid.Nil
	}
	userId, err := uuid.Parse(userIdStr)
	if err != nil {
		return uuid.Nil
	}
	return userId
}
