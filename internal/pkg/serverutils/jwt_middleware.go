package serverutils

import (
	"strings"

	"studychat-be/internal/pkg/logger"
	"studychat-be/internal/repository/specification"
	"studychat-be/internal/repository/unitofwork"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// TokenFromRequest applies the credential retrieval policy: the access_token
// cookie wins, then a bearer Authorization header. Empty means no credential.
func TokenFromRequest(ctx *fiber.Ctx) string {
	if cookie := ctx.Cookies(AccessTokenCookieName); cookie != "" {
		return cookie
	}
	authHeader := ctx.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}

// NewJwtMiddleware authenticates requests and stores the user id in
// Locals("user_id"). The three rejection causes (no credential, bad or
// expired credential, no matching user) share the 401 status but are kept
// apart in the logs.
func NewJwtMiddleware(uowFactory unitofwork.RepositoryFactory, log logger.ILogger) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		tokenStr := TokenFromRequest(ctx)
		if tokenStr == "" {
			log.Debug("auth", "request without credential", map[string]interface{}{"path": ctx.Path()})
			return ctx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "Not authenticated"})
		}

		userId := VerifyAccessToken(tokenStr)
		if userId == uuid.Nil {
			log.Warn("auth", "invalid or expired token", map[string]interface{}{"path": ctx.Path()})
			return ctx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "Invalid token"})
		}

		uow := uowFactory.NewUnitOfWork(ctx.Context())
		user, err := uow.UserRepository().FindOne(ctx.Context(), specification.ByID{ID: userId})
		if err != nil {
			return err
		}
		if user == nil {
			log.Warn("auth", "token for unknown user", map[string]interface{}{"user_id": userId.String()})
			return ctx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "User not found"})
		}

		ctx.Locals("user_id", user.Id.String())
		return ctx.Next()
	}
}
