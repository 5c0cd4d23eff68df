package serverutils

import (
	"errors"

	"studychat-be/internal/pkg/apperror"
	"studychat-be/pkg/llm"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandlerMiddleware maps service errors onto the JSON envelope.
// Controllers just `return err`.
func ErrorHandlerMiddleware() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		err := ctx.Next()
		if err == nil {
			return nil
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return ctx.Status(fiberErr.Code).JSON(ErrorResponse(fiberErr.Code, fiberErr.Message))
		}

		status := statusFor(err)
		return ctx.Status(status).JSON(ErrorResponse(status, err.Error()))
	}
}

func statusFor(err error) int {
	if errors.Is(err, llm.ErrMissingCredential) {
		return fiber.StatusInternalServerError
	}
	switch apperror.KindOf(err) {
	case apperror.KindValidation:
		return fiber.StatusBadRequest
	case apperror.KindNotFound:
		return fiber.StatusNotFound
	case apperror.KindUnauthorized:
		return fiber.StatusUnauthorized
	case apperror.KindRateLimited:
		return fiber.StatusTooManyRequests
	case apperror.KindConfiguration:
		return fiber.StatusInternalServerError
	case apperror.KindUpstream:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
