package controller

import (
	"bufio"
	"context"
	"strings"

	"studychat-be/internal/dto"
	"studychat-be/internal/pkg/logger"
	"studychat-be/internal/pkg/serverutils"
	"studychat-be/internal/repository/memory"
	"studychat-be/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

type IChatController interface {
	RegisterRoutes(r fiber.Router)
	CreateSession(ctx *fiber.Ctx) error
	ListSessions(ctx *fiber.Ctx) error
	UpdateSession(ctx *fiber.Ctx) error
	DeleteSession(ctx *fiber.Ctx) error
	GetMessages(ctx *fiber.Ctx) error
	SendChat(ctx *fiber.Ctx) error
	StreamChat(ctx *fiber.Ctx) error
	Regenerate(ctx *fiber.Ctx) error
	ExportPDF(ctx *fiber.Ctx) error
}

type chatController struct {
	chatService   service.IChatService
	rateLimiter   *memory.RateLimiter
	jwtMiddleware fiber.Handler
	log           logger.ILogger
}

func NewChatController(
	chatService service.IChatService,
	rateLimiter *memory.RateLimiter,
	jwtMiddleware fiber.Handler,
	log logger.ILogger,
) IChatController {
	return &chatController{
		chatService:   chatService,
		rateLimiter:   rateLimiter,
		jwtMiddleware: jwtMiddleware,
		log:           log,
	}
}

func (c *chatController) RegisterRoutes(r fiber.Router) {
	h := r.Group("/chat/v1")
	h.Use(c.jwtMiddleware)
	h.Post("/sessions", c.CreateSession)
	h.Get("/sessions", c.ListSessions)
	h.Patch("/sessions/:id", c.UpdateSession)
	h.Delete("/sessions/:id", c.DeleteSession)
	h.Get("/sessions/:id/messages", c.GetMessages)
	h.Post("/sessions/:id/chat", c.SendChat)
	h.Post("/sessions/:id/chat/stream", c.StreamChat)
	h.Post("/sessions/:id/regenerate", c.Regenerate)
	h.Post("/sessions/:id/export-pdf", c.ExportPDF)
}

func requestIds(ctx *fiber.Ctx) (userId uuid.UUID, sessionId uuid.UUID) {
	userIdStr := ctx.Locals("user_id").(string)
	userId, _ = uuid.Parse(userIdStr)
	sessionId, _ = uuid.Parse(ctx.Params("id"))
	return userId, sessionId
}

func (c *chatController) CreateSession(ctx *fiber.Ctx) error {
	userId, _ := requestIds(ctx)

	var req dto.CreateSessionRequest
	if err := ctx.BodyParser(&req); err != nil {
		return err
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.chatService.CreateSession(ctx.Context(), userId, &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success create session", res))
}

func (c *chatController) ListSessions(ctx *fiber.Ctx) error {
	userId, _ := requestIds(ctx)

	res, err := c.chatService.GetAllSessions(ctx.Context(), userId)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success", res))
}

func (c *chatController) UpdateSession(ctx *fiber.Ctx) error {
	userId, sessionId := requestIds(ctx)

	var req dto.UpdateSessionRequest
	if err := ctx.BodyParser(&req); err != nil {
		return err
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.chatService.UpdateSession(ctx.Context(), userId, sessionId, &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success update session", res))
}

func (c *chatController) DeleteSession(ctx *fiber.Ctx) error {
	userId, sessionId := requestIds(ctx)

	if err := c.chatService.DeleteSession(ctx.Context(), userId, sessionId); err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse[any]("Success delete session", nil))
}

func (c *chatController) GetMessages(ctx *fiber.Ctx) error {
	userId, sessionId := requestIds(ctx)

	res, err := c.chatService.GetChatHistory(ctx.Context(), userId, sessionId)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success", res))
}

func (c *chatController) SendChat(ctx *fiber.Ctx) error {
	userId, sessionId := requestIds(ctx)

	if err := c.rateLimiter.Check(userId); err != nil {
		return err
	}

	var req dto.SendChatRequest
	if err := ctx.BodyParser(&req); err != nil {
		return err
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.chatService.SendChat(ctx.Context(), userId, sessionId, &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success", res))
}

func (c *chatController) StreamChat(ctx *fiber.Ctx) error {
	userId, sessionId := requestIds(ctx)

	if err := c.rateLimiter.Check(userId); err != nil {
		return err
	}

	var req dto.StreamChatRequest
	if err := ctx.BodyParser(&req); err != nil {
		return err
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	// Errors before the first byte still travel the normal JSON error path;
	// once the stream opens, failures surface as SSE error events.
	turn, err := c.chatService.BeginStream(ctx.Context(), userId, sessionId, &req)
	if err != nil {
		return err
	}

	c.streamTurn(ctx, turn)
	return nil
}

func (c *chatController) Regenerate(ctx *fiber.Ctx) error {
	userId, sessionId := requestIds(ctx)

	if err := c.rateLimiter.Check(userId); err != nil {
		return err
	}

	var req dto.StreamChatRequest
	if err := ctx.BodyParser(&req); err == nil {
		if err := serverutils.ValidateRequest(req); err != nil {
			return err
		}
	}

	turn, err := c.chatService.BeginRegenerate(ctx.Context(), userId, sessionId, req.Level)
	if err != nil {
		return err
	}

	c.streamTurn(ctx, turn)
	return nil
}

// streamTurn drains the delta channel onto an SSE response. The response
// body writer runs after the handler returns, so persistence goes through a
// detached context. A failed write means the client hung up; the turn is
// cancelled and nothing is persisted.
func (c *chatController) streamTurn(ctx *fiber.Ctx, turn *service.StreamTurn) {
	serverutils.SetSSEHeaders(ctx)

	sessionId := turn.ChatSessionId
	ctx.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer turn.Cancel()

		sse := serverutils.NewSSEWriter(w)
		var full strings.Builder

		for delta := range turn.Deltas {
			if delta.Err != nil {
				c.log.Warn("chat", "stream interrupted", map[string]interface{}{
					"session_id": sessionId.String(),
					"error":      delta.Err.Error(),
				})
				_ = sse.WriteError(delta.Err.Error())
				return
			}
			if delta.Content == "" {
				continue
			}
			full.WriteString(delta.Content)
			if err := sse.WriteData(delta.Content); err != nil {
				c.log.Debug("chat", "client disconnected mid-stream", map[string]interface{}{
					"session_id": sessionId.String(),
				})
				return
			}
		}

		if err := c.chatService.CompleteStream(context.Background(), turn, full.String()); err != nil {
			c.log.Error("chat", "failed to persist streamed reply", map[string]interface{}{
				"session_id": sessionId.String(),
				"error":      err.Error(),
			})
			_ = sse.WriteError("failed to persist reply")
			return
		}
		_ = sse.WriteDone()
	}))
}

func (c *chatController) ExportPDF(ctx *fiber.Ctx) error {
	userId, sessionId := requestIds(ctx)

	_, data, err := c.chatService.ExportPDF(ctx.Context(), userId, sessionId)
	if err != nil {
		return err
	}

	ctx.Set(fiber.HeaderContentType, "application/pdf")
	ctx.Set(fiber.HeaderContentDisposition, `attachment; filename="study-chat.pdf"`)
	return ctx.Send(data)
}
