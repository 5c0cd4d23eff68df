package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"studychat-be/internal/dto"
	"studychat-be/internal/repository/memory"
	"studychat-be/internal/service"
	"studychat-be/pkg/llm"

	"studychat-be/internal/pkg/serverutils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, string, map[string]interface{}) {}
func (nopLogger) Info(string, string, map[string]interface{})  {}
func (nopLogger) Warn(string, string, map[string]interface{})  {}
func (nopLogger) Error(string, string, map[string]interface{}) {}
func (nopLogger) Sync() error                                  { return nil }

// stubChatService scripts responses for handler tests.
type stubChatService struct {
	service.IChatService

	sendRes   *dto.SendChatResponse
	sendErr   error
	turn      *service.StreamTurn
	turnErr   error
	completed []string
}

func (s *stubChatService) SendChat(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID, req *dto.SendChatRequest) (*dto.SendChatResponse, error) {
	return s.sendRes, s.sendErr
}

func (s *stubChatService) BeginStream(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID, req *dto.StreamChatRequest) (*service.StreamTurn, error) {
	return s.turn, s.turnErr
}

func (s *stubChatService) CompleteStream(ctx context.Context, turn *service.StreamTurn, full string) error {
	s.completed = append(s.completed, full)
	return nil
}

func newControllerApp(stub *stubChatService, limit int) *fiber.App {
	userId := uuid.New()
	fakeAuth := func(c *fiber.Ctx) error {
		c.Locals("user_id", userId.String())
		return c.Next()
	}

	app := fiber.New()
	app.Use(serverutils.ErrorHandlerMiddleware())

	ctrl := NewChatController(stub, memory.NewRateLimiter(limit, time.Minute), fakeAuth, nopLogger{})
	ctrl.RegisterRoutes(app.Group("/api"))
	return app
}

func postJSON(t *testing.T, app *fiber.App, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestSendChatEnvelope(t *testing.T) {
	stub := &stubChatService{
		sendRes: &dto.SendChatResponse{
			ChatSessionId: uuid.New(),
			Title:         "Biology questions",
			Sent:          &dto.ChatMessageDTO{Role: "user", Content: "hi"},
			Reply:         &dto.ChatMessageDTO{Role: "assistant", Content: "hello"},
		},
	}
	app := newControllerApp(stub, 10)

	resp := postJSON(t, app, "/api/chat/v1/sessions/"+uuid.NewString()+"/chat",
		dto.SendChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Success bool                 `json:"success"`
		Data    dto.SendChatResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.True(t, envelope.Success)
	assert.Equal(t, "hello", envelope.Data.Reply.Content)
}

func TestSendChatValidation(t *testing.T) {
	app := newControllerApp(&stubChatService{}, 10)

	resp := postJSON(t, app, "/api/chat/v1/sessions/"+uuid.NewString()+"/chat",
		dto.SendChatRequest{Message: ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendChatRateLimited(t *testing.T) {
	stub := &stubChatService{sendRes: &dto.SendChatResponse{}}
	app := newControllerApp(stub, 1)

	path := "/api/chat/v1/sessions/" + uuid.NewString() + "/chat"
	resp := postJSON(t, app, path, dto.SendChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, app, path, dto.SendChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestStreamChatWireFormat(t *testing.T) {
	deltas := make(chan llm.StreamDelta, 3)
	deltas <- llm.StreamDelta{Content: "Hel"}
	deltas <- llm.StreamDelta{Content: "lo"}
	close(deltas)

	stub := &stubChatService{turn: &service.StreamTurn{
		ChatSessionId: uuid.New(),
		Deltas:        deltas,
		Cancel:        func() {},
	}}
	app := newControllerApp(stub, 10)

	resp := postJSON(t, app, "/api/chat/v1/sessions/"+uuid.NewString()+"/chat/stream",
		dto.StreamChatRequest{Message: "hi"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: Hel\n\ndata: lo\n\nevent: done\ndata: ok\n\n", string(body))

	require.Len(t, stub.completed, 1)
	assert.Equal(t, "Hello", stub.completed[0])
}

func TestStreamChatUpstreamFailure(t *testing.T) {
	deltas := make(chan llm.StreamDelta, 2)
	deltas <- llm.StreamDelta{Content: "partial"}
	deltas <- llm.StreamDelta{Err: errors.New("gemini error: status 429, quota exhausted")}
	close(deltas)

	stub := &stubChatService{turn: &service.StreamTurn{
		ChatSessionId: uuid.New(),
		Deltas:        deltas,
		Cancel:        func() {},
	}}
	app := newControllerApp(stub, 10)

	resp := postJSON(t, app, "/api/chat/v1/sessions/"+uuid.NewString()+"/chat/stream",
		dto.StreamChatRequest{Message: "hi"})
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// The terminal event carries the upstream failure text.
	assert.Equal(t,
		"data: partial\n\nevent: error\ndata: gemini error: status 429, quota exhausted\n\n",
		string(body))
	// Nothing persisted after a mid-stream failure.
	assert.Empty(t, stub.completed)
}
