package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"studychat-be/internal/constant"
	"studychat-be/internal/dto"
	"studychat-be/internal/entity"
	"studychat-be/internal/pkg/apperror"
	"studychat-be/internal/repository/specification"
	"studychat-be/internal/repository/unitofwork"
	"studychat-be/pkg/llm"
	"studychat-be/pkg/prompt"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type nopLogger struct{}

func (nopLogger) Debug(string, string, map[string]interface{}) {}
func (nopLogger) Info(string, string, map[string]interface{})  {}
func (nopLogger) Warn(string, string, map[string]interface{})  {}
func (nopLogger) Error(string, string, map[string]interface{}) {}
func (nopLogger) Sync() error                                  { return nil }

// stubProvider scripts model replies. Title prompts are told apart from
// turn prompts by their fixed prefix.
type stubProvider struct {
	mu      sync.Mutex
	prompts []string

	reply     string
	replyErr  error
	title     string
	titleErr  error
	deltas    []string
	streamErr error
}

func (s *stubProvider) record(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
}

func (s *stubProvider) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func (s *stubProvider) Generate(ctx context.Context, prompt string, _ ...llm.Option) (string, error) {
	s.record(prompt)
	if strings.HasPrefix(prompt, "Generate a short title") {
		return s.title, s.titleErr
	}
	return s.reply, s.replyErr
}

func (s *stubProvider) Chat(ctx context.Context, history []llm.Message, _ ...llm.Option) (string, error) {
	return s.reply, s.replyErr
}

func (s *stubProvider) GenerateStream(ctx context.Context, prompt string, _ ...llm.Option) (<-chan llm.StreamDelta, error) {
	s.record(prompt)
	if s.replyErr != nil {
		return nil, s.replyErr
	}
	ch := make(chan llm.StreamDelta)
	go func() {
		defer close(ch)
		for _, d := range s.deltas {
			select {
			case ch <- llm.StreamDelta{Content: d}:
			case <-ctx.Done():
				return
			}
		}
		if s.streamErr != nil {
			select {
			case ch <- llm.StreamDelta{Err: s.streamErr}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

func (s *stubProvider) ChatStream(ctx context.Context, history []llm.Message, opts ...llm.Option) (<-chan llm.StreamDelta, error) {
	return s.GenerateStream(ctx, "", opts...)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	// One connection so every query sees the same in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	ddl := []string{
		`CREATE TABLE users (
			id text PRIMARY KEY,
			email text NOT NULL UNIQUE,
			password_hash text,
			full_name text NOT NULL,
			provider text NOT NULL DEFAULT 'local',
			created_at datetime,
			updated_at datetime
		)`,
		`CREATE TABLE chat_sessions (
			id text PRIMARY KEY,
			user_id text NOT NULL,
			title text NOT NULL,
			level text NOT NULL DEFAULT 'beginner',
			created_at datetime,
			updated_at datetime
		)`,
		`CREATE TABLE chat_messages (
			id text PRIMARY KEY,
			chat_session_id text NOT NULL,
			role text NOT NULL,
			content text NOT NULL,
			created_at datetime
		)`,
	}
	for _, stmt := range ddl {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

type chatFixture struct {
	svc     IChatService
	factory unitofwork.RepositoryFactory
	stub    *stubProvider
	userId  uuid.UUID
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()

	db := newTestDB(t)
	factory := unitofwork.NewRepositoryFactory(db)
	stub := &stubProvider{
		reply:  "a helpful explanation",
		title:  "Photosynthesis Basics",
		deltas: []string{"Hel", "lo ", "there"},
	}
	builder := prompt.NewBuilder(constant.SystemInstructionV1, 20)
	svc := NewChatService(factory, stub, builder, nopLogger{}, 20)

	f := &chatFixture{svc: svc, factory: factory, stub: stub, userId: uuid.New()}
	uow := factory.NewUnitOfWork(context.Background())
	require.NoError(t, uow.UserRepository().Create(context.Background(), &entity.User{
		Id:        f.userId,
		Email:     fmt.Sprintf("%s@example.com", f.userId),
		FullName:  "Test User",
		Provider:  "local",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}))
	return f
}

func (f *chatFixture) newSession(t *testing.T, title string) uuid.UUID {
	t.Helper()
	res, err := f.svc.CreateSession(context.Background(), f.userId, &dto.CreateSessionRequest{Title: title})
	require.NoError(t, err)
	return res.Id
}

func (f *chatFixture) messages(t *testing.T, sessionId uuid.UUID) []*entity.ChatMessage {
	t.Helper()
	uow := f.factory.NewUnitOfWork(context.Background())
	msgs, err := uow.ChatMessageRepository().FindAll(context.Background(),
		specification.ByChatSessionID{ChatSessionID: sessionId},
		specification.ChronologicalAsc{},
	)
	require.NoError(t, err)
	return msgs
}

func (f *chatFixture) session(t *testing.T, sessionId uuid.UUID) *entity.ChatSession {
	t.Helper()
	uow := f.factory.NewUnitOfWork(context.Background())
	s, err := uow.ChatSessionRepository().FindOne(context.Background(), specification.ByID{ID: sessionId})
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func TestSendChatPersistsFullTurn(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")

	res, err := f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: "  what is osmosis?  "})
	require.NoError(t, err)

	assert.Equal(t, sessionId, res.ChatSessionId)
	assert.Equal(t, "what is osmosis?", res.Sent.Content)
	assert.Equal(t, "a helpful explanation", res.Reply.Content)

	msgs := f.messages(t, sessionId)
	require.Len(t, msgs, 2)
	assert.Equal(t, constant.ChatMessageRoleUser, msgs[0].Role)
	assert.Equal(t, "what is osmosis?", msgs[0].Content)
	assert.Equal(t, constant.ChatMessageRoleAssistant, msgs[1].Role)
	assert.Equal(t, "a helpful explanation", msgs[1].Content)

	prompts := f.stub.recorded()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "User: what is osmosis?")
	assert.Contains(t, prompts[0], "(Audience level: beginner)")
	assert.True(t, strings.HasSuffix(prompts[0], "\nAssistant:"))
}

func TestSendChatRejectsBlankMessage(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")

	_, err := f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: "   "})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
	assert.Empty(t, f.messages(t, sessionId))
}

func TestSendChatUnknownSession(t *testing.T) {
	f := newChatFixture(t)

	_, err := f.svc.SendChat(context.Background(), f.userId, uuid.New(), &dto.SendChatRequest{Message: "hi"})
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestSendChatOtherUsersSession(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")

	_, err := f.svc.SendChat(context.Background(), uuid.New(), sessionId, &dto.SendChatRequest{Message: "hi"})
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
	assert.Empty(t, f.messages(t, sessionId))
}

func TestSendChatModelFailureKeepsUserMessage(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")
	f.stub.replyErr = errors.New("upstream exploded")

	_, err := f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: "hi"})
	assert.Equal(t, apperror.KindUpstream, apperror.KindOf(err))

	msgs := f.messages(t, sessionId)
	require.Len(t, msgs, 1)
	assert.Equal(t, constant.ChatMessageRoleUser, msgs[0].Role)
}

func TestAutoTitleOnFirstMessage(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "") // Falls back to the default title.

	res, err := f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: "explain photosynthesis"})
	require.NoError(t, err)

	assert.Equal(t, "Photosynthesis Basics", res.Title)
	assert.Equal(t, "Photosynthesis Basics", f.session(t, sessionId).Title)
}

func TestAutoTitleSkipsCustomTitle(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "My biology notes")

	_, err := f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: "explain photosynthesis"})
	require.NoError(t, err)

	assert.Equal(t, "My biology notes", f.session(t, sessionId).Title)
}

func TestAutoTitleSkipsLaterMessages(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "")

	_, err := f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: "first"})
	require.NoError(t, err)

	// Rename back to a reserved title; the guard must still not re-fire
	// because the session now holds more than one message.
	reserved := constant.DefaultSessionTitle
	_, err = f.svc.UpdateSession(context.Background(), f.userId, sessionId, &dto.UpdateSessionRequest{Title: &reserved})
	require.NoError(t, err)

	f.stub.title = "A Different Title"
	_, err = f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: "second"})
	require.NoError(t, err)

	assert.Equal(t, constant.DefaultSessionTitle, f.session(t, sessionId).Title)
}

func TestAutoTitleFailureDoesNotAbortTurn(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "")
	f.stub.titleErr = errors.New("title model down")

	res, err := f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, constant.DefaultSessionTitle, res.Title)
	assert.Len(t, f.messages(t, sessionId), 2)
}

func TestStreamTurnPersistsOnCompletion(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")

	turn, err := f.svc.BeginStream(context.Background(), f.userId, sessionId, &dto.StreamChatRequest{Message: "hi"})
	require.NoError(t, err)
	defer turn.Cancel()

	var full strings.Builder
	for d := range turn.Deltas {
		require.NoError(t, d.Err)
		full.WriteString(d.Content)
	}
	assert.Equal(t, "Hello there", full.String())

	require.NoError(t, f.svc.CompleteStream(context.Background(), turn, full.String()))

	msgs := f.messages(t, sessionId)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello there", msgs[1].Content)
}

func TestInterruptedStreamThenRegenerate(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")

	turn, err := f.svc.BeginStream(context.Background(), f.userId, sessionId, &dto.StreamChatRequest{Message: "hi"})
	require.NoError(t, err)

	// Take one fragment and drop the connection.
	<-turn.Deltas
	turn.Cancel()

	msgs := f.messages(t, sessionId)
	require.Len(t, msgs, 1)
	assert.Equal(t, constant.ChatMessageRoleUser, msgs[0].Role)

	// Regenerate picks the turn back up from the persisted user message.
	turn, err = f.svc.BeginRegenerate(context.Background(), f.userId, sessionId, "")
	require.NoError(t, err)
	defer turn.Cancel()

	var full strings.Builder
	for d := range turn.Deltas {
		require.NoError(t, d.Err)
		full.WriteString(d.Content)
	}
	require.NoError(t, f.svc.CompleteStream(context.Background(), turn, full.String()))

	msgs = f.messages(t, sessionId)
	require.Len(t, msgs, 2)
	assert.Equal(t, constant.ChatMessageRoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello there", msgs[1].Content)
}

func TestRegenerateReplacesLastAssistantMessage(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")

	_, err := f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: "hi"})
	require.NoError(t, err)
	staleId := f.messages(t, sessionId)[1].Id

	f.stub.deltas = []string{"a better answer"}
	turn, err := f.svc.BeginRegenerate(context.Background(), f.userId, sessionId, "")
	require.NoError(t, err)
	defer turn.Cancel()

	var full strings.Builder
	for d := range turn.Deltas {
		require.NoError(t, d.Err)
		full.WriteString(d.Content)
	}
	require.NoError(t, f.svc.CompleteStream(context.Background(), turn, full.String()))

	msgs := f.messages(t, sessionId)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a better answer", msgs[1].Content)
	assert.NotEqual(t, staleId, msgs[1].Id)
}

func TestRegenerateFailureKeepsStaleAnswer(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")

	_, err := f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: "hi"})
	require.NoError(t, err)

	turn, err := f.svc.BeginRegenerate(context.Background(), f.userId, sessionId, "")
	require.NoError(t, err)

	// Abandon without completing; the stale assistant message stays.
	turn.Cancel()

	msgs := f.messages(t, sessionId)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a helpful explanation", msgs[1].Content)
}

func TestRegenerateRequiresUserMessage(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")

	_, err := f.svc.BeginRegenerate(context.Background(), f.userId, sessionId, "")
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestContextWindowBoundsPrompt(t *testing.T) {
	db := newTestDB(t)
	factory := unitofwork.NewRepositoryFactory(db)
	stub := &stubProvider{reply: "ok"}
	svc := NewChatService(factory, stub, prompt.NewBuilder(constant.SystemInstructionV1, 2), nopLogger{}, 2)

	userId := uuid.New()
	uow := factory.NewUnitOfWork(context.Background())
	require.NoError(t, uow.UserRepository().Create(context.Background(), &entity.User{
		Id: userId, Email: "window@example.com", FullName: "W", Provider: "local",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	created, err := svc.CreateSession(context.Background(), userId, &dto.CreateSessionRequest{Title: "t"})
	require.NoError(t, err)

	for _, m := range []string{"oldest question", "middle question"} {
		_, err := svc.SendChat(context.Background(), userId, created.Id, &dto.SendChatRequest{Message: m})
		require.NoError(t, err)
	}

	_, err = svc.SendChat(context.Background(), userId, created.Id, &dto.SendChatRequest{Message: "newest question"})
	require.NoError(t, err)

	prompts := stub.recorded()
	last := prompts[len(prompts)-1]
	assert.Contains(t, last, "newest question")
	assert.NotContains(t, last, "oldest question")
}

func TestGetAllSessionsNewestFirstWithPreview(t *testing.T) {
	f := newChatFixture(t)
	first := f.newSession(t, "First session")
	time.Sleep(10 * time.Millisecond)
	second := f.newSession(t, "Second session")

	long := strings.Repeat("x", 100)
	f.stub.reply = long
	_, err := f.svc.SendChat(context.Background(), f.userId, second, &dto.SendChatRequest{Message: "hi"})
	require.NoError(t, err)

	sessions, err := f.svc.GetAllSessions(context.Background(), f.userId)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, second, sessions[0].Id)
	assert.Equal(t, first, sessions[1].Id)

	assert.Equal(t, strings.Repeat("x", 80)+"…", sessions[0].LastPreview)
	assert.NotNil(t, sessions[0].LastAt)
	assert.Empty(t, sessions[1].LastPreview)
	assert.Nil(t, sessions[1].LastAt)
}

func TestMessageOrderStableOnEqualTimestamps(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")

	// Same created_at for every row; only the id tiebreak is left to keep
	// the transcript in insertion order.
	stamp := time.Now()
	uow := f.factory.NewUnitOfWork(context.Background())
	for i := 0; i < 10; i++ {
		require.NoError(t, uow.ChatMessageRepository().Create(context.Background(), &entity.ChatMessage{
			Id:            newOrderedId(),
			ChatSessionId: sessionId,
			Role:          constant.ChatMessageRoleUser,
			Content:       fmt.Sprintf("message %02d", i),
			CreatedAt:     stamp,
		}))
	}

	msgs := f.messages(t, sessionId)
	require.Len(t, msgs, 10)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("message %02d", i), m.Content)
	}
}

func TestTurnIdsFollowInsertionOrder(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")

	_, err := f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: "hi"})
	require.NoError(t, err)

	msgs := f.messages(t, sessionId)
	require.Len(t, msgs, 2)
	assert.Less(t, msgs[0].Id.String(), msgs[1].Id.String())
}

func TestGetChatHistoryChronological(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")

	for _, m := range []string{"one", "two"} {
		_, err := f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: m})
		require.NoError(t, err)
	}

	history, err := f.svc.GetChatHistory(context.Background(), f.userId, sessionId)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "one", history[0].Content)
	assert.Equal(t, constant.ChatMessageRoleAssistant, history[1].Role)
	assert.Equal(t, "two", history[2].Content)
}

func TestUpdateSessionRename(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Old title")

	title := "  New title  "
	res, err := f.svc.UpdateSession(context.Background(), f.userId, sessionId, &dto.UpdateSessionRequest{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "New title", res.Title)

	blank := "   "
	_, err = f.svc.UpdateSession(context.Background(), f.userId, sessionId, &dto.UpdateSessionRequest{Title: &blank})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestDeleteSessionRemovesMessages(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")

	_, err := f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: "hi"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteSession(context.Background(), f.userId, sessionId))

	uow := f.factory.NewUnitOfWork(context.Background())
	s, err := uow.ChatSessionRepository().FindOne(context.Background(), specification.ByID{ID: sessionId})
	require.NoError(t, err)
	assert.Nil(t, s)

	count, err := uow.ChatMessageRepository().Count(context.Background(),
		specification.ByChatSessionID{ChatSessionID: sessionId})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestExportPDF(t *testing.T) {
	f := newChatFixture(t)
	sessionId := f.newSession(t, "Biology questions")

	_, err := f.svc.SendChat(context.Background(), f.userId, sessionId, &dto.SendChatRequest{Message: "hi"})
	require.NoError(t, err)

	title, data, err := f.svc.ExportPDF(context.Background(), f.userId, sessionId)
	require.NoError(t, err)
	assert.Equal(t, "Biology questions", title)
	assert.True(t, strings.HasPrefix(string(data), "%PDF"))
}
