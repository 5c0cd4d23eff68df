package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"studychat-be/internal/constant"
	"studychat-be/internal/dto"
	"studychat-be/internal/entity"
	"studychat-be/internal/pkg/apperror"
	"studychat-be/internal/pkg/logger"
	"studychat-be/internal/repository/specification"
	"studychat-be/internal/repository/unitofwork"
	"studychat-be/pkg/llm"
	"studychat-be/pkg/pdf"
	"studychat-be/pkg/prompt"

	"github.com/google/uuid"
)

// StreamTurn is the handle returned by BeginStream/BeginRegenerate. The
// caller drains Deltas, accumulates the full reply, and hands it back to
// CompleteStream. Cancel stops the upstream generation; it must be called
// once the caller is done with the turn.
type StreamTurn struct {
	ChatSessionId uuid.UUID
	Title         string
	Deltas        <-chan llm.StreamDelta
	Cancel        context.CancelFunc

	// Set on regenerate turns: the assistant message to replace. It is only
	// deleted inside CompleteStream, so a failed regeneration never loses
	// the previous answer.
	staleAssistantId *uuid.UUID
}

type IChatService interface {
	CreateSession(ctx context.Context, userId uuid.UUID, req *dto.CreateSessionRequest) (*dto.CreateSessionResponse, error)
	GetAllSessions(ctx context.Context, userId uuid.UUID) ([]*dto.SessionSummaryResponse, error)
	GetChatHistory(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) ([]*dto.ChatMessageDTO, error)
	UpdateSession(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID, req *dto.UpdateSessionRequest) (*dto.UpdateSessionResponse, error)
	DeleteSession(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) error

	SendChat(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID, req *dto.SendChatRequest) (*dto.SendChatResponse, error)
	BeginStream(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID, req *dto.StreamChatRequest) (*StreamTurn, error)
	BeginRegenerate(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID, level string) (*StreamTurn, error)
	CompleteStream(ctx context.Context, turn *StreamTurn, full string) error

	ExportPDF(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) (string, []byte, error)
}

type chatService struct {
	uowFactory    unitofwork.RepositoryFactory
	llmProvider   llm.LLMProvider
	promptBuilder *prompt.Builder
	log           logger.ILogger
	contextWindow int
}

func NewChatService(
	uowFactory unitofwork.RepositoryFactory,
	llmProvider llm.LLMProvider,
	promptBuilder *prompt.Builder,
	log logger.ILogger,
	contextWindow int,
) IChatService {
	if contextWindow <= 0 {
		contextWindow = 20
	}
	return &chatService{
		uowFactory:    uowFactory,
		llmProvider:   llmProvider,
		promptBuilder: promptBuilder,
		log:           log,
		contextWindow: contextWindow,
	}
}

// --- Session CRUD ---

func (cs *chatService) CreateSession(ctx context.Context, userId uuid.UUID, req *dto.CreateSessionRequest) (*dto.CreateSessionResponse, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = constant.DefaultSessionTitle
	}
	title = truncateRunes(title, constant.MaxSessionTitleLen)

	level := req.Level
	if level == "" {
		level = constant.LevelBeginner
	}

	session := &entity.ChatSession{
		Id:        newOrderedId(),
		UserId:    userId,
		Title:     title,
		Level:     level,
		CreatedAt: time.Now(),
	}

	uow := cs.uowFactory.NewUnitOfWork(ctx)
	if err := uow.ChatSessionRepository().Create(ctx, session); err != nil {
		return nil, err
	}

	return &dto.CreateSessionResponse{Id: session.Id, Title: session.Title, Level: session.Level}, nil
}

func (cs *chatService) GetAllSessions(ctx context.Context, userId uuid.UUID) ([]*dto.SessionSummaryResponse, error) {
	uow := cs.uowFactory.NewUnitOfWork(ctx)

	sessions, err := uow.ChatSessionRepository().FindAll(ctx,
		specification.UserOwnedBy{UserID: userId},
		specification.ChronologicalDesc{},
		specification.Pagination{Limit: 50},
	)
	if err != nil {
		return nil, err
	}

	response := make([]*dto.SessionSummaryResponse, 0, len(sessions))
	for _, s := range sessions {
		summary := &dto.SessionSummaryResponse{
			Id:        s.Id,
			Title:     s.Title,
			Level:     s.Level,
			CreatedAt: s.CreatedAt,
		}

		last, err := uow.ChatMessageRepository().FindOne(ctx,
			specification.ByChatSessionID{ChatSessionID: s.Id},
			specification.ChronologicalDesc{},
		)
		if err != nil {
			return nil, err
		}
		if last != nil {
			summary.LastPreview = preview(last.Content, 80)
			t := last.CreatedAt
			summary.LastAt = &t
		}

		response = append(response, summary)
	}

	return response, nil
}

func (cs *chatService) GetChatHistory(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) ([]*dto.ChatMessageDTO, error) {
	uow := cs.uowFactory.NewUnitOfWork(ctx)

	if _, err := cs.resolveSession(ctx, uow, userId, sessionId); err != nil {
		return nil, err
	}

	messages, err := uow.ChatMessageRepository().FindAll(ctx,
		specification.ByChatSessionID{ChatSessionID: sessionId},
		specification.ChronologicalAsc{},
	)
	if err != nil {
		return nil, err
	}

	response := make([]*dto.ChatMessageDTO, 0, len(messages))
	for _, m := range messages {
		response = append(response, &dto.ChatMessageDTO{
			Id:        m.Id,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return response, nil
}

func (cs *chatService) UpdateSession(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID, req *dto.UpdateSessionRequest) (*dto.UpdateSessionResponse, error) {
	uow := cs.uowFactory.NewUnitOfWork(ctx)

	session, err := cs.resolveSession(ctx, uow, userId, sessionId)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, apperror.NewValidation("title required")
		}
		session.Title = truncateRunes(title, constant.MaxSessionTitleLen)
	}
	if req.Level != nil {
		session.Level = *req.Level
	}

	if err := uow.ChatSessionRepository().Update(ctx, session); err != nil {
		return nil, err
	}

	return &dto.UpdateSessionResponse{Id: session.Id, Title: session.Title, Level: session.Level}, nil
}

func (cs *chatService) DeleteSession(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) error {
	uow := cs.uowFactory.NewUnitOfWork(ctx)

	if _, err := cs.resolveSession(ctx, uow, userId, sessionId); err != nil {
		return err
	}

	if err := uow.Begin(ctx); err != nil {
		return err
	}
	defer uow.Rollback()

	if err := uow.ChatMessageRepository().DeleteByChatSessionId(ctx, sessionId); err != nil {
		return err
	}
	if err := uow.ChatSessionRepository().Delete(ctx, sessionId); err != nil {
		return err
	}

	return uow.Commit()
}

// --- Batch turn ---

func (cs *chatService) SendChat(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID, req *dto.SendChatRequest) (*dto.SendChatResponse, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, apperror.NewValidation("empty message")
	}

	uow := cs.uowFactory.NewUnitOfWork(ctx)
	session, err := cs.resolveSession(ctx, uow, userId, sessionId)
	if err != nil {
		return nil, err
	}

	// The user message commits before generation so it survives a model
	// failure downstream.
	userMessage, err := cs.persistUserMessage(ctx, sessionId, text)
	if err != nil {
		return nil, err
	}

	cs.maybeAutoTitle(ctx, session, text)

	transcript, err := cs.loadContext(ctx, sessionId)
	if err != nil {
		return nil, err
	}

	level := cs.resolveLevel(req.Level, session)
	reply, err := cs.llmProvider.Generate(ctx, cs.promptBuilder.Build(transcript, level))
	if err != nil {
		return nil, classifyModelError(err)
	}

	assistantMessage, err := cs.persistAssistantMessage(ctx, nil, sessionId, reply)
	if err != nil {
		return nil, err
	}

	return &dto.SendChatResponse{
		ChatSessionId: session.Id,
		Title:         session.Title,
		Sent: &dto.ChatMessageDTO{
			Id:        userMessage.Id,
			Role:      userMessage.Role,
			Content:   userMessage.Content,
			CreatedAt: userMessage.CreatedAt,
		},
		Reply: &dto.ChatMessageDTO{
			Id:        assistantMessage.Id,
			Role:      assistantMessage.Role,
			Content:   assistantMessage.Content,
			CreatedAt: assistantMessage.CreatedAt,
		},
	}, nil
}

// --- Streaming turn ---

func (cs *chatService) BeginStream(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID, req *dto.StreamChatRequest) (*StreamTurn, error) {
	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, apperror.NewValidation("empty message")
	}

	uow := cs.uowFactory.NewUnitOfWork(ctx)
	session, err := cs.resolveSession(ctx, uow, userId, sessionId)
	if err != nil {
		return nil, err
	}

	// Synchronous commit; no fragment is emitted before this lands.
	if _, err := cs.persistUserMessage(ctx, sessionId, text); err != nil {
		return nil, err
	}

	cs.maybeAutoTitle(ctx, session, text)

	transcript, err := cs.loadContext(ctx, sessionId)
	if err != nil {
		return nil, err
	}

	level := cs.resolveLevel(req.Level, session)
	return cs.openStream(session, transcript, level, nil)
}

func (cs *chatService) BeginRegenerate(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID, level string) (*StreamTurn, error) {
	uow := cs.uowFactory.NewUnitOfWork(ctx)
	session, err := cs.resolveSession(ctx, uow, userId, sessionId)
	if err != nil {
		return nil, err
	}

	lastUser, err := uow.ChatMessageRepository().FindOne(ctx,
		specification.ByChatSessionID{ChatSessionID: sessionId},
		specification.ByRole{Role: constant.ChatMessageRoleUser},
		specification.ChronologicalDesc{},
	)
	if err != nil {
		return nil, err
	}
	if lastUser == nil {
		return nil, apperror.NewValidation("no user message to regenerate from")
	}

	var staleId *uuid.UUID
	lastAssistant, err := uow.ChatMessageRepository().FindOne(ctx,
		specification.ByChatSessionID{ChatSessionID: sessionId},
		specification.ByRole{Role: constant.ChatMessageRoleAssistant},
		specification.ChronologicalDesc{},
	)
	if err != nil {
		return nil, err
	}
	if lastAssistant != nil {
		id := lastAssistant.Id
		staleId = &id
	}

	// The stale answer stays in the context window on purpose; it is only
	// excluded by being replaced on completion.
	transcript, err := cs.loadContext(ctx, sessionId)
	if err != nil {
		return nil, err
	}

	return cs.openStream(session, transcript, cs.resolveLevel(level, session), staleId)
}

func (cs *chatService) openStream(session *entity.ChatSession, transcript []llm.Message, level string, staleId *uuid.UUID) (*StreamTurn, error) {
	// Detached from the request context: the generation call and the
	// post-stream write outlive the handler.
	streamCtx, cancel := context.WithCancel(context.Background())

	deltas, err := cs.llmProvider.GenerateStream(streamCtx, cs.promptBuilder.Build(transcript, level))
	if err != nil {
		cancel()
		return nil, classifyModelError(err)
	}

	return &StreamTurn{
		ChatSessionId:    session.Id,
		Title:            session.Title,
		Deltas:           deltas,
		Cancel:           cancel,
		staleAssistantId: staleId,
	}, nil
}

// CompleteStream persists the accumulated assistant text through a fresh
// unit of work, so no transaction was held open across the generation call.
// On regenerate turns the stale answer is swapped out in the same
// transaction as the insert.
func (cs *chatService) CompleteStream(ctx context.Context, turn *StreamTurn, full string) error {
	_, err := cs.persistAssistantMessage(ctx, turn.staleAssistantId, turn.ChatSessionId, full)
	return err
}

// --- Export ---

func (cs *chatService) ExportPDF(ctx context.Context, userId uuid.UUID, sessionId uuid.UUID) (string, []byte, error) {
	uow := cs.uowFactory.NewUnitOfWork(ctx)

	session, err := cs.resolveSession(ctx, uow, userId, sessionId)
	if err != nil {
		return "", nil, err
	}

	messages, err := uow.ChatMessageRepository().FindAll(ctx,
		specification.ByChatSessionID{ChatSessionID: sessionId},
		specification.ChronologicalAsc{},
	)
	if err != nil {
		return "", nil, err
	}

	pairs := make([]pdf.Message, 0, len(messages))
	for _, m := range messages {
		pairs = append(pairs, pdf.Message{Role: m.Role, Content: m.Content})
	}

	data, err := pdf.Render(session.Title, pairs)
	if err != nil {
		return "", nil, err
	}
	return session.Title, data, nil
}

// --- Helpers ---

func (cs *chatService) resolveSession(ctx context.Context, uow unitofwork.UnitOfWork, userId uuid.UUID, sessionId uuid.UUID) (*entity.ChatSession, error) {
	session, err := uow.ChatSessionRepository().FindOne(ctx,
		specification.ByID{ID: sessionId},
		specification.UserOwnedBy{UserID: userId},
	)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperror.NewNotFound("session not found")
	}
	return session, nil
}

func (cs *chatService) persistUserMessage(ctx context.Context, sessionId uuid.UUID, text string) (*entity.ChatMessage, error) {
	message := &entity.ChatMessage{
		Id:            newOrderedId(),
		ChatSessionId: sessionId,
		Role:          constant.ChatMessageRoleUser,
		Content:       text,
		CreatedAt:     time.Now(),
	}
	uow := cs.uowFactory.NewUnitOfWork(ctx)
	if err := uow.ChatMessageRepository().Create(ctx, message); err != nil {
		return nil, err
	}
	return message, nil
}

func (cs *chatService) persistAssistantMessage(ctx context.Context, staleId *uuid.UUID, sessionId uuid.UUID, text string) (*entity.ChatMessage, error) {
	message := &entity.ChatMessage{
		Id:            newOrderedId(),
		ChatSessionId: sessionId,
		Role:          constant.ChatMessageRoleAssistant,
		Content:       text,
		CreatedAt:     time.Now(),
	}

	uow := cs.uowFactory.NewUnitOfWork(ctx)
	if err := uow.Begin(ctx); err != nil {
		return nil, err
	}
	defer uow.Rollback()

	if staleId != nil {
		if err := uow.ChatMessageRepository().Delete(ctx, *staleId); err != nil {
			return nil, err
		}
	}
	if err := uow.ChatMessageRepository().Create(ctx, message); err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, err
	}
	return message, nil
}

// maybeAutoTitle derives a title from the first user message. It fires only
// while the session holds exactly one message and still carries a reserved
// default title, so a manual rename suppresses it for good. Failures are
// logged and swallowed; a missing title never aborts a turn.
func (cs *chatService) maybeAutoTitle(ctx context.Context, session *entity.ChatSession, firstMessage string) {
	uow := cs.uowFactory.NewUnitOfWork(ctx)

	count, err := uow.ChatMessageRepository().Count(ctx,
		specification.ByChatSessionID{ChatSessionID: session.Id},
	)
	if err != nil {
		cs.log.Warn("chat", "auto-title count failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if count != 1 || !constant.IsReservedDefaultTitle(session.Title) {
		return
	}

	raw, err := cs.llmProvider.Generate(ctx, constant.TitlePromptV1+firstMessage)
	if err != nil {
		cs.log.Warn("chat", "title generation failed", map[string]interface{}{
			"session_id": session.Id.String(),
			"error":      err.Error(),
		})
		return
	}

	title := cleanDerivedTitle(raw)
	session.Title = title
	if err := uow.ChatSessionRepository().Update(ctx, session); err != nil {
		cs.log.Warn("chat", "title update failed", map[string]interface{}{
			"session_id": session.Id.String(),
			"error":      err.Error(),
		})
	}
}

func (cs *chatService) loadContext(ctx context.Context, sessionId uuid.UUID) ([]llm.Message, error) {
	uow := cs.uowFactory.NewUnitOfWork(ctx)

	recent, err := uow.ChatMessageRepository().FindAll(ctx,
		specification.ByChatSessionID{ChatSessionID: sessionId},
		specification.ChronologicalDesc{},
		specification.Pagination{Limit: cs.contextWindow},
	)
	if err != nil {
		return nil, err
	}

	// Newest-first from the query, oldest-first for prompting.
	transcript := make([]llm.Message, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		transcript = append(transcript, llm.Message{Role: recent[i].Role, Content: recent[i].Content})
	}
	return transcript, nil
}

func (cs *chatService) resolveLevel(requested string, session *entity.ChatSession) string {
	if requested != "" {
		return requested
	}
	if session.Level != "" {
		return session.Level
	}
	return constant.LevelBeginner
}

// newOrderedId returns a v7 (time-ordered) uuid. Rows sorted by
// created_at with an id tiebreak then follow insertion order even when
// timestamps collide; v7 ids are monotonic within the process.
func newOrderedId() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

func classifyModelError(err error) error {
	if errors.Is(err, llm.ErrMissingCredential) {
		return err
	}
	return apperror.NewUpstream("model generation failed", err)
}

func cleanDerivedTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	title = strings.Trim(title, `"`)
	title = truncateRunes(title, constant.MaxDerivedTitleLen)
	if title == "" {
		return constant.DefaultSessionTitle
	}
	return title
}

func preview(content string, n int) string {
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	return string(runes[:n]) + "…"
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
