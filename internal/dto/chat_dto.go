package dto

import (
	"time"

	"github.com/google/uuid"
)

type CreateSessionRequest struct {
	Title string `json:"title" validate:"omitempty,max=200"`
	Level string `json:"level" validate:"omitempty,oneof=beginner intermediate advanced"`
}

type CreateSessionResponse struct {
	Id    uuid.UUID `json:"session_id"`
	Title string    `json:"title"`
	Level string    `json:"level"`
}

type SessionSummaryResponse struct {
	Id          uuid.UUID  `json:"id"`
	Title       string     `json:"title"`
	Level       string     `json:"level"`
	CreatedAt   time.Time  `json:"created_at"`
	LastPreview string     `json:"last_preview"`
	LastAt      *time.Time `json:"last_at"`
}

type UpdateSessionRequest struct {
	Title *string `json:"title" validate:"omitempty,max=200"`
	Level *string `json:"level" validate:"omitempty,oneof=beginner intermediate advanced"`
}

type UpdateSessionResponse struct {
	Id    uuid.UUID `json:"id"`
	Title string    `json:"title"`
	Level string    `json:"level"`
}

type ChatMessageDTO struct {
	Id        uuid.UUID `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type SendChatRequest struct {
	Message string `json:"message" validate:"required"`
	Level   string `json:"level" validate:"omitempty,oneof=beginner intermediate advanced"`
}

type SendChatResponse struct {
	ChatSessionId uuid.UUID       `json:"chat_session_id"`
	Title         string          `json:"title"`
	Sent          *ChatMessageDTO `json:"sent"`
	Reply         *ChatMessageDTO `json:"reply"`
}

// StreamChatRequest carries the optional level override for stream and
// regenerate turns; regenerate has no message body.
type StreamChatRequest struct {
	Message string `json:"message"`
	Level   string `json:"level" validate:"omitempty,oneof=beginner intermediate advanced"`
}
