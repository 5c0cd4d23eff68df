package specification

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ByChatSessionID struct {
	ChatSessionID uuid.UUID
}

func (s ByChatSessionID) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("chat_session_id = ?", s.ChatSessionID)
}

// ByRole filters messages by role ("user" or "assistant")
type ByRole struct {
	Role string
}

func (s ByRole) Apply(db *gorm.DB) *gorm.DB {
	return db.Where("role = ?", s.Role)
}

// ChronologicalAsc orders by creation time, id as tiebreak.
type ChronologicalAsc struct{}

func (s ChronologicalAsc) Apply(db *gorm.DB) *gorm.DB {
	return db.Order("created_at ASC, id ASC")
}

// ChronologicalDesc orders newest-first, id as tiebreak.
type ChronologicalDesc struct{}

func (s ChronologicalDesc) Apply(db *gorm.DB) *gorm.DB {
	return db.Order("created_at DESC, id DESC")
}
