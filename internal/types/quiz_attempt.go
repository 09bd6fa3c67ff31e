package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type QuizAttempt struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	QuizID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"quiz_id"`
	Quiz      *Quiz          `gorm:"constraint:OnDelete:CASCADE;foreignKey:QuizID;references:ID" json:"quiz,omitempty"`
	UserID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	TenantID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Answers   datatypes.JSON `gorm:"column:answers;type:jsonb" json:"answers"`
	Score     int            `gorm:"column:score;not null;default:0" json:"score"`
	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (QuizAttempt) TableName() string { return "quiz_attempt" }
