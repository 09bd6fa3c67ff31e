package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Quiz is one randomized instance published from an approved topic.
// QuestionIDs holds the topic's question ids as an ordered JSON array of
// uuid strings; the order is this instance's permutation and is never
// mutated after publish.
type Quiz struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TenantID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	CreatorID   uuid.UUID      `gorm:"type:uuid;not null" json:"creator_id"`
	TopicID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"topic_id"`
	Topic       *Topic         `gorm:"constraint:OnDelete:CASCADE;foreignKey:TopicID;references:ID" json:"topic,omitempty"`
	Name        string         `gorm:"column:name;not null" json:"name"`
	Description string         `gorm:"column:description" json:"description"`
	QuestionIDs datatypes.JSON `gorm:"column:question_ids;type:jsonb;not null" json:"question_ids"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	ExpiresAt   time.Time      `gorm:"column:expires_at;not null" json:"expires_at"`
	IsLocked    bool           `gorm:"column:is_locked;not null;default:false" json:"is_locked"`
}

func (Quiz) TableName() string { return "quiz" }
