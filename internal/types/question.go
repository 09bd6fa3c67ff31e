package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Question struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TopicID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"topic_id"`
	Topic       *Topic         `gorm:"constraint:OnDelete:CASCADE;foreignKey:TopicID;references:ID" json:"topic,omitempty"`
	TenantID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Content     string         `gorm:"column:content;not null" json:"content"`
	Options     datatypes.JSON `gorm:"column:options;type:jsonb" json:"options"`
	Type        string         `gorm:"column:type;not null" json:"type"`
	Points      int            `gorm:"column:points;not null;default:1" json:"points"`
	Answer      string         `gorm:"column:answer" json:"answer"`
	ImagePrompt string         `gorm:"column:image_prompt" json:"image_prompt,omitempty"`
	ImageURL    string         `gorm:"column:image_url" json:"image_url,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Question) TableName() string { return "question" }
