package types

import (
	"time"

	"github.com/google/uuid"
)

// Topic states. A topic only ever moves forward through this list;
// GENERATION_FAILED is a terminal escape hatch for topics whose question
// generation keeps producing unusable output.
const (
	TopicStateReadyForGeneration = "READY_FOR_GENERATION"
	TopicStatePromptsGenerated   = "PROMPTS_GENERATED"
	TopicStateVisualsGenerated   = "VISUALS_GENERATED"
	TopicStateReadyForReview     = "READY_FOR_REVIEW"
	TopicStateDone               = "DONE"
	TopicStateGenerationFailed   = "GENERATION_FAILED"
)

var topicTransitions = map[string][]string{
	TopicStateReadyForGeneration: {TopicStatePromptsGenerated, TopicStateGenerationFailed},
	TopicStatePromptsGenerated:   {TopicStateVisualsGenerated},
	TopicStateVisualsGenerated:   {TopicStateReadyForReview},
	TopicStateReadyForReview:     {TopicStateDone},
	TopicStateDone:               {},
	TopicStateGenerationFailed:   {},
}

// ValidTopicTransition reports whether a topic may move from one state to
// another through the pipeline. Administrative recovery bypasses this table.
func ValidTopicTransition(from, to string) bool {
	for _, next := range topicTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TopicStateIndex gives the monotone position of a pipeline state, used by
// ordering checks. GENERATION_FAILED sits alongside its source state.
func TopicStateIndex(state string) int {
	switch state {
	case TopicStateReadyForGeneration, TopicStateGenerationFailed:
		return 0
	case TopicStatePromptsGenerated:
		return 1
	case TopicStateVisualsGenerated:
		return 2
	case TopicStateReadyForReview:
		return 3
	case TopicStateDone:
		return 4
	}
	return -1
}

type Topic struct {
	ID              uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TenantID        uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Title           string    `gorm:"column:title;not null" json:"title"`
	WeekNumber      int       `gorm:"column:week_number;not null" json:"week_number"`
	SourceObjectURL string    `gorm:"column:source_object_url;not null" json:"source_object_url"`
	SourceFilename  string    `gorm:"column:source_filename;not null" json:"source_filename"`
	ContentHash     string    `gorm:"column:content_hash;not null;index" json:"content_hash"`
	State           string    `gorm:"column:state;not null;default:'READY_FOR_GENERATION';index:idx_topic_state_updated" json:"state"`
	Summary         string    `gorm:"column:summary" json:"summary"`
	GenAttempts     int       `gorm:"column:gen_attempts;not null;default:0" json:"gen_attempts"`
	CreatedAt       time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null;default:now();index:idx_topic_state_updated" json:"updated_at"`
}

func (Topic) TableName() string { return "topic" }
