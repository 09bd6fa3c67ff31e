package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/types"
)

type QuestionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, questions []*types.Question) ([]*types.Question, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Question, error)

	// ListByTopicID returns a topic's questions in storage order.
	ListByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) ([]*types.Question, error)

	// LockByTopicID is ListByTopicID under FOR UPDATE, used by the publish
	// transaction.
	LockByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) ([]*types.Question, error)

	CountByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) (int64, error)

	// ListNeedingVisuals returns questions whose image prompt is set but
	// whose image has not been stored yet.
	ListNeedingVisuals(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) ([]*types.Question, error)

	SetImageURL(ctx context.Context, tx *gorm.DB, id uuid.UUID, url string) error

	// UpdateReviewed applies reviewer-controlled fields only.
	UpdateReviewed(ctx context.Context, tx *gorm.DB, id uuid.UUID, content string, options []byte, answer string) error

	DeleteByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) error
}

type questionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQuestionRepo(db *gorm.DB, baseLog *logger.Logger) QuestionRepo {
	return &questionRepo{db: db, log: baseLog.With("repo", "QuestionRepo")}
}

func (r *questionRepo) Create(ctx context.Context, tx *gorm.DB, questions []*types.Question) ([]*types.Question, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(questions) == 0 {
		return []*types.Question{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&questions).Error; err != nil {
		return nil, err
	}
	return questions, nil
}

func (r *questionRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.Question, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Question
	if len(ids) == 0 {
		return results, nil
	}
	if err := transaction.WithContext(ctx).Where("id IN ?", ids).Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *questionRepo) ListByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) ([]*types.Question, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Question
	err := transaction.WithContext(ctx).
		Where("topic_id = ?", topicID).
		Order("created_at ASC, id ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *questionRepo) LockByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) ([]*types.Question, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Question
	err := transaction.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("topic_id = ?", topicID).
		Order("created_at ASC, id ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *questionRepo) CountByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.Question{}).
		Where("topic_id = ?", topicID).
		Count(&count).Error
	return count, err
}

func (r *questionRepo) ListNeedingVisuals(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) ([]*types.Question, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var results []*types.Question
	err := transaction.WithContext(ctx).
		Where("topic_id = ? AND image_prompt <> '' AND (image_url IS NULL OR image_url = '')", topicID).
		Order("created_at ASC, id ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *questionRepo) SetImageURL(ctx context.Context, tx *gorm.DB, id uuid.UUID, url string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.Question{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"image_url":  url,
			"updated_at": time.Now(),
		}).Error
}

func (r *questionRepo) UpdateReviewed(ctx context.Context, tx *gorm.DB, id uuid.UUID, content string, options []byte, answer string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	updates := map[string]interface{}{
		"content":    content,
		"answer":     answer,
		"updated_at": time.Now(),
	}
	if options != nil {
		updates["options"] = options
	}
	return transaction.WithContext(ctx).
		Model(&types.Question{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *questionRepo) DeleteByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("topic_id = ?", topicID).
		Delete(&types.Question{}).Error
}
