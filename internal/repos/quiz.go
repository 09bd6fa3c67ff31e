package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/types"
)

type QuizRepo interface {
	Create(ctx context.Context, tx *gorm.DB, quizzes []*types.Quiz) ([]*types.Quiz, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Quiz, error)
	GetByTenant(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) ([]*types.Quiz, error)
	GetByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) ([]*types.Quiz, error)
}

type quizRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQuizRepo(db *gorm.DB, baseLog *logger.Logger) QuizRepo {
	return &quizRepo{db: db, log: baseLog.With("repo", "QuizRepo")}
}

func (r *quizRepo) Create(ctx context.Context, tx *gorm.DB, quizzes []*types.Quiz) ([]*types.Quiz, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(quizzes) == 0 {
		return []*types.Quiz{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&quizzes).Error; err != nil {
		return nil, err
	}
	return quizzes, nil
}

func (r *quizRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Quiz, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var quiz types.Quiz
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&quiz).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(err)
	}
	if err != nil {
		return nil, err
	}
	return &quiz, nil
}

func (r *quizRepo) GetByTenant(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) ([]*types.Quiz, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var quizzes []*types.Quiz
	err := transaction.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Find(&quizzes).Error
	if err != nil {
		return nil, err
	}
	return quizzes, nil
}

func (r *quizRepo) GetByTopicID(ctx context.Context, tx *gorm.DB, topicID uuid.UUID) ([]*types.Quiz, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var quizzes []*types.Quiz
	err := transaction.WithContext(ctx).
		Where("topic_id = ?", topicID).
		Order("created_at ASC").
		Find(&quizzes).Error
	if err != nil {
		return nil, err
	}
	return quizzes, nil
}
