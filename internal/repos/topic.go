package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/types"
)

type TopicRepo interface {
	Create(ctx context.Context, tx *gorm.DB, topics []*types.Topic) ([]*types.Topic, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Topic, error)
	GetByTenant(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) ([]*types.Topic, error)

	// ClaimOldest selects the topic with the earliest updated_at in the given
	// state and locks its row for the duration of the surrounding
	// transaction. Rows locked by another claimant are skipped, so at most
	// one worker globally processes a given topic.
	ClaimOldest(ctx context.Context, tx *gorm.DB, state string) (*types.Topic, error)

	// Lock re-acquires the row lock on a specific topic inside the
	// surrounding transaction and returns its current row.
	Lock(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Topic, error)

	// SetState moves a topic from one pipeline state to the next. Illegal
	// transitions and lost races (the row is no longer in `from`) are
	// rejected.
	SetState(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to string) error

	// ResetState is the administrative recovery path; it bypasses the
	// transition table.
	ResetState(ctx context.Context, tx *gorm.DB, id uuid.UUID, state string) error

	IncGenAttempts(ctx context.Context, tx *gorm.DB, id uuid.UUID) (int, error)
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type topicRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTopicRepo(db *gorm.DB, baseLog *logger.Logger) TopicRepo {
	return &topicRepo{db: db, log: baseLog.With("repo", "TopicRepo")}
}

func (r *topicRepo) Create(ctx context.Context, tx *gorm.DB, topics []*types.Topic) ([]*types.Topic, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(topics) == 0 {
		return []*types.Topic{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&topics).Error; err != nil {
		return nil, err
	}
	return topics, nil
}

func (r *topicRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Topic, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var topic types.Topic
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&topic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(err)
	}
	if err != nil {
		return nil, err
	}
	return &topic, nil
}

func (r *topicRepo) GetByTenant(ctx context.Context, tx *gorm.DB, tenantID uuid.UUID) ([]*types.Topic, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var topics []*types.Topic
	err := transaction.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("week_number ASC, created_at ASC").
		Find(&topics).Error
	if err != nil {
		return nil, err
	}
	return topics, nil
}

func (r *topicRepo) ClaimOldest(ctx context.Context, tx *gorm.DB, state string) (*types.Topic, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var topic types.Topic
	err := transaction.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("state = ?", state).
		Order("updated_at ASC, id ASC").
		First(&topic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &topic, nil
}

func (r *topicRepo) Lock(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Topic, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var topic types.Topic
	err := transaction.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&topic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(err)
	}
	if err != nil {
		return nil, err
	}
	return &topic, nil
}

func (r *topicRepo) SetState(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if !types.ValidTopicTransition(from, to) {
		return apperr.IllegalTransition(from, to)
	}
	res := transaction.WithContext(ctx).
		Model(&types.Topic{}).
		Where("id = ? AND state = ?", id, from).
		Updates(map[string]interface{}{
			"state":      to,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.IllegalTransition(from, to)
	}
	return nil
}

func (r *topicRepo) ResetState(ctx context.Context, tx *gorm.DB, id uuid.UUID, state string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	r.log.Warn("Administrative topic state reset", "topic_id", id, "state", state)
	return transaction.WithContext(ctx).
		Model(&types.Topic{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":        state,
			"gen_attempts": 0,
			"updated_at":   time.Now(),
		}).Error
}

func (r *topicRepo) IncGenAttempts(ctx context.Context, tx *gorm.DB, id uuid.UUID) (int, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	err := transaction.WithContext(ctx).
		Model(&types.Topic{}).
		Where("id = ?", id).
		Update("gen_attempts", gorm.Expr("gen_attempts + 1")).Error
	if err != nil {
		return 0, err
	}
	var topic types.Topic
	if err := transaction.WithContext(ctx).Select("gen_attempts").Where("id = ?", id).First(&topic).Error; err != nil {
		return 0, err
	}
	return topic.GenAttempts, nil
}

func (r *topicRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("id = ?", id).
		Delete(&types.Topic{}).Error
}
