package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/types"
)

type ContentRefRepo interface {
	Create(ctx context.Context, tx *gorm.DB, ref *types.ContentRef) error
	GetByHash(ctx context.Context, tx *gorm.DB, hash string) (*types.ContentRef, error)

	// LockByHash takes the row lock so a concurrent attach and remove on the
	// same hash serialize.
	LockByHash(ctx context.Context, tx *gorm.DB, hash string) (*types.ContentRef, error)

	// IncRef / DecRef adjust the reference count and return the new value.
	// DecRef deletes the row when the count reaches zero.
	IncRef(ctx context.Context, tx *gorm.DB, hash string) (int, error)
	DecRef(ctx context.Context, tx *gorm.DB, hash string) (int, error)

	ListHashes(ctx context.Context, tx *gorm.DB) ([]string, error)
}

type contentRefRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContentRefRepo(db *gorm.DB, baseLog *logger.Logger) ContentRefRepo {
	return &contentRefRepo{db: db, log: baseLog.With("repo", "ContentRefRepo")}
}

func (r *contentRefRepo) Create(ctx context.Context, tx *gorm.DB, ref *types.ContentRef) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if ref == nil {
		return fmt.Errorf("nil content ref")
	}
	return transaction.WithContext(ctx).Create(ref).Error
}

func (r *contentRefRepo) GetByHash(ctx context.Context, tx *gorm.DB, hash string) (*types.ContentRef, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var ref types.ContentRef
	err := transaction.WithContext(ctx).Where("content_hash = ?", hash).First(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *contentRefRepo) LockByHash(ctx context.Context, tx *gorm.DB, hash string) (*types.ContentRef, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var ref types.ContentRef
	err := transaction.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("content_hash = ?", hash).
		First(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *contentRefRepo) IncRef(ctx context.Context, tx *gorm.DB, hash string) (int, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.ContentRef{}).
		Where("content_hash = ?", hash).
		Updates(map[string]interface{}{
			"count":      gorm.Expr("count + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, apperr.NotFound(fmt.Errorf("no content ref for hash %s", hash))
	}
	ref, err := r.GetByHash(ctx, transaction, hash)
	if err != nil {
		return 0, err
	}
	return ref.Count, nil
}

func (r *contentRefRepo) DecRef(ctx context.Context, tx *gorm.DB, hash string) (int, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	ref, err := r.LockByHash(ctx, transaction, hash)
	if err != nil {
		return 0, err
	}
	if ref == nil {
		return 0, apperr.NotFound(fmt.Errorf("no content ref for hash %s", hash))
	}
	newCount := ref.Count - 1
	if newCount <= 0 {
		if err := transaction.WithContext(ctx).
			Where("content_hash = ?", hash).
			Delete(&types.ContentRef{}).Error; err != nil {
			return 0, err
		}
		return 0, nil
	}
	err = transaction.WithContext(ctx).
		Model(&types.ContentRef{}).
		Where("content_hash = ?", hash).
		Updates(map[string]interface{}{
			"count":      newCount,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return 0, err
	}
	return newCount, nil
}

func (r *contentRefRepo) ListHashes(ctx context.Context, tx *gorm.DB) ([]string, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var hashes []string
	err := transaction.WithContext(ctx).
		Model(&types.ContentRef{}).
		Order("created_at ASC").
		Pluck("content_hash", &hashes).Error
	if err != nil {
		return nil, err
	}
	return hashes, nil
}
