package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/types"
)

type VerificationCodeRepo interface {
	// Upsert replaces any outstanding code for the email.
	Upsert(ctx context.Context, tx *gorm.DB, code *types.VerificationCode) error

	// GetValid returns the code row only when it matches and has not
	// expired; expired or missing rows return nil.
	GetValid(ctx context.Context, tx *gorm.DB, email, code string) (*types.VerificationCode, error)

	Delete(ctx context.Context, tx *gorm.DB, email string) error
}

type verificationCodeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVerificationCodeRepo(db *gorm.DB, baseLog *logger.Logger) VerificationCodeRepo {
	return &verificationCodeRepo{db: db, log: baseLog.With("repo", "VerificationCodeRepo")}
}

func (r *verificationCodeRepo) Upsert(ctx context.Context, tx *gorm.DB, code *types.VerificationCode) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"code", "expires_at"}),
		}).
		Create(code).Error
}

func (r *verificationCodeRepo) GetValid(ctx context.Context, tx *gorm.DB, email, code string) (*types.VerificationCode, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var row types.VerificationCode
	err := transaction.WithContext(ctx).
		Where("email = ? AND code = ? AND expires_at > ?", email, code, time.Now()).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *verificationCodeRepo) Delete(ctx context.Context, tx *gorm.DB, email string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("email = ?", email).
		Delete(&types.VerificationCode{}).Error
}
