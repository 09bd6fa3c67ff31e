package types

import "time"

// VerificationCode backs admin invites and password resets. The source
// schema carried two overlapping tables for this with different expiry
// column names; they collapse to this single entity keyed by email.
type VerificationCode struct {
	Email     string    `gorm:"column:email;primaryKey" json:"email"`
	Code      string    `gorm:"column:code;not null" json:"-"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null" json:"expires_at"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (VerificationCode) TableName() string { return "verification_code" }
