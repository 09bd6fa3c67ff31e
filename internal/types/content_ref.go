package types

import "time"

// ContentRef reference-counts a stored source object by its client-supplied
// content hash. Exactly one row exists per distinct hash; the row is deleted
// when the last topic referencing the object is removed.
type ContentRef struct {
	ContentHash string    `gorm:"column:content_hash;primaryKey" json:"content_hash"`
	ObjectURL   string    `gorm:"column:object_url;not null" json:"object_url"`
	Count       int       `gorm:"column:count;not null;default:1" json:"count"`
	CreatedAt   time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (ContentRef) TableName() string { return "content_ref" }
