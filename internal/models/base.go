package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel provides shared columns for all tables.
type BaseModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures UUIDs are generated for new records.
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

// CardDescriptor is the masked card data kept on a transaction. The full number
// and the CVV are never persisted.
type CardDescriptor struct {
	Last4    string `gorm:"size:4" json:"last4"`
	Brand    string `gorm:"size:32" json:"brand"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

// IsZero reports whether no card was attached.
func (c CardDescriptor) IsZero() bool {
	return c.Last4 == "" && c.ExpMonth == 0 && c.ExpYear == 0
}
