package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment link states. A link moves active -> reserved while one charge attempt
// is in flight, then to used on success or back to active otherwise. used is
// terminal.
const (
	LinkStatusActive   = "active"
	LinkStatusReserved = "reserved"
	LinkStatusUsed     = "used"
	LinkStatusExpired  = "expired"
)

// PaymentLink is a single-use, pre-amounted payment reference sent to a customer.
type PaymentLink struct {
	BaseModel
	Token              string          `gorm:"uniqueIndex;size:64" json:"token"`
	Amount             decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Currency           string          `gorm:"size:3;default:USD" json:"currency"`
	Description        string          `json:"description"`
	CaseID             *uuid.UUID      `gorm:"type:uuid;index" json:"case_id"`
	ServiceTypeID      *uuid.UUID      `gorm:"type:uuid" json:"service_type_id"`
	ServiceLevelID     *uuid.UUID      `gorm:"type:uuid" json:"service_level_id"`
	Status             string          `gorm:"index;default:active" json:"status"`
	ExpiresAt          time.Time       `json:"expires_at"`
	ReservedUntil      *time.Time      `json:"-"`
	ReservationOrderID string          `gorm:"index" json:"-"`
	UsedAt             *time.Time      `json:"used_at"`
	CreatedBy          *uuid.UUID      `gorm:"type:uuid" json:"created_by"`
}

// EffectiveStatus reports the status a customer should see at now.
func (l *PaymentLink) EffectiveStatus(now time.Time) string {
	if l.Status == LinkStatusActive && now.After(l.ExpiresAt) {
		return LinkStatusExpired
	}
	return l.Status
}
