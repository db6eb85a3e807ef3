package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/visadesk/internal/models"
)

// PaymentLinkStore owns the payment link lifecycle. Every status change goes
// through a conditional update so concurrent callers cannot both win.
type PaymentLinkStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPaymentLinkStore(db *gorm.DB) *PaymentLinkStore {
	return &PaymentLinkStore{db: db, now: utcNow}
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// NewLinkParams describes a link to generate.
type NewLinkParams struct {
	Amount         decimal.Decimal
	Currency       string
	Description    string
	CaseID         *uuid.UUID
	ServiceTypeID  *uuid.UUID
	ServiceLevelID *uuid.UUID
	TTL            time.Duration
	CreatedBy      *uuid.UUID
}

// Generate creates a new active link with a random token.
func (s *PaymentLinkStore) Generate(ctx context.Context, p NewLinkParams) (*models.PaymentLink, error) {
	if !p.Amount.IsPositive() {
		return nil, newPaymentError(KindInvalidInput, "Amount must be greater than zero", nil)
	}
	if p.TTL <= 0 {
		return nil, newPaymentError(KindInvalidInput, "Link lifetime must be positive", nil)
	}

	token, err := newLinkToken()
	if err != nil {
		return nil, err
	}
	currency := p.Currency
	if currency == "" {
		currency = "USD"
	}

	link := models.PaymentLink{
		Token:          token,
		Amount:         p.Amount.Round(2),
		Currency:       currency,
		Description:    p.Description,
		CaseID:         p.CaseID,
		ServiceTypeID:  p.ServiceTypeID,
		ServiceLevelID: p.ServiceLevelID,
		Status:         models.LinkStatusActive,
		ExpiresAt:      s.now().Add(p.TTL),
		CreatedBy:      p.CreatedBy,
	}
	if err := s.db.WithContext(ctx).Create(&link).Error; err != nil {
		return nil, err
	}
	return &link, nil
}

// FindByToken loads a link. A missing link yields gorm.ErrRecordNotFound.
func (s *PaymentLinkStore) FindByToken(ctx context.Context, token string) (*models.PaymentLink, error) {
	var link models.PaymentLink
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&link).Error; err != nil {
		return nil, err
	}
	return &link, nil
}

// IsActive reports whether the stored status allows a charge.
func (s *PaymentLinkStore) IsActive(link *models.PaymentLink) bool {
	return link.Status == models.LinkStatusActive
}

// IsExpired reports whether the link is past its expiry, whatever its status.
func (s *PaymentLinkStore) IsExpired(link *models.PaymentLink) bool {
	return s.now().After(link.ExpiresAt)
}

// Reserve moves an active, unexpired link to reserved for one attempt. It
// returns false when another caller got there first.
func (s *PaymentLinkStore) Reserve(ctx context.Context, link *models.PaymentLink, orderID string, ttl time.Duration) (bool, error) {
	until := s.now().Add(ttl)
	res := s.db.WithContext(ctx).
		Model(&models.PaymentLink{}).
		Where("id = ? AND status = ?", link.ID, models.LinkStatusActive).
		Updates(map[string]any{
			"status":               models.LinkStatusReserved,
			"reserved_until":       until,
			"reservation_order_id": orderID,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	link.Status = models.LinkStatusReserved
	link.ReservedUntil = &until
	link.ReservationOrderID = orderID
	return true, nil
}

// Release hands a reservation back so the customer can retry.
func (s *PaymentLinkStore) Release(ctx context.Context, linkID uuid.UUID, orderID string) error {
	return s.db.WithContext(ctx).
		Model(&models.PaymentLink{}).
		Where("id = ? AND status = ? AND reservation_order_id = ?", linkID, models.LinkStatusReserved, orderID).
		Updates(map[string]any{
			"status":               models.LinkStatusActive,
			"reserved_until":       nil,
			"reservation_order_id": "",
		}).Error
}

// ErrLinkNotReserved is returned by MarkUsed when the reservation was lost.
var ErrLinkNotReserved = errors.New("payment link is not reserved by this attempt")

// MarkUsed is the only writer of the used status. It succeeds exactly once, for
// the attempt holding the reservation. Pass the transaction handle when it has
// to commit together with the ledger entry.
func (s *PaymentLinkStore) MarkUsed(ctx context.Context, tx *gorm.DB, linkID uuid.UUID, orderID string) error {
	if tx == nil {
		tx = s.db
	}
	now := s.now()
	res := tx.WithContext(ctx).
		Model(&models.PaymentLink{}).
		Where("id = ? AND status = ? AND reservation_order_id = ?", linkID, models.LinkStatusReserved, orderID).
		Updates(map[string]any{
			"status":         models.LinkStatusUsed,
			"used_at":        now,
			"reserved_until": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrLinkNotReserved
	}
	return nil
}

// Expire explicitly retires an active link.
func (s *PaymentLinkStore) Expire(ctx context.Context, token string) (*models.PaymentLink, error) {
	link, err := s.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newPaymentError(KindNotFound, MsgLinkNotFound, err)
		}
		return nil, err
	}
	res := s.db.WithContext(ctx).
		Model(&models.PaymentLink{}).
		Where("id = ? AND status = ?", link.ID, models.LinkStatusActive).
		Update("status", models.LinkStatusExpired)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, newPaymentError(KindStateConflict, "Only active payment links can be expired", nil)
	}
	link.Status = models.LinkStatusExpired
	return link, nil
}

// ListReserved returns every link currently held by an attempt.
func (s *PaymentLinkStore) ListReserved(ctx context.Context) ([]models.PaymentLink, error) {
	var links []models.PaymentLink
	err := s.db.WithContext(ctx).Where("status = ?", models.LinkStatusReserved).Find(&links).Error
	return links, err
}

// ExpireOverdue stamps expired on active links whose expiry has passed.
func (s *PaymentLinkStore) ExpireOverdue(ctx context.Context) (int64, error) {
	var links []models.PaymentLink
	if err := s.db.WithContext(ctx).
		Select("id", "expires_at").
		Where("status = ?", models.LinkStatusActive).
		Find(&links).Error; err != nil {
		return 0, err
	}

	var expired int64
	for i := range links {
		if !s.IsExpired(&links[i]) {
			continue
		}
		res := s.db.WithContext(ctx).
			Model(&models.PaymentLink{}).
			Where("id = ? AND status = ?", links[i].ID, models.LinkStatusActive).
			Update("status", models.LinkStatusExpired)
		if res.Error != nil {
			return expired, res.Error
		}
		expired += res.RowsAffected
	}
	return expired, nil
}

func newLinkToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
