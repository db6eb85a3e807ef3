package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/visadesk/internal/models"
)

// ErrDuplicateOrder means an entry with the same order id already exists.
var ErrDuplicateOrder = errors.New("duplicate order id")

// ErrNotPending is returned when resolving an entry that already reached a
// terminal status.
var ErrNotPending = errors.New("transaction is not pending")

// Ledger is the append-mostly record of money movements. Financial fields are
// written once on Create; afterwards only status, refund_or_void_status and
// returned_amount change.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// DB exposes the handle for callers that need to span a transaction.
func (l *Ledger) DB() *gorm.DB {
	return l.db
}

func (l *Ledger) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return l.db
}

// Create appends a new entry. tx may be nil.
func (l *Ledger) Create(ctx context.Context, tx *gorm.DB, txn *models.Transaction) error {
	if txn.Status == "" {
		txn.Status = models.TransactionStatusPending
	}
	if txn.RefundOrVoidStatus == "" {
		txn.RefundOrVoidStatus = models.ReversalNone
	}
	if err := txn.Validate(); err != nil {
		return newPaymentError(KindInvalidInput, err.Error(), err)
	}

	db := l.conn(tx).WithContext(ctx)

	var count int64
	if err := db.Model(&models.Transaction{}).Where("order_id = ?", txn.OrderID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, txn.OrderID)
	}

	if err := db.Create(txn).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrDuplicateOrder, txn.OrderID)
		}
		return err
	}
	return nil
}

// Get loads one entry by id.
func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var txn models.Transaction
	if err := l.db.WithContext(ctx).Where("id = ?", id).First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// FindByOrderID loads one entry by its order id.
func (l *Ledger) FindByOrderID(ctx context.Context, orderID string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := l.db.WithContext(ctx).Where("order_id = ?", orderID).First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// FindByCaseAndTypes returns a case's entries of the given types, newest first.
// An empty types slice matches every type.
func (l *Ledger) FindByCaseAndTypes(ctx context.Context, caseID uuid.UUID, types []string) ([]models.Transaction, error) {
	query := l.db.WithContext(ctx).Where("case_id = ?", caseID)
	if len(types) > 0 {
		query = query.Where("transaction_type IN ?", types)
	}
	var txns []models.Transaction
	err := query.Order("created_at desc").Find(&txns).Error
	return txns, err
}

// FindLatestByTypeForCase returns the most recently created entry of a type,
// or nil when the case has none.
func (l *Ledger) FindLatestByTypeForCase(ctx context.Context, caseID uuid.UUID, txnType string) (*models.Transaction, error) {
	var txn models.Transaction
	err := l.db.WithContext(ctx).
		Where("case_id = ? AND transaction_type = ?", caseID, txnType).
		Order("created_at desc").
		First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// FindLatestSuccessfulCharge returns the newest successful entry of txnType.
func (l *Ledger) FindLatestSuccessfulCharge(ctx context.Context, caseID uuid.UUID, txnType string) (*models.Transaction, error) {
	var txn models.Transaction
	err := l.db.WithContext(ctx).
		Where("case_id = ? AND transaction_type = ? AND status = ?", caseID, txnType, models.TransactionStatusSuccess).
		Order("created_at desc").
		First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// HasPending reports whether the case has an unresolved entry of any of
// txnTypes.
func (l *Ledger) HasPending(ctx context.Context, caseID uuid.UUID, txnTypes []string) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("case_id = ? AND transaction_type IN ? AND status = ?", caseID, txnTypes, models.TransactionStatusPending).
		Count(&count).Error
	return count > 0, err
}

// ListPending returns every unresolved entry, oldest first.
func (l *Ledger) ListPending(ctx context.Context) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := l.db.WithContext(ctx).
		Where("status = ?", models.TransactionStatusPending).
		Order("created_at asc").
		Find(&txns).Error
	return txns, err
}

// Resolution is the terminal outcome of a pending entry.
type Resolution struct {
	Status         string
	TransactionID  string
	TransactionID2 string
	Message        string
}

// Resolve moves a pending entry to success or failed.
func (l *Ledger) Resolve(ctx context.Context, tx *gorm.DB, orderID string, r Resolution) error {
	if r.Status != models.TransactionStatusSuccess && r.Status != models.TransactionStatusFailed {
		return fmt.Errorf("invalid terminal status %q", r.Status)
	}
	res := l.conn(tx).WithContext(ctx).
		Model(&models.Transaction{}).
		Where("order_id = ? AND status = ?", orderID, models.TransactionStatusPending).
		Updates(map[string]any{
			"status":          r.Status,
			"transaction_id":  r.TransactionID,
			"transaction_id2": r.TransactionID2,
			"gateway_message": r.Message,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("%w: %s", ErrNotPending, orderID)
	}
	return nil
}

// ApplyReversal records a void or refund against a successful charge. The
// expected returned amount guards against two concurrent reversals.
func (l *Ledger) ApplyReversal(ctx context.Context, tx *gorm.DB, id uuid.UUID, kind string, expectedReturned, newReturned decimal.Decimal) error {
	if kind != models.ReversalVoid && kind != models.ReversalRefund {
		return fmt.Errorf("invalid reversal %q", kind)
	}
	res := l.conn(tx).WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND status = ? AND returned_amount = ?", id, models.TransactionStatusSuccess, expectedReturned).
		Updates(map[string]any{
			"refund_or_void_status": kind,
			"returned_amount":       newReturned,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return newPaymentError(KindStateConflict, "Transaction was changed by another operation", nil)
	}
	return nil
}

// ListFilter narrows List.
type ListFilter struct {
	CaseID *uuid.UUID
	Type   string
	Status string
	Limit  int
	Offset int
}

// List pages through the ledger, newest first.
func (l *Ledger) List(ctx context.Context, f ListFilter) ([]models.Transaction, int64, error) {
	query := l.db.WithContext(ctx).Model(&models.Transaction{})
	if f.CaseID != nil {
		query = query.Where("case_id = ?", *f.CaseID)
	}
	if f.Type != "" {
		query = query.Where("transaction_type = ?", f.Type)
	}
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 20
	}

	var txns []models.Transaction
	if err := query.Order("created_at desc").Limit(f.Limit).Offset(f.Offset).Find(&txns).Error; err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}
