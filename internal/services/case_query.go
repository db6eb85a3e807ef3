package services

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/visadesk/internal/models"
)

// CaseTransactionView is the payment summary shown on a case page.
type CaseTransactionView struct {
	Case          *models.Case              `json:"case"`
	LatestPayment *models.Transaction       `json:"latest_payment"`
	LatestRefund  *models.Transaction       `json:"latest_refund"`
	Transactions  []models.Transaction      `json:"transactions"`
	ShippingItems []models.ShippingLineItem `json:"shipping_items"`
}

// CaseQueryService assembles read-only payment views. It never writes.
type CaseQueryService struct {
	db     *gorm.DB
	ledger *Ledger
}

func NewCaseQueryService(db *gorm.DB, ledger *Ledger) *CaseQueryService {
	return &CaseQueryService{db: db, ledger: ledger}
}

// displayTypes are the transaction types shown in the case view; extra
// charges are listed elsewhere.
var displayTypes = []string{
	models.TransactionTypeCasePayment,
	models.TransactionTypeRefund,
	models.TransactionTypeVoid,
	models.TransactionTypeServiceLevelPayment,
	models.TransactionTypeServiceLevelRefund,
	models.TransactionTypePaymentLink,
}

// CaseTransactions returns the case with its reference data, its transactions
// and the latest payment and refund with priced shipping options attached.
func (s *CaseQueryService) CaseTransactions(ctx context.Context, caseID uuid.UUID) (*CaseTransactionView, error) {
	c, err := loadCase(ctx, s.db, caseID)
	if err != nil {
		return nil, err
	}

	txns, err := s.ledger.FindByCaseAndTypes(ctx, caseID, displayTypes)
	if err != nil {
		return nil, err
	}

	items, err := ResolveShippingOptions(ctx, s.db, c.SelectedShippingOptions())
	if err != nil {
		return nil, err
	}

	payment, refund := latestPaymentAndRefund(txns)
	if payment != nil {
		payment.ShippingOptions = items
	}
	if refund != nil {
		refund.ShippingOptions = items
	}

	return &CaseTransactionView{
		Case:          c,
		LatestPayment: payment,
		LatestRefund:  refund,
		Transactions:  txns,
		ShippingItems: items,
	}, nil
}

// latestPaymentAndRefund picks the newest successful casepayment and refund,
// falling back to the newest attempt of any status when none succeeded. A
// single transaction is classified by its type without sorting.
func latestPaymentAndRefund(txns []models.Transaction) (payment, refund *models.Transaction) {
	switch len(txns) {
	case 0:
		return nil, nil
	case 1:
		only := txns[0]
		switch only.TransactionType {
		case models.TransactionTypeCasePayment:
			return &only, nil
		case models.TransactionTypeRefund:
			return nil, &only
		}
		return nil, nil
	}

	sorted := make([]models.Transaction, len(txns))
	copy(sorted, txns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	return newestOfType(sorted, models.TransactionTypeCasePayment), newestOfType(sorted, models.TransactionTypeRefund)
}

// newestOfType expects txns sorted newest first.
func newestOfType(txns []models.Transaction, txnType string) *models.Transaction {
	var fallback *models.Transaction
	for i := range txns {
		if txns[i].TransactionType != txnType {
			continue
		}
		if txns[i].Status == models.TransactionStatusSuccess {
			found := txns[i]
			return &found
		}
		if fallback == nil {
			found := txns[i]
			fallback = &found
		}
	}
	return fallback
}
