package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/visadesk/internal/models"
)

// ReversalOutcome is returned for a successful refund or void.
type ReversalOutcome struct {
	Success        bool            `json:"success"`
	Message        string          `json:"message"`
	TransactionID  string          `json:"transactionId"`
	OrderID        string          `json:"orderId"`
	Amount         decimal.Decimal `json:"amount"`
	ReturnedAmount decimal.Decimal `json:"returnedAmount"`
}

// RefundRequest returns money of a successful charge. A zero Amount refunds
// everything still refundable.
type RefundRequest struct {
	TransactionID uuid.UUID
	Amount        decimal.Decimal
	Reason        string
	CreatedBy     *uuid.UUID
}

// VoidRequest cancels a successful charge before settlement.
type VoidRequest struct {
	TransactionID uuid.UUID
	Reason        string
	CreatedBy     *uuid.UUID
}

var reversalMessages = map[string]string{
	models.ReversalRefund: "Refund successful",
	models.ReversalVoid:   "Void successful",
}

type reversal struct {
	origID    uuid.UUID
	txnType   string
	kind      string
	reason    string
	createdBy *uuid.UUID
	copyCard  bool
	amount    func(orig *models.Transaction) (decimal.Decimal, error)
	onSuccess func(ctx context.Context, tx *gorm.DB) error
}

// Refund refunds part or all of a successful charge.
func (e *PaymentEngine) Refund(ctx context.Context, req RefundRequest) (*ReversalOutcome, error) {
	if req.Amount.IsNegative() {
		return nil, newPaymentError(KindInvalidInput, "Refund amount cannot be negative", nil)
	}
	return e.reverse(ctx, reversal{
		origID:    req.TransactionID,
		txnType:   models.TransactionTypeRefund,
		kind:      models.ReversalRefund,
		reason:    req.Reason,
		createdBy: req.CreatedBy,
		amount: func(orig *models.Transaction) (decimal.Decimal, error) {
			if orig.RefundOrVoidStatus == models.ReversalVoid {
				return decimal.Zero, newPaymentError(KindStateConflict, "Transaction has been voided", nil)
			}
			refundable := orig.Refundable()
			amount := req.Amount.Round(2)
			if amount.IsZero() {
				amount = refundable
			}
			if !amount.IsPositive() {
				return decimal.Zero, newPaymentError(KindStateConflict, "Nothing left to refund on this transaction", nil)
			}
			if amount.GreaterThan(refundable) {
				return decimal.Zero, newPaymentError(KindInvalidInput,
					fmt.Sprintf("Refund amount exceeds refundable balance of %s", refundable.StringFixed(2)), nil)
			}
			return amount, nil
		},
	})
}

// Void cancels an untouched successful charge in full.
func (e *PaymentEngine) Void(ctx context.Context, req VoidRequest) (*ReversalOutcome, error) {
	return e.reverse(ctx, reversal{
		origID:    req.TransactionID,
		txnType:   models.TransactionTypeVoid,
		kind:      models.ReversalVoid,
		reason:    req.Reason,
		createdBy: req.CreatedBy,
		amount: func(orig *models.Transaction) (decimal.Decimal, error) {
			if orig.RefundOrVoidStatus != models.ReversalNone || !orig.ReturnedAmount.IsZero() {
				return decimal.Zero, newPaymentError(KindStateConflict, "Only transactions without refunds can be voided", nil)
			}
			return orig.Amount, nil
		},
	})
}

func (e *PaymentEngine) reverse(ctx context.Context, r reversal) (*ReversalOutcome, error) {
	orig, err := e.loadTransaction(ctx, r.origID)
	if err != nil {
		return nil, err
	}
	if orig.CaseID == nil {
		return nil, newPaymentError(KindInvalidInput, "Only case transactions can be refunded or voided", nil)
	}

	unlock, err := e.lockCase(ctx, *orig.CaseID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the case flag.
	orig, err = e.loadTransaction(ctx, r.origID)
	if err != nil {
		return nil, err
	}
	if orig.Status != models.TransactionStatusSuccess || !orig.IsCharge() {
		return nil, newPaymentError(KindStateConflict, "Only successful charges can be refunded or voided", nil)
	}
	if orig.TransactionID == "" {
		return nil, newPaymentError(KindStateConflict, "Transaction has no gateway reference", nil)
	}

	amount, err := r.amount(orig)
	if err != nil {
		return nil, err
	}

	description := strings.TrimSpace(r.reason)
	if description == "" {
		description = fmt.Sprintf("%s of %s", r.txnType, orig.OrderID)
	}
	origID := orig.ID
	entry := &models.Transaction{
		OrderID:            e.newOrderID(),
		CaseID:             orig.CaseID,
		PaymentLinkID:      orig.PaymentLinkID,
		ParentID:           &origID,
		Amount:             amount,
		TransactionType:    r.txnType,
		PaymentProcessorID: orig.PaymentProcessorID,
		Description:        description,
		CreatedBy:          r.createdBy,
	}
	if r.copyCard {
		entry.Card = orig.Card
	}

	if err := e.ledger.Create(ctx, nil, entry); err != nil {
		if IsKind(err, KindInvalidInput) {
			return nil, err
		}
		log.Printf("[Payment] could not record pending %s %s: %v", r.txnType, entry.OrderID, err)
		return nil, newPaymentError(KindPersistence, "Reversal could not be started", err)
	}

	detached := context.WithoutCancel(ctx)

	var result GatewayResult
	if r.kind == models.ReversalVoid {
		result, err = e.gateway.Void(detached, orig.TransactionID)
	} else {
		result, err = e.gateway.Refund(detached, orig.TransactionID, amount)
	}
	if err != nil {
		log.Printf("[Payment] gateway unreachable for %s %s: %v", r.txnType, entry.OrderID, err)
		e.fail(detached, entry, MsgGatewayUnreachable)
		return nil, newPaymentError(KindGatewayUnreachable, MsgGatewayUnreachable, err)
	}
	if !result.Success {
		log.Printf("[Payment] gateway declined %s %s: %s", r.txnType, entry.OrderID, result.Message)
		e.fail(detached, entry, result.Message)
		return nil, newPaymentError(KindGatewayDeclined, result.Message, nil)
	}

	newReturned := orig.ReturnedAmount.Add(amount)
	if r.kind == models.ReversalVoid {
		newReturned = orig.Amount
	}
	fullyReturned := !newReturned.Add(orig.NonRefundableFee).LessThan(orig.Amount)

	err = e.commit(detached, func(tx *gorm.DB) error {
		if err := e.ledger.Resolve(detached, tx, entry.OrderID, Resolution{
			Status:        models.TransactionStatusSuccess,
			TransactionID: result.GatewayTransactionID,
			Message:       result.Message,
		}); err != nil {
			return err
		}
		if err := e.ledger.ApplyReversal(detached, tx, orig.ID, r.kind, orig.ReturnedAmount, newReturned); err != nil {
			return err
		}
		if fullyReturned && orig.TransactionType == models.TransactionTypeCasePayment {
			if err := tx.Model(&models.Case{}).
				Where("id = ?", *orig.CaseID).
				Update("payment_status", models.CasePaymentRefunded).Error; err != nil {
				return err
			}
		}
		if r.onSuccess != nil {
			return r.onSuccess(detached, tx)
		}
		return nil
	})
	if err != nil {
		e.persistenceFailure(detached, entry, "", result, err)
		return nil, newPaymentError(KindPersistence, MsgPersistence, err)
	}

	entry.Status = models.TransactionStatusSuccess
	log.Printf("[Payment] %s %s of %s succeeded, gateway txn %s", r.txnType, entry.OrderID, orig.OrderID, result.GatewayTransactionID)
	e.publish(detached, EventReversalSucceeded, entry, result.GatewayTransactionID, result.Message)

	return &ReversalOutcome{
		Success:        true,
		Message:        reversalMessages[r.kind],
		TransactionID:  result.GatewayTransactionID,
		OrderID:        entry.OrderID,
		Amount:         amount,
		ReturnedAmount: newReturned,
	}, nil
}

func (e *PaymentEngine) loadTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	txn, err := e.ledger.Get(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newPaymentError(KindNotFound, "Transaction not found", err)
		}
		return nil, err
	}
	return txn, nil
}

// ServiceLevelChangeRequest moves a case to another service level. Billing is
// needed only when the new level costs more and the case is already paid.
type ServiceLevelChangeRequest struct {
	CaseID         uuid.UUID
	ServiceLevelID uuid.UUID
	Billing        *BillingInfo
	CreatedBy      *uuid.UUID
}

// ServiceLevelChangeResult reports the price difference and any money moved.
type ServiceLevelChangeResult struct {
	CaseID         uuid.UUID        `json:"case_id"`
	ServiceLevelID uuid.UUID        `json:"service_level_id"`
	Difference     decimal.Decimal  `json:"difference"`
	Payment        *PaymentOutcome  `json:"payment,omitempty"`
	Refund         *ReversalOutcome `json:"refund,omitempty"`
}

// ChangeServiceLevel settles the price difference of a service level change
// against the case's latest successful payment. The case is switched only when
// that money movement succeeds.
func (e *PaymentEngine) ChangeServiceLevel(ctx context.Context, req ServiceLevelChangeRequest) (*ServiceLevelChangeResult, error) {
	c, err := loadCase(ctx, e.db, req.CaseID)
	if err != nil {
		return nil, err
	}

	var level models.ServiceLevel
	if err := e.db.WithContext(ctx).Where("id = ?", req.ServiceLevelID).First(&level).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newPaymentError(KindNotFound, "Service level not found", err)
		}
		return nil, err
	}
	if c.ServiceLevelID != nil && *c.ServiceLevelID == level.ID {
		return nil, newPaymentError(KindInvalidInput, "Case already uses this service level", nil)
	}
	if c.ServiceTypeID != nil && level.ServiceTypeID != *c.ServiceTypeID {
		return nil, newPaymentError(KindInvalidInput, "Service level belongs to another service type", nil)
	}

	result := &ServiceLevelChangeResult{
		CaseID:         c.ID,
		ServiceLevelID: level.ID,
		Difference:     levelPrice(&level).Sub(levelPrice(c.ServiceLevel)).Round(2),
	}
	caseID := c.ID
	switchLevel := func(ctx context.Context, tx *gorm.DB) error {
		return tx.WithContext(ctx).Model(&models.Case{}).
			Where("id = ?", caseID).
			Update("service_level_id", level.ID).Error
	}

	paid, err := e.ledger.FindLatestSuccessfulCharge(ctx, c.ID, models.TransactionTypeCasePayment)
	if err != nil {
		return nil, err
	}

	switch {
	case paid == nil || result.Difference.IsZero():
		// Unpaid cases are priced at payment time; nothing to settle now.
		if err := switchLevel(ctx, e.db); err != nil {
			return nil, err
		}
		return result, nil

	case result.Difference.IsPositive():
		if req.Billing == nil {
			return nil, newPaymentError(KindInvalidInput, "Billing information is required to pay the service level difference", nil)
		}
		card, err := validateBilling(*req.Billing)
		if err != nil {
			return nil, err
		}
		processor, err := resolveProcessor(ctx, e.db, c.PaymentProcessorID)
		if err != nil {
			return nil, err
		}

		unlock, err := e.lockCase(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		defer unlock()

		if err := e.ensureReconciled(ctx, c.ID); err != nil {
			return nil, err
		}

		processorID := processor.ID
		outcome, err := e.charge(ctx, chargeAttempt{
			txn: &models.Transaction{
				OrderID:            e.newOrderID(),
				CaseID:             &caseID,
				ParentID:           &paid.ID,
				Amount:             result.Difference,
				TransactionType:    models.TransactionTypeServiceLevelPayment,
				Card:               card,
				PaymentProcessorID: &processorID,
				Description:        fmt.Sprintf("Case %s upgrade to %s", c.CaseNumber, level.Name),
				CreatedBy:          req.CreatedBy,
			},
			billing:   *req.Billing,
			caseNo:    c.CaseNumber,
			onSuccess: switchLevel,
		})
		if err != nil {
			return nil, err
		}
		result.Payment = outcome
		return result, nil

	default:
		refund := result.Difference.Neg()
		outcome, err := e.reverse(ctx, reversal{
			origID:    paid.ID,
			txnType:   models.TransactionTypeServiceLevelRefund,
			kind:      models.ReversalRefund,
			reason:    fmt.Sprintf("Case %s downgrade to %s", c.CaseNumber, level.Name),
			createdBy: req.CreatedBy,
			copyCard:  true,
			amount: func(orig *models.Transaction) (decimal.Decimal, error) {
				if orig.RefundOrVoidStatus == models.ReversalVoid {
					return decimal.Zero, newPaymentError(KindStateConflict, "Case payment has been voided", nil)
				}
				if refund.GreaterThan(orig.Refundable()) {
					return decimal.Zero, newPaymentError(KindStateConflict, "Case payment cannot cover the service level refund", nil)
				}
				return refund, nil
			},
			onSuccess: switchLevel,
		})
		if err != nil {
			return nil, err
		}
		result.Refund = outcome
		return result, nil
	}
}
