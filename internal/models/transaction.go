package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction types.
const (
	TransactionTypeRefund              = "refund"
	TransactionTypeVoid                = "void"
	TransactionTypeCasePayment         = "casepayment"
	TransactionTypeExtraCharge         = "extracharge"
	TransactionTypeServiceLevelRefund  = "serviceLevel-refund"
	TransactionTypeServiceLevelPayment = "serviceLevel-payment"
	TransactionTypePaymentLink         = "paymentlink"
)

// Transaction states. pending is the only non-terminal one.
const (
	TransactionStatusPending = "pending"
	TransactionStatusSuccess = "success"
	TransactionStatusFailed  = "failed"
)

// Reversal markers for refundOrVoidStatus.
const (
	ReversalNone   = "none"
	ReversalVoid   = "void"
	ReversalRefund = "refund"
)

// Transaction is one ledger entry: a single charge, refund or void attempt.
type Transaction struct {
	BaseModel
	OrderID             string          `gorm:"uniqueIndex;size:64;not null" json:"order_id"`
	CaseID              *uuid.UUID      `gorm:"type:uuid;index" json:"case_id"`
	PaymentLinkID       *uuid.UUID      `gorm:"type:uuid;index" json:"payment_link_id"`
	ParentID            *uuid.UUID      `gorm:"type:uuid;index" json:"parent_id"`
	Amount              decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	ReturnedAmount      decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"returned_amount"`
	Discount            decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"discount"`
	ServiceFee          decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"service_fee"`
	ProcessingFee       decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"processing_fee"`
	NonRefundableFee    decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"non_refundable_fee"`
	OnlineProcessingFee decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"online_processing_fee"`
	TransactionType     string          `gorm:"index;not null" json:"transaction_type"`
	Status              string          `gorm:"index;default:pending" json:"status"`
	RefundOrVoidStatus  string          `gorm:"default:none" json:"refund_or_void_status"`
	Card                CardDescriptor  `gorm:"embedded;embeddedPrefix:card_" json:"card"`
	TransactionID       string          `gorm:"index" json:"transaction_id"`
	TransactionID2      string          `json:"transaction_id2"`
	DoubleCharge        bool            `gorm:"default:false" json:"double_charge"`
	PaymentProcessorID  *uuid.UUID      `gorm:"type:uuid" json:"payment_processor_id"`
	Description         string          `json:"description"`
	GatewayMessage      string          `json:"gateway_message"`
	CreatedBy           *uuid.UUID      `gorm:"type:uuid" json:"created_by"`

	// ShippingOptions is filled by the case query view only.
	ShippingOptions []ShippingLineItem `gorm:"-" json:"shipping_options,omitempty"`
}

// ShippingLineItem is a priced additional shipping option.
type ShippingLineItem struct {
	ID    uuid.UUID       `json:"id"`
	Title string          `json:"title"`
	Price decimal.Decimal `json:"price"`
}

var validTransactionTypes = map[string]bool{
	TransactionTypeRefund:              true,
	TransactionTypeVoid:                true,
	TransactionTypeCasePayment:         true,
	TransactionTypeExtraCharge:         true,
	TransactionTypeServiceLevelRefund:  true,
	TransactionTypeServiceLevelPayment: true,
	TransactionTypePaymentLink:         true,
}

// Validate enforces which fields each transaction type requires.
func (t *Transaction) Validate() error {
	if t.OrderID == "" {
		return errors.New("order id is required")
	}
	if !validTransactionTypes[t.TransactionType] {
		return fmt.Errorf("unknown transaction type %q", t.TransactionType)
	}
	if !t.Amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	if t.TransactionType != TransactionTypePaymentLink && t.CaseID == nil {
		return fmt.Errorf("%s transaction requires a case", t.TransactionType)
	}
	if t.TransactionType != TransactionTypeVoid && t.TransactionType != TransactionTypeRefund && t.Card.IsZero() {
		return fmt.Errorf("%s transaction requires a card", t.TransactionType)
	}
	if t.TransactionType != TransactionTypeRefund && t.PaymentProcessorID == nil {
		return fmt.Errorf("%s transaction requires a payment processor", t.TransactionType)
	}
	switch t.Status {
	case "", TransactionStatusPending, TransactionStatusSuccess, TransactionStatusFailed:
	default:
		return fmt.Errorf("unknown transaction status %q", t.Status)
	}
	return nil
}

// IsCharge reports whether the transaction moved money from the customer.
func (t *Transaction) IsCharge() bool {
	switch t.TransactionType {
	case TransactionTypeCasePayment, TransactionTypeExtraCharge, TransactionTypeServiceLevelPayment, TransactionTypePaymentLink:
		return true
	}
	return false
}

// Refundable is the amount that can still be returned to the customer.
func (t *Transaction) Refundable() decimal.Decimal {
	left := t.Amount.Sub(t.ReturnedAmount).Sub(t.NonRefundableFee)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}
