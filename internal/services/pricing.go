package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/visadesk/internal/models"
)

// CaseQuote is the server-side price breakdown of a case payment.
type CaseQuote struct {
	Price               decimal.Decimal           `json:"price"`
	ServiceFee          decimal.Decimal           `json:"service_fee"`
	ProcessingFee       decimal.Decimal           `json:"processing_fee"`
	OnlineProcessingFee decimal.Decimal           `json:"online_processing_fee"`
	Shipping            decimal.Decimal           `json:"shipping"`
	Discount            decimal.Decimal           `json:"discount"`
	NonRefundableFee    decimal.Decimal           `json:"non_refundable_fee"`
	Total               decimal.Decimal           `json:"total"`
	ShippingItems       []models.ShippingLineItem `json:"shipping_items"`
	ProcessorID         uuid.UUID                 `json:"processor_id"`
}

// levelPrice is what a service level costs before location, processor and
// shipping charges.
func levelPrice(level *models.ServiceLevel) decimal.Decimal {
	if level == nil {
		return decimal.Zero
	}
	return level.Price.Add(level.ServiceFee)
}

// quoteCase prices a case from its reference data. Client supplied amounts
// are never part of the computation.
func quoteCase(ctx context.Context, db *gorm.DB, c *models.Case, processor *models.PaymentProcessor) (*CaseQuote, error) {
	if c.ServiceLevel == nil {
		return nil, newPaymentError(KindInvalidInput, "Case has no service level to charge for", nil)
	}

	items, err := ResolveShippingOptions(ctx, db, c.SelectedShippingOptions())
	if err != nil {
		return nil, err
	}

	q := &CaseQuote{
		Price:               c.ServiceLevel.Price,
		ServiceFee:          c.ServiceLevel.ServiceFee,
		NonRefundableFee:    c.ServiceLevel.NonRefundableFee,
		Discount:            c.Discount,
		OnlineProcessingFee: processor.OnlineProcessingFee,
		ShippingItems:       items,
		ProcessorID:         processor.ID,
	}
	if c.ProcessingLocation != nil {
		q.ProcessingFee = c.ProcessingLocation.ProcessingFee
	}
	for _, item := range items {
		q.Shipping = q.Shipping.Add(item.Price)
	}

	q.Total = q.Price.
		Add(q.ServiceFee).
		Add(q.ProcessingFee).
		Add(q.OnlineProcessingFee).
		Add(q.Shipping).
		Sub(q.Discount).
		Round(2)
	if !q.Total.IsPositive() {
		return nil, newPaymentError(KindInvalidInput, "Nothing to charge for this case", nil)
	}
	return q, nil
}

// ResolveShippingOptions prices the selected options against the shipping
// price list. A selection matches an option by id or by title; selections
// without a match are dropped.
func ResolveShippingOptions(ctx context.Context, db *gorm.DB, selected []string) ([]models.ShippingLineItem, error) {
	items := []models.ShippingLineItem{}
	if len(selected) == 0 {
		return items, nil
	}

	var options []models.ShippingOption
	if err := db.WithContext(ctx).Where("active = ?", true).Find(&options).Error; err != nil {
		return nil, err
	}

	byKey := make(map[string]models.ShippingOption, len(options)*2)
	for _, opt := range options {
		byKey[opt.ID.String()] = opt
		byKey[strings.ToLower(strings.TrimSpace(opt.Title))] = opt
	}

	seen := make(map[uuid.UUID]bool)
	for _, sel := range selected {
		key := strings.TrimSpace(sel)
		opt, ok := byKey[key]
		if !ok {
			opt, ok = byKey[strings.ToLower(key)]
		}
		if !ok || seen[opt.ID] {
			continue
		}
		seen[opt.ID] = true
		items = append(items, models.ShippingLineItem{ID: opt.ID, Title: opt.Title, Price: opt.Price})
	}
	return items, nil
}

// resolveProcessor loads the requested processor, or the default one.
func resolveProcessor(ctx context.Context, db *gorm.DB, id *uuid.UUID) (*models.PaymentProcessor, error) {
	var processor models.PaymentProcessor
	query := db.WithContext(ctx).Where("active = ?", true)
	if id != nil {
		query = query.Where("id = ?", *id)
	} else {
		query = query.Where("is_default = ?", true)
	}
	if err := query.First(&processor).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newPaymentError(KindInvalidInput, "No active payment processor is configured", err)
		}
		return nil, err
	}
	return &processor, nil
}

// loadCase fetches a case with the reference data used for pricing and display.
func loadCase(ctx context.Context, db *gorm.DB, id uuid.UUID) (*models.Case, error) {
	var c models.Case
	err := db.WithContext(ctx).
		Preload("ServiceType").
		Preload("ServiceLevel").
		Preload("CaseManager").
		Preload("ProcessingLocation").
		Where("id = ?", id).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newPaymentError(KindNotFound, "Case not found", err)
		}
		return nil, err
	}
	return &c, nil
}
