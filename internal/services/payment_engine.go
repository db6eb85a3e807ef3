package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/visadesk/internal/models"
)

var validate = validator.New()

// EngineOptions tunes the reconciliation engine.
type EngineOptions struct {
	// ReservationTTL bounds how long one attempt may hold a payment link.
	ReservationTTL time.Duration
	// PersistRetries is how many times the post-gateway commit is attempted.
	PersistRetries int
	PersistBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o *EngineOptions) withDefaults() {
	if o.ReservationTTL <= 0 {
		o.ReservationTTL = 2 * time.Minute
	}
	if o.PersistRetries <= 0 {
		o.PersistRetries = 3
	}
	if o.PersistBackoff <= 0 {
		o.PersistBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
}

// PaymentEngine turns payment intents into terminal, audited ledger entries
// and keeps payment links consistent with them.
type PaymentEngine struct {
	db         *gorm.DB
	links      *PaymentLinkStore
	ledger     *Ledger
	gateway    Gateway
	notifier   Notifier
	events     EventPublisher
	opts       EngineOptions
	newOrderID func() string
}

func NewPaymentEngine(db *gorm.DB, links *PaymentLinkStore, ledger *Ledger, gateway Gateway, notifier Notifier, events EventPublisher, opts EngineOptions) *PaymentEngine {
	opts.withDefaults()
	if events == nil {
		events = NoopPublisher()
	}
	return &PaymentEngine{
		db:         db,
		links:      links,
		ledger:     ledger,
		gateway:    gateway,
		notifier:   notifier,
		events:     events,
		opts:       opts,
		newOrderID: uuid.NewString,
	}
}

// PaymentOutcome is returned to the caller of a successful charge.
type PaymentOutcome struct {
	Success       bool            `json:"success"`
	Message       string          `json:"message"`
	TransactionID string          `json:"transactionId"`
	OrderID       string          `json:"orderId"`
	Amount        decimal.Decimal `json:"amount"`
}

// chargeAttempt is one card charge. release runs on every outcome except a
// confirmed gateway success; onSuccess runs inside the commit transaction.
type chargeAttempt struct {
	txn       *models.Transaction
	billing   BillingInfo
	linkToken string
	caseNo    string
	currency  string
	release   func(ctx context.Context)
	onSuccess func(ctx context.Context, tx *gorm.DB) error
}

// PayWithLink charges the amount stored on a payment link.
func (e *PaymentEngine) PayWithLink(ctx context.Context, token string, billing BillingInfo) (*PaymentOutcome, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, newPaymentError(KindInvalidInput, "Payment link token is required", nil)
	}
	card, err := validateBilling(billing)
	if err != nil {
		return nil, err
	}

	link, err := e.links.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newPaymentError(KindNotFound, MsgLinkNotFound, nil)
		}
		return nil, err
	}
	if !e.links.IsActive(link) {
		if link.Status == models.LinkStatusReserved {
			return nil, newPaymentError(KindStateConflict, MsgLinkInProgress, nil)
		}
		return nil, newPaymentError(KindStateConflict, MsgLinkUnavailable, nil)
	}
	if e.links.IsExpired(link) {
		return nil, newPaymentError(KindExpired, MsgLinkExpired, nil)
	}

	processor, err := resolveProcessor(ctx, e.db, nil)
	if err != nil {
		return nil, err
	}

	orderID := e.newOrderID()
	won, err := e.links.Reserve(ctx, link, orderID, e.opts.ReservationTTL)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, newPaymentError(KindStateConflict, MsgLinkInProgress, nil)
	}

	processorID := processor.ID
	linkID := link.ID
	txn := &models.Transaction{
		OrderID:            orderID,
		CaseID:             link.CaseID,
		PaymentLinkID:      &linkID,
		Amount:             link.Amount,
		TransactionType:    models.TransactionTypePaymentLink,
		Card:               card,
		PaymentProcessorID: &processorID,
		Description:        fmt.Sprintf("Payment link charge (token %s)", link.Token),
	}

	return e.charge(ctx, chargeAttempt{
		txn:       txn,
		billing:   billing,
		linkToken: link.Token,
		currency:  link.Currency,
		release: func(ctx context.Context) {
			if err := e.links.Release(ctx, linkID, orderID); err != nil {
				log.Printf("[Payment] failed to release link %s after attempt %s: %v", linkID, orderID, err)
			}
		},
		onSuccess: func(ctx context.Context, tx *gorm.DB) error {
			return e.links.MarkUsed(ctx, tx, linkID, orderID)
		},
	})
}

// CasePaymentRequest charges the full server-computed price of a case.
type CasePaymentRequest struct {
	CaseID  uuid.UUID
	Billing BillingInfo
	// OrderID is optional; a caller-supplied id makes a resubmission of the
	// same logical charge fail as a duplicate.
	OrderID string
	// AllowDoubleCharge must be set to charge a case that is already paid.
	AllowDoubleCharge bool
	CreatedBy         *uuid.UUID
}

// PayCase runs the general case payment flow.
func (e *PaymentEngine) PayCase(ctx context.Context, req CasePaymentRequest) (*PaymentOutcome, error) {
	card, err := validateBilling(req.Billing)
	if err != nil {
		return nil, err
	}

	c, err := loadCase(ctx, e.db, req.CaseID)
	if err != nil {
		return nil, err
	}

	processor, err := resolveProcessor(ctx, e.db, c.PaymentProcessorID)
	if err != nil {
		return nil, err
	}
	quote, err := quoteCase(ctx, e.db, c, processor)
	if err != nil {
		return nil, err
	}

	orderID, err := e.claimOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	unlock, err := e.lockCase(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Checked under the case flag so two sequential submissions cannot both
	// see an unpaid case.
	if err := e.ensureReconciled(ctx, c.ID); err != nil {
		return nil, err
	}
	paid, err := e.ledger.FindLatestSuccessfulCharge(ctx, c.ID, models.TransactionTypeCasePayment)
	if err != nil {
		return nil, err
	}
	if paid != nil && !req.AllowDoubleCharge {
		return nil, newPaymentError(KindStateConflict, "Case has already been paid", nil)
	}

	caseID := c.ID
	processorID := processor.ID
	txn := &models.Transaction{
		OrderID:             orderID,
		CaseID:              &caseID,
		Amount:              quote.Total,
		Discount:            quote.Discount,
		ServiceFee:          quote.ServiceFee,
		ProcessingFee:       quote.ProcessingFee,
		NonRefundableFee:    quote.NonRefundableFee,
		OnlineProcessingFee: quote.OnlineProcessingFee,
		TransactionType:     models.TransactionTypeCasePayment,
		Card:                card,
		DoubleCharge:        paid != nil,
		PaymentProcessorID:  &processorID,
		Description:         fmt.Sprintf("Case %s payment", c.CaseNumber),
		CreatedBy:           req.CreatedBy,
	}

	return e.charge(ctx, chargeAttempt{
		txn:     txn,
		billing: req.Billing,
		caseNo:  c.CaseNumber,
		onSuccess: func(ctx context.Context, tx *gorm.DB) error {
			return tx.WithContext(ctx).Model(&models.Case{}).
				Where("id = ?", caseID).
				Update("payment_status", models.CasePaymentPaid).Error
		},
	})
}

// QuoteCase returns the price a case payment would charge right now.
func (e *PaymentEngine) QuoteCase(ctx context.Context, caseID uuid.UUID) (*CaseQuote, error) {
	c, err := loadCase(ctx, e.db, caseID)
	if err != nil {
		return nil, err
	}
	processor, err := resolveProcessor(ctx, e.db, c.PaymentProcessorID)
	if err != nil {
		return nil, err
	}
	return quoteCase(ctx, e.db, c, processor)
}

// ExtraChargeRequest is an operator-initiated additional charge on a case.
type ExtraChargeRequest struct {
	CaseID      uuid.UUID
	Amount      decimal.Decimal
	Description string
	Billing     BillingInfo
	OrderID     string
	CreatedBy   *uuid.UUID
}

// ExtraCharge charges an operator-provided amount against a case.
func (e *PaymentEngine) ExtraCharge(ctx context.Context, req ExtraChargeRequest) (*PaymentOutcome, error) {
	if !req.Amount.IsPositive() {
		return nil, newPaymentError(KindInvalidInput, "Amount must be greater than zero", nil)
	}
	card, err := validateBilling(req.Billing)
	if err != nil {
		return nil, err
	}
	c, err := loadCase(ctx, e.db, req.CaseID)
	if err != nil {
		return nil, err
	}
	processor, err := resolveProcessor(ctx, e.db, c.PaymentProcessorID)
	if err != nil {
		return nil, err
	}
	orderID, err := e.claimOrderID(ctx, req.OrderID)
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

	caseID := c.ID
	processorID := processor.ID
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = fmt.Sprintf("Case %s extra charge", c.CaseNumber)
	}

	return e.charge(ctx, chargeAttempt{
		txn: &models.Transaction{
			OrderID:            orderID,
			CaseID:             &caseID,
			Amount:             req.Amount.Round(2),
			TransactionType:    models.TransactionTypeExtraCharge,
			Card:               card,
			PaymentProcessorID: &processorID,
			Description:        description,
			CreatedBy:          req.CreatedBy,
		},
		billing: req.Billing,
		caseNo:  c.CaseNumber,
	})
}

// charge runs create-pending -> gateway -> resolve for one card charge.
func (e *PaymentEngine) charge(ctx context.Context, a chargeAttempt) (*PaymentOutcome, error) {
	release := func() {
		if a.release != nil {
			a.release(context.WithoutCancel(ctx))
		}
	}

	if err := e.ledger.Create(ctx, nil, a.txn); err != nil {
		release()
		if errors.Is(err, ErrDuplicateOrder) {
			return nil, newPaymentError(KindDuplicateOrder, "This payment has already been submitted", err)
		}
		if IsKind(err, KindInvalidInput) {
			return nil, err
		}
		log.Printf("[Payment] could not record pending attempt %s: %v", a.txn.OrderID, err)
		return nil, newPaymentError(KindPersistence, "Payment could not be started", err)
	}

	// The gateway call and everything after it must not be abandoned because
	// the client went away.
	detached := context.WithoutCancel(ctx)

	result, err := e.gateway.Sale(detached, SaleRequest{
		Amount:  a.txn.Amount,
		OrderID: a.txn.OrderID,
		Billing: a.billing,
	})
	if err != nil {
		log.Printf("[Payment] gateway unreachable for %s: %v", a.txn.OrderID, err)
		e.fail(detached, a.txn, MsgGatewayUnreachable)
		release()
		return nil, newPaymentError(KindGatewayUnreachable, MsgGatewayUnreachable, err)
	}

	if !result.Success {
		log.Printf("[Payment] gateway declined %s: %s", a.txn.OrderID, result.Message)
		e.fail(detached, a.txn, result.Message)
		release()
		return nil, newPaymentError(KindGatewayDeclined, result.Message, nil)
	}

	err = e.commit(detached, func(tx *gorm.DB) error {
		if a.onSuccess != nil {
			if err := a.onSuccess(detached, tx); err != nil {
				return err
			}
		}
		return e.ledger.Resolve(detached, tx, a.txn.OrderID, Resolution{
			Status:        models.TransactionStatusSuccess,
			TransactionID: result.GatewayTransactionID,
			Message:       result.Message,
		})
	})
	if err != nil {
		e.persistenceFailure(detached, a.txn, a.linkToken, result, err)
		return nil, newPaymentError(KindPersistence, MsgPersistence, err)
	}

	a.txn.Status = models.TransactionStatusSuccess
	a.txn.TransactionID = result.GatewayTransactionID
	log.Printf("[Payment] %s %s succeeded, gateway txn %s", a.txn.TransactionType, a.txn.OrderID, result.GatewayTransactionID)

	e.publish(detached, EventPaymentSucceeded, a.txn, result.GatewayTransactionID, result.Message)
	if e.notifier != nil {
		n := PaymentSuccessNotification{
			OrderID:              a.txn.OrderID,
			CaseNumber:           a.caseNo,
			TransactionType:      a.txn.TransactionType,
			GatewayTransactionID: result.GatewayTransactionID,
			Amount:               a.txn.Amount,
			Currency:             a.currency,
		}
		go func() {
			if err := e.notifier.NotifyPaymentSuccess(n); err != nil {
				log.Printf("[Payment] success notification failed for %s: %v", n.OrderID, err)
			}
		}()
	}

	return &PaymentOutcome{
		Success:       true,
		Message:       MsgPaymentSuccessful,
		TransactionID: result.GatewayTransactionID,
		OrderID:       a.txn.OrderID,
		Amount:        a.txn.Amount,
	}, nil
}

// fail resolves a pending attempt as failed. The attempt stays pending if this
// write fails; the sweep reports it.
func (e *PaymentEngine) fail(ctx context.Context, txn *models.Transaction, reason string) {
	if err := e.ledger.Resolve(ctx, nil, txn.OrderID, Resolution{
		Status:  models.TransactionStatusFailed,
		Message: reason,
	}); err != nil {
		log.Printf("[Payment] could not record failed attempt %s: %v", txn.OrderID, err)
		return
	}
	txn.Status = models.TransactionStatusFailed
	e.publish(ctx, EventPaymentFailed, txn, "", reason)
}

// commit runs fn in a database transaction, retrying with capped exponential
// backoff. Lost reservations and already-resolved entries are not retried.
func (e *PaymentEngine) commit(ctx context.Context, fn func(tx *gorm.DB) error) error {
	delay := e.opts.PersistBackoff
	var err error
	for attempt := 1; attempt <= e.opts.PersistRetries; attempt++ {
		err = e.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrLinkNotReserved) || errors.Is(err, ErrNotPending) || attempt == e.opts.PersistRetries {
			break
		}
		log.Printf("[Payment] commit attempt %d failed, retrying in %s: %v", attempt, delay, err)
		time.Sleep(delay)
		delay = min(delay*2, e.opts.MaxBackoff)
	}
	return err
}

func (e *PaymentEngine) persistenceFailure(ctx context.Context, txn *models.Transaction, linkToken string, result GatewayResult, err error) {
	log.Printf("[Payment] PERSISTENCE order=%s type=%s amount=%s gateway_txn=%s link=%s: %v",
		txn.OrderID, txn.TransactionType, txn.Amount.StringFixed(2), result.GatewayTransactionID, linkToken, err)

	e.publish(ctx, EventPersistenceFailed, txn, result.GatewayTransactionID, err.Error())
	if e.notifier != nil {
		if nerr := e.notifier.NotifyPersistenceFailure(PersistenceFailureNotification{
			OrderID:              txn.OrderID,
			GatewayTransactionID: result.GatewayTransactionID,
			PaymentLinkToken:     linkToken,
			Amount:               txn.Amount,
			Reason:               err.Error(),
		}); nerr != nil {
			log.Printf("[Payment] persistence alert for %s failed: %v", txn.OrderID, nerr)
		}
	}
}

func (e *PaymentEngine) publish(ctx context.Context, eventType string, txn *models.Transaction, gatewayID, message string) {
	evt := PaymentEvent{
		EventType:            eventType,
		OrderID:              txn.OrderID,
		TransactionType:      txn.TransactionType,
		Amount:               txn.Amount,
		GatewayTransactionID: gatewayID,
		Message:              message,
		OccurredAt:           time.Now().UTC(),
	}
	if txn.CaseID != nil {
		evt.CaseID = txn.CaseID.String()
	}
	if txn.PaymentLinkID != nil {
		evt.PaymentLinkID = txn.PaymentLinkID.String()
	}
	if err := e.events.Publish(ctx, evt); err != nil {
		log.Printf("[Payment] publish %s for %s failed: %v", eventType, txn.OrderID, err)
	}
}

// claimOrderID returns the caller's order id if unused, or a fresh one.
func (e *PaymentEngine) claimOrderID(ctx context.Context, orderID string) (string, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return e.newOrderID(), nil
	}
	if len(orderID) > 64 {
		return "", newPaymentError(KindInvalidInput, "Order id is too long", nil)
	}
	if _, err := e.ledger.FindByOrderID(ctx, orderID); err == nil {
		return "", newPaymentError(KindDuplicateOrder, "This payment has already been submitted", ErrDuplicateOrder)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}
	return orderID, nil
}

// lockCase flags a case as having a money movement in flight. Only one caller
// can hold the flag; the returned func clears it.
func (e *PaymentEngine) lockCase(ctx context.Context, caseID uuid.UUID) (func(), error) {
	res := e.db.WithContext(ctx).
		Model(&models.Case{}).
		Where("id = ? AND payment_in_flight = ?", caseID, false).
		Update("payment_in_flight", true)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, newPaymentError(KindStateConflict, "A payment for this case is already in progress", nil)
	}
	return func() {
		if err := e.db.WithContext(context.WithoutCancel(ctx)).
			Model(&models.Case{}).
			Where("id = ?", caseID).
			Update("payment_in_flight", false).Error; err != nil {
			log.Printf("[Payment] failed to unlock case %s: %v", caseID, err)
		}
	}, nil
}

// unreconciledCharges are the case charge types whose pending entries may
// mean the card was charged without the ledger knowing.
var unreconciledCharges = []string{
	models.TransactionTypeCasePayment,
	models.TransactionTypeServiceLevelPayment,
	models.TransactionTypeExtraCharge,
}

// ensureReconciled refuses a new case charge while an earlier one is still
// pending. Callers hold the case flag, so a pending entry here was left by an
// attempt that did not finish.
func (e *PaymentEngine) ensureReconciled(ctx context.Context, caseID uuid.UUID) error {
	pending, err := e.ledger.HasPending(ctx, caseID, unreconciledCharges)
	if err != nil {
		return err
	}
	if pending {
		return newPaymentError(KindStateConflict, MsgAwaitingReconcile, nil)
	}
	return nil
}

// validateBilling checks the submitted card data and returns its masked form.
func validateBilling(b BillingInfo) (models.CardDescriptor, error) {
	if err := validate.Struct(b); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return models.CardDescriptor{}, newPaymentError(KindInvalidInput,
				"Missing or invalid billing information: "+strings.Join(fields, ", "), err)
		}
		return models.CardDescriptor{}, newPaymentError(KindInvalidInput, "Missing or invalid billing information", err)
	}

	number := NormalizeCardNumber(b.CardNumber)
	for _, r := range number {
		if r < '0' || r > '9' {
			return models.CardDescriptor{}, newPaymentError(KindInvalidInput, "Invalid card number", nil)
		}
	}
	if len(number) < 12 || len(number) > 19 {
		return models.CardDescriptor{}, newPaymentError(KindInvalidInput, "Invalid card number", nil)
	}

	exp, err := NormalizeExpiry(b.ExpirationDate)
	if err != nil {
		return models.CardDescriptor{}, err
	}
	month, _ := strconv.Atoi(exp[:2])
	year, _ := strconv.Atoi(exp[2:])

	return models.CardDescriptor{
		Last4:    number[len(number)-4:],
		Brand:    cardBrand(number),
		ExpMonth: month,
		ExpYear:  2000 + year,
	}, nil
}

func cardBrand(number string) string {
	switch {
	case strings.HasPrefix(number, "4"):
		return "visa"
	case strings.HasPrefix(number, "34"), strings.HasPrefix(number, "37"):
		return "amex"
	case number[0] == '5' && number[1] >= '1' && number[1] <= '5', strings.HasPrefix(number, "2"):
		return "mastercard"
	case strings.HasPrefix(number, "6"):
		return "discover"
	}
	return "unknown"
}
