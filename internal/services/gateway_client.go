package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrGatewayUnreachable marks a transport failure talking to the gateway. The
// request may or may not have reached it; nothing local is committed.
var ErrGatewayUnreachable = errors.New("payment gateway unreachable")

// BillingInfo is the cardholder data submitted with a charge.
type BillingInfo struct {
	CardNumber     string `json:"cardNumber" validate:"required,min=12,max=23"`
	ExpirationDate string `json:"expirationDate" validate:"required"`
	CVV            string `json:"cvv" validate:"required,numeric,min=3,max=4"`
	FirstName      string `json:"firstName" validate:"required"`
	LastName       string `json:"lastName" validate:"required"`
	Address        string `json:"address" validate:"required"`
	City           string `json:"city" validate:"required"`
	State          string `json:"state" validate:"required"`
	ZipCode        string `json:"zipCode" validate:"required"`
	Country        string `json:"country"`
	Email          string `json:"email" validate:"required,email"`
}

// SaleRequest is a card charge.
type SaleRequest struct {
	Amount  decimal.Decimal
	OrderID string
	Billing BillingInfo
}

// Gateway is the outbound payment processor.
type Gateway interface {
	Sale(ctx context.Context, req SaleRequest) (GatewayResult, error)
	Refund(ctx context.Context, gatewayTransactionID string, amount decimal.Decimal) (GatewayResult, error)
	Void(ctx context.Context, gatewayTransactionID string) (GatewayResult, error)
}

// HTTPGateway talks to a transact.php style gateway over form-encoded POSTs.
type HTTPGateway struct {
	endpoint    string
	securityKey string
	client      *http.Client
}

// NewHTTPGateway builds a gateway client. The security key is mandatory.
func NewHTTPGateway(endpoint, securityKey string, timeout time.Duration) (*HTTPGateway, error) {
	if strings.TrimSpace(securityKey) == "" {
		return nil, errors.New("gateway security key is required")
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPGateway{
		endpoint:    endpoint,
		securityKey: securityKey,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

// Sale submits a type=sale charge.
func (g *HTTPGateway) Sale(ctx context.Context, req SaleRequest) (GatewayResult, error) {
	ccexp, err := NormalizeExpiry(req.Billing.ExpirationDate)
	if err != nil {
		return GatewayResult{}, err
	}

	country := strings.TrimSpace(req.Billing.Country)
	if country == "" {
		country = "US"
	}

	form := url.Values{}
	form.Set("type", "sale")
	form.Set("ccnumber", NormalizeCardNumber(req.Billing.CardNumber))
	form.Set("ccexp", ccexp)
	form.Set("cvv", req.Billing.CVV)
	form.Set("amount", req.Amount.StringFixed(2))
	form.Set("first_name", req.Billing.FirstName)
	form.Set("last_name", req.Billing.LastName)
	form.Set("address1", req.Billing.Address)
	form.Set("city", req.Billing.City)
	form.Set("state", req.Billing.State)
	form.Set("zip", req.Billing.ZipCode)
	form.Set("country", country)
	form.Set("email", req.Billing.Email)
	if req.OrderID != "" {
		form.Set("orderid", req.OrderID)
	}

	return g.post(ctx, "sale", form)
}

// Refund returns amount of a settled charge.
func (g *HTTPGateway) Refund(ctx context.Context, gatewayTransactionID string, amount decimal.Decimal) (GatewayResult, error) {
	form := url.Values{}
	form.Set("type", "refund")
	form.Set("transactionid", gatewayTransactionID)
	form.Set("amount", amount.StringFixed(2))
	return g.post(ctx, "refund", form)
}

// Void cancels an unsettled charge.
func (g *HTTPGateway) Void(ctx context.Context, gatewayTransactionID string) (GatewayResult, error) {
	form := url.Values{}
	form.Set("type", "void")
	form.Set("transactionid", gatewayTransactionID)
	return g.post(ctx, "void", form)
}

func (g *HTTPGateway) post(ctx context.Context, op string, form url.Values) (GatewayResult, error) {
	form.Set("security_key", g.securityKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return GatewayResult{}, fmt.Errorf("gateway %s request build: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		log.Printf("[Gateway] %s request failed: %v", op, err)
		return GatewayResult{}, fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		log.Printf("[Gateway] %s response read failed: %v", op, err)
		return GatewayResult{}, fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	if resp.StatusCode >= 500 {
		log.Printf("[Gateway] %s returned status %d", op, resp.StatusCode)
		return GatewayResult{}, fmt.Errorf("%w: status %d", ErrGatewayUnreachable, resp.StatusCode)
	}

	return DecodeGatewayResponse(strings.TrimSpace(string(body))), nil
}

// NormalizeCardNumber strips spaces and dashes.
func NormalizeCardNumber(number string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, number)
}

// NormalizeExpiry accepts MM/YY, MM/YYYY, MMYY or MM-YY and returns MMYY.
func NormalizeExpiry(exp string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, exp)

	switch len(digits) {
	case 4:
	case 6:
		digits = digits[:2] + digits[4:]
	default:
		return "", newPaymentError(KindInvalidInput, "Invalid card expiration date", nil)
	}
	if digits[:2] < "01" || digits[:2] > "12" {
		return "", newPaymentError(KindInvalidInput, "Invalid card expiration date", nil)
	}
	return digits, nil
}
