package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/example/visadesk/internal/middleware"
	"github.com/example/visadesk/internal/services"
)

// PaymentLinkHandler serves payment link generation, lookup and payment.
type PaymentLinkHandler struct {
	engine  *services.PaymentEngine
	links   *services.PaymentLinkStore
	linkTTL time.Duration
}

func NewPaymentLinkHandler(engine *services.PaymentEngine, links *services.PaymentLinkStore, linkTTL time.Duration) *PaymentLinkHandler {
	return &PaymentLinkHandler{engine: engine, links: links, linkTTL: linkTTL}
}

type payLinkRequest struct {
	Token       string               `json:"token"`
	BillingInfo services.BillingInfo `json:"billingInfo"`
}

// Pay charges a payment link. The token is the only authorization.
func (h *PaymentLinkHandler) Pay(c *fiber.Ctx) error {
	var req payLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	outcome, err := h.engine.PayWithLink(c.UserContext(), req.Token, req.BillingInfo)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success":       outcome.Success,
		"message":       outcome.Message,
		"transactionId": outcome.TransactionID,
	})
}

// Lookup returns the customer-facing view of a link.
func (h *PaymentLinkHandler) Lookup(c *fiber.Ctx) error {
	link, err := h.links.FindByToken(c.UserContext(), c.Params("token"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, services.MsgLinkNotFound)
		}
		return err
	}

	return c.JSON(fiber.Map{
		"token":       link.Token,
		"amount":      link.Amount,
		"currency":    link.Currency,
		"description": link.Description,
		"status":      link.EffectiveStatus(time.Now().UTC()),
		"expires_at":  link.ExpiresAt,
	})
}

type generateLinkRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency" validate:"omitempty,len=3"`
	Description    string          `json:"description" validate:"max=500"`
	CaseID         string          `json:"case_id"`
	ServiceTypeID  string          `json:"service_type_id"`
	ServiceLevelID string          `json:"service_level_id"`
	ExpiresInHours int             `json:"expires_in_hours" validate:"gte=0,lte=2160"`
}

// Generate creates a new payment link.
func (h *PaymentLinkHandler) Generate(c *fiber.Ctx) error {
	var req generateLinkRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	caseID, err := parseOptionalUUID(req.CaseID, "case_id")
	if err != nil {
		return err
	}
	serviceTypeID, err := parseOptionalUUID(req.ServiceTypeID, "service_type_id")
	if err != nil {
		return err
	}
	serviceLevelID, err := parseOptionalUUID(req.ServiceLevelID, "service_level_id")
	if err != nil {
		return err
	}

	ttl := h.linkTTL
	if req.ExpiresInHours > 0 {
		ttl = time.Duration(req.ExpiresInHours) * time.Hour
	}

	link, err := h.links.Generate(c.UserContext(), services.NewLinkParams{
		Amount:         req.Amount,
		Currency:       req.Currency,
		Description:    req.Description,
		CaseID:         caseID,
		ServiceTypeID:  serviceTypeID,
		ServiceLevelID: serviceLevelID,
		TTL:            ttl,
		CreatedBy:      middleware.CurrentAdminRef(c),
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(link)
}

// Expire retires an active link.
func (h *PaymentLinkHandler) Expire(c *fiber.Ctx) error {
	link, err := h.links.Expire(c.UserContext(), c.Params("token"))
	if err != nil {
		return err
	}
	return c.JSON(link)
}
