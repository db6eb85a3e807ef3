package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/example/visadesk/internal/middleware"
	"github.com/example/visadesk/internal/services"
)

// CaseHandler serves staff-side payment operations on a case.
type CaseHandler struct {
	engine *services.PaymentEngine
	query  *services.CaseQueryService
}

func NewCaseHandler(engine *services.PaymentEngine, query *services.CaseQueryService) *CaseHandler {
	return &CaseHandler{engine: engine, query: query}
}

type casePaymentRequest struct {
	BillingInfo       services.BillingInfo `json:"billingInfo"`
	OrderID           string               `json:"orderId"`
	AllowDoubleCharge bool                 `json:"allowDoubleCharge"`
}

// Pay charges the computed case price.
func (h *CaseHandler) Pay(c *fiber.Ctx) error {
	caseID, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}

	var req casePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	outcome, err := h.engine.PayCase(c.UserContext(), services.CasePaymentRequest{
		CaseID:            caseID,
		Billing:           req.BillingInfo,
		OrderID:           req.OrderID,
		AllowDoubleCharge: req.AllowDoubleCharge,
		CreatedBy:         middleware.CurrentAdminRef(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(outcome)
}

// Quote returns the price breakdown a case payment would charge.
func (h *CaseHandler) Quote(c *fiber.Ctx) error {
	caseID, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}

	quote, err := h.engine.QuoteCase(c.UserContext(), caseID)
	if err != nil {
		return err
	}
	return c.JSON(quote)
}

type extraChargeRequest struct {
	Amount      decimal.Decimal      `json:"amount"`
	Description string               `json:"description" validate:"required,max=500"`
	BillingInfo services.BillingInfo `json:"billingInfo"`
	OrderID     string               `json:"orderId"`
}

// ExtraCharge charges an operator-entered amount against a case.
func (h *CaseHandler) ExtraCharge(c *fiber.Ctx) error {
	caseID, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}

	var req extraChargeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Var(req.Description, "required,max=500"); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "description is required")
	}

	outcome, err := h.engine.ExtraCharge(c.UserContext(), services.ExtraChargeRequest{
		CaseID:      caseID,
		Amount:      req.Amount,
		Description: req.Description,
		Billing:     req.BillingInfo,
		OrderID:     req.OrderID,
		CreatedBy:   middleware.CurrentAdminRef(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(outcome)
}

type serviceLevelRequest struct {
	ServiceLevelID string                `json:"service_level_id"`
	BillingInfo    *services.BillingInfo `json:"billingInfo"`
}

// ChangeServiceLevel moves a case to another service level and settles the
// price difference.
func (h *CaseHandler) ChangeServiceLevel(c *fiber.Ctx) error {
	caseID, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}

	var req serviceLevelRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	levelID, err := parseOptionalUUID(req.ServiceLevelID, "service_level_id")
	if err != nil {
		return err
	}
	if levelID == nil {
		return fiber.NewError(fiber.StatusBadRequest, "service_level_id is required")
	}

	result, err := h.engine.ChangeServiceLevel(c.UserContext(), services.ServiceLevelChangeRequest{
		CaseID:         caseID,
		ServiceLevelID: *levelID,
		Billing:        req.BillingInfo,
		CreatedBy:      middleware.CurrentAdminRef(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(result)
}

// Transactions returns the case payment view.
func (h *CaseHandler) Transactions(c *fiber.Ctx) error {
	caseID, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}

	view, err := h.query.CaseTransactions(c.UserContext(), caseID)
	if err != nil {
		return err
	}
	return c.JSON(view)
}
