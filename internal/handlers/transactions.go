package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/example/visadesk/internal/middleware"
	"github.com/example/visadesk/internal/services"
	"github.com/example/visadesk/internal/utils"
)

// TransactionHandler exposes the ledger and reversals.
type TransactionHandler struct {
	engine *services.PaymentEngine
	ledger *services.Ledger
}

func NewTransactionHandler(engine *services.PaymentEngine, ledger *services.Ledger) *TransactionHandler {
	return &TransactionHandler{engine: engine, ledger: ledger}
}

// List pages through transactions, optionally filtered by case, type and status.
func (h *TransactionHandler) List(c *fiber.Ctx) error {
	page := utils.ParsePage(c)

	caseID, err := parseOptionalUUID(c.Query("case_id"), "case_id")
	if err != nil {
		return err
	}

	txns, total, err := h.ledger.List(c.UserContext(), services.ListFilter{
		CaseID: caseID,
		Type:   c.Query("type"),
		Status: c.Query("status"),
		Limit:  page.Size,
		Offset: page.Offset(),
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"data":       txns,
		"pagination": page.Meta(total),
	})
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// Refund returns part or all of a successful charge.
func (h *TransactionHandler) Refund(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}

	var req refundRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	outcome, err := h.engine.Refund(c.UserContext(), services.RefundRequest{
		TransactionID: id,
		Amount:        req.Amount,
		Reason:        req.Reason,
		CreatedBy:     middleware.CurrentAdminRef(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(outcome)
}

type voidRequest struct {
	Reason string `json:"reason"`
}

// Void cancels an unsettled charge.
func (h *TransactionHandler) Void(c *fiber.Ctx) error {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return err
	}

	var req voidRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	outcome, err := h.engine.Void(c.UserContext(), services.VoidRequest{
		TransactionID: id,
		Reason:        req.Reason,
		CreatedBy:     middleware.CurrentAdminRef(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(outcome)
}
