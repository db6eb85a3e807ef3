package handlers

import (
	"errors"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/visadesk/internal/services"
)

var validate = validator.New()

var statusByKind = map[services.ErrorKind]int{
	services.KindInvalidInput:       fiber.StatusBadRequest,
	services.KindNotFound:           fiber.StatusNotFound,
	services.KindStateConflict:      fiber.StatusBadRequest,
	services.KindExpired:            fiber.StatusBadRequest,
	services.KindGatewayUnreachable: fiber.StatusInternalServerError,
	services.KindGatewayDeclined:    fiber.StatusBadRequest,
	services.KindPersistence:        fiber.StatusInternalServerError,
	services.KindDuplicateOrder:     fiber.StatusConflict,
}

// ErrorHandler turns errors returned by handlers into {"message": ...}
// responses. Internal details never reach the client.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var pe *services.PaymentError
	if errors.As(err, &pe) {
		status, ok := statusByKind[pe.Kind]
		if !ok {
			status = fiber.StatusInternalServerError
		}
		if status >= fiber.StatusInternalServerError {
			log.Printf("[HTTP] %s %s: %v", c.Method(), c.Path(), err)
		}
		return c.Status(status).JSON(fiber.Map{"success": false, "message": pe.Message})
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"success": false, "message": fe.Message})
	}

	log.Printf("[HTTP] %s %s: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": "internal server error"})
}

// bindJSON parses and validates a request body.
func bindJSON(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return fiber.NewError(fiber.StatusBadRequest, "missing or invalid fields: "+strings.Join(fields, ", "))
		}
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return nil
}

func parseUUIDParam(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func parseOptionalUUID(value, name string) (*uuid.UUID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}
