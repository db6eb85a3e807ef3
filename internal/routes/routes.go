package routes

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/example/visadesk/internal/config"
	"github.com/example/visadesk/internal/handlers"
	"github.com/example/visadesk/internal/middleware"
	"github.com/example/visadesk/internal/services"
)

// Services are the domain services the HTTP layer delegates to.
type Services struct {
	Engine *services.PaymentEngine
	Links  *services.PaymentLinkStore
	Ledger *services.Ledger
	Query  *services.CaseQueryService
}

// Register wires up all HTTP routes.
func Register(app *fiber.App, db *gorm.DB, cfg *config.Config, svc Services) {
	authHandler := handlers.NewAuthHandler(db, cfg.JWTSecret, cfg.TokenExpires)
	linkHandler := handlers.NewPaymentLinkHandler(svc.Engine, svc.Links, cfg.PaymentLinkTTL)
	caseHandler := handlers.NewCaseHandler(svc.Engine, svc.Query)
	txnHandler := handlers.NewTransactionHandler(svc.Engine, svc.Ledger)

	api := app.Group("/api")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Auth routes
	auth := api.Group("/auth")
	auth.Post("/login", authHandler.Login)

	// Public payment link routes; the token is the credential.
	links := api.Group("/payment-links")
	links.Post("/pay", linkHandler.Pay)
	links.Get("/:token", linkHandler.Lookup)

	// Admin routes
	admin := middleware.AuthMiddleware(cfg.JWTSecret)

	links.Post("/", admin, linkHandler.Generate)
	links.Post("/:token/expire", admin, linkHandler.Expire)

	cases := api.Group("/cases", admin)
	cases.Get("/:id/quote", caseHandler.Quote)
	cases.Post("/:id/payments", caseHandler.Pay)
	cases.Post("/:id/extra-charges", caseHandler.ExtraCharge)
	cases.Post("/:id/service-level", caseHandler.ChangeServiceLevel)
	cases.Get("/:id/transactions", caseHandler.Transactions)

	transactions := api.Group("/transactions", admin)
	transactions.Get("/", txnHandler.List)
	transactions.Post("/:id/refund", txnHandler.Refund)
	transactions.Post("/:id/void", txnHandler.Void)
}
