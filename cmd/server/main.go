package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/example/visadesk/internal/config"
	"github.com/example/visadesk/internal/database"
	"github.com/example/visadesk/internal/handlers"
	"github.com/example/visadesk/internal/kafka"
	"github.com/example/visadesk/internal/routes"
	"github.com/example/visadesk/internal/services"
)

func main() {
	cfg := config.Load()
	db := database.Connect(cfg.DatabaseURL)

	if err := database.Seed(db, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		log.Fatalf("database seed failed: %v", err)
	}

	gateway, err := services.NewHTTPGateway(cfg.GatewayURL, cfg.GatewaySecurityKey, cfg.GatewayTimeout)
	if err != nil {
		log.Fatalf("gateway setup failed: %v", err)
	}

	telegramService := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat)

	events := services.NoopPublisher()
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, 5)
		if err != nil {
			log.Printf("[Kafka] disabled: %v", err)
		} else {
			defer producer.Close()
			events = producer
		}
	}

	links := services.NewPaymentLinkStore(db)
	ledger := services.NewLedger(db)
	engine := services.NewPaymentEngine(db, links, ledger, gateway, telegramService, events, services.EngineOptions{
		ReservationTTL: cfg.ReservationTTL,
	})
	query := services.NewCaseQueryService(db, ledger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := services.NewReconciliationSweeper(db, links, ledger, telegramService, cfg.ReservationTTL)
	go sweeper.Run(ctx, cfg.SweepInterval)

	app := fiber.New(fiber.Config{
		AppName:      "Visadesk Payments",
		ErrorHandler: handlers.ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	routes.Register(app, db, cfg, routes.Services{
		Engine: engine,
		Links:  links,
		Ledger: ledger,
		Query:  query,
	})

	go func() {
		<-ctx.Done()
		log.Println("Shutting down server")
		if err := app.Shutdown(); err != nil {
			log.Printf("fiber.Shutdown error: %v", err)
		}
	}()

	log.Printf("Starting server on :%s", cfg.AppPort)
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.Fatalf("fiber.Listen error: %v", err)
	}
}
