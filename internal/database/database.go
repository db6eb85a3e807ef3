package database

import (
	"database/sql"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/visadesk/internal/models"
	"github.com/example/visadesk/internal/utils"
)

var db *gorm.DB

// Connect initializes the database connection and runs migrations.
func Connect(dsn string) *gorm.DB {
	if db != nil {
		return db
	}

	if err := ensureDatabase(dsn); err != nil {
		log.Fatalf("failed to ensure database: %v", err)
	}

	conn, err := gorm.Open(postgres.Open(dsn), GormConfig(logger.Warn))
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := Migrate(conn); err != nil {
		log.Fatalf("database migration failed: %v", err)
	}

	db = conn
	return db
}

// DB exposes the initialized gorm.DB instance.
func DB() *gorm.DB {
	return db
}

// GormConfig is shared by the server and tests: UTC timestamps and translated
// driver errors so unique violations surface as gorm.ErrDuplicatedKey.
func GormConfig(level logger.LogLevel) *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Migrate creates or updates every table the service owns.
func Migrate(conn *gorm.DB) error {
	migrations := []interface{}{
		&models.AdminUser{},
		&models.ServiceType{},
		&models.ServiceLevel{},
		&models.CaseManager{},
		&models.ProcessingLocation{},
		&models.ShippingOption{},
		&models.PaymentProcessor{},
		&models.Case{},
		&models.PaymentLink{},
		&models.Transaction{},
	}

	for _, migration := range migrations {
		if err := conn.AutoMigrate(migration); err != nil {
			return err
		}
	}

	return nil
}

// Seed makes sure a default payment processor and the bootstrap admin exist.
func Seed(conn *gorm.DB, adminEmail, adminPassword string) error {
	var processor models.PaymentProcessor
	err := conn.Where("is_default = ?", true).First(&processor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		processor = models.PaymentProcessor{Name: "default-gateway", IsDefault: true, Active: true}
		if err := conn.Create(&processor).Error; err != nil {
			return err
		}
		log.Printf("seeded default payment processor %s", processor.ID)
	} else if err != nil {
		return err
	}

	adminEmail = strings.ToLower(strings.TrimSpace(adminEmail))
	if adminEmail == "" || adminPassword == "" {
		return nil
	}

	var count int64
	if err := conn.Model(&models.AdminUser{}).Where("email = ?", adminEmail).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := utils.HashPassword(adminPassword)
	if err != nil {
		return err
	}
	admin := models.AdminUser{Email: adminEmail, DisplayName: "Administrator", PasswordHash: hash, Active: true}
	if err := conn.Create(&admin).Error; err != nil {
		return err
	}
	log.Printf("seeded admin user %s", adminEmail)
	return nil
}

func ensureDatabase(dsn string) error {
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return err
	}

	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return nil
	}

	parsed.Path = "/postgres"
	masterDSN := parsed.String()

	sqlDB, err := sql.Open("postgres", masterDSN)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		return err
	}

	var exists bool
	if err := sqlDB.QueryRow("SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists); err != nil {
		return err
	}

	if exists {
		return nil
	}

	_, err = sqlDB.Exec("CREATE DATABASE " + pq.QuoteIdentifier(dbName))
	return err
}
