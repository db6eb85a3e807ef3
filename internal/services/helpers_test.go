package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/visadesk/internal/database"
	"github.com/example/visadesk/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), database.GormConfig(logger.Silent))
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	require.NoError(t, database.Seed(db, "", ""))
	return db
}

// fakeGateway returns canned raw responses and records every call.
type fakeGateway struct {
	mu       sync.Mutex
	sale     string
	refund   string
	void     string
	err      error
	delay    time.Duration
	onSale   func()
	sales    []SaleRequest
	refunds  []decimal.Decimal
	voids    []string
	lastCtxs []context.Context
}

func (g *fakeGateway) Sale(ctx context.Context, req SaleRequest) (GatewayResult, error) {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.onSale != nil {
		g.onSale()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sales = append(g.sales, req)
	g.lastCtxs = append(g.lastCtxs, ctx)
	if g.err != nil {
		return GatewayResult{}, g.err
	}
	return DecodeGatewayResponse(g.sale), nil
}

func (g *fakeGateway) Refund(ctx context.Context, id string, amount decimal.Decimal) (GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, amount)
	if g.err != nil {
		return GatewayResult{}, g.err
	}
	return DecodeGatewayResponse(g.refund), nil
}

func (g *fakeGateway) Void(ctx context.Context, id string) (GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.voids = append(g.voids, id)
	if g.err != nil {
		return GatewayResult{}, g.err
	}
	return DecodeGatewayResponse(g.void), nil
}

func (g *fakeGateway) saleCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sales)
}

type fakeNotifier struct {
	mu          sync.Mutex
	successes   []PaymentSuccessNotification
	persistence []PersistenceFailureNotification
}

func (n *fakeNotifier) NotifyPaymentSuccess(p PaymentSuccessNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, p)
	return nil
}

func (n *fakeNotifier) NotifyPersistenceFailure(p PersistenceFailureNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.persistence = append(n.persistence, p)
	return nil
}

func (n *fakeNotifier) persistenceCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.persistence)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []PaymentEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

type testEnv struct {
	db        *gorm.DB
	links     *PaymentLinkStore
	ledger    *Ledger
	gateway   *fakeGateway
	notifier  *fakeNotifier
	publisher *recordingPublisher
	engine    *PaymentEngine
}

const (
	approved = "response=1&responsetext=Approved&authcode=123456&transactionid=tx1&response_code=100"
	declined = "response=2&responsetext=Card Declined&transactionid=&response_code=200"
)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	env := &testEnv{
		db:        db,
		links:     NewPaymentLinkStore(db),
		ledger:    NewLedger(db),
		gateway:   &fakeGateway{sale: approved, refund: "response=1&responsetext=SUCCESS&transactionid=rf1", void: "response=1&responsetext=Transaction Void Successful&transactionid=vd1"},
		notifier:  &fakeNotifier{},
		publisher: &recordingPublisher{},
	}
	env.engine = NewPaymentEngine(db, env.links, env.ledger, env.gateway, env.notifier, env.publisher, EngineOptions{
		PersistRetries: 2,
		PersistBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	return env
}

func validBilling() BillingInfo {
	return BillingInfo{
		CardNumber:     "4111 1111 1111 1111",
		ExpirationDate: "12/30",
		CVV:            "123",
		FirstName:      "Jane",
		LastName:       "Doe",
		Address:        "1 Main St",
		City:           "Springfield",
		State:          "IL",
		ZipCode:        "62701",
		Email:          "jane@example.com",
	}
}

func (env *testEnv) createLink(t *testing.T, amount string) *models.PaymentLink {
	t.Helper()
	link, err := env.links.Generate(context.Background(), NewLinkParams{
		Amount: decimal.RequireFromString(amount),
		TTL:    time.Hour,
	})
	require.NoError(t, err)
	return link
}

func (env *testEnv) reloadLink(t *testing.T, id uuid.UUID) models.PaymentLink {
	t.Helper()
	var link models.PaymentLink
	require.NoError(t, env.db.First(&link, "id = ?", id).Error)
	return link
}

func (env *testEnv) countTransactions(t *testing.T, where ...any) int64 {
	t.Helper()
	var count int64
	q := env.db.Model(&models.Transaction{})
	if len(where) > 0 {
		q = q.Where(where[0], where[1:]...)
	}
	require.NoError(t, q.Count(&count).Error)
	return count
}

type caseFixture struct {
	caseID    uuid.UUID
	levelID   uuid.UUID
	typeID    uuid.UUID
	shippingA models.ShippingOption
}

// createCase seeds a case priced at 100 + 25 service fee + 10 location fee +
// 15 shipping - 5 discount = 145.
func (env *testEnv) createCase(t *testing.T) caseFixture {
	t.Helper()

	serviceType := models.ServiceType{Name: "Passport renewal " + uuid.NewString()[:8]}
	require.NoError(t, env.db.Create(&serviceType).Error)

	level := models.ServiceLevel{
		ServiceTypeID:    serviceType.ID,
		Name:             "Standard",
		Price:            decimal.NewFromInt(100),
		ServiceFee:       decimal.NewFromInt(25),
		NonRefundableFee: decimal.NewFromInt(20),
	}
	require.NoError(t, env.db.Create(&level).Error)

	location := models.ProcessingLocation{Name: "Washington DC", ProcessingFee: decimal.NewFromInt(10)}
	require.NoError(t, env.db.Create(&location).Error)

	shipping := models.ShippingOption{Title: "Express return " + uuid.NewString()[:8], Price: decimal.NewFromInt(15), Active: true}
	require.NoError(t, env.db.Create(&shipping).Error)

	c := models.Case{
		CaseNumber:           "C-" + uuid.NewString()[:8],
		ApplicantName:        "Jane Doe",
		ApplicantEmail:       "jane@example.com",
		ServiceTypeID:        &serviceType.ID,
		ServiceLevelID:       &level.ID,
		ProcessingLocationID: &location.ID,
		Discount:             decimal.NewFromInt(5),
		PaymentStatus:        models.CasePaymentUnpaid,
	}
	c.SetShippingOptions([]string{shipping.ID.String()})
	require.NoError(t, env.db.Create(&c).Error)

	return caseFixture{caseID: c.ID, levelID: level.ID, typeID: serviceType.ID, shippingA: shipping}
}

func (env *testEnv) reloadCase(t *testing.T, id uuid.UUID) models.Case {
	t.Helper()
	var c models.Case
	require.NoError(t, env.db.First(&c, "id = ?", id).Error)
	return c
}

// failLedgerUpdates makes every update of the transactions table fail while
// the returned flag is set.
func (env *testEnv) failLedgerUpdates(t *testing.T) *bool {
	t.Helper()
	failing := new(bool)
	require.NoError(t, env.db.Callback().Update().Before("gorm:update").Register("test:fail_ledger_updates", func(tx *gorm.DB) {
		if *failing && tx.Statement.Table == "transactions" {
			tx.AddError(errors.New("ledger unavailable"))
		}
	}))
	return failing
}
