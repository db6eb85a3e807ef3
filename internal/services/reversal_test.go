package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/example/visadesk/internal/models"
)

func payCase(t *testing.T, env *testEnv, fx caseFixture) *models.Transaction {
	t.Helper()
	out, err := env.engine.PayCase(context.Background(), CasePaymentRequest{CaseID: fx.caseID, Billing: validBilling()})
	require.NoError(t, err)
	txn, err := env.ledger.FindByOrderID(context.Background(), out.OrderID)
	require.NoError(t, err)
	return txn
}

func TestRefundPartialThenFull(t *testing.T) {
	env := newTestEnv(t)
	fx := env.createCase(t)
	paid := payCase(t, env, fx)
	ctx := context.Background()

	out, err := env.engine.Refund(ctx, RefundRequest{TransactionID: paid.ID, Amount: decimal.NewFromInt(25)})
	require.NoError(t, err)
	require.Equal(t, "Refund successful", out.Message)
	require.Equal(t, "rf1", out.TransactionID)
	require.True(t, out.ReturnedAmount.Equal(decimal.NewFromInt(25)))
	require.Equal(t, models.CasePaymentPaid, env.reloadCase(t, fx.caseID).PaymentStatus)

	// 145 charged, 20 non-refundable, 25 already returned.
	_, err = env.engine.Refund(ctx, RefundRequest{TransactionID: paid.ID, Amount: decimal.NewFromInt(101)})
	require.True(t, IsKind(err, KindInvalidInput))

	out, err = env.engine.Refund(ctx, RefundRequest{TransactionID: paid.ID})
	require.NoError(t, err)
	require.True(t, out.Amount.Equal(decimal.NewFromInt(100)))
	require.Equal(t, models.CasePaymentRefunded, env.reloadCase(t, fx.caseID).PaymentStatus)

	orig, err := env.ledger.Get(ctx, paid.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReversalRefund, orig.RefundOrVoidStatus)
	require.True(t, orig.ReturnedAmount.Equal(decimal.NewFromInt(125)))

	_, err = env.engine.Refund(ctx, RefundRequest{TransactionID: paid.ID})
	require.True(t, IsKind(err, KindStateConflict))

	refunds, err := env.ledger.FindByCaseAndTypes(ctx, fx.caseID, []string{models.TransactionTypeRefund})
	require.NoError(t, err)
	require.Len(t, refunds, 2)
	for _, r := range refunds {
		require.Equal(t, paid.ID, *r.ParentID)
		require.Equal(t, models.TransactionStatusSuccess, r.Status)
	}
	require.Len(t, env.gateway.refunds, 2)
}

func TestVoid(t *testing.T) {
	env := newTestEnv(t)
	fx := env.createCase(t)
	paid := payCase(t, env, fx)
	ctx := context.Background()

	out, err := env.engine.Void(ctx, VoidRequest{TransactionID: paid.ID})
	require.NoError(t, err)
	require.Equal(t, "Void successful", out.Message)
	require.Equal(t, []string{"tx1"}, env.gateway.voids)

	orig, err := env.ledger.Get(ctx, paid.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReversalVoid, orig.RefundOrVoidStatus)
	require.True(t, orig.ReturnedAmount.Equal(orig.Amount))
	require.Equal(t, models.CasePaymentRefunded, env.reloadCase(t, fx.caseID).PaymentStatus)

	_, err = env.engine.Void(ctx, VoidRequest{TransactionID: paid.ID})
	require.True(t, IsKind(err, KindStateConflict))
	_, err = env.engine.Refund(ctx, RefundRequest{TransactionID: paid.ID})
	require.True(t, IsKind(err, KindStateConflict))
}

func TestVoidAfterRefundRejected(t *testing.T) {
	env := newTestEnv(t)
	fx := env.createCase(t)
	paid := payCase(t, env, fx)
	ctx := context.Background()

	_, err := env.engine.Refund(ctx, RefundRequest{TransactionID: paid.ID, Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	_, err = env.engine.Void(ctx, VoidRequest{TransactionID: paid.ID})
	require.True(t, IsKind(err, KindStateConflict))
	require.Empty(t, env.gateway.voids)
}

func TestRefundDeclinedLeavesOriginalUntouched(t *testing.T) {
	env := newTestEnv(t)
	fx := env.createCase(t)
	paid := payCase(t, env, fx)
	env.gateway.refund = "response=3&responsetext=Refund amount may not exceed the transaction balance"

	_, err := env.engine.Refund(context.Background(), RefundRequest{TransactionID: paid.ID, Amount: decimal.NewFromInt(5)})
	require.True(t, IsKind(err, KindGatewayDeclined))
	require.Equal(t, "Refund amount may not exceed the transaction balance", err.(*PaymentError).Message)

	orig, err := env.ledger.Get(context.Background(), paid.ID)
	require.NoError(t, err)
	require.True(t, orig.ReturnedAmount.IsZero())
	require.Equal(t, models.ReversalNone, orig.RefundOrVoidStatus)
	require.EqualValues(t, 1, env.countTransactions(t, "transaction_type = ? AND status = ?", models.TransactionTypeRefund, models.TransactionStatusFailed))
	require.False(t, env.reloadCase(t, fx.caseID).PaymentInFlight)
}

func TestRefundRejectsNonCharges(t *testing.T) {
	env := newTestEnv(t)
	fx := env.createCase(t)
	paid := payCase(t, env, fx)
	ctx := context.Background()

	out, err := env.engine.Refund(ctx, RefundRequest{TransactionID: paid.ID, Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	refund, err := env.ledger.FindByOrderID(ctx, out.OrderID)
	require.NoError(t, err)

	_, err = env.engine.Refund(ctx, RefundRequest{TransactionID: refund.ID})
	require.True(t, IsKind(err, KindStateConflict))

	_, err = env.engine.Refund(ctx, RefundRequest{TransactionID: uuid.New()})
	require.True(t, IsKind(err, KindNotFound))

	_, err = env.engine.Refund(ctx, RefundRequest{TransactionID: paid.ID, Amount: decimal.NewFromInt(-1)})
	require.True(t, IsKind(err, KindInvalidInput))
}

func TestChangeServiceLevelUnpaid(t *testing.T) {
	env := newTestEnv(t)
	fx := env.createCase(t)
	premium := env.createLevel(t, fx, "Premium", 180)

	res, err := env.engine.ChangeServiceLevel(context.Background(), ServiceLevelChangeRequest{CaseID: fx.caseID, ServiceLevelID: premium})
	require.NoError(t, err)
	require.Nil(t, res.Payment)
	require.Nil(t, res.Refund)
	require.Equal(t, premium, *env.reloadCase(t, fx.caseID).ServiceLevelID)
	require.Equal(t, 0, env.gateway.saleCount())
}

func TestChangeServiceLevelUpgradeCharges(t *testing.T) {
	env := newTestEnv(t)
	fx := env.createCase(t)
	payCase(t, env, fx)
	premium := env.createLevel(t, fx, "Premium", 180)
	ctx := context.Background()

	_, err := env.engine.ChangeServiceLevel(ctx, ServiceLevelChangeRequest{CaseID: fx.caseID, ServiceLevelID: premium})
	require.True(t, IsKind(err, KindInvalidInput))

	billing := validBilling()
	res, err := env.engine.ChangeServiceLevel(ctx, ServiceLevelChangeRequest{CaseID: fx.caseID, ServiceLevelID: premium, Billing: &billing})
	require.NoError(t, err)
	require.True(t, res.Difference.Equal(decimal.NewFromInt(55)))
	require.NotNil(t, res.Payment)
	require.True(t, res.Payment.Amount.Equal(decimal.NewFromInt(55)))
	require.Equal(t, premium, *env.reloadCase(t, fx.caseID).ServiceLevelID)
	require.EqualValues(t, 1, env.countTransactions(t, "transaction_type = ?", models.TransactionTypeServiceLevelPayment))
}

func TestChangeServiceLevelUpgradeDeclinedKeepsLevel(t *testing.T) {
	env := newTestEnv(t)
	fx := env.createCase(t)
	payCase(t, env, fx)
	premium := env.createLevel(t, fx, "Premium", 180)
	env.gateway.sale = declined

	billing := validBilling()
	_, err := env.engine.ChangeServiceLevel(context.Background(), ServiceLevelChangeRequest{CaseID: fx.caseID, ServiceLevelID: premium, Billing: &billing})
	require.True(t, IsKind(err, KindGatewayDeclined))
	require.Equal(t, fx.levelID, *env.reloadCase(t, fx.caseID).ServiceLevelID)
}

func TestChangeServiceLevelDowngradeRefunds(t *testing.T) {
	env := newTestEnv(t)
	fx := env.createCase(t)
	paid := payCase(t, env, fx)
	basic := env.createLevel(t, fx, "Basic", 95)

	res, err := env.engine.ChangeServiceLevel(context.Background(), ServiceLevelChangeRequest{CaseID: fx.caseID, ServiceLevelID: basic})
	require.NoError(t, err)
	require.True(t, res.Difference.Equal(decimal.NewFromInt(-30)))
	require.NotNil(t, res.Refund)
	require.True(t, res.Refund.Amount.Equal(decimal.NewFromInt(30)))
	require.Equal(t, basic, *env.reloadCase(t, fx.caseID).ServiceLevelID)

	refunds, err := env.ledger.FindByCaseAndTypes(context.Background(), fx.caseID, []string{models.TransactionTypeServiceLevelRefund})
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	require.Equal(t, paid.Card.Last4, refunds[0].Card.Last4)
}

// createLevel adds a service level of the fixture's service type whose price
// plus service fee equals total.
func (env *testEnv) createLevel(t *testing.T, fx caseFixture, name string, total int64) uuid.UUID {
	t.Helper()
	level := models.ServiceLevel{
		ServiceTypeID: fx.typeID,
		Name:          name,
		Price:         decimal.NewFromInt(total - 25),
		ServiceFee:    decimal.NewFromInt(25),
	}
	require.NoError(t, env.db.Create(&level).Error)
	return level.ID
}
