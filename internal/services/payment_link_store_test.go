package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/example/visadesk/internal/models"
)

func TestGenerateLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	link, err := env.links.Generate(ctx, NewLinkParams{Amount: decimal.RequireFromString("99.999"), TTL: time.Hour})
	require.NoError(t, err)
	require.Len(t, link.Token, 64)
	require.Equal(t, models.LinkStatusActive, link.Status)
	require.Equal(t, "USD", link.Currency)
	require.True(t, link.Amount.Equal(decimal.RequireFromString("100")))

	other, err := env.links.Generate(ctx, NewLinkParams{Amount: decimal.NewFromInt(5), TTL: time.Hour})
	require.NoError(t, err)
	require.NotEqual(t, link.Token, other.Token)

	_, err = env.links.Generate(ctx, NewLinkParams{Amount: decimal.Zero, TTL: time.Hour})
	require.True(t, IsKind(err, KindInvalidInput))
}

func TestFindByTokenMissing(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.links.FindByToken(context.Background(), "nope")
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestReserveIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	link := env.createLink(t, "10")

	first := *link
	second := *link

	won, err := env.links.Reserve(ctx, &first, "order-a", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	won, err = env.links.Reserve(ctx, &second, "order-b", time.Minute)
	require.NoError(t, err)
	require.False(t, won)

	stored := env.reloadLink(t, link.ID)
	require.Equal(t, models.LinkStatusReserved, stored.Status)
	require.Equal(t, "order-a", stored.ReservationOrderID)
}

func TestMarkUsedOnlyForReservationHolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	link := env.createLink(t, "10")

	require.ErrorIs(t, env.links.MarkUsed(ctx, nil, link.ID, "order-a"), ErrLinkNotReserved)

	won, err := env.links.Reserve(ctx, link, "order-a", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	require.ErrorIs(t, env.links.MarkUsed(ctx, nil, link.ID, "order-b"), ErrLinkNotReserved)
	require.NoError(t, env.links.MarkUsed(ctx, nil, link.ID, "order-a"))
	require.ErrorIs(t, env.links.MarkUsed(ctx, nil, link.ID, "order-a"), ErrLinkNotReserved)

	stored := env.reloadLink(t, link.ID)
	require.Equal(t, models.LinkStatusUsed, stored.Status)
	require.NotNil(t, stored.UsedAt)
}

func TestReleaseReturnsLinkToActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	link := env.createLink(t, "10")

	won, err := env.links.Reserve(ctx, link, "order-a", time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	// A stale attempt cannot release someone else's reservation.
	require.NoError(t, env.links.Release(ctx, link.ID, "order-b"))
	require.Equal(t, models.LinkStatusReserved, env.reloadLink(t, link.ID).Status)

	require.NoError(t, env.links.Release(ctx, link.ID, "order-a"))
	stored := env.reloadLink(t, link.ID)
	require.Equal(t, models.LinkStatusActive, stored.Status)
	require.Empty(t, stored.ReservationOrderID)
	require.Nil(t, stored.ReservedUntil)
}

func TestExpireLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	link := env.createLink(t, "10")

	expired, err := env.links.Expire(ctx, link.Token)
	require.NoError(t, err)
	require.Equal(t, models.LinkStatusExpired, expired.Status)

	_, err = env.links.Expire(ctx, link.Token)
	require.True(t, IsKind(err, KindStateConflict))

	_, err = env.links.Expire(ctx, "missing")
	require.True(t, IsKind(err, KindNotFound))
}

func TestExpireOverdue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	fresh := env.createLink(t, "10")
	stale := env.createLink(t, "20")

	env.links.now = func() time.Time { return time.Now().UTC().Add(30 * time.Minute) }
	require.NoError(t, env.db.Model(&models.PaymentLink{}).
		Where("id = ?", stale.ID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error)

	n, err := env.links.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Equal(t, models.LinkStatusExpired, env.reloadLink(t, stale.ID).Status)
	require.Equal(t, models.LinkStatusActive, env.reloadLink(t, fresh.ID).Status)
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Now().UTC()
	link := models.PaymentLink{Status: models.LinkStatusActive, ExpiresAt: now.Add(-time.Second)}
	require.Equal(t, models.LinkStatusExpired, link.EffectiveStatus(now))

	link.Status = models.LinkStatusUsed
	require.Equal(t, models.LinkStatusUsed, link.EffectiveStatus(now))
}
