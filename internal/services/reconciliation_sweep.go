package services

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/example/visadesk/internal/models"
)

// SweepReport counts what one sweep pass did.
type SweepReport struct {
	Released  int
	Completed int
	Escalated int
	Expired   int64
	Unlocked  int
}

// ReconciliationSweeper repairs link and case state left behind by attempts
// that did not finish cleanly.
type ReconciliationSweeper struct {
	db       *gorm.DB
	links    *PaymentLinkStore
	ledger   *Ledger
	notifier Notifier
	ttl      time.Duration
	now      func() time.Time
	alerted  map[string]bool
}

func NewReconciliationSweeper(db *gorm.DB, links *PaymentLinkStore, ledger *Ledger, notifier Notifier, reservationTTL time.Duration) *ReconciliationSweeper {
	return &ReconciliationSweeper{
		db:       db,
		links:    links,
		ledger:   ledger,
		notifier: notifier,
		ttl:      reservationTTL,
		now:      utcNow,
		alerted:  make(map[string]bool),
	}
}

// Run sweeps every interval until ctx is done.
func (s *ReconciliationSweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.SweepOnce(ctx)
			if err != nil {
				log.Printf("[Sweep] pass failed: %v", err)
				continue
			}
			if report != (SweepReport{}) {
				log.Printf("[Sweep] released=%d completed=%d escalated=%d expired=%d unlocked=%d",
					report.Released, report.Completed, report.Escalated, report.Expired, report.Unlocked)
			}
		}
	}
}

// SweepOnce performs a single pass.
func (s *ReconciliationSweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	reserved, err := s.links.ListReserved(ctx)
	if err != nil {
		return report, err
	}

	now := s.now()
	for i := range reserved {
		link := &reserved[i]
		if link.ReservedUntil != nil && now.Before(*link.ReservedUntil) {
			continue
		}

		attempt, err := s.ledger.FindByOrderID(ctx, link.ReservationOrderID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return report, err
		}

		switch {
		case attempt == nil || attempt.Status == models.TransactionStatusFailed:
			// Nothing was charged; give the link back.
			if err := s.links.Release(ctx, link.ID, link.ReservationOrderID); err != nil {
				return report, err
			}
			report.Released++
		case attempt.Status == models.TransactionStatusSuccess:
			if err := s.links.MarkUsed(ctx, nil, link.ID, link.ReservationOrderID); err != nil && !errors.Is(err, ErrLinkNotReserved) {
				return report, err
			}
			report.Completed++
		default:
			// The gateway may have charged the card; a human has to decide.
			if s.escalate(attempt, link.Token) {
				report.Escalated++
			}
		}
	}

	stale, err := s.escalateStalePending(ctx, now)
	report.Escalated += stale
	if err != nil {
		return report, err
	}

	if report.Unlocked, err = s.unlockStaleCases(ctx); err != nil {
		return report, err
	}

	if report.Expired, err = s.links.ExpireOverdue(ctx); err != nil {
		return report, err
	}

	return report, nil
}

func (s *ReconciliationSweeper) escalate(attempt *models.Transaction, token string) bool {
	if s.alerted[attempt.OrderID] {
		return false
	}
	s.alerted[attempt.OrderID] = true

	log.Printf("[Sweep] PERSISTENCE order=%s type=%s link=%s still pending after reservation timeout",
		attempt.OrderID, attempt.TransactionType, token)
	if s.notifier != nil {
		if err := s.notifier.NotifyPersistenceFailure(PersistenceFailureNotification{
			OrderID:          attempt.OrderID,
			PaymentLinkToken: token,
			Amount:           attempt.Amount,
			Reason:           "attempt still pending after reservation timeout",
		}); err != nil {
			log.Printf("[Sweep] alert for %s failed: %v", attempt.OrderID, err)
		}
	}
	return true
}

// escalateStalePending reports attempts still pending past the reservation
// TTL that no reserved link accounts for, such as case charges whose commit
// failed after the gateway approved them.
func (s *ReconciliationSweeper) escalateStalePending(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.ledger.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for i := range pending {
		attempt := &pending[i]
		if now.Sub(attempt.CreatedAt) < s.ttl {
			continue
		}

		token := ""
		if attempt.PaymentLinkID != nil {
			var link models.PaymentLink
			err := s.db.WithContext(ctx).First(&link, "id = ?", *attempt.PaymentLinkID).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return escalated, err
			}
			if err == nil {
				if link.Status == models.LinkStatusReserved && link.ReservationOrderID == attempt.OrderID {
					continue
				}
				token = link.Token
			}
		}

		if s.escalate(attempt, token) {
			escalated++
		}
	}
	return escalated, nil
}

// unlockStaleCases clears the in-flight flag of cases whose holder crashed:
// flagged for longer than the reservation TTL with no pending entry left.
func (s *ReconciliationSweeper) unlockStaleCases(ctx context.Context) (int, error) {
	var cases []models.Case
	if err := s.db.WithContext(ctx).
		Select("id", "updated_at").
		Where("payment_in_flight = ?", true).
		Find(&cases).Error; err != nil {
		return 0, err
	}

	unlocked := 0
	now := s.now()
	for _, c := range cases {
		if now.Sub(c.UpdatedAt) < s.ttl {
			continue
		}
		var pending int64
		if err := s.db.WithContext(ctx).Model(&models.Transaction{}).
			Where("case_id = ? AND status = ?", c.ID, models.TransactionStatusPending).
			Count(&pending).Error; err != nil {
			return unlocked, err
		}
		if pending > 0 {
			continue
		}
		if err := s.db.WithContext(ctx).Model(&models.Case{}).
			Where("id = ? AND payment_in_flight = ?", c.ID, true).
			Update("payment_in_flight", false).Error; err != nil {
			return unlocked, err
		}
		unlocked++
	}
	return unlocked, nil
}
