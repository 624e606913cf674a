/**
 * @description
 * This file implements token grant issuance: the lazy daily free grant,
 * purchased-pack grants, and admin adjustments. All grants are idempotent on
 * the (user, source, reference) natural key, so retries and concurrent
 * requests converge on a single pool.
 */
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/personaforge/token-ledger-service/internal/domain"
	"github.com/personaforge/token-ledger-service/internal/store"
)

// freeDailyReference returns the natural key of the free grant for the UTC day
// containing t, e.g. "free_daily:2026-08-31".
func freeDailyReference(t time.Time) string {
	return "free_daily:" + t.UTC().Format("2006-01-02")
}

// periodReference returns the natural key of the subscription pool for a
// billing period starting at the given instant.
func periodReference(periodStart time.Time) string {
	return fmt.Sprintf("sub:%d", periodStart.UTC().Unix())
}

// EnsureFreeDaily issues today's free token grant if the user does not have it
// yet. The grant expires at the end of the UTC day. Safe to call on every
// read; the natural key makes replays no-ops.
func (s *Service) EnsureFreeDaily(ctx context.Context, userID uuid.UUID) error {
	if s.freeDailyAmount <= 0 {
		return nil
	}

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	pool, created, err := s.repo.CreatePoolWithEntry(ctx, store.GrantSpec{
		UserID:      userID,
		SourceType:  domain.SourceFree,
		Amount:      s.freeDailyAmount,
		ExpiresAt:   &dayEnd,
		ReferenceID: freeDailyReference(now),
	})
	if err != nil {
		return err
	}
	if created {
		s.publishGranted(ctx, userID, pool)
	}
	return nil
}

// GrantPurchased credits a purchased token pack. Purchased tokens never
// expire. The referenceID is the external payment identifier and doubles as
// the idempotency key.
func (s *Service) GrantPurchased(ctx context.Context, userID uuid.UUID, amount int64, referenceID string) (*domain.TokenPool, bool, error) {
	if amount <= 0 || referenceID == "" {
		return nil, false, ErrInvalidGrant
	}

	pool, created, err := s.repo.CreatePoolWithEntry(ctx, store.GrantSpec{
		UserID:      userID,
		SourceType:  domain.SourcePurchase,
		Amount:      amount,
		ReferenceID: referenceID,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publishGranted(ctx, userID, pool)
	}
	return pool, created, nil
}

// GrantAdmin credits a manual adjustment pool. Admin tokens never expire. The
// optional note is recorded on the grant's ledger entry.
func (s *Service) GrantAdmin(ctx context.Context, userID uuid.UUID, amount int64, referenceID string, note *string) (*domain.TokenPool, bool, error) {
	if amount <= 0 || referenceID == "" {
		return nil, false, ErrInvalidGrant
	}

	var metadata json.RawMessage
	if note != nil && *note != "" {
		raw, err := json.Marshal(struct {
			Note string `json:"note"`
		}{Note: *note})
		if err != nil {
			return nil, false, err
		}
		metadata = raw
	}

	pool, created, err := s.repo.CreatePoolWithEntry(ctx, store.GrantSpec{
		UserID:      userID,
		SourceType:  domain.SourceAdmin,
		Amount:      amount,
		ReferenceID: referenceID,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publishGranted(ctx, userID, pool)
	}
	return pool, created, nil
}

// Grant dispatches an internal grant request to the matching grant path. Only
// purchase and admin sources may be granted through the internal API; free and
// subscription pools are owned by the service itself.
func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (*domain.TokenPool, bool, error) {
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: malformed user id", ErrInvalidGrant)
	}

	switch req.SourceType {
	case domain.SourcePurchase:
		return s.GrantPurchased(ctx, userID, req.Amount, req.ReferenceID)
	case domain.SourceAdmin:
		return s.GrantAdmin(ctx, userID, req.Amount, req.ReferenceID, req.Note)
	default:
		return nil, false, fmt.Errorf("%w: source type %q cannot be granted externally", ErrInvalidGrant, req.SourceType)
	}
}

// grantSubscriptionPeriod issues the token pool for a billing period. When a
// prior period start is supplied and the prior plan allowed rollover, unspent
// tokens carry over up to the configured cap.
func (s *Service) grantSubscriptionPeriod(ctx context.Context, userID uuid.UUID, plan string, periodStart, periodEnd time.Time, priorPeriodStart *time.Time, priorRollover bool) (*domain.TokenPool, bool, error) {
	base, ok := domain.SubscriptionTokens[plan]
	if !ok {
		return nil, false, ErrUnknownPlan
	}
	if base <= 0 {
		return nil, false, nil
	}

	params := store.SubscriptionGrantParams{
		UserID:           userID,
		Plan:             plan,
		BaseAmount:       base,
		PeriodEnd:        periodEnd,
		RolloverEligible: plan == domain.PlanPro,
		ReferenceID:      periodReference(periodStart),
		Now:              time.Now().UTC(),
	}
	if priorPeriodStart != nil && priorRollover {
		params.PriorReferenceID = periodReference(*priorPeriodStart)
		params.RolloverCap = s.rolloverCap
	}

	pool, created, err := s.repo.GrantSubscriptionTokens(ctx, params)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publishGranted(ctx, userID, pool)
	}
	return pool, created, nil
}
