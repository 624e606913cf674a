/**
 * @description
 * This file implements subscription plan lifecycle operations: plan changes
 * (immediate upgrades and deferred downgrades), cancellation, reactivation,
 * and the period renewal pass run by the scheduler.
 *
 * Key behaviors:
 * - Upgrades take effect immediately: a fresh 30-day period starts, the full
 *   allotment of the new plan is granted, and a prorated charge is computed
 *   for the unused remainder of the old period.
 * - Downgrades are deferred to the end of the current period unless the target
 *   is 'free' and the caller requested an immediate drop.
 * - Renewal grants the new period's tokens before persisting the subscription
 *   row, so a crashed renewal retries safely: the grant is idempotent on the
 *   period reference.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/personaforge/token-ledger-service/internal/domain"
	"github.com/personaforge/token-ledger-service/internal/store"
)

// GetSubscription returns the user's subscription, defaulting to an inactive
// free-plan record if none exists yet. The default is persisted so later
// operations can update it in place.
func (s *Service) GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.repo.GetSubscriptionByUserID(ctx, userID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	sub = &domain.Subscription{
		UserID:             userID,
		Plan:               domain.PlanFree,
		Status:             domain.SubscriptionInactive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.Add(domain.SubscriptionPeriodDays * 24 * time.Hour),
	}
	persisted, err := s.repo.UpsertSubscription(ctx, sub)
	if err != nil {
		return nil, err
	}
	return persisted, nil
}

// ChangePlan moves the user to a different plan. Upgrades are applied
// immediately with a prorated charge; downgrades are scheduled for the period
// boundary unless an immediate drop to the free plan is requested.
func (s *Service) ChangePlan(ctx context.Context, userID uuid.UUID, req domain.ChangePlanRequest) (*domain.PlanTransition, *domain.Subscription, error) {
	newRank, ok := domain.PlanRank(req.NewPlan)
	if !ok {
		return nil, nil, ErrUnknownPlan
	}

	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if sub.Plan == req.NewPlan {
		return nil, nil, ErrSamePlan
	}
	currentRank, _ := domain.PlanRank(sub.Plan)

	now := time.Now().UTC()

	if newRank > currentRank {
		return s.applyUpgrade(ctx, sub, req.NewPlan, now)
	}
	if req.Immediate && req.NewPlan == domain.PlanFree {
		return s.applyImmediateDropToFree(ctx, sub, now)
	}
	return s.scheduleDowngrade(ctx, sub, req.NewPlan, now)
}

func (s *Service) applyUpgrade(ctx context.Context, sub *domain.Subscription, newPlan string, now time.Time) (*domain.PlanTransition, *domain.Subscription, error) {
	proration := prorationAmount(sub.Plan, newPlan, sub.CurrentPeriodEnd, now)

	periodStart := now
	periodEnd := now.Add(domain.SubscriptionPeriodDays * 24 * time.Hour)

	updated := *sub
	updated.Plan = newPlan
	updated.Status = domain.SubscriptionActive
	updated.CurrentPeriodStart = periodStart
	updated.CurrentPeriodEnd = periodEnd
	updated.CancelAtPeriodEnd = false
	updated.PendingPlan = nil
	updated.PendingPlanEffectiveDate = nil

	transition := &domain.PlanTransition{
		ID:              uuid.New(),
		UserID:          sub.UserID,
		FromPlan:        sub.Plan,
		ToPlan:          newPlan,
		Kind:            domain.TransitionUpgrade,
		ProrationAmount: proration,
		EffectiveAt:     now,
	}

	grant := &store.GrantSpec{
		UserID:           sub.UserID,
		SourceType:       domain.SourceSubscription,
		Amount:           domain.SubscriptionTokens[newPlan],
		ExpiresAt:        &periodEnd,
		RolloverEligible: newPlan == domain.PlanPro,
		ReferenceID:      periodReference(periodStart),
	}

	if err := s.repo.ChangePlanAtomic(ctx, &updated, transition, grant); err != nil {
		return nil, nil, fmt.Errorf("failed to apply upgrade to %s: %w", newPlan, err)
	}

	s.publishPlanChanged(ctx, sub.UserID, transition)
	return transition, &updated, nil
}

func (s *Service) applyImmediateDropToFree(ctx context.Context, sub *domain.Subscription, now time.Time) (*domain.PlanTransition, *domain.Subscription, error) {
	updated := *sub
	updated.Plan = domain.PlanFree
	updated.Status = domain.SubscriptionInactive
	updated.CancelAtPeriodEnd = false
	updated.PendingPlan = nil
	updated.PendingPlanEffectiveDate = nil

	transition := &domain.PlanTransition{
		ID:          uuid.New(),
		UserID:      sub.UserID,
		FromPlan:    sub.Plan,
		ToPlan:      domain.PlanFree,
		Kind:        domain.TransitionDowngrade,
		EffectiveAt: now,
	}

	// No grant: already-issued subscription pools keep their original expiry.
	if err := s.repo.ChangePlanAtomic(ctx, &updated, transition, nil); err != nil {
		return nil, nil, fmt.Errorf("failed to drop to free plan: %w", err)
	}

	s.publishPlanChanged(ctx, sub.UserID, transition)
	return transition, &updated, nil
}

func (s *Service) scheduleDowngrade(ctx context.Context, sub *domain.Subscription, newPlan string, now time.Time) (*domain.PlanTransition, *domain.Subscription, error) {
	effective := sub.CurrentPeriodEnd

	updated := *sub
	pending := newPlan
	updated.PendingPlan = &pending
	updated.PendingPlanEffectiveDate = &effective

	transition := &domain.PlanTransition{
		ID:          uuid.New(),
		UserID:      sub.UserID,
		FromPlan:    sub.Plan,
		ToPlan:      newPlan,
		Kind:        domain.TransitionScheduledDowngrade,
		EffectiveAt: effective,
	}

	if err := s.repo.ChangePlanAtomic(ctx, &updated, transition, nil); err != nil {
		return nil, nil, fmt.Errorf("failed to schedule downgrade to %s: %w", newPlan, err)
	}

	s.publishPlanChanged(ctx, sub.UserID, transition)
	return transition, &updated, nil
}

// CancelSubscription marks the subscription to lapse at the end of the current
// period. Tokens already granted keep their expiry.
func (s *Service) CancelSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	if _, err := s.GetSubscription(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.SetCancelAtPeriodEnd(ctx, userID, true)
}

// ReactivateSubscription clears a pending cancellation. It fails once the
// period has already ended; at that point the user must change plans instead.
func (s *Service) ReactivateSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.GetSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sub.CurrentPeriodEnd.After(time.Now().UTC()) {
		return nil, ErrSubscriptionExpired
	}
	return s.repo.SetCancelAtPeriodEnd(ctx, userID, false)
}

// RunPeriodRollover advances every subscription whose period has ended. Each
// subscription resolves its next plan (a pending downgrade, a cancellation
// lapse to free, or a straight renewal), gets the new period's token grant,
// and has its row moved to the new period. Returns the number of
// subscriptions processed.
func (s *Service) RunPeriodRollover(ctx context.Context, batchSize int) (int, error) {
	now := time.Now().UTC()
	due, err := s.repo.FindSubscriptionsDueForRenewal(ctx, now, batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range due {
		if err := s.renewSubscription(ctx, &due[i], now); err != nil {
			return processed, fmt.Errorf("failed to renew subscription for user %s: %w", due[i].UserID, err)
		}
		processed++
	}
	return processed, nil
}

func (s *Service) renewSubscription(ctx context.Context, sub *domain.Subscription, now time.Time) error {
	nextPlan := sub.Plan
	kind := ""
	switch {
	case sub.PendingPlan != nil:
		nextPlan = *sub.PendingPlan
		kind = domain.TransitionDowngrade
	case sub.CancelAtPeriodEnd:
		nextPlan = domain.PlanFree
		kind = domain.TransitionDowngrade
	}

	// Consecutive missed sweeps still produce contiguous periods anchored at
	// the old boundary, not at sweep time.
	periodStart := sub.CurrentPeriodEnd
	periodEnd := periodStart.Add(domain.SubscriptionPeriodDays * 24 * time.Hour)

	if nextPlan != domain.PlanFree {
		priorStart := sub.CurrentPeriodStart
		priorRollover := sub.Plan == domain.PlanPro && nextPlan == sub.Plan
		if _, _, err := s.grantSubscriptionPeriod(ctx, sub.UserID, nextPlan, periodStart, periodEnd, &priorStart, priorRollover); err != nil {
			return err
		}
	}

	updated := *sub
	updated.Plan = nextPlan
	updated.CurrentPeriodStart = periodStart
	updated.CurrentPeriodEnd = periodEnd
	updated.CancelAtPeriodEnd = false
	updated.PendingPlan = nil
	updated.PendingPlanEffectiveDate = nil
	if nextPlan == domain.PlanFree {
		updated.Status = domain.SubscriptionInactive
	} else {
		updated.Status = domain.SubscriptionActive
	}
	if _, err := s.repo.UpsertSubscription(ctx, &updated); err != nil {
		return err
	}

	if kind != "" {
		transition := &domain.PlanTransition{
			ID:          uuid.New(),
			UserID:      sub.UserID,
			FromPlan:    sub.Plan,
			ToPlan:      nextPlan,
			Kind:        kind,
			EffectiveAt: periodStart,
		}
		if err := s.repo.RecordPlanTransition(ctx, transition); err != nil {
			return err
		}
		s.publishPlanChanged(ctx, sub.UserID, transition)
	}
	return nil
}

// prorationAmount computes the upgrade charge in cents for the unused portion
// of the current period: (newPrice - oldPrice) * daysRemaining / periodDays,
// clamped to a non-negative value.
func prorationAmount(currentPlan, newPlan string, periodEnd, now time.Time) int64 {
	oldPrice := domain.PlanPrices[currentPlan]
	newPrice := domain.PlanPrices[newPlan]
	if newPrice <= oldPrice {
		return 0
	}

	daysRemaining := int64(periodEnd.Sub(now).Hours() / 24)
	if daysRemaining < 0 {
		daysRemaining = 0
	}
	if daysRemaining > domain.SubscriptionPeriodDays {
		daysRemaining = domain.SubscriptionPeriodDays
	}
	return (newPrice - oldPrice) * daysRemaining / domain.SubscriptionPeriodDays
}
