package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/personaforge/token-ledger-service/internal/domain"
	"github.com/personaforge/token-ledger-service/internal/store"
)

type subscriptionRepoStub struct {
	store.Repository

	sub    *domain.Subscription
	subErr error

	upserted    *domain.Subscription
	transitions []domain.PlanTransition

	atomicSub   *domain.Subscription
	atomicTr    *domain.PlanTransition
	atomicGrant *store.GrantSpec

	cancelFlag *bool

	due         []domain.Subscription
	renewGrants []store.SubscriptionGrantParams
}

func (s *subscriptionRepoStub) GetSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	if s.subErr != nil {
		return nil, s.subErr
	}
	copied := *s.sub
	return &copied, nil
}

func (s *subscriptionRepoStub) UpsertSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	copied := *sub
	s.upserted = &copied
	return &copied, nil
}

func (s *subscriptionRepoStub) SetCancelAtPeriodEnd(ctx context.Context, userID uuid.UUID, cancel bool) (*domain.Subscription, error) {
	s.cancelFlag = &cancel
	copied := *s.sub
	copied.CancelAtPeriodEnd = cancel
	return &copied, nil
}

func (s *subscriptionRepoStub) RecordPlanTransition(ctx context.Context, tr *domain.PlanTransition) error {
	s.transitions = append(s.transitions, *tr)
	return nil
}

func (s *subscriptionRepoStub) ChangePlanAtomic(ctx context.Context, sub *domain.Subscription, tr *domain.PlanTransition, grant *store.GrantSpec) error {
	subCopy := *sub
	trCopy := *tr
	s.atomicSub = &subCopy
	s.atomicTr = &trCopy
	if grant != nil {
		grantCopy := *grant
		s.atomicGrant = &grantCopy
	}
	return nil
}

func (s *subscriptionRepoStub) FindSubscriptionsDueForRenewal(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	return s.due, nil
}

func (s *subscriptionRepoStub) GrantSubscriptionTokens(ctx context.Context, params store.SubscriptionGrantParams) (*domain.TokenPool, bool, error) {
	s.renewGrants = append(s.renewGrants, params)
	pool := &domain.TokenPool{
		ID:          uuid.New(),
		UserID:      params.UserID,
		SourceType:  domain.SourceSubscription,
		Amount:      params.BaseAmount,
		Remaining:   params.BaseAmount,
		ExpiresAt:   &params.PeriodEnd,
		ReferenceID: params.ReferenceID,
	}
	return pool, true, nil
}

func activeSub(userID uuid.UUID, plan string, periodStart time.Time) *domain.Subscription {
	return &domain.Subscription{
		UserID:             userID,
		Plan:               plan,
		Status:             domain.SubscriptionActive,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodStart.Add(domain.SubscriptionPeriodDays * 24 * time.Hour),
	}
}

func TestChangePlanUnknownPlan(t *testing.T) {
	svc := NewService(&subscriptionRepoStub{}, nil, 0, 0)

	_, _, err := svc.ChangePlan(context.Background(), uuid.New(), domain.ChangePlanRequest{NewPlan: "platinum"})
	if !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
}

func TestChangePlanSamePlan(t *testing.T) {
	userID := uuid.New()
	repo := &subscriptionRepoStub{sub: activeSub(userID, domain.PlanBasic, time.Now().UTC())}
	svc := NewService(repo, nil, 0, 0)

	_, _, err := svc.ChangePlan(context.Background(), userID, domain.ChangePlanRequest{NewPlan: domain.PlanBasic})
	if !errors.Is(err, ErrSamePlan) {
		t.Fatalf("expected ErrSamePlan, got %v", err)
	}
}

func TestChangePlanUpgradeStartsFreshPeriod(t *testing.T) {
	userID := uuid.New()
	periodStart := time.Now().UTC().Add(-10 * 24 * time.Hour)
	repo := &subscriptionRepoStub{sub: activeSub(userID, domain.PlanBasic, periodStart)}
	events := &publisherStub{}
	svc := NewService(repo, events, 0, 1000)

	tr, sub, err := svc.ChangePlan(context.Background(), userID, domain.ChangePlanRequest{NewPlan: domain.PlanPro})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tr.Kind != domain.TransitionUpgrade {
		t.Fatalf("expected upgrade transition, got %s", tr.Kind)
	}
	if sub.Plan != domain.PlanPro || sub.Status != domain.SubscriptionActive {
		t.Fatalf("unexpected subscription state: plan=%s status=%s", sub.Plan, sub.Status)
	}
	if sub.PendingPlan != nil || sub.CancelAtPeriodEnd {
		t.Fatal("upgrade must clear pending and cancellation state")
	}

	wantEnd := sub.CurrentPeriodStart.Add(domain.SubscriptionPeriodDays * 24 * time.Hour)
	if !sub.CurrentPeriodEnd.Equal(wantEnd) {
		t.Fatalf("expected a fresh 30-day period, got start=%v end=%v", sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	}

	if repo.atomicGrant == nil {
		t.Fatal("expected an upgrade token grant")
	}
	if repo.atomicGrant.Amount != 2500 {
		t.Fatalf("expected the full pro allotment of 2500, got %d", repo.atomicGrant.Amount)
	}
	if !repo.atomicGrant.RolloverEligible {
		t.Fatal("pro pools must be rollover eligible")
	}

	// 20 days left of a 30-day period: (2499-999)*19/30 at minimum, *20/30 at most.
	if tr.ProrationAmount < 1500*19/30 || tr.ProrationAmount > 1500*20/30 {
		t.Fatalf("unexpected proration amount %d", tr.ProrationAmount)
	}

	if len(events.routingKeys) != 1 || events.routingKeys[0] != "plan.changed" {
		t.Fatalf("expected one plan.changed event, got %v", events.routingKeys)
	}
}

func TestChangePlanDeferredDowngrade(t *testing.T) {
	userID := uuid.New()
	periodStart := time.Now().UTC().Add(-5 * 24 * time.Hour)
	repo := &subscriptionRepoStub{sub: activeSub(userID, domain.PlanPro, periodStart)}
	svc := NewService(repo, nil, 0, 0)

	tr, sub, err := svc.ChangePlan(context.Background(), userID, domain.ChangePlanRequest{NewPlan: domain.PlanBasic})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tr.Kind != domain.TransitionScheduledDowngrade {
		t.Fatalf("expected scheduled downgrade, got %s", tr.Kind)
	}
	if sub.Plan != domain.PlanPro {
		t.Fatalf("downgrade must not take effect immediately, plan changed to %s", sub.Plan)
	}
	if sub.PendingPlan == nil || *sub.PendingPlan != domain.PlanBasic {
		t.Fatalf("expected pending plan basic, got %v", sub.PendingPlan)
	}
	if sub.PendingPlanEffectiveDate == nil || !sub.PendingPlanEffectiveDate.Equal(sub.CurrentPeriodEnd) {
		t.Fatalf("expected pending plan to take effect at period end, got %v", sub.PendingPlanEffectiveDate)
	}
	if repo.atomicGrant != nil {
		t.Fatal("deferred downgrades must not grant tokens")
	}
}

func TestChangePlanImmediateDropToFree(t *testing.T) {
	userID := uuid.New()
	repo := &subscriptionRepoStub{sub: activeSub(userID, domain.PlanPro, time.Now().UTC().Add(-5*24*time.Hour))}
	svc := NewService(repo, nil, 0, 0)

	tr, sub, err := svc.ChangePlan(context.Background(), userID, domain.ChangePlanRequest{NewPlan: domain.PlanFree, Immediate: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tr.Kind != domain.TransitionDowngrade {
		t.Fatalf("expected immediate downgrade, got %s", tr.Kind)
	}
	if sub.Plan != domain.PlanFree || sub.Status != domain.SubscriptionInactive {
		t.Fatalf("unexpected subscription state: plan=%s status=%s", sub.Plan, sub.Status)
	}
	if repo.atomicGrant != nil {
		t.Fatal("dropping to free must not grant tokens")
	}
}

func TestCancelAndReactivateSubscription(t *testing.T) {
	userID := uuid.New()
	repo := &subscriptionRepoStub{sub: activeSub(userID, domain.PlanBasic, time.Now().UTC())}
	svc := NewService(repo, nil, 0, 0)

	sub, err := svc.CancelSubscription(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sub.CancelAtPeriodEnd {
		t.Fatal("expected cancel_at_period_end to be set")
	}

	sub, err = svc.ReactivateSubscription(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.CancelAtPeriodEnd {
		t.Fatal("expected cancel_at_period_end to be cleared")
	}
}

func TestReactivateFailsAfterPeriodEnd(t *testing.T) {
	userID := uuid.New()
	repo := &subscriptionRepoStub{sub: activeSub(userID, domain.PlanBasic, time.Now().UTC().Add(-40*24*time.Hour))}
	svc := NewService(repo, nil, 0, 0)

	_, err := svc.ReactivateSubscription(context.Background(), userID)
	if !errors.Is(err, ErrSubscriptionExpired) {
		t.Fatalf("expected ErrSubscriptionExpired, got %v", err)
	}
}

func TestRenewalAppliesPendingDowngrade(t *testing.T) {
	userID := uuid.New()
	periodStart := time.Now().UTC().Add(-31 * 24 * time.Hour)
	sub := *activeSub(userID, domain.PlanPro, periodStart)
	pending := domain.PlanBasic
	sub.PendingPlan = &pending

	repo := &subscriptionRepoStub{due: []domain.Subscription{sub}}
	svc := NewService(repo, nil, 0, 1000)

	processed, err := svc.RunPeriodRollover(context.Background(), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected one renewal, got %d", processed)
	}

	if len(repo.renewGrants) != 1 {
		t.Fatalf("expected one period grant, got %d", len(repo.renewGrants))
	}
	grant := repo.renewGrants[0]
	if grant.Plan != domain.PlanBasic || grant.BaseAmount != 1000 {
		t.Fatalf("expected basic allotment of 1000, got plan=%s amount=%d", grant.Plan, grant.BaseAmount)
	}
	if grant.PriorReferenceID != "" {
		t.Fatal("a downgrade must not roll tokens over from the prior period")
	}

	if repo.upserted.Plan != domain.PlanBasic {
		t.Fatalf("expected subscription to move to basic, got %s", repo.upserted.Plan)
	}
	if !repo.upserted.CurrentPeriodStart.Equal(sub.CurrentPeriodEnd) {
		t.Fatal("new period must start at the old period boundary")
	}
	if repo.upserted.PendingPlan != nil {
		t.Fatal("pending plan must be cleared after renewal")
	}

	if len(repo.transitions) != 1 || repo.transitions[0].Kind != domain.TransitionDowngrade {
		t.Fatalf("expected one downgrade transition, got %+v", repo.transitions)
	}
}

func TestRenewalProRolloverUsesCap(t *testing.T) {
	userID := uuid.New()
	periodStart := time.Now().UTC().Add(-31 * 24 * time.Hour)
	sub := *activeSub(userID, domain.PlanPro, periodStart)

	repo := &subscriptionRepoStub{due: []domain.Subscription{sub}}
	svc := NewService(repo, nil, 0, 1000)

	if _, err := svc.RunPeriodRollover(context.Background(), 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	grant := repo.renewGrants[0]
	if grant.Plan != domain.PlanPro || grant.BaseAmount != 2500 {
		t.Fatalf("expected pro allotment of 2500, got plan=%s amount=%d", grant.Plan, grant.BaseAmount)
	}
	if grant.PriorReferenceID != periodReference(periodStart) {
		t.Fatalf("expected prior period reference %q, got %q", periodReference(periodStart), grant.PriorReferenceID)
	}
	if grant.RolloverCap != 1000 {
		t.Fatalf("expected rollover cap 1000, got %d", grant.RolloverCap)
	}
	if !grant.RolloverEligible {
		t.Fatal("renewed pro pool must remain rollover eligible")
	}
}

func TestRenewalCancelLapsesToFree(t *testing.T) {
	userID := uuid.New()
	sub := *activeSub(userID, domain.PlanBasic, time.Now().UTC().Add(-31*24*time.Hour))
	sub.CancelAtPeriodEnd = true

	repo := &subscriptionRepoStub{due: []domain.Subscription{sub}}
	svc := NewService(repo, nil, 0, 0)

	if _, err := svc.RunPeriodRollover(context.Background(), 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(repo.renewGrants) != 0 {
		t.Fatal("lapsing to free must not grant tokens")
	}
	if repo.upserted.Plan != domain.PlanFree || repo.upserted.Status != domain.SubscriptionInactive {
		t.Fatalf("expected inactive free subscription, got plan=%s status=%s", repo.upserted.Plan, repo.upserted.Status)
	}
	if repo.upserted.CancelAtPeriodEnd {
		t.Fatal("cancellation flag must be consumed by the lapse")
	}
}

func TestProrationAmount(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name        string
		currentPlan string
		newPlan     string
		periodEnd   time.Time
		want        int64
	}{
		{
			name:        "half period remaining basic to pro",
			currentPlan: domain.PlanBasic,
			newPlan:     domain.PlanPro,
			periodEnd:   now.Add(15*24*time.Hour + time.Minute),
			want:        (2499 - 999) * 15 / 30,
		},
		{
			name:        "expired period charges nothing extra",
			currentPlan: domain.PlanBasic,
			newPlan:     domain.PlanPro,
			periodEnd:   now.Add(-24 * time.Hour),
			want:        0,
		},
		{
			name:        "downgrade never produces a charge",
			currentPlan: domain.PlanEnterprise,
			newPlan:     domain.PlanBasic,
			periodEnd:   now.Add(20 * 24 * time.Hour),
			want:        0,
		},
		{
			name:        "free to enterprise full period",
			currentPlan: domain.PlanFree,
			newPlan:     domain.PlanEnterprise,
			periodEnd:   now.Add(30*24*time.Hour + time.Minute),
			want:        9999,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := prorationAmount(tt.currentPlan, tt.newPlan, tt.periodEnd, now)
			if got != tt.want {
				t.Fatalf("expected proration %d, got %d", tt.want, got)
			}
		})
	}
}
