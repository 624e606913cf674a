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

// serviceRepoStub embeds the repository interface so each test only overrides
// the calls it expects; anything else panics with a nil pointer.
type serviceRepoStub struct {
	store.Repository

	pools    []domain.TokenPool
	poolsErr error

	grants       []store.GrantSpec
	grantPool    *domain.TokenPool
	grantCreated bool
	grantErr     error

	deductParams *store.DeductTokensParams
	deductResult *domain.DeductionResult
	deductErr    error

	entries []domain.LedgerEntry
}

func (s *serviceRepoStub) FindActivePools(ctx context.Context, userID uuid.UUID, now time.Time) ([]domain.TokenPool, error) {
	if s.poolsErr != nil {
		return nil, s.poolsErr
	}
	return s.pools, nil
}

func (s *serviceRepoStub) CreatePoolWithEntry(ctx context.Context, grant store.GrantSpec) (*domain.TokenPool, bool, error) {
	if s.grantErr != nil {
		return nil, false, s.grantErr
	}
	s.grants = append(s.grants, grant)
	if s.grantPool != nil {
		return s.grantPool, s.grantCreated, nil
	}
	pool := &domain.TokenPool{
		ID:          uuid.New(),
		UserID:      grant.UserID,
		SourceType:  grant.SourceType,
		Amount:      grant.Amount,
		Remaining:   grant.Amount,
		ExpiresAt:   grant.ExpiresAt,
		ReferenceID: grant.ReferenceID,
	}
	return pool, true, nil
}

func (s *serviceRepoStub) DeductTokens(ctx context.Context, params store.DeductTokensParams) (*domain.DeductionResult, error) {
	s.deductParams = &params
	if s.deductErr != nil {
		return nil, s.deductErr
	}
	return s.deductResult, nil
}

func (s *serviceRepoStub) ListLedgerEntries(ctx context.Context, userID uuid.UUID, opts domain.HistoryOptions) ([]domain.LedgerEntry, error) {
	return s.entries, nil
}

type publisherStub struct {
	routingKeys []string
}

func (p *publisherStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.routingKeys = append(p.routingKeys, routingKey)
	return nil
}

func (p *publisherStub) Close() {}

type limiterStub struct {
	allowed    bool
	retryAfter int
	err        error
	calls      int
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope, key string, limit int, window time.Duration) (bool, int, error) {
	l.calls++
	if l.err != nil {
		return false, 0, l.err
	}
	return l.allowed, l.retryAfter, nil
}

func newDeductResult(amount int64, newBalance int64) *domain.DeductionResult {
	action := "chat"
	return &domain.DeductionResult{
		NewBalance: newBalance,
		Entry: domain.LedgerEntry{
			ID:         uuid.New(),
			Amount:     -amount,
			SourceType: domain.SourceFree,
			ActionType: &action,
		},
	}
}

func TestDeductRejectsUnknownAction(t *testing.T) {
	repo := &serviceRepoStub{}
	svc := NewService(repo, nil, 0, 0)

	_, err := svc.Deduct(context.Background(), uuid.New(), domain.DeductRequest{Action: "teleport"})
	if !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	if repo.deductParams != nil {
		t.Fatal("expected no repository call for an unknown action")
	}
}

func TestDeductResolvesCanonicalCost(t *testing.T) {
	repo := &serviceRepoStub{deductResult: newDeductResult(50, 100)}
	svc := NewService(repo, nil, 0, 0)

	userID := uuid.New()
	_, err := svc.Deduct(context.Background(), userID, domain.DeductRequest{Action: "create_character"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.deductParams == nil {
		t.Fatal("expected a repository deduction call")
	}
	if repo.deductParams.Cost != 50 {
		t.Fatalf("expected cost=50 for create_character, got %d", repo.deductParams.Cost)
	}
	if repo.deductParams.UserID != userID {
		t.Fatalf("expected user id %s, got %s", userID, repo.deductParams.UserID)
	}
}

func TestDeductAppliesDailyGrantFirst(t *testing.T) {
	repo := &serviceRepoStub{deductResult: newDeductResult(1, 49)}
	svc := NewService(repo, nil, 50, 0)

	_, err := svc.Deduct(context.Background(), uuid.New(), domain.DeductRequest{Action: "chat"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.grants) != 1 {
		t.Fatalf("expected one daily grant attempt, got %d", len(repo.grants))
	}
	grant := repo.grants[0]
	if grant.SourceType != domain.SourceFree {
		t.Fatalf("expected free source, got %s", grant.SourceType)
	}
	want := freeDailyReference(time.Now().UTC())
	if grant.ReferenceID != want {
		t.Fatalf("expected reference %q, got %q", want, grant.ReferenceID)
	}
}

func TestDeductPublishesEventOnlyForNewDeductions(t *testing.T) {
	repo := &serviceRepoStub{deductResult: newDeductResult(1, 49)}
	events := &publisherStub{}
	svc := NewService(repo, events, 0, 0)

	if _, err := svc.Deduct(context.Background(), uuid.New(), domain.DeductRequest{Action: "chat"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events.routingKeys) != 1 || events.routingKeys[0] != "token.deducted" {
		t.Fatalf("expected one token.deducted event, got %v", events.routingKeys)
	}

	repo.deductResult.Idempotent = true
	if _, err := svc.Deduct(context.Background(), uuid.New(), domain.DeductRequest{Action: "chat"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events.routingKeys) != 1 {
		t.Fatalf("expected replay to publish nothing, got %v", events.routingKeys)
	}
}

func TestDeductRateLimited(t *testing.T) {
	repo := &serviceRepoStub{deductResult: newDeductResult(1, 49)}
	svc := NewService(repo, nil, 0, 0)
	svc.SetDeductRateLimiter(&limiterStub{allowed: false, retryAfter: 30}, 60)

	_, err := svc.Deduct(context.Background(), uuid.New(), domain.DeductRequest{Action: "chat"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %T", err)
	}
	if limited.RetryAfterSeconds != 30 {
		t.Fatalf("expected retry after 30s, got %d", limited.RetryAfterSeconds)
	}
	if repo.deductParams != nil {
		t.Fatal("expected no repository call when rate limited")
	}
}

func TestDeductFailsOpenWhenLimiterUnavailable(t *testing.T) {
	repo := &serviceRepoStub{deductResult: newDeductResult(1, 49)}
	svc := NewService(repo, nil, 0, 0)
	svc.SetDeductRateLimiter(&limiterStub{err: errors.New("redis down")}, 60)

	if _, err := svc.Deduct(context.Background(), uuid.New(), domain.DeductRequest{Action: "chat"}); err != nil {
		t.Fatalf("expected limiter outage to be ignored, got %v", err)
	}
	if repo.deductParams == nil {
		t.Fatal("expected the deduction to proceed")
	}
}

func TestGetBalanceFoldsPoolsIntoBuckets(t *testing.T) {
	userID := uuid.New()
	repo := &serviceRepoStub{
		pools: []domain.TokenPool{
			{UserID: userID, SourceType: domain.SourceFree, Remaining: 5},
			{UserID: userID, SourceType: domain.SourceSubscription, Remaining: 10},
			{UserID: userID, SourceType: domain.SourceRollover, Remaining: 3},
			{UserID: userID, SourceType: domain.SourcePurchase, Remaining: 20},
			{UserID: userID, SourceType: domain.SourceAdmin, Remaining: 2},
		},
	}
	svc := NewService(repo, nil, 0, 0)

	balance, err := svc.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.CurrentBalance != 40 {
		t.Fatalf("expected current balance 40, got %d", balance.CurrentBalance)
	}
	if balance.FreeTokens != 5 {
		t.Fatalf("expected 5 free tokens, got %d", balance.FreeTokens)
	}
	if balance.SubscriptionTokens != 13 {
		t.Fatalf("expected 13 subscription tokens (rollover included), got %d", balance.SubscriptionTokens)
	}
	if balance.PurchasedTokens != 20 {
		t.Fatalf("expected 20 purchased tokens, got %d", balance.PurchasedTokens)
	}
	if balance.AdminTokens != 2 {
		t.Fatalf("expected 2 admin tokens, got %d", balance.AdminTokens)
	}
}

func TestCheckBalanceReportsShortfall(t *testing.T) {
	repo := &serviceRepoStub{
		pools: []domain.TokenPool{
			{SourceType: domain.SourceFree, Remaining: 30},
		},
	}
	svc := NewService(repo, nil, 0, 0)

	check, err := svc.CheckBalance(context.Background(), uuid.New(), "create_character")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if check.CanAfford {
		t.Fatal("expected the action to be unaffordable")
	}
	if check.Cost != 50 || check.CurrentBalance != 30 || check.Shortfall != 20 {
		t.Fatalf("unexpected check values: %+v", check)
	}

	check, err = svc.CheckBalance(context.Background(), uuid.New(), "chat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !check.CanAfford || check.Shortfall != 0 {
		t.Fatalf("expected chat to be affordable with no shortfall, got %+v", check)
	}
}

func TestHistoryResolvesActionLabels(t *testing.T) {
	action := "fine_tune"
	repo := &serviceRepoStub{
		entries: []domain.LedgerEntry{
			{Amount: -200, ActionType: &action},
			{Amount: 50, SourceType: domain.SourceFree},
		},
	}
	svc := NewService(repo, nil, 0, 0)

	entries, err := svc.History(context.Background(), uuid.New(), domain.HistoryOptions{Limit: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entries[0].ActionLabel != "Model fine-tune" {
		t.Fatalf("expected fine_tune label to resolve, got %q", entries[0].ActionLabel)
	}
	if entries[1].ActionLabel != "" {
		t.Fatalf("expected grant entry to carry no label, got %q", entries[1].ActionLabel)
	}
}

func TestDeductDropsBlankIdempotencyKey(t *testing.T) {
	for _, key := range []string{"", "   "} {
		repo := &serviceRepoStub{deductResult: newDeductResult(1, 9)}
		svc := NewService(repo, nil, 0, 0)

		if _, err := svc.Deduct(context.Background(), uuid.New(), domain.DeductRequest{
			Action:         "chat",
			IdempotencyKey: &key,
		}); err != nil {
			t.Fatalf("unexpected error for key %q: %v", key, err)
		}
		if repo.deductParams.IdempotencyKey != nil {
			t.Fatalf("expected blank key %q to be dropped, got %q", key, *repo.deductParams.IdempotencyKey)
		}
	}

	key := "req-42"
	repo := &serviceRepoStub{deductResult: newDeductResult(1, 9)}
	svc := NewService(repo, nil, 0, 0)
	if _, err := svc.Deduct(context.Background(), uuid.New(), domain.DeductRequest{
		Action:         "chat",
		IdempotencyKey: &key,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.deductParams.IdempotencyKey == nil || *repo.deductParams.IdempotencyKey != "req-42" {
		t.Fatal("expected real key to pass through unchanged")
	}
}

func TestGetBalanceSkipsExpiredAndDrainedPools(t *testing.T) {
	userID := uuid.New()
	now := time.Now().UTC()
	expired := now.Add(-time.Minute)
	live := now.Add(time.Hour)
	repo := &serviceRepoStub{
		pools: []domain.TokenPool{
			{UserID: userID, SourceType: domain.SourceFree, Remaining: 5, ExpiresAt: &live},
			{UserID: userID, SourceType: domain.SourceSubscription, Remaining: 100, ExpiresAt: &expired},
			{UserID: userID, SourceType: domain.SourcePurchase, Remaining: 0},
		},
	}
	svc := NewService(repo, nil, 0, 0)

	balance, err := svc.GetBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if balance.CurrentBalance != 5 {
		t.Fatalf("expected only the live pool to count, got balance %d", balance.CurrentBalance)
	}
	if balance.SubscriptionTokens != 0 {
		t.Fatalf("expected expired subscription pool to contribute nothing, got %d", balance.SubscriptionTokens)
	}
}
