/**
 * @description
 * This file contains the core application service for the token ledger. It
 * orchestrates balance reads, deductions, grants, and subscription changes on
 * top of the repository layer, and publishes ledger events to RabbitMQ.
 *
 * Key features:
 * - Balance Reads: Lazily issues the daily free grant before computing balances
 *   so a user's first request of the day always sees their allowance.
 * - Deductions: Validates action types, applies a Redis-backed rate limit, and
 *   delegates the atomic multi-pool deduction to the repository.
 * - Event Publishing: Emits token.granted, token.deducted, and plan.changed
 *   events for downstream consumers. Publishing is best-effort and never fails
 *   the business operation.
 *
 * @dependencies
 * - internal/store: Repository interface for persistence.
 * - pkg/rabbitmq: Event producer.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/personaforge/token-ledger-service/internal/domain"
	"github.com/personaforge/token-ledger-service/internal/store"
	"github.com/personaforge/token-ledger-service/pkg/rabbitmq"
)

var (
	// ErrUnknownAction is returned when a deduction names an action type that
	// has no configured cost.
	ErrUnknownAction = errors.New("unknown action type")
	// ErrUnknownPlan is returned when a plan change names a plan that does not exist.
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrSamePlan is returned when a plan change targets the user's current plan.
	ErrSamePlan = errors.New("subscription is already on the requested plan")
	// ErrInvalidGrant is returned when a grant request is malformed.
	ErrInvalidGrant = errors.New("invalid grant request")
	// ErrSubscriptionExpired is returned when reactivation is attempted after
	// the current period has already ended.
	ErrSubscriptionExpired = errors.New("subscription period has already ended")
	// ErrRateLimited is the sentinel for deduction rate limit rejections.
	ErrRateLimited = errors.New("rate limited")
)

// RateLimitedError carries the retry hint for a rate limit rejection.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %d seconds", e.RetryAfterSeconds)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// RateLimiter abstracts the fixed-window rate limiter so tests can stub it.
type RateLimiter interface {
	// ConsumeRateLimit returns whether the call is allowed and, when it is
	// not, the number of seconds until the window resets.
	ConsumeRateLimit(ctx context.Context, scope, key string, limit int, window time.Duration) (bool, int, error)
}

// Service implements the token ledger business operations.
type Service struct {
	repo   store.Repository
	events rabbitmq.Publisher

	freeDailyAmount int64
	rolloverCap     int64

	rateLimiter          RateLimiter
	deductLimitPerMinute int
}

// NewService creates the application service. A nil events publisher disables
// event emission.
func NewService(repo store.Repository, events rabbitmq.Publisher, freeDailyAmount, rolloverCap int64) *Service {
	return &Service{
		repo:            repo,
		events:          events,
		freeDailyAmount: freeDailyAmount,
		rolloverCap:     rolloverCap,
	}
}

// SetDeductRateLimiter wires a rate limiter for the deduction endpoint. A nil
// limiter or a non-positive limit disables rate limiting.
func (s *Service) SetDeductRateLimiter(limiter RateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.deductLimitPerMinute = perMinute
}

// ResolveInternalUserID maps an external auth subject to the internal user ID.
func (s *Service) ResolveInternalUserID(ctx context.Context, authSubject string) (string, error) {
	return s.repo.FindUserIDByAuthSubject(ctx, authSubject)
}

// GetBalance returns the user's current balance broken down by source bucket.
// The daily free grant is applied lazily so the first read of a UTC day
// already reflects it.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.LedgerBalance, error) {
	if err := s.EnsureFreeDaily(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to apply daily grant: %w", err)
	}

	now := time.Now().UTC()
	pools, err := s.repo.FindActivePools(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	balance := &domain.LedgerBalance{}
	for i := range pools {
		if !pools[i].Active(now) {
			continue
		}
		balance.Add(&pools[i])
	}
	return balance, nil
}

// CheckBalance reports whether the user can afford a given action without
// performing the deduction.
func (s *Service) CheckBalance(ctx context.Context, userID uuid.UUID, actionType string) (*domain.BalanceCheck, error) {
	cost, ok := domain.ActionCosts[actionType]
	if !ok {
		return nil, ErrUnknownAction
	}

	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	check := &domain.BalanceCheck{
		CanAfford:      balance.CurrentBalance >= cost,
		CurrentBalance: balance.CurrentBalance,
		Cost:           cost,
	}
	if !check.CanAfford {
		check.Shortfall = cost - balance.CurrentBalance
	}
	return check, nil
}

// Deduct atomically charges a user for an action, consuming pools in priority
// order. Replays of the same idempotency key return the original result.
func (s *Service) Deduct(ctx context.Context, userID uuid.UUID, req domain.DeductRequest) (*domain.DeductionResult, error) {
	cost, ok := domain.ActionCosts[req.Action]
	if !ok {
		return nil, ErrUnknownAction
	}

	if err := s.checkDeductRateLimit(ctx, userID); err != nil {
		return nil, err
	}

	if err := s.EnsureFreeDaily(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to apply daily grant: %w", err)
	}

	// A blank key would collide on the (user_id, idempotency_key) index and
	// make unrelated deductions read as replays of each other.
	idempotencyKey := req.IdempotencyKey
	if idempotencyKey != nil && strings.TrimSpace(*idempotencyKey) == "" {
		idempotencyKey = nil
	}

	result, err := s.repo.DeductTokens(ctx, store.DeductTokensParams{
		UserID:         userID,
		ActionType:     req.Action,
		Cost:           cost,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: idempotencyKey,
		Metadata:       req.Metadata,
		Now:            time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if !result.Idempotent {
		s.publishDeducted(ctx, userID, req.Action, cost, result)
	}
	return result, nil
}

// History returns the user's ledger entries, newest first, with display labels
// resolved for known action types.
func (s *Service) History(ctx context.Context, userID uuid.UUID, opts domain.HistoryOptions) ([]domain.LedgerEntry, error) {
	entries, err := s.repo.ListLedgerEntries(ctx, userID, opts)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ActionType != nil {
			if label, ok := domain.ActionLabels[*entries[i].ActionType]; ok {
				entries[i].ActionLabel = label
			}
		}
	}
	return entries, nil
}

// RunPoolExpirySweep zeroes pools that are past their expiry and records the
// matching expiration entries. It is invoked by the scheduler and returns the
// number of pools expired.
func (s *Service) RunPoolExpirySweep(ctx context.Context, batchSize int) (int, error) {
	return s.repo.ExpireDuePools(ctx, time.Now().UTC(), batchSize)
}

func (s *Service) checkDeductRateLimit(ctx context.Context, userID uuid.UUID) error {
	if s.rateLimiter == nil || s.deductLimitPerMinute <= 0 {
		return nil
	}
	allowed, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "token_deduct", userID.String(), s.deductLimitPerMinute, time.Minute)
	if err != nil {
		// Fail open: a limiter outage must not block paying users.
		log.Printf("level=warn msg=\"rate limiter unavailable, allowing request\" user_id=%s error=%v", userID, err)
		return nil
	}
	if !allowed {
		return &RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func (s *Service) publishDeducted(ctx context.Context, userID uuid.UUID, actionType string, cost int64, result *domain.DeductionResult) {
	if s.events == nil {
		return
	}
	event := rabbitmq.TokenDeductedEvent{
		UserID:     userID,
		ActionType: actionType,
		Cost:       cost,
		NewBalance: result.NewBalance,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, rabbitmq.LedgerEventsExchange, rabbitmq.RoutingTokenDeducted, event); err != nil {
		log.Printf("level=warn msg=\"failed to publish token.deducted event\" user_id=%s error=%v", userID, err)
	}
}

func (s *Service) publishGranted(ctx context.Context, userID uuid.UUID, pool *domain.TokenPool) {
	if s.events == nil {
		return
	}
	event := rabbitmq.TokenGrantedEvent{
		UserID:      userID,
		SourceType:  pool.SourceType,
		Amount:      pool.Amount,
		ReferenceID: pool.ReferenceID,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, rabbitmq.LedgerEventsExchange, rabbitmq.RoutingTokenGranted, event); err != nil {
		log.Printf("level=warn msg=\"failed to publish token.granted event\" user_id=%s error=%v", userID, err)
	}
}

func (s *Service) publishPlanChanged(ctx context.Context, userID uuid.UUID, tr *domain.PlanTransition) {
	if s.events == nil {
		return
	}
	event := rabbitmq.PlanChangedEvent{
		UserID:      userID,
		FromPlan:    tr.FromPlan,
		ToPlan:      tr.ToPlan,
		Kind:        tr.Kind,
		EffectiveAt: tr.EffectiveAt,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, rabbitmq.LedgerEventsExchange, rabbitmq.RoutingPlanChanged, event); err != nil {
		log.Printf("level=warn msg=\"failed to publish plan.changed event\" user_id=%s error=%v", userID, err)
	}
}
