/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the token-ledger-service. By defining an
 * interface, we decouple the application's business logic from the specific database
 * implementation (PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/personaforge/token-ledger-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User resolution
	// Resolve internal UUID from the auth provider subject (e.g., "user_abc123").
	FindUserIDByAuthSubject(ctx context.Context, subject string) (string, error)

	// Pool and balance reads
	FindActivePools(ctx context.Context, userID uuid.UUID, now time.Time) ([]domain.TokenPool, error)
	FindPoolBySourceReference(ctx context.Context, userID uuid.UUID, sourceType, referenceID string) (*domain.TokenPool, error)

	// Ledger reads
	FindLedgerEntryByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, userID uuid.UUID, opts domain.HistoryOptions) ([]domain.LedgerEntry, error)

	// Atomic ledger mutations
	DeductTokens(ctx context.Context, params DeductTokensParams) (*domain.DeductionResult, error)
	CreatePoolWithEntry(ctx context.Context, grant GrantSpec) (*domain.TokenPool, bool, error)
	GrantSubscriptionTokens(ctx context.Context, params SubscriptionGrantParams) (*domain.TokenPool, bool, error)

	// Subscription methods
	GetSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, userID uuid.UUID, cancel bool) (*domain.Subscription, error)
	RecordPlanTransition(ctx context.Context, tr *domain.PlanTransition) error
	ChangePlanAtomic(ctx context.Context, sub *domain.Subscription, tr *domain.PlanTransition, grant *GrantSpec) error

	// Scheduled maintenance
	ExpireDuePools(ctx context.Context, now time.Time, limit int) (int, error)
	FindSubscriptionsDueForRenewal(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error)
}

// DeductTokensParams carries one deduction request into the atomic store operation.
// Cost has already been resolved from the canonical action-cost table.
type DeductTokensParams struct {
	UserID         uuid.UUID
	ActionType     string
	Cost           int64
	ReferenceID    *string
	IdempotencyKey *string
	Metadata       json.RawMessage
	Now            time.Time
}

// GrantSpec describes one pool to create together with its credit ledger entry.
// The (UserID, SourceType, ReferenceID) triple is the natural idempotency key:
// a grant that already exists is a no-op, never a double credit.
type GrantSpec struct {
	UserID           uuid.UUID
	SourceType       string
	Amount           int64
	ExpiresAt        *time.Time
	RolloverEligible bool
	ReferenceID      string
	Metadata         json.RawMessage
}

// SubscriptionGrantParams describes a renewal/upgrade token grant, optionally
// folding capped rollover from the prior period's pool into the new one.
type SubscriptionGrantParams struct {
	UserID           uuid.UUID
	Plan             string
	BaseAmount       int64
	PeriodEnd        time.Time
	RolloverEligible bool   // whether the new pool may roll over next period
	ReferenceID      string // e.g. "sub:<period start unix>"
	PriorReferenceID string // empty when there is no prior period pool
	RolloverCap      int64  // 0 disables rollover from the prior pool
	Now              time.Time
}
