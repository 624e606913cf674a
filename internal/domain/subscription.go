/**
 * @description
 * Subscription plan catalog and plan-transition models for the
 * token-ledger-service. The service reads and writes the subscription row to
 * drive token grants and plan changes; payment capture belongs to the billing
 * provider and never happens here.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Subscription plans, ranked free < basic < pro < enterprise.
const (
	PlanFree       = "free"
	PlanBasic      = "basic"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// Subscription statuses.
const (
	SubscriptionActive   = "active"
	SubscriptionInactive = "inactive"
	SubscriptionCanceled = "canceled"
)

// SubscriptionPeriodDays is the length of one billing period.
const SubscriptionPeriodDays = 30

// planRanks orders plans for upgrade/downgrade decisions.
var planRanks = map[string]int{
	PlanFree:       0,
	PlanBasic:      1,
	PlanPro:        2,
	PlanEnterprise: 3,
}

// PlanRank returns the plan's rank and whether the plan name is known.
func PlanRank(plan string) (int, bool) {
	rank, ok := planRanks[plan]
	return rank, ok
}

// SubscriptionTokens is the monthly token allotment per plan.
var SubscriptionTokens = map[string]int64{
	PlanFree:       0,
	PlanBasic:      1000,
	PlanPro:        2500,
	PlanEnterprise: 10000,
}

// PlanPrices is the monthly price per plan in cents. Used only for the
// informational proration figure on upgrades.
var PlanPrices = map[string]int64{
	PlanFree:       0,
	PlanBasic:      999,
	PlanPro:        2499,
	PlanEnterprise: 9999,
}

// Subscription maps to the `subscriptions` table, one row per user.
type Subscription struct {
	UserID                   uuid.UUID  `json:"user_id"`
	Plan                     string     `json:"plan"`
	Status                   string     `json:"status"`
	CurrentPeriodStart       time.Time  `json:"current_period_start"`
	CurrentPeriodEnd         time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd        bool       `json:"cancel_at_period_end"`
	PendingPlan              *string    `json:"pending_plan,omitempty"`
	PendingPlanEffectiveDate *time.Time `json:"pending_plan_effective_date,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// Plan transition kinds.
const (
	TransitionUpgrade            = "upgrade"
	TransitionDowngrade          = "downgrade"
	TransitionScheduledDowngrade = "scheduled_downgrade"
)

// PlanTransition records one plan-change event. Scheduled downgrades are
// recorded when requested, with EffectiveAt set to the period boundary.
type PlanTransition struct {
	ID              uuid.UUID `json:"id"`
	UserID          uuid.UUID `json:"user_id"`
	FromPlan        string    `json:"from_plan"`
	ToPlan          string    `json:"to_plan"`
	Kind            string    `json:"kind"`
	ProrationAmount int64     `json:"proration_amount"` // cents, informational
	EffectiveAt     time.Time `json:"effective_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// ChangePlanRequest is the DTO for plan-change API requests.
type ChangePlanRequest struct {
	NewPlan   string `json:"newPlan"`
	Immediate bool   `json:"immediate"`
}
