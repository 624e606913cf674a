/**
 * @description
 * This file defines the core domain models for the token-ledger-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Token amounts are stored as `int64`. Tokens are indivisible units, so there
 *   is no fractional arithmetic anywhere in the ledger.
 * - Pools are never deleted; a pool with remaining == 0 or a past expiry is
 *   simply inactive. The ledger table is append-only.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Token source types. The order of consumption across sources is fixed and
// encoded by SourcePriority below.
const (
	SourceFree         = "free"
	SourceSubscription = "subscription"
	SourcePurchase     = "purchase"
	SourceAdmin        = "admin"
	SourceExpiration   = "expiration"
	SourceRollover     = "rollover"
)

// ActionCosts is the canonical action-cost table. Handler and service layers
// must resolve costs from here and nowhere else.
var ActionCosts = map[string]int64{
	"chat":                1,
	"create_character":    50,
	"character_edit":      10,
	"dna_edit":            5,
	"dna_edit_advanced":   15,
	"simulation_basic":    20,
	"simulation_advanced": 50,
	"fine_tune":           200,
	"api_call":            2,
}

// ActionLabels maps action types to display labels for ledger history.
var ActionLabels = map[string]string{
	"chat":                "Chat message",
	"create_character":    "Character creation",
	"character_edit":      "Character edit",
	"dna_edit":            "DNA trait edit",
	"dna_edit_advanced":   "Advanced DNA edit",
	"simulation_basic":    "Basic simulation",
	"simulation_advanced": "Advanced simulation",
	"fine_tune":           "Model fine-tune",
	"api_call":            "API call",
}

// SourcePriority returns the consumption rank of a token source. Lower ranks
// are spent first: free -> subscription -> admin -> purchase. Rollover pools
// carry subscription tokens and share the subscription rank.
func SourcePriority(sourceType string) int {
	switch sourceType {
	case SourceFree:
		return 0
	case SourceSubscription, SourceRollover:
		return 1
	case SourceAdmin:
		return 2
	case SourcePurchase:
		return 3
	default:
		return 4
	}
}

// TokenPool is one funding source of tokens for one user. It maps directly to
// the `token_pools` table.
type TokenPool struct {
	ID               uuid.UUID  `json:"id"`
	UserID           uuid.UUID  `json:"user_id"`
	SourceType       string     `json:"source_type"`
	Amount           int64      `json:"amount"`
	Remaining        int64      `json:"remaining"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"` // nil means never expires
	RolloverEligible bool       `json:"rollover_eligible"`
	ReferenceID      string     `json:"reference_id"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Active reports whether the pool still contributes to balance at the given
// instant. Expired pools contribute nothing even before the sweep zeroes them.
func (p *TokenPool) Active(now time.Time) bool {
	if p.Remaining <= 0 {
		return false
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return false
	}
	return true
}

// LedgerEntry is the immutable audit record of one balance-affecting event.
// Positive amounts are credits, negative amounts are debits.
type LedgerEntry struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balance_after"`
	SourceType     string          `json:"source_type"`
	ActionType     *string         `json:"action_type,omitempty"` // nil for pure grants
	ActionLabel    string          `json:"action_label,omitempty"`
	PoolID         *uuid.UUID      `json:"pool_id,omitempty"`
	ReferenceID    *string         `json:"reference_id,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// LedgerBalance is the materialized view of a user's spendable tokens, broken
// down by source bucket. It is recomputed from active pools on every read.
type LedgerBalance struct {
	CurrentBalance     int64 `json:"current_balance"`
	FreeTokens         int64 `json:"free_tokens"`
	SubscriptionTokens int64 `json:"subscription_tokens"`
	PurchasedTokens    int64 `json:"purchased_tokens"`
	AdminTokens        int64 `json:"admin_tokens"`
}

// Add folds one active pool into the balance buckets.
func (b *LedgerBalance) Add(p *TokenPool) {
	b.CurrentBalance += p.Remaining
	switch SourcePriority(p.SourceType) {
	case 0:
		b.FreeTokens += p.Remaining
	case 1:
		b.SubscriptionTokens += p.Remaining
	case 2:
		b.AdminTokens += p.Remaining
	default:
		b.PurchasedTokens += p.Remaining
	}
}

// DeductRequest is the DTO for incoming token deduction API requests.
type DeductRequest struct {
	Action         string          `json:"action"`
	ReferenceID    *string         `json:"referenceId,omitempty"`
	IdempotencyKey *string         `json:"idempotencyKey,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// DeductionResult summarizes a completed (or replayed) deduction. Entry is the
// aggregate debit record; its metadata carries the per-pool draw breakdown.
type DeductionResult struct {
	NewBalance int64       `json:"new_balance"`
	Entry      LedgerEntry `json:"entry"`
	Idempotent bool        `json:"idempotent"`
}

// BalanceCheck is the affordability probe result for one action.
type BalanceCheck struct {
	CanAfford      bool   `json:"canAfford"`
	CurrentBalance int64  `json:"currentBalance"`
	Cost           int64  `json:"cost"`
	Shortfall      int64  `json:"shortfall"`
}

// GrantRequest is the DTO for the internal grant ingestion endpoint.
type GrantRequest struct {
	UserID      string  `json:"userId"`
	SourceType  string  `json:"sourceType"`
	Amount      int64   `json:"amount"`
	ReferenceID string  `json:"referenceId"`
	Note        *string `json:"note,omitempty"`
}

// HistoryOptions controls pagination for ledger history queries.
type HistoryOptions struct {
	Limit  int
	Offset int
}
