/**
 * @description
 * Pure consumption-planning helpers for the deduction path. They operate on
 * pool rows already fetched (and locked) by the surrounding transaction, so
 * they can be unit tested without a database.
 */

package store

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/personaforge/token-ledger-service/internal/domain"
)

// PoolDraw records how many tokens one deduction took from one pool. The full
// draw list is embedded in the ledger entry metadata so the breakdown of an
// aggregate debit can always be reconstructed.
type PoolDraw struct {
	PoolID     uuid.UUID `json:"pool_id"`
	SourceType string    `json:"source_type"`
	Amount     int64     `json:"amount"`
}

// sortPoolsForConsumption orders pools into spend order: free first, then
// subscription (including rollover), admin, purchase. Within a source rank the
// soonest-to-expire pool is spent first and never-expiring pools come last.
func sortPoolsForConsumption(pools []domain.TokenPool) {
	sort.SliceStable(pools, func(i, j int) bool {
		pi, pj := domain.SourcePriority(pools[i].SourceType), domain.SourcePriority(pools[j].SourceType)
		if pi != pj {
			return pi < pj
		}
		return expiresBefore(pools[i].ExpiresAt, pools[j].ExpiresAt)
	})
}

func expiresBefore(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Before(*b)
}

// rolloverSweepGrace is how long an expired rollover-eligible pool is held
// back from the expiry sweep. The period renewal folds such pools into the
// next period's grant and needs their remaining intact; pools whose renewal
// never happens (a lapsed or downgraded subscription) are swept once the
// grace has passed.
const rolloverSweepGrace = 48 * time.Hour

// heldForRollover reports whether the sweep must skip an expired pool so its
// remainder stays available for the renewal fold.
func heldForRollover(p *domain.TokenPool, now time.Time) bool {
	if !p.RolloverEligible || p.ExpiresAt == nil {
		return false
	}
	return now.Sub(*p.ExpiresAt) < rolloverSweepGrace
}

// planPoolDraws walks pools in consumption order and plans per-pool draws of
// min(remaining, still needed) until the cost is covered. It returns the draws
// and the total available balance across the given pools. When available is
// less than cost the draws slice is nil and nothing should be applied.
func planPoolDraws(pools []domain.TokenPool, cost int64) (draws []PoolDraw, available int64) {
	for i := range pools {
		available += pools[i].Remaining
	}
	if available < cost {
		return nil, available
	}

	sortPoolsForConsumption(pools)

	needed := cost
	for i := range pools {
		if needed == 0 {
			break
		}
		take := pools[i].Remaining
		if take > needed {
			take = needed
		}
		if take <= 0 {
			continue
		}
		draws = append(draws, PoolDraw{
			PoolID:     pools[i].ID,
			SourceType: pools[i].SourceType,
			Amount:     take,
		})
		needed -= take
	}
	return draws, available
}
