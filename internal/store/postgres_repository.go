/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed to interact with the token_pools, token_ledger_entries,
 * subscriptions and plan_transitions tables.
 *
 * Every multi-row mutation (deduction across pools, grant pool + credit entry,
 * plan change + bonus grant) runs inside a single pgx transaction. Pool rows are
 * locked with SELECT ... FOR UPDATE so concurrent deductions for the same user
 * serialize and can never spend more than the balance available at commit time.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/personaforge/token-ledger-service/internal/domain"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrPoolNotFound         = errors.New("pool not found")
	ErrLedgerEntryNotFound  = errors.New("ledger entry not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInsufficientTokens   = errors.New("insufficient tokens")
)

// InsufficientTokensError carries the balance context a 402 response needs.
// It unwraps to ErrInsufficientTokens so callers can keep using errors.Is.
type InsufficientTokensError struct {
	Balance int64
	Cost    int64
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: balance=%d cost=%d", e.Balance, e.Cost)
}

func (e *InsufficientTokensError) Unwrap() error { return ErrInsufficientTokens }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx so query helpers can
// run inside or outside a transaction.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserIDByAuthSubject resolves the internal UUID from the auth provider subject.
func (r *PostgresRepository) FindUserIDByAuthSubject(ctx context.Context, subject string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE auth_subject = $1", subject).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return id, nil
}

const poolColumns = `id, user_id, source_type, amount, remaining, expires_at, rollover_eligible, reference_id, created_at, updated_at`

func scanPool(row pgx.Row, p *domain.TokenPool) error {
	return row.Scan(
		&p.ID, &p.UserID, &p.SourceType, &p.Amount, &p.Remaining,
		&p.ExpiresAt, &p.RolloverEligible, &p.ReferenceID, &p.CreatedAt, &p.UpdatedAt,
	)
}

// FindActivePools retrieves the pools that currently contribute to a user's balance.
// A pool whose expires_at is in the past is excluded even if the expiry sweep has
// not physically zeroed it yet.
func (r *PostgresRepository) FindActivePools(ctx context.Context, userID uuid.UUID, now time.Time) ([]domain.TokenPool, error) {
	query := `
		SELECT ` + poolColumns + `
		FROM token_pools
		WHERE user_id = $1 AND remaining > 0 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []domain.TokenPool
	for rows.Next() {
		var p domain.TokenPool
		if err := scanPool(rows, &p); err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

// FindPoolBySourceReference retrieves one pool by its natural grant key, active or not.
func (r *PostgresRepository) FindPoolBySourceReference(ctx context.Context, userID uuid.UUID, sourceType, referenceID string) (*domain.TokenPool, error) {
	return findPoolBySourceReference(ctx, r.db, userID, sourceType, referenceID)
}

func findPoolBySourceReference(ctx context.Context, q pgxQuerier, userID uuid.UUID, sourceType, referenceID string) (*domain.TokenPool, error) {
	query := `
		SELECT ` + poolColumns + `
		FROM token_pools
		WHERE user_id = $1 AND source_type = $2 AND reference_id = $3
	`
	var p domain.TokenPool
	if err := scanPool(q.QueryRow(ctx, query, userID, sourceType, referenceID), &p); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}
	return &p, nil
}

const entryColumns = `id, user_id, amount, balance_after, source_type, action_type, pool_id, reference_id, idempotency_key, metadata, created_at`

func scanEntry(row pgx.Row, e *domain.LedgerEntry) error {
	return row.Scan(
		&e.ID, &e.UserID, &e.Amount, &e.BalanceAfter, &e.SourceType, &e.ActionType,
		&e.PoolID, &e.ReferenceID, &e.IdempotencyKey, &e.Metadata, &e.CreatedAt,
	)
}

// FindLedgerEntryByIdempotencyKey retrieves the prior entry for an idempotent replay.
func (r *PostgresRepository) FindLedgerEntryByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.LedgerEntry, error) {
	return findLedgerEntryByIdempotencyKey(ctx, r.db, userID, key)
}

func findLedgerEntryByIdempotencyKey(ctx context.Context, q pgxQuerier, userID uuid.UUID, key string) (*domain.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM token_ledger_entries
		WHERE user_id = $1 AND idempotency_key = $2
	`
	var e domain.LedgerEntry
	if err := scanEntry(q.QueryRow(ctx, query, userID, key), &e); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ListLedgerEntries retrieves a page of a user's ledger history, newest first.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, userID uuid.UUID, opts domain.HistoryOptions) ([]domain.LedgerEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + entryColumns + `
		FROM token_ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := scanEntry(rows, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// activeBalance sums remaining across a user's active pools at the given instant.
func activeBalance(ctx context.Context, q pgxQuerier, userID uuid.UUID, now time.Time) (int64, error) {
	var balance int64
	query := `
		SELECT COALESCE(SUM(remaining), 0)
		FROM token_pools
		WHERE user_id = $1 AND remaining > 0 AND (expires_at IS NULL OR expires_at > $2)
	`
	err := q.QueryRow(ctx, query, userID, now).Scan(&balance)
	return balance, err
}

// insertEntry appends one immutable ledger entry.
func insertEntry(ctx context.Context, q pgxQuerier, e *domain.LedgerEntry) error {
	query := `
		INSERT INTO token_ledger_entries (
			id, user_id, amount, balance_after, source_type, action_type,
			pool_id, reference_id, idempotency_key, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`
	return q.QueryRow(ctx, query,
		e.ID, e.UserID, e.Amount, e.BalanceAfter, e.SourceType, e.ActionType,
		e.PoolID, e.ReferenceID, e.IdempotencyKey, e.Metadata,
	).Scan(&e.CreatedAt)
}

// insertPool creates one pool row. A conflict on the natural grant key
// (user_id, source_type, reference_id) reports inserted=false and leaves the
// existing pool untouched.
func insertPool(ctx context.Context, q pgxQuerier, p *domain.TokenPool) (bool, error) {
	query := `
		INSERT INTO token_pools (
			id, user_id, source_type, amount, remaining, expires_at, rollover_eligible, reference_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, source_type, reference_id) DO NOTHING
		RETURNING created_at, updated_at
	`
	err := q.QueryRow(ctx, query,
		p.ID, p.UserID, p.SourceType, p.Amount, p.Remaining,
		p.ExpiresAt, p.RolloverEligible, p.ReferenceID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if isForeignKeyViolation(err) {
		return false, fmt.Errorf("%w: %s", ErrUserNotFound, p.UserID)
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeductTokens consumes params.Cost tokens across the user's active pools in
// fixed priority order, writing one aggregate debit entry whose metadata holds
// the per-pool breakdown. The pool decrements and the ledger entry commit as a
// single atomic unit. Replays with a known idempotency key return the prior
// result without touching balances.
func (r *PostgresRepository) DeductTokens(ctx context.Context, params DeductTokensParams) (*domain.DeductionResult, error) {
	if params.IdempotencyKey != nil {
		prior, err := findLedgerEntryByIdempotencyKey(ctx, r.db, params.UserID, *params.IdempotencyKey)
		if err == nil {
			return &domain.DeductionResult{NewBalance: prior.BalanceAfter, Entry: *prior, Idempotent: true}, nil
		}
		if !errors.Is(err, ErrLedgerEntryNotFound) {
			return nil, err
		}
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the user's active pools in a stable order. Consumption order is
	// applied in memory afterwards; locking by id keeps concurrent deductions
	// from deadlocking each other.
	lockQuery := `
		SELECT ` + poolColumns + `
		FROM token_pools
		WHERE user_id = $1 AND remaining > 0 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY id
		FOR UPDATE
	`
	rows, err := tx.Query(ctx, lockQuery, params.UserID, params.Now)
	if err != nil {
		return nil, err
	}
	var pools []domain.TokenPool
	for rows.Next() {
		var p domain.TokenPool
		if err := scanPool(rows, &p); err != nil {
			rows.Close()
			return nil, err
		}
		pools = append(pools, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	draws, available := planPoolDraws(pools, params.Cost)
	if draws == nil {
		return nil, &InsufficientTokensError{Balance: available, Cost: params.Cost}
	}

	for _, draw := range draws {
		if _, err := tx.Exec(ctx,
			`UPDATE token_pools SET remaining = remaining - $1, updated_at = NOW() WHERE id = $2`,
			draw.Amount, draw.PoolID,
		); err != nil {
			return nil, err
		}
	}

	newBalance := available - params.Cost

	meta := struct {
		Draws   []PoolDraw      `json:"draws"`
		Request json.RawMessage `json:"request,omitempty"`
	}{Draws: draws, Request: params.Metadata}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	entry := domain.LedgerEntry{
		ID:             uuid.New(),
		UserID:         params.UserID,
		Amount:         -params.Cost,
		BalanceAfter:   newBalance,
		SourceType:     draws[0].SourceType,
		ActionType:     &params.ActionType,
		ReferenceID:    params.ReferenceID,
		IdempotencyKey: params.IdempotencyKey,
		Metadata:       metaJSON,
	}
	if len(draws) == 1 {
		entry.PoolID = &draws[0].PoolID
	}

	if err := insertEntry(ctx, tx, &entry); err != nil {
		if isUniqueViolation(err) && params.IdempotencyKey != nil {
			// Lost the race against a concurrent duplicate; surface its result.
			tx.Rollback(ctx)
			prior, lookupErr := findLedgerEntryByIdempotencyKey(ctx, r.db, params.UserID, *params.IdempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return &domain.DeductionResult{NewBalance: prior.BalanceAfter, Entry: *prior, Idempotent: true}, nil
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &domain.DeductionResult{NewBalance: newBalance, Entry: entry}, nil
}

// CreatePoolWithEntry issues one grant: a new pool plus its credit ledger entry,
// atomically. If a pool with the same natural key already exists the grant is a
// no-op and the existing pool is returned with created=false, so callers can
// retry a failed grant without double-crediting.
func (r *PostgresRepository) CreatePoolWithEntry(ctx context.Context, grant GrantSpec) (*domain.TokenPool, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	pool := domain.TokenPool{
		ID:               uuid.New(),
		UserID:           grant.UserID,
		SourceType:       grant.SourceType,
		Amount:           grant.Amount,
		Remaining:        grant.Amount,
		ExpiresAt:        grant.ExpiresAt,
		RolloverEligible: grant.RolloverEligible,
		ReferenceID:      grant.ReferenceID,
	}
	inserted, err := insertPool(ctx, tx, &pool)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err := findPoolBySourceReference(ctx, tx, grant.UserID, grant.SourceType, grant.ReferenceID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	balance, err := activeBalance(ctx, tx, grant.UserID, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}

	ref := grant.ReferenceID
	entry := domain.LedgerEntry{
		ID:           uuid.New(),
		UserID:       grant.UserID,
		Amount:       grant.Amount,
		BalanceAfter: balance,
		SourceType:   grant.SourceType,
		PoolID:       &pool.ID,
		ReferenceID:  &ref,
		Metadata:     grant.Metadata,
	}
	if err := insertEntry(ctx, tx, &entry); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return &pool, true, nil
}

// GrantSubscriptionTokens issues one period's subscription pool, folding capped
// rollover from the prior period's pool into the new amount before insert. The
// prior pool is zeroed in the same transaction with a matching expiration entry
// so the ledger stays a faithful projection of pool state.
func (r *PostgresRepository) GrantSubscriptionTokens(ctx context.Context, params SubscriptionGrantParams) (*domain.TokenPool, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var carry int64
	var prior *domain.TokenPool
	if params.PriorReferenceID != "" && params.RolloverCap > 0 {
		lockQuery := `
			SELECT ` + poolColumns + `
			FROM token_pools
			WHERE user_id = $1 AND source_type = $2 AND reference_id = $3
			  AND rollover_eligible AND remaining > 0
			FOR UPDATE
		`
		var p domain.TokenPool
		err := scanPool(tx.QueryRow(ctx, lockQuery, params.UserID, domain.SourceSubscription, params.PriorReferenceID), &p)
		switch {
		case err == pgx.ErrNoRows:
			// Nothing to roll over.
		case err != nil:
			return nil, false, err
		default:
			prior = &p
			carry = p.Remaining
			if carry > params.RolloverCap {
				carry = params.RolloverCap
			}
		}
	}

	pool := domain.TokenPool{
		ID:               uuid.New(),
		UserID:           params.UserID,
		SourceType:       domain.SourceSubscription,
		Amount:           params.BaseAmount + carry,
		Remaining:        params.BaseAmount + carry,
		ExpiresAt:        &params.PeriodEnd,
		RolloverEligible: params.RolloverEligible,
		ReferenceID:      params.ReferenceID,
	}
	inserted, err := insertPool(ctx, tx, &pool)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		existing, err := findPoolBySourceReference(ctx, tx, params.UserID, domain.SourceSubscription, params.ReferenceID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if prior != nil {
		drained := prior.Remaining
		if _, err := tx.Exec(ctx,
			`UPDATE token_pools SET remaining = 0, updated_at = NOW() WHERE id = $1`,
			prior.ID,
		); err != nil {
			return nil, false, err
		}
		balance, err := activeBalance(ctx, tx, params.UserID, params.Now)
		if err != nil {
			return nil, false, err
		}
		// Balance here already includes the freshly inserted pool; back it out
		// so the expiration entry reflects the state before the grant credit.
		priorRef := params.PriorReferenceID
		expEntry := domain.LedgerEntry{
			ID:           uuid.New(),
			UserID:       params.UserID,
			Amount:       -drained,
			BalanceAfter: balance - pool.Amount,
			SourceType:   domain.SourceExpiration,
			PoolID:       &prior.ID,
			ReferenceID:  &priorRef,
		}
		if err := insertEntry(ctx, tx, &expEntry); err != nil {
			return nil, false, err
		}
	}

	balance, err := activeBalance(ctx, tx, params.UserID, params.Now)
	if err != nil {
		return nil, false, err
	}

	metaJSON, err := json.Marshal(struct {
		Plan          string `json:"plan"`
		RolloverCarry int64  `json:"rollover_carry"`
	}{Plan: params.Plan, RolloverCarry: carry})
	if err != nil {
		return nil, false, err
	}

	ref := params.ReferenceID
	entry := domain.LedgerEntry{
		ID:           uuid.New(),
		UserID:       params.UserID,
		Amount:       pool.Amount,
		BalanceAfter: balance,
		SourceType:   domain.SourceSubscription,
		PoolID:       &pool.ID,
		ReferenceID:  &ref,
		Metadata:     metaJSON,
	}
	if err := insertEntry(ctx, tx, &entry); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return &pool, true, nil
}

const subscriptionColumns = `user_id, plan, status, current_period_start, current_period_end, cancel_at_period_end, pending_plan, pending_plan_effective_date, created_at, updated_at`

func scanSubscription(row pgx.Row, s *domain.Subscription) error {
	return row.Scan(
		&s.UserID, &s.Plan, &s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd, &s.PendingPlan, &s.PendingPlanEffectiveDate,
		&s.CreatedAt, &s.UpdatedAt,
	)
}

// GetSubscriptionByUserID retrieves a user's subscription row.
func (r *PostgresRepository) GetSubscriptionByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`
	var s domain.Subscription
	if err := scanSubscription(r.db.QueryRow(ctx, query, userID), &s); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// UpsertSubscription creates or replaces a user's subscription row.
func (r *PostgresRepository) UpsertSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	return upsertSubscription(ctx, r.db, sub)
}

func upsertSubscription(ctx context.Context, q pgxQuerier, sub *domain.Subscription) (*domain.Subscription, error) {
	query := `
		INSERT INTO subscriptions (
			user_id, plan, status, current_period_start, current_period_end,
			cancel_at_period_end, pending_plan, pending_plan_effective_date
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			pending_plan = EXCLUDED.pending_plan,
			pending_plan_effective_date = EXCLUDED.pending_plan_effective_date,
			updated_at = NOW()
		RETURNING ` + subscriptionColumns + `
	`
	var out domain.Subscription
	if err := scanSubscription(q.QueryRow(ctx, query,
		sub.UserID, sub.Plan, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.PendingPlan, sub.PendingPlanEffectiveDate,
	), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetCancelAtPeriodEnd toggles the cancellation flag on a subscription.
func (r *PostgresRepository) SetCancelAtPeriodEnd(ctx context.Context, userID uuid.UUID, cancel bool) (*domain.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET cancel_at_period_end = $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING ` + subscriptionColumns + `
	`
	var s domain.Subscription
	if err := scanSubscription(r.db.QueryRow(ctx, query, userID, cancel), &s); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// RecordPlanTransition appends one plan-transition audit row.
func (r *PostgresRepository) RecordPlanTransition(ctx context.Context, tr *domain.PlanTransition) error {
	return recordPlanTransition(ctx, r.db, tr)
}

func recordPlanTransition(ctx context.Context, q pgxQuerier, tr *domain.PlanTransition) error {
	query := `
		INSERT INTO plan_transitions (
			id, user_id, from_plan, to_plan, kind, proration_amount, effective_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	return q.QueryRow(ctx, query,
		tr.ID, tr.UserID, tr.FromPlan, tr.ToPlan, tr.Kind, tr.ProrationAmount, tr.EffectiveAt,
	).Scan(&tr.CreatedAt)
}

// ChangePlanAtomic persists a plan change as one transaction: the subscription
// update, the transition audit row, and (for upgrades) the bonus token grant.
// Partial application is not an observable outcome.
func (r *PostgresRepository) ChangePlanAtomic(ctx context.Context, sub *domain.Subscription, tr *domain.PlanTransition, grant *GrantSpec) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	updated, err := upsertSubscription(ctx, tx, sub)
	if err != nil {
		return err
	}
	*sub = *updated

	if err := recordPlanTransition(ctx, tx, tr); err != nil {
		return err
	}

	if grant != nil {
		pool := domain.TokenPool{
			ID:               uuid.New(),
			UserID:           grant.UserID,
			SourceType:       grant.SourceType,
			Amount:           grant.Amount,
			Remaining:        grant.Amount,
			ExpiresAt:        grant.ExpiresAt,
			RolloverEligible: grant.RolloverEligible,
			ReferenceID:      grant.ReferenceID,
		}
		inserted, err := insertPool(ctx, tx, &pool)
		if err != nil {
			return err
		}
		if inserted {
			balance, err := activeBalance(ctx, tx, grant.UserID, time.Now().UTC())
			if err != nil {
				return err
			}
			ref := grant.ReferenceID
			entry := domain.LedgerEntry{
				ID:           uuid.New(),
				UserID:       grant.UserID,
				Amount:       grant.Amount,
				BalanceAfter: balance,
				SourceType:   grant.SourceType,
				PoolID:       &pool.ID,
				ReferenceID:  &ref,
				Metadata:     grant.Metadata,
			}
			if err := insertEntry(ctx, tx, &entry); err != nil {
				return err
			}
		}
	}

	return tx.Commit(ctx)
}

// ExpireDuePools physically zeroes pools whose expiry has passed, writing a
// matching negative expiration entry per pool. Reads are already correct
// without the sweep (lazy expiry); this keeps the stored ledger in step.
// Rollover-eligible pools are held back for a grace period so the renewal
// fold sees their remaining before it is zeroed.
func (r *PostgresRepository) ExpireDuePools(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT ` + poolColumns + `
		FROM token_pools
		WHERE remaining > 0 AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE
	`
	rows, err := tx.Query(ctx, query, now, limit)
	if err != nil {
		return 0, err
	}
	var pools []domain.TokenPool
	for rows.Next() {
		var p domain.TokenPool
		if err := scanPool(rows, &p); err != nil {
			rows.Close()
			return 0, err
		}
		pools = append(pools, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	swept := 0
	for i := range pools {
		p := &pools[i]
		if heldForRollover(p, now) {
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE token_pools SET remaining = 0, updated_at = NOW() WHERE id = $1`,
			p.ID,
		); err != nil {
			return 0, err
		}
		balance, err := activeBalance(ctx, tx, p.UserID, now)
		if err != nil {
			return 0, err
		}
		ref := p.ReferenceID
		entry := domain.LedgerEntry{
			ID:           uuid.New(),
			UserID:       p.UserID,
			Amount:       -p.Remaining,
			BalanceAfter: balance,
			SourceType:   domain.SourceExpiration,
			PoolID:       &p.ID,
			ReferenceID:  &ref,
		}
		if err := insertEntry(ctx, tx, &entry); err != nil {
			return 0, err
		}
		swept++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return swept, nil
}

// FindSubscriptionsDueForRenewal lists active subscriptions whose current
// period has ended, oldest boundary first.
func (r *PostgresRepository) FindSubscriptionsDueForRenewal(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = 'active' AND current_period_end <= $1
		ORDER BY current_period_end
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var s domain.Subscription
		if err := scanSubscription(rows, &s); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
