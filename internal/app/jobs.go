/**
 * @description
 * Scheduled job implementations for the token-ledger-service: the pool expiry
 * sweep and the subscription period rollover.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// Job batch sizes. One cron tick processes at most this many rows; the next
// tick picks up the remainder.
const (
	expirySweepBatchSize = 500
	renewalBatchSize     = 200
)

const jobTimeout = 5 * time.Minute

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	service *Service
	logger  *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(service *Service, logger *slog.Logger) *Jobs {
	return &Jobs{
		service: service,
		logger:  logger,
	}
}

// ProcessPoolExpiry zeroes expired token pools and writes the matching
// expiration ledger entries.
func (j *Jobs) ProcessPoolExpiry() {
	j.logger.Info("starting token pool expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	expired, err := j.service.RunPoolExpirySweep(ctx, expirySweepBatchSize)
	if err != nil {
		j.logger.Error("failed to expire token pools", "error", err, "expired", expired)
		return
	}

	j.logger.Info("token pool expiry job finished", "expired", expired)
}

// ProcessPeriodRollover renews subscriptions whose billing period has ended,
// applying pending downgrades and cancellation lapses.
func (j *Jobs) ProcessPeriodRollover() {
	j.logger.Info("starting subscription period rollover job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	renewed, err := j.service.RunPeriodRollover(ctx, renewalBatchSize)
	if err != nil {
		j.logger.Error("failed to roll over subscription periods", "error", err, "renewed", renewed)
		return
	}

	if renewed == 0 {
		j.logger.Info("no subscriptions due for renewal")
		return
	}

	j.logger.Info("subscription period rollover job finished", "renewed", renewed)
}
