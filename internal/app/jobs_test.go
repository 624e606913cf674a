package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/personaforge/token-ledger-service/internal/store"
)

type jobsRepoStub struct {
	store.Repository

	expireLimit int
	expired     int
	expireErr   error
}

func (s *jobsRepoStub) ExpireDuePools(ctx context.Context, now time.Time, limit int) (int, error) {
	s.expireLimit = limit
	if s.expireErr != nil {
		return 0, s.expireErr
	}
	return s.expired, nil
}

func newTestJobs(repo store.Repository) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(NewService(repo, nil, 0, 0), logger)
}

func TestProcessPoolExpiryUsesBatchSize(t *testing.T) {
	repo := &jobsRepoStub{expired: 3}
	jobs := newTestJobs(repo)

	jobs.ProcessPoolExpiry()

	if repo.expireLimit != expirySweepBatchSize {
		t.Fatalf("expected batch size %d, got %d", expirySweepBatchSize, repo.expireLimit)
	}
}

func TestProcessPoolExpirySurvivesRepositoryError(t *testing.T) {
	repo := &jobsRepoStub{expireErr: errors.New("db down")}
	jobs := newTestJobs(repo)

	// Must log and return, not panic; the next tick retries.
	jobs.ProcessPoolExpiry()
}
