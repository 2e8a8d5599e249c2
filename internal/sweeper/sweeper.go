// Package sweeper retries orphaned blob deletions that failed after a record
// replace committed.
package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kokoron/kokoron/internal/blob"
	"github.com/kokoron/kokoron/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// Deleter removes a blob by key. Deleting a missing key succeeds.
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

// Sweeper processes blob_delete jobs from the job queue.
type Sweeper struct {
	store  JobStore
	blobs  Deleter
	poll   time.Duration
	logger *slog.Logger
}

// New creates a Sweeper. If pollInterval is <= 0, it defaults to 30s.
func New(store JobStore, blobs Deleter, pollInterval time.Duration) *Sweeper {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Sweeper{
		store:  store,
		blobs:  blobs,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("sweeper iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}
	}
}

// RunOnce claims and processes a single blob_delete job.
// Returns true if a job was processed (regardless of success/failure).
func (s *Sweeper) RunOnce(ctx context.Context) (bool, error) {
	job, err := s.store.ClaimNextJob(ctx, []string{storage.JobBlobDelete})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := s.processJob(ctx, job); err != nil {
		s.logger.Warn("orphan delete retry failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := s.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			s.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := s.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type deletePayload struct {
	Key string `json:"key"`
}

func (s *Sweeper) processJob(ctx context.Context, job *storage.Job) error {
	var payload deletePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	err := s.blobs.Delete(ctx, payload.Key)
	if errors.Is(err, blob.ErrInvalidKey) {
		// Retrying cannot fix a malformed key.
		s.logger.Error("dropping orphan delete with invalid key", "job_id", job.ID, "key", payload.Key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting %s: %w", payload.Key, err)
	}
	s.logger.Info("orphan blob deleted", "key", payload.Key, "job_id", job.ID)
	return nil
}
