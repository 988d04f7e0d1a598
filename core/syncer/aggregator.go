package syncer

import (
	"context"
	"fmt"
	"time"

	"tunesync/logger"
	"tunesync/model"
)

// HandleAggregate folds one batch's contribution into the user's durable
// run-state. The store performs the whole step as a single serializable
// read-modify-write keyed on the batch fingerprint, so duplicate deliveries
// are absorbed as no-ops. When the terminal batch passes through — counted
// or duplicate — the finalizer is dispatched; dispatching on duplicates too
// lets a redelivered last batch revive a run whose finalize task was lost.
func (s *Service) HandleAggregate(ctx context.Context, task AggregateTask) error {
	counted, state, err := s.users.RecordBatch(ctx, task.UserID, BatchDelta{
		Fingerprint:    task.Fingerprint,
		BatchNum:       task.BatchNum,
		NetTracks:      task.NetTracks,
		Merges:         task.Merges,
		Deletes:        task.Deletes,
		PartialProduct: task.PartialProduct,
	})
	if err != nil {
		return fmt.Errorf("failed to record batch %d for user %d: %w", task.BatchNum, task.UserID, err)
	}

	if !counted {
		logger.Info("duplicate batch absorbed",
			logger.Int64("userId", task.UserID),
			logger.Int("batchNum", task.BatchNum),
			logger.String("fingerprint", task.Fingerprint))
	} else {
		logger.Info("batch counted",
			logger.Int64("userId", task.UserID),
			logger.Int("batchNum", task.BatchNum),
			logger.Int("netTracks", task.NetTracks),
			logger.Int64("trackCount", state.TrackCount),
			logger.Int("ledgerSize", state.LedgerSize))
		s.reportProgress(ctx, task.UserID, state, false)
	}

	if task.IsLast {
		finalize := FinalizeTask{
			UserID:   task.UserID,
			BatchNum: task.BatchNum,
			Initial:  task.Initial,
		}
		if err := s.queue.Enqueue(ctx, TopicFinalize, finalize); err != nil {
			return fmt.Errorf("failed to enqueue finalize for user %d: %w", task.UserID, err)
		}
	}
	return nil
}

// HandleFinalize closes out a run once every batch has landed. Batches
// arrive unordered across independently scheduled tasks, so the finalizer
// never blocks waiting: when the ledger is still short of the expected
// count it re-enqueues itself and returns.
func (s *Service) HandleFinalize(ctx context.Context, task FinalizeTask) error {
	state, err := s.users.RunState(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("failed to load run state for user %d: %w", task.UserID, err)
	}
	if !state.Syncing {
		// A duplicate finalize delivery after the run committed.
		logger.Debug("finalize on already-completed run",
			logger.Int64("userId", task.UserID))
		return nil
	}

	if state.LedgerSize < task.BatchNum {
		if task.Attempt >= s.cfg.FinalizeAttempts {
			return fmt.Errorf("finalize for user %d gave up after %d attempts: %d of %d batches landed",
				task.UserID, task.Attempt, state.LedgerSize, task.BatchNum)
		}
		logger.Info("not all batches landed, rescheduling finalizer",
			logger.Int64("userId", task.UserID),
			logger.Int("landed", state.LedgerSize),
			logger.Int("expected", task.BatchNum),
			logger.Int("attempt", task.Attempt))
		next := task
		next.Attempt++
		if err := s.queue.Enqueue(ctx, TopicFinalize, next); err != nil {
			return fmt.Errorf("failed to reschedule finalize for user %d: %w", task.UserID, err)
		}
		return nil
	}

	mean, err := GeometricMean(state.PartialProducts, state.TrackCount)
	if err != nil {
		return fmt.Errorf("failed to compute mean duration for user %d: %w", task.UserID, err)
	}

	finishedAt := s.now()
	if err := s.users.CompleteSync(ctx, task.UserID, mean, finishedAt); err != nil {
		return fmt.Errorf("failed to complete sync for user %d: %w", task.UserID, err)
	}
	s.reportProgress(ctx, task.UserID, state, true)

	logger.Info("library sync finalized",
		logger.Int64("userId", task.UserID),
		logger.Int64("trackCount", state.TrackCount),
		logger.Int64("meanDurationMs", mean),
		logger.Duration("meanDuration", time.Duration(mean)*time.Millisecond))

	// Full syncs have no skip bucket, so anything the run never touched is
	// gone remotely. Incremental runs skip-touch nothing and must not sweep.
	if task.Initial && state.SyncStartedAt != nil {
		janitor := JanitorTask{
			UserID:          task.UserID,
			BeforeUnixMicro: state.SyncStartedAt.UnixMicro(),
		}
		if err := s.queue.Enqueue(ctx, TopicJanitor, janitor); err != nil {
			return fmt.Errorf("failed to enqueue janitor for user %d: %w", task.UserID, err)
		}
	}
	return nil
}

// HandleJanitor sweeps a bounded slice of stale rows and re-enqueues itself
// while full batches keep coming back.
func (s *Service) HandleJanitor(ctx context.Context, task JanitorTask) error {
	before := time.UnixMicro(task.BeforeUnixMicro).UTC()
	deleted, err := s.tracks.DeleteUntouched(ctx, task.UserID, before, s.cfg.JanitorBatch)
	if err != nil {
		return fmt.Errorf("janitor sweep failed for user %d: %w", task.UserID, err)
	}
	logger.Info("janitor swept stale tracks",
		logger.Int64("userId", task.UserID),
		logger.Int("deleted", deleted))
	if deleted == s.cfg.JanitorBatch {
		if err := s.queue.Enqueue(ctx, TopicJanitor, task); err != nil {
			return fmt.Errorf("failed to re-enqueue janitor for user %d: %w", task.UserID, err)
		}
	}
	return nil
}

func (s *Service) reportProgress(ctx context.Context, userID int64, state *model.SyncRunState, done bool) {
	if s.progress == nil {
		return
	}
	progress := model.SyncProgress{
		UserID:        userID,
		BatchesLanded: state.LedgerSize,
		TrackCount:    state.TrackCount,
		MergedCount:   state.MergedCount,
		DeletedCount:  state.DeletedCount,
		UpdatedAt:     s.now(),
		Done:          done,
	}
	if err := s.progress.Report(ctx, progress); err != nil {
		logger.Warn("failed to report sync progress",
			logger.Int64("userId", userID), logger.ErrorField(err))
	}
}
