package syncer

import (
	"context"
	"fmt"
	stdsync "sync"

	"tunesync/logger"
	"tunesync/model"
)

// HandleBatch persists one classified page and hands its totals to the
// aggregator. The handler is re-runnable end to end: upserts are full
// overwrites, deletes tolerate absent rows, and the aggregate handoff is
// deduplicated by fingerprint downstream. Any store failure fails the whole
// batch loudly — a partial commit is never reported as success.
func (s *Service) HandleBatch(ctx context.Context, task BatchTask) error {
	buckets, err := Classify(task.Records, task.WatermarkMicros, task.Initial)
	if err != nil {
		return fmt.Errorf("batch %d for user %d: %w", task.BatchNum, task.UserID, err)
	}

	now := s.now()
	entities := make([]*model.Track, 0, len(buckets.Merges))
	for _, rec := range buckets.Merges {
		track, err := Materialize(task.UserID, rec, now)
		if err != nil {
			return fmt.Errorf("batch %d for user %d: %w", task.BatchNum, task.UserID, err)
		}
		entities = append(entities, track)
	}

	// Issue both writes concurrently, then barrier: the batch is complete
	// only when every outstanding write has landed.
	var wg stdsync.WaitGroup
	var upsertErr, deleteErr error
	if len(entities) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			upsertErr = s.tracks.UpsertBatch(ctx, entities)
		}()
	}
	if len(buckets.Deletes) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deleteErr = s.tracks.DeleteBatch(ctx, task.UserID, buckets.Deletes)
		}()
	}
	wg.Wait()
	if upsertErr != nil {
		return fmt.Errorf("batch %d for user %d: upsert failed: %w", task.BatchNum, task.UserID, upsertErr)
	}
	if deleteErr != nil {
		return fmt.Errorf("batch %d for user %d: delete failed: %w", task.BatchNum, task.UserID, deleteErr)
	}

	ids, err := RecordIDs(task.Records)
	if err != nil {
		return fmt.Errorf("batch %d for user %d: %w", task.BatchNum, task.UserID, err)
	}
	product, err := PartialProduct(task.Records)
	if err != nil {
		return fmt.Errorf("batch %d for user %d: %w", task.BatchNum, task.UserID, err)
	}

	agg := AggregateTask{
		UserID:      task.UserID,
		Fingerprint: Fingerprint(ids),
		// Live records in the page; the run counter sums these to the live
		// catalog size, which is the geometric mean's divisor.
		NetTracks:      len(task.Records) - len(buckets.Deletes),
		Merges:         len(buckets.Merges),
		Deletes:        len(buckets.Deletes),
		PartialProduct: product,
		IsLast:         task.IsLast,
		BatchNum:       task.BatchNum,
		Initial:        task.Initial,
	}
	if err := s.queue.Enqueue(ctx, TopicAggregate, agg); err != nil {
		return fmt.Errorf("batch %d for user %d: failed to enqueue aggregate: %w", task.BatchNum, task.UserID, err)
	}

	logger.Info("batch persisted",
		logger.Int64("userId", task.UserID),
		logger.Int("batchNum", task.BatchNum),
		logger.Int("merges", len(buckets.Merges)),
		logger.Int("deletes", len(buckets.Deletes)),
		logger.Int("skips", len(buckets.Skips)))
	return nil
}
