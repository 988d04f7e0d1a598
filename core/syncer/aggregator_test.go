package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunesync/model"
)

func claimRun(t *testing.T, f *fixture, userID int64) {
	t.Helper()
	claimed, err := f.users.ClaimSync(context.Background(), userID, f.now, f.now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestHandleAggregateCountsFingerprintOnce(t *testing.T) {
	f := newFixture(t, newFakeCatalog())
	f.addUser(t, 1)
	claimRun(t, f, 1)

	task := AggregateTask{
		UserID: 1, Fingerprint: "fp-1", NetTracks: 5, Merges: 3, Deletes: 1,
		PartialProduct: "1000", BatchNum: 1,
	}
	require.NoError(t, f.service.HandleAggregate(context.Background(), task))
	require.NoError(t, f.service.HandleAggregate(context.Background(), task))

	u, err := f.users.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), u.TrackCount)
	assert.Equal(t, int64(3), u.MergedCount)
	assert.Equal(t, int64(1), u.DeletedCount)
}

func TestHandleAggregateLastBatchDispatchesFinalizer(t *testing.T) {
	f := newFixture(t, newFakeCatalog())
	f.addUser(t, 1)
	claimRun(t, f, 1)

	task := AggregateTask{
		UserID: 1, Fingerprint: "fp-last", NetTracks: 1,
		PartialProduct: "1000", BatchNum: 3, IsLast: true,
	}
	require.NoError(t, f.service.HandleAggregate(context.Background(), task))
	// A redelivered last batch must still dispatch, in case the earlier
	// finalize task was lost.
	require.NoError(t, f.service.HandleAggregate(context.Background(), task))

	finalizes := f.queue.byTopic(TopicFinalize)
	require.Len(t, finalizes, 2)
	fin := finalizes[0].payload.(FinalizeTask)
	assert.Equal(t, 3, fin.BatchNum)
}

func TestHandleFinalizeReschedulesWhileBatchesMissing(t *testing.T) {
	f := newFixture(t, newFakeCatalog())
	f.addUser(t, 1)
	claimRun(t, f, 1)

	// One of two batches landed.
	_, _, err := f.users.RecordBatch(context.Background(), 1,
		BatchDelta{Fingerprint: "fp-1", BatchNum: 1, NetTracks: 1, PartialProduct: "1000"})
	require.NoError(t, err)

	require.NoError(t, f.service.HandleFinalize(context.Background(),
		FinalizeTask{UserID: 1, BatchNum: 2, Attempt: 0}))

	rescheduled := f.queue.byTopic(TopicFinalize)
	require.Len(t, rescheduled, 1)
	next := rescheduled[0].payload.(FinalizeTask)
	assert.Equal(t, 1, next.Attempt)

	// Still syncing, nothing committed.
	u, err := f.users.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, u.Syncing)
	assert.Equal(t, int64(0), u.MeanDurationMs)
}

func TestHandleFinalizeGivesUpAfterAttemptBudget(t *testing.T) {
	f := newFixture(t, newFakeCatalog())
	f.addUser(t, 1)
	claimRun(t, f, 1)

	err := f.service.HandleFinalize(context.Background(),
		FinalizeTask{UserID: 1, BatchNum: 2, Attempt: 10})
	require.Error(t, err)
	assert.Empty(t, f.queue.byTopic(TopicFinalize))
}

func TestHandleFinalizeCompletesRun(t *testing.T) {
	f := newFixture(t, newFakeCatalog())
	f.addUser(t, 1)
	claimRun(t, f, 1)

	// Batches land out of order; the finalizer only cares that both landed.
	_, _, err := f.users.RecordBatch(context.Background(), 1,
		BatchDelta{Fingerprint: "fp-2", BatchNum: 2, NetTracks: 2, PartialProduct: "32000000"})
	require.NoError(t, err)
	_, _, err = f.users.RecordBatch(context.Background(), 1,
		BatchDelta{Fingerprint: "fp-1", BatchNum: 1, NetTracks: 2, PartialProduct: "2000000"})
	require.NoError(t, err)

	require.NoError(t, f.service.HandleFinalize(context.Background(),
		FinalizeTask{UserID: 1, BatchNum: 2, Initial: true}))

	u, err := f.users.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, u.Syncing)
	assert.Equal(t, int64(2828), u.MeanDurationMs)
	assert.NotNil(t, u.SyncFinishedAt)
	require.NotNil(t, u.LastSyncedAt)
	assert.Equal(t, f.now, *u.LastSyncedAt)

	// Full syncs trigger the cleanup sweep.
	janitors := f.queue.byTopic(TopicJanitor)
	require.Len(t, janitors, 1)
	jan := janitors[0].payload.(JanitorTask)
	assert.Equal(t, f.now.UnixMicro(), jan.BeforeUnixMicro)
}

func TestHandleFinalizeIncrementalRunSkipsJanitor(t *testing.T) {
	f := newFixture(t, newFakeCatalog())
	f.addUser(t, 1)
	claimRun(t, f, 1)

	_, _, err := f.users.RecordBatch(context.Background(), 1,
		BatchDelta{Fingerprint: "fp-1", BatchNum: 1, NetTracks: 1, PartialProduct: "1000"})
	require.NoError(t, err)

	require.NoError(t, f.service.HandleFinalize(context.Background(),
		FinalizeTask{UserID: 1, BatchNum: 1, Initial: false}))
	assert.Empty(t, f.queue.byTopic(TopicJanitor))
}

func TestHandleFinalizeDropsCompletedRun(t *testing.T) {
	f := newFixture(t, newFakeCatalog())
	f.addUser(t, 1) // not syncing

	require.NoError(t, f.service.HandleFinalize(context.Background(),
		FinalizeTask{UserID: 1, BatchNum: 1}))
	assert.Empty(t, f.queue.tasks)
}

func TestHandleJanitorReschedulesOnFullSweep(t *testing.T) {
	f := newFixture(t, newFakeCatalog())
	f.addUser(t, 1)

	stale := f.now.Add(-48 * time.Hour)
	for _, id := range []string{"a", "b", "c"} {
		rec := liveRecord(id, 1000, 10)
		track, err := Materialize(1, rec, stale)
		require.NoError(t, err)
		require.NoError(t, f.tracks.UpsertBatch(context.Background(), []*model.Track{track}))
	}

	task := JanitorTask{UserID: 1, BeforeUnixMicro: f.now.UnixMicro()}
	// JanitorBatch is 2: first sweep is full and reschedules.
	require.NoError(t, f.service.HandleJanitor(context.Background(), task))
	assert.Equal(t, 1, f.tracks.count(1))
	require.Len(t, f.queue.byTopic(TopicJanitor), 1)

	// Second sweep deletes the remainder and stops.
	f.queue.tasks = nil
	require.NoError(t, f.service.HandleJanitor(context.Background(), task))
	assert.Equal(t, 0, f.tracks.count(1))
	assert.Empty(t, f.queue.byTopic(TopicJanitor))
}
