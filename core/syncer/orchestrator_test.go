package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunesync/core/catalog"
	"tunesync/model"
)

func userWithoutCreds(id int64) *model.User {
	return &model.User{ID: id, Username: "bare"}
}

func TestStartSyncClaimsAndDispatches(t *testing.T) {
	f := newFixture(t, newFakeCatalog([]catalog.Record{liveRecord("t1", 1000, 10)}))
	f.addUser(t, 1)

	require.NoError(t, f.service.StartSync(context.Background(), 1))

	u, err := f.users.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, u.Syncing)
	assert.Equal(t, int64(0), u.TrackCount)

	pages := f.queue.byTopic(TopicPages)
	require.Len(t, pages, 1)
	task := pages[0].payload.(PageTask)
	assert.True(t, task.Initial)
	assert.Zero(t, task.WatermarkMicros)
	assert.Empty(t, task.PageToken)

	// The password rides encrypted and decrypts with the user's AAD.
	plain, err := f.cipher.Decrypt(task.EncryptedPassword, "1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestStartSyncIncrementalWatermark(t *testing.T) {
	f := newFixture(t, newFakeCatalog([]catalog.Record{}))
	u := f.addUser(t, 1)
	last := f.now.Add(-12 * time.Hour)
	u.LastSyncedAt = &last

	require.NoError(t, f.service.StartSync(context.Background(), 1))

	pages := f.queue.byTopic(TopicPages)
	require.Len(t, pages, 1)
	task := pages[0].payload.(PageTask)
	assert.False(t, task.Initial)
	assert.Equal(t, last.UnixMicro(), task.WatermarkMicros)
}

func TestStartSyncWithoutCredentials(t *testing.T) {
	f := newFixture(t, newFakeCatalog())
	f.users.users[1] = userWithoutCreds(1)

	err := f.service.StartSync(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Empty(t, f.queue.tasks)
}

func TestStartSyncAlreadyRunning(t *testing.T) {
	f := newFixture(t, newFakeCatalog())
	u := f.addUser(t, 1)
	started := f.now.Add(-time.Minute)
	u.Syncing = true
	u.SyncStartedAt = &started

	err := f.service.StartSync(context.Background(), 1)
	assert.ErrorIs(t, err, ErrAlreadySyncing)
	assert.Empty(t, f.queue.tasks)
}

func TestStartSyncReclaimsStaleRun(t *testing.T) {
	f := newFixture(t, newFakeCatalog())
	u := f.addUser(t, 1)
	started := f.now.Add(-25 * time.Hour) // past StaleAfter
	u.Syncing = true
	u.SyncStartedAt = &started
	u.TrackCount = 99

	require.NoError(t, f.service.StartSync(context.Background(), 1))

	fresh, err := f.users.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, fresh.Syncing)
	assert.Equal(t, int64(0), fresh.TrackCount)
	assert.Equal(t, f.now, *fresh.SyncStartedAt)
}

func TestStartAllSkipsIneligibleUsers(t *testing.T) {
	f := newFixture(t, newFakeCatalog())
	f.addUser(t, 1)
	busy := f.addUser(t, 2)
	started := f.now.Add(-time.Minute)
	busy.Syncing = true
	busy.SyncStartedAt = &started
	f.users.users[3] = userWithoutCreds(3)

	count, err := f.service.StartAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, f.queue.byTopic(TopicPages), 1)
}

func TestHandlePageWalksBoundedPagesThenContinues(t *testing.T) {
	// Three pages, two allowed per invocation.
	f := newFixture(t, newFakeCatalog(
		[]catalog.Record{liveRecord("t1", 1000, 10)},
		[]catalog.Record{liveRecord("t2", 2000, 20)},
		[]catalog.Record{liveRecord("t3", 4000, 30)},
	))
	f.addUser(t, 1)
	require.NoError(t, f.service.StartSync(context.Background(), 1))

	first, ok := f.queue.pop()
	require.True(t, ok)
	require.NoError(t, f.service.HandlePage(context.Background(), first.payload.(PageTask)))

	batches := f.queue.byTopic(TopicBatches)
	require.Len(t, batches, 2)
	assert.Equal(t, 1, batches[0].payload.(BatchTask).BatchNum)
	assert.False(t, batches[0].payload.(BatchTask).IsLast)
	assert.Equal(t, 2, batches[1].payload.(BatchTask).BatchNum)
	assert.False(t, batches[1].payload.(BatchTask).IsLast)

	continuations := f.queue.byTopic(TopicPages)
	require.Len(t, continuations, 1)
	next := continuations[0].payload.(PageTask)
	assert.Equal(t, "page-2", next.PageToken)
	assert.Equal(t, 2, next.BatchNum)
	assert.Equal(t, 2, next.TotalTracks)
	assert.NotEmpty(t, next.EncryptedPassword)

	// The session never crosses the task boundary.
	assert.Equal(t, 1, f.catalog.logins)
	assert.Equal(t, 1, f.catalog.logouts)
}

func TestHandlePageFinalPageMarksLast(t *testing.T) {
	f := newFixture(t, newFakeCatalog(
		[]catalog.Record{liveRecord("t1", 1000, 10)},
	))
	f.addUser(t, 1)
	require.NoError(t, f.service.StartSync(context.Background(), 1))

	first, ok := f.queue.pop()
	require.True(t, ok)
	require.NoError(t, f.service.HandlePage(context.Background(), first.payload.(PageTask)))

	batches := f.queue.byTopic(TopicBatches)
	require.Len(t, batches, 1)
	assert.True(t, batches[0].payload.(BatchTask).IsLast)
	assert.Empty(t, f.queue.byTopic(TopicPages))
	assert.Equal(t, 1, f.catalog.logouts)
}

func TestHandlePageEmptyTrailingPage(t *testing.T) {
	// A catalog whose size divides the page size evenly hands back a full
	// page with a token, then an empty terminal page. That empty page must
	// still flow through as the last batch.
	f := newFixture(t, newFakeCatalog(
		[]catalog.Record{liveRecord("t1", 1000, 10), liveRecord("t2", 2000, 20)},
		[]catalog.Record{},
	))
	f.addUser(t, 1)
	require.NoError(t, f.service.StartSync(context.Background(), 1))

	first, ok := f.queue.pop()
	require.True(t, ok)
	require.NoError(t, f.service.HandlePage(context.Background(), first.payload.(PageTask)))

	batches := f.queue.byTopic(TopicBatches)
	require.Len(t, batches, 2)
	last := batches[1].payload.(BatchTask)
	assert.True(t, last.IsLast)
	assert.Empty(t, last.Records)
}

func TestHandlePageLogsOutOnFetchFailure(t *testing.T) {
	f := newFixture(t, newFakeCatalog())
	f.addUser(t, 1)
	require.NoError(t, f.service.StartSync(context.Background(), 1))

	first, ok := f.queue.pop()
	require.True(t, ok)
	task := first.payload.(PageTask)
	task.PageToken = "no-such-token"

	err := f.service.HandlePage(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, 1, f.catalog.logins)
	assert.Equal(t, 1, f.catalog.logouts)
}
