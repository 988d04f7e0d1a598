package syncer

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunesync/core/catalog"
	"tunesync/core/crypt"
	"tunesync/model"
)

// In-process fakes mirroring the store contracts: the user fake keeps the
// fingerprint-ledger semantics, the track fake the overwrite/tolerant-delete
// semantics, and the queue fake either records tasks or dispatches them
// synchronously for whole-pipeline tests.

type fakeUserStore struct {
	mu     stdsync.Mutex
	users  map[int64]*model.User
	ledger map[int64]map[string]*model.SyncBatch
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:  make(map[int64]*model.User),
		ledger: make(map[int64]map[string]*model.SyncBatch),
	}
}

func (f *fakeUserStore) GetByID(_ context.Context, id int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserStore) ListIDs(_ context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.users))
	for id := range f.users {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeUserStore) ClaimSync(_ context.Context, userID int64, startedAt, staleBefore time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return false, fmt.Errorf("user %d not found", userID)
	}
	if u.Syncing && u.SyncStartedAt != nil && !u.SyncStartedAt.Before(staleBefore) {
		return false, nil
	}
	started := startedAt
	u.Syncing = true
	u.SyncStartedAt = &started
	u.SyncFinishedAt = nil
	u.TrackCount, u.MergedCount, u.DeletedCount, u.MeanDurationMs = 0, 0, 0, 0
	delete(f.ledger, userID)
	return true, nil
}

func (f *fakeUserStore) RecordBatch(_ context.Context, userID int64, delta BatchDelta) (bool, *model.SyncRunState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return false, nil, fmt.Errorf("user %d not found", userID)
	}
	rows := f.ledger[userID]
	if rows == nil {
		rows = make(map[string]*model.SyncBatch)
		f.ledger[userID] = rows
	}
	counted := false
	if _, dup := rows[delta.Fingerprint]; !dup {
		counted = true
		rows[delta.Fingerprint] = &model.SyncBatch{
			UserID:         userID,
			Fingerprint:    delta.Fingerprint,
			BatchNum:       delta.BatchNum,
			NetTracks:      delta.NetTracks,
			Merges:         delta.Merges,
			Deletes:        delta.Deletes,
			PartialProduct: delta.PartialProduct,
		}
		u.TrackCount += int64(delta.NetTracks)
		u.MergedCount += int64(delta.Merges)
		u.DeletedCount += int64(delta.Deletes)
	}
	return counted, f.runStateLocked(u, rows), nil
}

func (f *fakeUserStore) runStateLocked(u *model.User, rows map[string]*model.SyncBatch) *model.SyncRunState {
	state := &model.SyncRunState{
		Syncing:       u.Syncing,
		SyncStartedAt: u.SyncStartedAt,
		TrackCount:    u.TrackCount,
		MergedCount:   u.MergedCount,
		DeletedCount:  u.DeletedCount,
		LedgerSize:    len(rows),
	}
	ordered := make([]*model.SyncBatch, 0, len(rows))
	for _, row := range rows {
		ordered = append(ordered, row)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].BatchNum < ordered[j].BatchNum })
	for _, row := range ordered {
		state.PartialProducts = append(state.PartialProducts, row.PartialProduct)
	}
	return state
}

func (f *fakeUserStore) RunState(_ context.Context, userID int64) (*model.SyncRunState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d not found", userID)
	}
	return f.runStateLocked(u, f.ledger[userID]), nil
}

func (f *fakeUserStore) CompleteSync(_ context.Context, userID int64, meanDurationMs int64, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return fmt.Errorf("user %d not found", userID)
	}
	if !u.Syncing {
		return nil
	}
	u.MeanDurationMs = meanDurationMs
	u.Syncing = false
	finished := finishedAt
	u.SyncFinishedAt = &finished
	u.LastSyncedAt = u.SyncStartedAt
	delete(f.ledger, userID)
	return nil
}

type fakeTrackStore struct {
	mu         stdsync.Mutex
	tracks     map[int64]map[string]*model.Track
	failUpsert error
	failDelete error
}

func newFakeTrackStore() *fakeTrackStore {
	return &fakeTrackStore{tracks: make(map[int64]map[string]*model.Track)}
}

func (f *fakeTrackStore) UpsertBatch(_ context.Context, tracks []*model.Track) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert != nil {
		return f.failUpsert
	}
	for _, t := range tracks {
		rows := f.tracks[t.UserID]
		if rows == nil {
			rows = make(map[string]*model.Track)
			f.tracks[t.UserID] = rows
		}
		copied := *t
		rows[t.RemoteID] = &copied
	}
	return nil
}

func (f *fakeTrackStore) DeleteBatch(_ context.Context, userID int64, remoteIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != nil {
		return f.failDelete
	}
	for _, id := range remoteIDs {
		delete(f.tracks[userID], id)
	}
	return nil
}

func (f *fakeTrackStore) DeleteUntouched(_ context.Context, userID int64, before time.Time, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	deleted := 0
	for id, track := range f.tracks[userID] {
		if deleted >= limit {
			break
		}
		if track.LastSyncedAt.Before(before) {
			delete(f.tracks[userID], id)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeTrackStore) count(userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tracks[userID])
}

type queuedTask struct {
	topic   string
	payload any
}

type fakeQueue struct {
	mu    stdsync.Mutex
	tasks []queuedTask
}

func (q *fakeQueue) Enqueue(_ context.Context, topic string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, queuedTask{topic: topic, payload: payload})
	return nil
}

func (q *fakeQueue) pop() (queuedTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return queuedTask{}, false
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, true
}

func (q *fakeQueue) byTopic(topic string) []queuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queuedTask
	for _, task := range q.tasks {
		if task.topic == topic {
			out = append(out, task)
		}
	}
	return out
}

// drain dispatches queued tasks to the service handlers until the queue is
// empty. redeliver > 0 delivers every task that many extra times, simulating
// at-least-once delivery.
func (q *fakeQueue) drain(t *testing.T, s *Service, redeliver int) {
	t.Helper()
	ctx := context.Background()
	for {
		task, ok := q.pop()
		if !ok {
			return
		}
		for i := 0; i <= redeliver; i++ {
			var err error
			switch payload := task.payload.(type) {
			case PageTask:
				err = s.HandlePage(ctx, payload)
			case BatchTask:
				err = s.HandleBatch(ctx, payload)
			case AggregateTask:
				err = s.HandleAggregate(ctx, payload)
			case FinalizeTask:
				err = s.HandleFinalize(ctx, payload)
			case JanitorTask:
				err = s.HandleJanitor(ctx, payload)
			default:
				t.Fatalf("unexpected task payload %T on %s", task.payload, task.topic)
			}
			require.NoError(t, err)
		}
	}
}

type fakeCatalog struct {
	mu      stdsync.Mutex
	pages   []catalog.Page
	logins  int
	logouts int
	byToken map[string]int
}

// newFakeCatalog chains the given pages with continuation tokens; the final
// page gets an empty token.
func newFakeCatalog(pages ...[]catalog.Record) *fakeCatalog {
	f := &fakeCatalog{byToken: map[string]int{"": 0}}
	for i, records := range pages {
		next := ""
		if i < len(pages)-1 {
			next = fmt.Sprintf("page-%d", i+1)
			f.byToken[next] = i + 1
		}
		f.pages = append(f.pages, catalog.Page{Records: records, NextToken: next})
	}
	return f
}

func (f *fakeCatalog) Login(_ context.Context, email, password, deviceID string) (*catalog.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	return &catalog.Session{Token: "session"}, nil
}

func (f *fakeCatalog) ListTracks(_ context.Context, _ *catalog.Session, pageToken string, _ int) (*catalog.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.byToken[pageToken]
	if !ok || idx >= len(f.pages) {
		return nil, fmt.Errorf("unknown page token %q", pageToken)
	}
	page := f.pages[idx]
	return &page, nil
}

func (f *fakeCatalog) Logout(_ context.Context, _ *catalog.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

type fakeProgress struct {
	mu      stdsync.Mutex
	reports []model.SyncProgress
}

func (f *fakeProgress) Report(_ context.Context, progress model.SyncProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, progress)
	return nil
}

func (f *fakeProgress) Clear(_ context.Context, _ int64) error { return nil }

type fixture struct {
	service *Service
	users   *fakeUserStore
	tracks  *fakeTrackStore
	queue   *fakeQueue
	catalog *fakeCatalog
	cipher  *crypt.Cipher
	now     time.Time
}

func newFixture(t *testing.T, cat *fakeCatalog) *fixture {
	t.Helper()
	cipher, err := crypt.New("test-secret")
	require.NoError(t, err)

	f := &fixture{
		users:   newFakeUserStore(),
		tracks:  newFakeTrackStore(),
		queue:   &fakeQueue{},
		catalog: cat,
		cipher:  cipher,
		now:     time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
	}
	f.service = NewService(Config{
		PageSize:         2,
		PagesPerTask:     2,
		StaleAfter:       24 * time.Hour,
		FinalizeAttempts: 10,
		JanitorBatch:     2,
	}, f.users, f.tracks, cat, f.queue, cipher, &fakeProgress{})
	f.service.now = func() time.Time { return f.now }
	return f
}

// addUser stores a user with encrypted catalog credentials.
func (f *fixture) addUser(t *testing.T, id int64) *model.User {
	t.Helper()
	aad := fmt.Sprintf("%d", id)
	email, err := f.cipher.Encrypt("listener@example.com", aad)
	require.NoError(t, err)
	password, err := f.cipher.Encrypt("hunter2", aad)
	require.NoError(t, err)
	u := &model.User{
		ID:              id,
		Username:        fmt.Sprintf("user%d", id),
		CatalogEmail:    email,
		CatalogPassword: password,
	}
	f.users.users[id] = u
	return u
}

func liveRecord(id string, durationMs int64, modifiedMicros int64) catalog.Record {
	return catalog.Record{
		"id":                    id,
		"title":                 "Track " + id,
		"durationMillis":        float64(durationMs),
		"creationTimestamp":     float64(modifiedMicros),
		"lastModifiedTimestamp": float64(modifiedMicros),
		"recentTimestamp":       float64(modifiedMicros),
	}
}

func deletedRecord(id string) catalog.Record {
	return catalog.Record{"id": id, "deleted": true}
}

func TestPipelineConvergesEndToEnd(t *testing.T) {
	cat := newFakeCatalog(
		[]catalog.Record{
			liveRecord("t1", 1000, 10), liveRecord("t2", 2000, 20),
		},
		[]catalog.Record{
			liveRecord("t3", 4000, 30), liveRecord("t4", 8000, 40),
		},
	)
	f := newFixture(t, cat)
	f.addUser(t, 1)

	require.NoError(t, f.service.StartSync(context.Background(), 1))
	f.queue.drain(t, f.service, 0)

	u, err := f.users.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, u.Syncing)
	assert.Equal(t, int64(4), u.TrackCount)
	assert.Equal(t, int64(4), u.MergedCount)
	assert.Equal(t, int64(0), u.DeletedCount)
	// Geometric mean of 1000, 2000, 4000, 8000 ms.
	assert.Equal(t, int64(2828), u.MeanDurationMs)
	assert.NotNil(t, u.LastSyncedAt)
	assert.Equal(t, f.now, *u.LastSyncedAt)
	assert.Equal(t, 4, f.tracks.count(1))
	assert.Equal(t, f.catalog.logins, f.catalog.logouts)
}

func TestPipelineIdempotentUnderRedelivery(t *testing.T) {
	cat := newFakeCatalog(
		[]catalog.Record{liveRecord("t1", 1000, 10), liveRecord("t2", 2000, 20)},
		[]catalog.Record{liveRecord("t3", 4000, 30), liveRecord("t4", 8000, 40)},
	)
	f := newFixture(t, cat)
	f.addUser(t, 1)

	require.NoError(t, f.service.StartSync(context.Background(), 1))
	// Deliver every task three times.
	f.queue.drain(t, f.service, 2)

	u, err := f.users.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, u.Syncing)
	assert.Equal(t, int64(4), u.TrackCount)
	assert.Equal(t, int64(2828), u.MeanDurationMs)
	assert.Equal(t, 4, f.tracks.count(1))
}

func TestIncrementalRunSkipsUnchanged(t *testing.T) {
	// First run: full sync of two tracks.
	cat := newFakeCatalog(
		[]catalog.Record{liveRecord("t1", 1000, 10), liveRecord("t2", 4000, 20)},
	)
	f := newFixture(t, cat)
	f.addUser(t, 1)

	require.NoError(t, f.service.StartSync(context.Background(), 1))
	f.queue.drain(t, f.service, 0)

	firstRunStart := f.now

	// Second run: t1 unchanged, t2 modified after the watermark, t3 gone.
	f.now = f.now.Add(time.Hour)
	watermarkMicros := firstRunStart.UnixMicro()
	f.catalog.pages = []catalog.Page{{
		Records: []catalog.Record{
			liveRecord("t1", 1000, 10), // stale stamp, skip
			liveRecord("t2", 6000, watermarkMicros+5),
			deletedRecord("t3"),
		},
	}}

	require.NoError(t, f.service.StartSync(context.Background(), 1))
	f.queue.drain(t, f.service, 0)

	u, err := f.users.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, u.Syncing)
	assert.Equal(t, int64(2), u.TrackCount) // live records in the page
	assert.Equal(t, int64(1), u.MergedCount)
	assert.Equal(t, int64(1), u.DeletedCount)
	// Mean over the live records: sqrt(1000*6000) = 2449.49 -> 2449.
	assert.Equal(t, int64(2449), u.MeanDurationMs)

	// The skip left t1's stored row untouched and t2 was overwritten.
	assert.Equal(t, 2, f.tracks.count(1))
	f.tracks.mu.Lock()
	assert.Equal(t, int64(6000), f.tracks.tracks[1]["t2"].DurationMillis)
	f.tracks.mu.Unlock()
}

func TestEmptyCatalogFinalizesToZeroMean(t *testing.T) {
	cat := newFakeCatalog([]catalog.Record{})
	f := newFixture(t, cat)
	f.addUser(t, 1)

	require.NoError(t, f.service.StartSync(context.Background(), 1))
	f.queue.drain(t, f.service, 0)

	u, err := f.users.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, u.Syncing)
	assert.Equal(t, int64(0), u.TrackCount)
	assert.Equal(t, int64(0), u.MeanDurationMs)
}
