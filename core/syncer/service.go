package syncer

import (
	"context"
	"errors"
	"time"

	"tunesync/core/catalog"
	"tunesync/core/crypt"
	"tunesync/model"
)

var (
	// ErrAlreadySyncing means a fresh run already holds the user's syncing
	// flag. The trigger is best-effort idempotent: callers skip, not fail.
	ErrAlreadySyncing = errors.New("sync already in progress")

	// ErrNoCredentials means the user has no remote catalog credentials on
	// file, so there is nothing to sync.
	ErrNoCredentials = errors.New("no catalog credentials on file")
)

// BatchDelta is one batch's contribution to the per-user run aggregate.
type BatchDelta struct {
	Fingerprint    string
	BatchNum       int
	NetTracks      int
	Merges         int
	Deletes        int
	PartialProduct string
}

// UserStore is the durable per-user run-state the pipeline mutates. The
// aggregate mutations (RecordBatch, CompleteSync, ClaimSync) must each be a
// single serializable read-modify-write per user — concurrent batch tasks
// for the same user race on these rows.
type UserStore interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
	ListIDs(ctx context.Context) ([]int64, error)

	// ClaimSync flips syncing on and resets run-state. It succeeds when the
	// user is not syncing, or when the held run started before staleBefore
	// (the reclaim policy for runs wedged by a mid-pagination failure).
	// Returns false when another fresh run holds the flag.
	ClaimSync(ctx context.Context, userID int64, startedAt, staleBefore time.Time) (bool, error)

	// RecordBatch applies one batch delta exactly once per fingerprint.
	// Returns counted=false for a duplicate delivery, and the post-step
	// run-state either way.
	RecordBatch(ctx context.Context, userID int64, delta BatchDelta) (counted bool, state *model.SyncRunState, err error)

	RunState(ctx context.Context, userID int64) (*model.SyncRunState, error)

	// CompleteSync commits the terminal state of a run: the mean statistic,
	// syncing=false, the finish stamp, the watermark for the next run, and
	// clearing the batch ledger — atomically.
	CompleteSync(ctx context.Context, userID int64, meanDurationMs int64, finishedAt time.Time) error
}

// TrackStore persists the materialized library. Writes are full-overwrite
// keyed by (user, remote id) and deletes are tolerant of absent rows, so
// every operation is safe to re-run.
type TrackStore interface {
	UpsertBatch(ctx context.Context, tracks []*model.Track) error
	DeleteBatch(ctx context.Context, userID int64, remoteIDs []string) error
	// DeleteUntouched removes up to limit tracks last synced before the
	// cutoff, returning how many went. The janitor loops until it comes up
	// short.
	DeleteUntouched(ctx context.Context, userID int64, before time.Time, limit int) (int, error)
}

// Enqueuer is the task-scheduler contract: durable, asynchronous,
// at-least-once, no result observed. Implemented by the queue package over
// NATS JetStream, and by in-process fakes in tests.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, payload any) error
}

// ProgressReporter mirrors live run progress somewhere cheap to poll.
// Strictly best-effort; the pipeline never fails on a reporting error.
type ProgressReporter interface {
	Report(ctx context.Context, progress model.SyncProgress) error
	Clear(ctx context.Context, userID int64) error
}

// Config tunes the pipeline.
type Config struct {
	PageSize         int
	PagesPerTask     int
	StaleAfter       time.Duration
	FinalizeAttempts int
	JanitorBatch     int
}

// DefaultConfig matches the production defaults in the config package.
func DefaultConfig() Config {
	return Config{
		PageSize:         100,
		PagesPerTask:     20,
		StaleAfter:       24 * time.Hour,
		FinalizeAttempts: 1000,
		JanitorBatch:     750,
	}
}

// Service is the library-synchronization pipeline. Every exported Handle*
// method is a task-queue handler and must stay idempotent; the only state
// between invocations is what UserStore and TrackStore hold.
type Service struct {
	cfg      Config
	users    UserStore
	tracks   TrackStore
	catalog  catalog.Client
	queue    Enqueuer
	cipher   *crypt.Cipher
	progress ProgressReporter // nil disables progress mirroring

	// now is swappable for tests.
	now func() time.Time
}

// NewService wires the pipeline.
func NewService(cfg Config, users UserStore, tracks TrackStore, cat catalog.Client, queue Enqueuer, cipher *crypt.Cipher, progress ProgressReporter) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.PagesPerTask <= 0 {
		cfg.PagesPerTask = 20
	}
	if cfg.FinalizeAttempts <= 0 {
		cfg.FinalizeAttempts = 1000
	}
	if cfg.JanitorBatch <= 0 {
		cfg.JanitorBatch = 750
	}
	return &Service{
		cfg:      cfg,
		users:    users,
		tracks:   tracks,
		catalog:  cat,
		queue:    queue,
		cipher:   cipher,
		progress: progress,
		now:      time.Now,
	}
}
