package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"tunesync/core/catalog"
	"tunesync/logger"
)

// StartAll triggers a sync for every eligible user, skipping accounts that
// are mid-run or have no credentials. Returns how many runs were started.
// This is what the daily cron trigger and the CLI call.
func (s *Service) StartAll(ctx context.Context) (int, error) {
	ids, err := s.users.ListIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	started := 0
	for _, id := range ids {
		if err := s.StartSync(ctx, id); err != nil {
			if errors.Is(err, ErrAlreadySyncing) || errors.Is(err, ErrNoCredentials) {
				logger.Debug("skipping user for sync",
					logger.Int64("userId", id), logger.ErrorField(err))
				continue
			}
			return started, fmt.Errorf("failed to start sync for user %d: %w", id, err)
		}
		started++
	}
	return started, nil
}

// StartSync claims the user's syncing flag and dispatches the first
// pagination task. The claim is best-effort idempotent: a user already in a
// fresh run yields ErrAlreadySyncing. A run older than StaleAfter is
// reclaimed — that is the documented recovery path for runs wedged by an
// auth failure mid-pagination.
func (s *Service) StartSync(ctx context.Context, userID int64) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	if user == nil {
		return fmt.Errorf("user %d not found", userID)
	}
	if !user.HasCatalogCredentials() {
		return ErrNoCredentials
	}

	// Watermark before the claim resets anything: the start time of the
	// last completed run. Zero means full initial sync.
	var watermarkMicros int64
	initial := true
	if user.LastSyncedAt != nil {
		watermarkMicros = user.LastSyncedAt.UnixMicro()
		initial = false
	}

	now := s.now()
	claimed, err := s.users.ClaimSync(ctx, userID, now, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		return fmt.Errorf("failed to claim sync for user %d: %w", userID, err)
	}
	if !claimed {
		return ErrAlreadySyncing
	}

	// Re-encrypt under a fresh nonce before the password rides the queue.
	password, err := s.recryptPassword(user.CatalogPassword, userID)
	if err != nil {
		return err
	}

	task := PageTask{
		UserID:            userID,
		WatermarkMicros:   watermarkMicros,
		Initial:           initial,
		EncryptedPassword: password,
	}
	if err := s.queue.Enqueue(ctx, TopicPages, task); err != nil {
		return fmt.Errorf("failed to enqueue first page task for user %d: %w", userID, err)
	}

	logger.Info("sync started",
		logger.Int64("userId", userID),
		logger.Bool("initial", initial))
	return nil
}

// HandlePage is the resumable pagination task. One invocation opens a
// session, walks at most PagesPerTask pages, dispatches a batch task per
// page, and either finishes (empty continuation token) or re-enqueues
// itself with updated continuation state. The session never survives the
// invocation: logout runs on every exit path.
func (s *Service) HandlePage(ctx context.Context, task PageTask) error {
	user, err := s.users.GetByID(ctx, task.UserID)
	if err != nil {
		return fmt.Errorf("failed to load user %d: %w", task.UserID, err)
	}
	if user == nil {
		return fmt.Errorf("user %d not found", task.UserID)
	}

	aad := strconv.FormatInt(task.UserID, 10)
	email, err := s.cipher.Decrypt(user.CatalogEmail, aad)
	if err != nil {
		return fmt.Errorf("failed to decrypt catalog email: %w", err)
	}
	password, err := s.cipher.Decrypt(task.EncryptedPassword, aad)
	if err != nil {
		return fmt.Errorf("failed to decrypt catalog password: %w", err)
	}

	// Auth failures propagate uncaught: the queue retries, and if the
	// credentials are simply wrong the task ends up dead-lettered while the
	// user stays syncing until the stale-run reclaim.
	session, err := s.catalog.Login(ctx, email, password, catalog.RandomDeviceID())
	if err != nil {
		return fmt.Errorf("catalog login failed for user %d: %w", task.UserID, err)
	}
	defer func() {
		if err := s.catalog.Logout(ctx, session); err != nil {
			logger.Warn("catalog logout failed",
				logger.Int64("userId", task.UserID), logger.ErrorField(err))
		}
	}()

	token := task.PageToken
	batchNum := task.BatchNum
	total := task.TotalTracks

	for i := 0; i < s.cfg.PagesPerTask; i++ {
		page, err := s.catalog.ListTracks(ctx, session, token, s.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("failed to fetch page for user %d: %w", task.UserID, err)
		}

		batchNum++
		total += len(page.Records)
		isLast := page.NextToken == ""

		batch := BatchTask{
			UserID:          task.UserID,
			WatermarkMicros: task.WatermarkMicros,
			Initial:         task.Initial,
			BatchNum:        batchNum,
			IsLast:          isLast,
			Records:         page.Records,
		}
		if err := s.queue.Enqueue(ctx, TopicBatches, batch); err != nil {
			return fmt.Errorf("failed to enqueue batch %d for user %d: %w", batchNum, task.UserID, err)
		}

		logger.Info("page dispatched",
			logger.Int64("userId", task.UserID),
			logger.Int("batchNum", batchNum),
			logger.Int("pageSize", len(page.Records)),
			logger.Int("totalTracks", total),
			logger.Bool("isLast", isLast))

		token = page.NextToken
		if isLast {
			return nil
		}
	}

	// Bounded loop exhausted with catalog left to walk: hand the
	// continuation to a fresh invocation.
	password, err = s.recryptPassword(user.CatalogPassword, task.UserID)
	if err != nil {
		return err
	}
	next := PageTask{
		UserID:            task.UserID,
		WatermarkMicros:   task.WatermarkMicros,
		Initial:           task.Initial,
		PageToken:         token,
		BatchNum:          batchNum,
		TotalTracks:       total,
		EncryptedPassword: password,
	}
	if err := s.queue.Enqueue(ctx, TopicPages, next); err != nil {
		return fmt.Errorf("failed to re-enqueue pagination for user %d: %w", task.UserID, err)
	}
	logger.Info("pagination continued",
		logger.Int64("userId", task.UserID),
		logger.Int("batchNum", batchNum))
	return nil
}

// recryptPassword decrypts a stored ciphertext and seals it again under a
// fresh nonce for its next hop through the queue.
func (s *Service) recryptPassword(stored string, userID int64) (string, error) {
	aad := strconv.FormatInt(userID, 10)
	plain, err := s.cipher.Decrypt(stored, aad)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt catalog password: %w", err)
	}
	sealed, err := s.cipher.Encrypt(plain, aad)
	if err != nil {
		return "", fmt.Errorf("failed to re-encrypt catalog password: %w", err)
	}
	return sealed, nil
}
