package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tunesync/core/syncer"
	"tunesync/model"
)

// UserRepository defines the interface for user data operations, including
// the sync run-state transitions the pipeline drives.
type UserRepository interface {
	syncer.UserStore

	CreateUser(ctx context.Context, user *model.User) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	UpdateCatalogCredentials(ctx context.Context, userID int64, encryptedEmail, encryptedPassword string) error
}

// mysqlUserRepository implements UserRepository for MySQL.
type mysqlUserRepository struct {
	db *sql.DB
}

// NewMySQLUserRepository creates a new mysqlUserRepository.
func NewMySQLUserRepository(db *sql.DB) UserRepository {
	return &mysqlUserRepository{db: db}
}

const userColumns = `id, username, email, password_hash, catalog_email, catalog_password,
	syncing, sync_started_at, sync_finished_at, last_synced_at,
	track_count, merged_count, deleted_count, mean_duration_ms, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	user := &model.User{}
	var catalogEmail, catalogPassword sql.NullString
	var startedAt, finishedAt, lastSyncedAt sql.NullTime
	err := row.Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&catalogEmail, &catalogPassword,
		&user.Syncing, &startedAt, &finishedAt, &lastSyncedAt,
		&user.TrackCount, &user.MergedCount, &user.DeletedCount, &user.MeanDurationMs,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.CatalogEmail = catalogEmail.String
	user.CatalogPassword = catalogPassword.String
	if startedAt.Valid {
		user.SyncStartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		user.SyncFinishedAt = &finishedAt.Time
	}
	if lastSyncedAt.Valid {
		user.LastSyncedAt = &lastSyncedAt.Time
	}
	return user, nil
}

// CreateUser adds a new user to the database.
func (r *mysqlUserRepository) CreateUser(ctx context.Context, user *model.User) (int64, error) {
	query := `INSERT INTO users (username, email, password_hash) VALUES (?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, user.Username, user.Email, user.PasswordHash)
	if err != nil {
		return 0, fmt.Errorf("failed to insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for user: %w", err)
	}
	return id, nil
}

// GetByID retrieves a user by their ID. Returns (nil, nil) when not found.
func (r *mysqlUserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan user row for ID %d: %w", id, err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by their username.
func (r *mysqlUserRepository) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	user, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan user row for username %s: %w", username, err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by their email address.
func (r *mysqlUserRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	user, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan user row for email %s: %w", email, err)
	}
	return user, nil
}

// UpdateCatalogCredentials stores freshly encrypted remote credentials.
func (r *mysqlUserRepository) UpdateCatalogCredentials(ctx context.Context, userID int64, encryptedEmail, encryptedPassword string) error {
	query := `UPDATE users SET catalog_email = ?, catalog_password = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, encryptedEmail, encryptedPassword, userID); err != nil {
		return fmt.Errorf("failed to update catalog credentials for user %d: %w", userID, err)
	}
	return nil
}

// ListIDs returns every user id.
func (r *mysqlUserRepository) ListIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list user ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user ids: %w", err)
	}
	return ids, nil
}

// ClaimSync flips syncing on and resets the run-state. The guard in the
// WHERE clause makes the claim atomic: it succeeds only when no run is
// live, or the live run is stale enough to reclaim. Any leftover ledger
// rows from a reclaimed run are cleared in the same transaction.
func (r *mysqlUserRepository) ClaimSync(ctx context.Context, userID int64, startedAt, staleBefore time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE users
		SET syncing = 1, sync_started_at = ?, sync_finished_at = NULL,
			track_count = 0, merged_count = 0, deleted_count = 0,
			mean_duration_ms = 0, updated_at = NOW()
		WHERE id = ? AND (syncing = 0 OR sync_started_at IS NULL OR sync_started_at < ?)`,
		startedAt, userID, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to claim sync for user %d: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result for user %d: %w", userID, err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_batches WHERE user_id = ?`, userID); err != nil {
		return false, fmt.Errorf("failed to clear stale ledger for user %d: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit claim for user %d: %w", userID, err)
	}
	return true, nil
}

// RecordBatch applies one batch delta exactly once per fingerprint, inside
// a single transaction holding the user row lock. This is the one mandatory
// transaction boundary in the pipeline: concurrent batch tasks for the same
// user serialize here.
func (r *mysqlUserRepository) RecordBatch(ctx context.Context, userID int64, delta syncer.BatchDelta) (bool, *model.SyncRunState, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("failed to begin aggregate transaction: %w", err)
	}
	defer tx.Rollback()

	state := &model.SyncRunState{}
	var startedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT syncing, sync_started_at, track_count, merged_count, deleted_count
		FROM users WHERE id = ? FOR UPDATE`, userID).
		Scan(&state.Syncing, &startedAt, &state.TrackCount, &state.MergedCount, &state.DeletedCount)
	if err != nil {
		return false, nil, fmt.Errorf("failed to lock user %d: %w", userID, err)
	}
	if startedAt.Valid {
		state.SyncStartedAt = &startedAt.Time
	}

	var existing int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_batches WHERE user_id = ? AND fingerprint = ?`,
		userID, delta.Fingerprint).Scan(&existing)
	if err != nil {
		return false, nil, fmt.Errorf("failed to check ledger for user %d: %w", userID, err)
	}

	counted := existing == 0
	if counted {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_batches (user_id, fingerprint, batch_num, net_tracks, merges, deletes, partial_product)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			userID, delta.Fingerprint, delta.BatchNum, delta.NetTracks, delta.Merges, delta.Deletes, delta.PartialProduct)
		if err != nil {
			return false, nil, fmt.Errorf("failed to insert ledger row for user %d: %w", userID, err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE users
			SET track_count = track_count + ?, merged_count = merged_count + ?,
				deleted_count = deleted_count + ?, updated_at = NOW()
			WHERE id = ?`,
			delta.NetTracks, delta.Merges, delta.Deletes, userID)
		if err != nil {
			return false, nil, fmt.Errorf("failed to bump counters for user %d: %w", userID, err)
		}
		state.TrackCount += int64(delta.NetTracks)
		state.MergedCount += int64(delta.Merges)
		state.DeletedCount += int64(delta.Deletes)
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_batches WHERE user_id = ?`, userID).
		Scan(&state.LedgerSize); err != nil {
		return false, nil, fmt.Errorf("failed to count ledger for user %d: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("failed to commit aggregate for user %d: %w", userID, err)
	}
	// PartialProducts stays nil here; only RunState loads the full list.
	return counted, state, nil
}

// RunState loads the aggregate view the finalizer works from, including
// every partial product in batch order.
func (r *mysqlUserRepository) RunState(ctx context.Context, userID int64) (*model.SyncRunState, error) {
	state := &model.SyncRunState{}
	var startedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT syncing, sync_started_at, track_count, merged_count, deleted_count
		FROM users WHERE id = ?`, userID).
		Scan(&state.Syncing, &startedAt, &state.TrackCount, &state.MergedCount, &state.DeletedCount)
	if err != nil {
		return nil, fmt.Errorf("failed to load run state for user %d: %w", userID, err)
	}
	if startedAt.Valid {
		state.SyncStartedAt = &startedAt.Time
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT partial_product FROM sync_batches WHERE user_id = ? ORDER BY batch_num`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load partial products for user %d: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var product string
		if err := rows.Scan(&product); err != nil {
			return nil, fmt.Errorf("failed to scan partial product for user %d: %w", userID, err)
		}
		state.PartialProducts = append(state.PartialProducts, product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating partial products for user %d: %w", userID, err)
	}
	state.LedgerSize = len(state.PartialProducts)
	return state, nil
}

// CompleteSync commits the terminal state of a run. The WHERE syncing = 1
// guard makes a racing duplicate finalizer a no-op, and the ledger is
// cleared in the same transaction that flips the flag off.
func (r *mysqlUserRepository) CompleteSync(ctx context.Context, userID int64, meanDurationMs int64, finishedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin finalize transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE users
		SET mean_duration_ms = ?, syncing = 0, sync_finished_at = ?,
			last_synced_at = sync_started_at, updated_at = NOW()
		WHERE id = ? AND syncing = 1`,
		meanDurationMs, finishedAt, userID)
	if err != nil {
		return fmt.Errorf("failed to finalize user %d: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finalize result for user %d: %w", userID, err)
	}
	if affected > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_batches WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("failed to clear ledger for user %d: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalize for user %d: %w", userID, err)
	}
	return nil
}
