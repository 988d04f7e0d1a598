package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"tunesync/model"
)

// TrackRepository defines the interface for track data operations.
type TrackRepository interface {
	UpsertBatch(ctx context.Context, tracks []*model.Track) error
	DeleteBatch(ctx context.Context, userID int64, remoteIDs []string) error
	DeleteUntouched(ctx context.Context, userID int64, before time.Time, limit int) (int, error)
	ListByUser(ctx context.Context, userID int64, offset, limit int) ([]*model.Track, error)
	CountByUser(ctx context.Context, userID int64) (int64, error)
}

// mysqlTrackRepository implements TrackRepository for MySQL.
type mysqlTrackRepository struct {
	db *sql.DB
}

// NewMySQLTrackRepository creates a new mysqlTrackRepository.
func NewMySQLTrackRepository(db *sql.DB) TrackRepository {
	return &mysqlTrackRepository{db: db}
}

const trackColumns = `user_id, remote_id, title, artist, album, album_artist,
	artist_art, album_art, composer, genre, comment,
	disc_number, total_disc_count, track_number, total_track_count, year,
	created_remote, modified_remote, recent_remote,
	play_count, duration_millis, rating, rand_num, last_synced_at`

// UpsertBatch writes a batch of tracks as full-row replacements. A merge of
// an existing (user_id, remote_id) overwrites every field, so replaying a
// batch converges to the same row state.
func (r *mysqlTrackRepository) UpsertBatch(ctx context.Context, tracks []*model.Track) error {
	if len(tracks) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(tracks))
	args := make([]any, 0, len(tracks)*24)
	for _, t := range tracks {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			t.UserID, t.RemoteID, t.Title, t.Artist, t.Album, t.AlbumArtist,
			t.ArtistArt, t.AlbumArt, t.Composer, t.Genre, t.Comment,
			t.DiscNumber, t.TotalDiscCount, t.TrackNumber, t.TotalTrackCount, t.Year,
			t.CreatedRemote, t.ModifiedRemote, t.RecentRemote,
			t.PlayCount, t.DurationMillis, t.Rating, t.RandNum, t.LastSyncedAt)
	}

	query := `INSERT INTO tracks (` + trackColumns + `) VALUES ` +
		strings.Join(placeholders, ", ") + `
		ON DUPLICATE KEY UPDATE
			title = VALUES(title), artist = VALUES(artist), album = VALUES(album),
			album_artist = VALUES(album_artist), artist_art = VALUES(artist_art),
			album_art = VALUES(album_art), composer = VALUES(composer),
			genre = VALUES(genre), comment = VALUES(comment),
			disc_number = VALUES(disc_number), total_disc_count = VALUES(total_disc_count),
			track_number = VALUES(track_number), total_track_count = VALUES(total_track_count),
			year = VALUES(year),
			created_remote = VALUES(created_remote), modified_remote = VALUES(modified_remote),
			recent_remote = VALUES(recent_remote),
			play_count = VALUES(play_count), duration_millis = VALUES(duration_millis),
			rating = VALUES(rating), rand_num = VALUES(rand_num),
			last_synced_at = VALUES(last_synced_at)`

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert %d tracks: %w", len(tracks), err)
	}
	return nil
}

// DeleteBatch removes the given remote ids for one user. Ids already absent
// are silently skipped, which makes redelivered delete batches harmless.
func (r *mysqlTrackRepository) DeleteBatch(ctx context.Context, userID int64, remoteIDs []string) error {
	if len(remoteIDs) == 0 {
		return nil
	}

	placeholders := make([]string, len(remoteIDs))
	args := make([]any, 0, len(remoteIDs)+1)
	args = append(args, userID)
	for i, id := range remoteIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := `DELETE FROM tracks WHERE user_id = ? AND remote_id IN (` +
		strings.Join(placeholders, ", ") + `)`
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete %d tracks for user %d: %w", len(remoteIDs), userID, err)
	}
	return nil
}

// DeleteUntouched removes up to limit rows whose last_synced_at predates the
// cutoff. The janitor calls this repeatedly until a sweep comes back short.
func (r *mysqlTrackRepository) DeleteUntouched(ctx context.Context, userID int64, before time.Time, limit int) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM tracks WHERE user_id = ? AND last_synced_at < ? LIMIT ?`,
		userID, before, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale tracks for user %d: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read sweep result for user %d: %w", userID, err)
	}
	return int(affected), nil
}

// ListByUser returns one page of a user's library ordered by artist/album.
func (r *mysqlTrackRepository) ListByUser(ctx context.Context, userID int64, offset, limit int) ([]*model.Track, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+trackColumns+` FROM tracks WHERE user_id = ?
		ORDER BY artist, album, disc_number, track_number, title
		LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks for user %d: %w", userID, err)
	}
	defer rows.Close()

	tracks := make([]*model.Track, 0)
	for rows.Next() {
		t := &model.Track{}
		err := rows.Scan(
			&t.UserID, &t.RemoteID, &t.Title, &t.Artist, &t.Album, &t.AlbumArtist,
			&t.ArtistArt, &t.AlbumArt, &t.Composer, &t.Genre, &t.Comment,
			&t.DiscNumber, &t.TotalDiscCount, &t.TrackNumber, &t.TotalTrackCount, &t.Year,
			&t.CreatedRemote, &t.ModifiedRemote, &t.RecentRemote,
			&t.PlayCount, &t.DurationMillis, &t.Rating, &t.RandNum, &t.LastSyncedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track row: %w", err)
		}
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracks for user %d: %w", userID, err)
	}
	return tracks, nil
}

// CountByUser returns the number of stored tracks for one user.
func (r *mysqlTrackRepository) CountByUser(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tracks WHERE user_id = ?`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count tracks for user %d: %w", userID, err)
	}
	return count, nil
}
