package syncer

import (
	"fmt"
	"math/rand"
	"time"

	"tunesync/core/catalog"
	"tunesync/model"
)

// Materialize converts one merge-classified remote record into the track
// entity shape. Required fields (id, title, duration, the three timestamps)
// propagate an error when absent — an upstream record without them is not
// silently dropped. Optional fields are extracted best-effort per the
// helpers in record.go. No I/O happens here.
func Materialize(userID int64, rec catalog.Record, now time.Time) (*model.Track, error) {
	id, err := rec.ID()
	if err != nil {
		return nil, err
	}
	title, err := requiredString(rec, "title")
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	duration, err := requiredInt64(rec, "durationMillis")
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	created, err := requiredInt64(rec, "creationTimestamp")
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	modified, err := requiredInt64(rec, "lastModifiedTimestamp")
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	recent, err := requiredInt64(rec, "recentTimestamp")
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}

	track := &model.Track{
		UserID:         userID,
		RemoteID:       id,
		Title:          title,
		DurationMillis: duration,
		CreatedRemote:  microsToUTC(created),
		ModifiedRemote: microsToUTC(modified),
		RecentRemote:   microsToUTC(recent),
		Artist:         optionalString(rec, "artist"),
		Album:          optionalString(rec, "album"),
		AlbumArtist:    optionalString(rec, "albumArtist"),
		Composer:       optionalString(rec, "composer"),
		Genre:          optionalString(rec, "genre"),
		Comment:        optionalString(rec, "comment"),
		ArtistArt:      artURL(rec, "artistArtRef"),
		AlbumArt:       artURL(rec, "albumArtRef"),
		RandNum:        rand.Uint32(),
		LastSyncedAt:   now,
	}

	playCount, err := optionalInt64Default(rec, "playCount", 0)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	track.PlayCount = int(playCount)

	rating, err := optionalInt64Default(rec, "rating", 0)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	if rating < 0 || rating > 5 {
		return nil, fmt.Errorf("record %s: rating %d out of range", id, rating)
	}
	track.Rating = int(rating)

	if track.DiscNumber, err = optionalInt(rec, "discNumber"); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	if track.TotalDiscCount, err = optionalInt(rec, "totalDiscCount"); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	if track.TrackNumber, err = optionalInt(rec, "trackNumber"); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	if track.TotalTrackCount, err = optionalInt(rec, "totalTrackCount"); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	if track.Year, err = optionalInt(rec, "year"); err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}

	return track, nil
}
