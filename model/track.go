package model

import "time"

// Track is one synchronized library record, keyed by (user, remote id) and
// owned exclusively by its user. Writes are full replacements: the persister
// overwrites the whole row on every merge, so redelivered batches converge.
type Track struct {
	UserID   int64  `json:"userId"`
	RemoteID string `json:"remoteId"`

	Title string `json:"title"`

	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	AlbumArtist string `json:"albumArtist,omitempty"`
	ArtistArt   string `json:"artistArt,omitempty"`
	AlbumArt    string `json:"albumArt,omitempty"`
	Composer    string `json:"composer,omitempty"`
	Genre       string `json:"genre,omitempty"`
	Comment     string `json:"comment,omitempty"`

	DiscNumber      *int `json:"discNumber,omitempty"`
	TotalDiscCount  *int `json:"totalDiscCount,omitempty"`
	TrackNumber     *int `json:"trackNumber,omitempty"`
	TotalTrackCount *int `json:"totalTrackCount,omitempty"`
	Year            *int `json:"year,omitempty"`

	// The remote source guarantees these three timestamps; stored in UTC.
	CreatedRemote  time.Time `json:"createdRemote"`
	ModifiedRemote time.Time `json:"modifiedRemote"`
	RecentRemote   time.Time `json:"recentRemote"`

	PlayCount      int   `json:"playCount"`
	DurationMillis int64 `json:"durationMillis"`
	Rating         int   `json:"rating"` // 0..5

	// RandNum is a random 32-bit tie-break for sampling queries.
	RandNum uint32 `json:"-"`

	// LastSyncedAt is the touched-watermark used by the janitor sweep after
	// full syncs; stamped on every upsert.
	LastSyncedAt time.Time `json:"-"`
}
