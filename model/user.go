package model

import "time"

// User represents an application account tied to one remote music-library
// account. The Sync* fields are the durable run-state of the library
// synchronization pipeline: Syncing is true for the whole duration of one
// run, the counters accumulate per-batch contributions, and MeanDurationMs
// is written once by the finalizer.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`

	// Remote catalog credentials, AES-GCM encrypted with the user id as
	// additional authenticated data. Never exposed in API responses.
	CatalogEmail    string `json:"-"`
	CatalogPassword string `json:"-"`

	Syncing        bool       `json:"syncing"`
	SyncStartedAt  *time.Time `json:"syncStartedAt,omitempty"`
	SyncFinishedAt *time.Time `json:"syncFinishedAt,omitempty"`
	// LastSyncedAt is the watermark for incremental runs: the start time of
	// the most recent run that finalized. NULL means no run has ever
	// completed and the next sync is a full one.
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`

	TrackCount     int64 `json:"trackCount"`
	MergedCount    int64 `json:"mergedCount"`
	DeletedCount   int64 `json:"deletedCount"`
	MeanDurationMs int64 `json:"meanDurationMs"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasCatalogCredentials reports whether remote credentials are on file.
func (u *User) HasCatalogCredentials() bool {
	return u.CatalogEmail != "" && u.CatalogPassword != ""
}
