package model

import "time"

// SyncBatch is one row of the per-user batch ledger. The unique
// (user_id, fingerprint) key is what makes aggregate accounting idempotent:
// a redelivered batch finds its fingerprint already present and is absorbed
// as a no-op. Rows exist only while a run is live; the finalizer clears them
// in the same transaction that flips the user's syncing flag off.
type SyncBatch struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"userId"`
	Fingerprint string    `json:"fingerprint"`
	BatchNum    int       `json:"batchNum"`
	NetTracks   int       `json:"netTracks"` // live records in the page (len − deletes)
	Merges      int       `json:"merges"`
	Deletes     int       `json:"deletes"`
	// PartialProduct is the product of durationMillis over the page's live
	// records, serialized as a decimal string because it routinely exceeds
	// 64-bit range.
	PartialProduct string    `json:"partialProduct"`
	CreatedAt      time.Time `json:"createdAt"`
}

// SyncRunState is the aggregate view the finalizer works from.
type SyncRunState struct {
	Syncing         bool
	SyncStartedAt   *time.Time
	TrackCount      int64
	MergedCount     int64
	DeletedCount    int64
	LedgerSize      int
	PartialProducts []string
}

// SyncProgress is the live view cached in Redis while a run is in flight.
type SyncProgress struct {
	UserID        int64     `json:"userId"`
	BatchesLanded int       `json:"batchesLanded"`
	TrackCount    int64     `json:"trackCount"`
	MergedCount   int64     `json:"mergedCount"`
	DeletedCount  int64     `json:"deletedCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Done          bool      `json:"done"`
}
