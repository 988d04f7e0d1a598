package syncer

import "tunesync/core/catalog"

// Queue topics. One topic per pipeline stage; every handler on them is
// idempotent because delivery is at-least-once and unordered.
const (
	TopicPages     = "sync.pages"
	TopicBatches   = "sync.batches"
	TopicAggregate = "sync.aggregate"
	TopicFinalize  = "sync.finalize"
	TopicJanitor   = "sync.janitor"
	TopicDead      = "sync.dead"
)

// PageTask resumes pagination of a user's remote catalog. All continuation
// state rides in the payload (token, counters, re-encrypted credentials) so
// any worker can pick it up with a fresh session.
type PageTask struct {
	UserID          int64  `json:"userId"`
	WatermarkMicros int64  `json:"watermarkMicros"`
	Initial         bool   `json:"initial"`
	PageToken       string `json:"pageToken"`
	BatchNum        int    `json:"batchNum"`    // batches dispatched so far
	TotalTracks     int    `json:"totalTracks"` // records seen so far
	// EncryptedPassword is the catalog password, AES-GCM sealed with the
	// user id as AAD. Re-encrypted (fresh nonce) on every hop.
	EncryptedPassword string `json:"encryptedPassword"`
}

// BatchTask processes one fetched page: classify, materialize, persist,
// then hand totals to the aggregator.
type BatchTask struct {
	UserID          int64            `json:"userId"`
	WatermarkMicros int64            `json:"watermarkMicros"`
	Initial         bool             `json:"initial"`
	BatchNum        int              `json:"batchNum"`
	IsLast          bool             `json:"isLast"`
	Records         []catalog.Record `json:"records"`
}

// AggregateTask folds one batch's contribution into the user's run-state.
// Fingerprint is the idempotency key: the same task delivered twice mutates
// the counters exactly once.
type AggregateTask struct {
	UserID         int64  `json:"userId"`
	Fingerprint    string `json:"fingerprint"`
	NetTracks      int    `json:"netTracks"`
	Merges         int    `json:"merges"`
	Deletes        int    `json:"deletes"`
	PartialProduct string `json:"partialProduct"`
	IsLast         bool   `json:"isLast"`
	BatchNum       int    `json:"batchNum"`
	Initial        bool   `json:"initial"`
}

// FinalizeTask closes out a run once every batch has been accounted for.
// BatchNum is the ordinal of the terminal batch, i.e. the expected ledger
// size. The handler re-enqueues itself while batches are still missing.
type FinalizeTask struct {
	UserID   int64 `json:"userId"`
	BatchNum int   `json:"batchNum"`
	Attempt  int   `json:"attempt"`
	Initial  bool  `json:"initial"`
}

// JanitorTask sweeps tracks a full sync never touched. BeforeUnixMicro is
// the run's start time; rows last synced before it no longer exist remotely.
type JanitorTask struct {
	UserID          int64 `json:"userId"`
	BeforeUnixMicro int64 `json:"beforeUnixMicro"`
}
