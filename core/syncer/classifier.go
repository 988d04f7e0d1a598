package syncer

import (
	"tunesync/core/catalog"
)

// Buckets is the three-way partition of one fetched page. Every input
// record lands in exactly one bucket.
type Buckets struct {
	Deletes []string         // remote ids carrying the deletion tombstone
	Merges  []catalog.Record // new or modified records to materialize
	Skips   []string         // unchanged records the local copy already has
}

// Classify partitions a page against the incremental watermark.
//
//   - delete: the record's deletion flag is set
//   - merge:  not deleted and (initial sync or modified at/after the watermark)
//   - skip:   not deleted and modified before the watermark
//
// An empty page yields empty buckets, not an error. A record without an id
// or a parsable lastModifiedTimestamp is a data-integrity failure and
// aborts the whole page.
func Classify(records []catalog.Record, watermarkMicros int64, initial bool) (*Buckets, error) {
	b := &Buckets{}
	for _, rec := range records {
		id, err := rec.ID()
		if err != nil {
			return nil, err
		}
		if rec.Deleted() {
			b.Deletes = append(b.Deletes, id)
			continue
		}
		modified, err := requiredInt64(rec, "lastModifiedTimestamp")
		if err != nil {
			return nil, err
		}
		if initial || modified >= watermarkMicros {
			b.Merges = append(b.Merges, rec)
		} else {
			b.Skips = append(b.Skips, id)
		}
	}
	return b, nil
}

// RecordIDs extracts every record id in page order. Used for the batch
// fingerprint, which must cover the whole page regardless of bucketing.
func RecordIDs(records []catalog.Record) ([]string, error) {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		id, err := rec.ID()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
