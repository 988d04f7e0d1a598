package syncer

import (
	"crypto/md5"
	"encoding/base64"
	"math/big"
	"strings"

	"tunesync/core/catalog"
)

// Fingerprint computes the batch idempotency token: an order-sensitive
// digest of the page's record ids. It covers the whole page — deleted and
// live records alike — so a redelivery of the identical page always
// produces the identical fingerprint no matter how classification went.
func Fingerprint(ids []string) string {
	sum := md5.Sum([]byte(strings.Join(ids, "::")))
	return base64.URLEncoding.EncodeToString(sum[:])
}

// PartialProduct multiplies durationMillis across the page's non-deleted
// records. The empty product is "1", the multiplicative identity — an empty
// page must contribute nothing to the geometric mean, not zero it out.
// Serialized as a decimal string; a full page of durations overflows 64
// bits after a handful of tracks.
func PartialProduct(records []catalog.Record) (string, error) {
	product := big.NewInt(1)
	for _, rec := range records {
		if rec.Deleted() {
			continue
		}
		duration, err := requiredInt64(rec, "durationMillis")
		if err != nil {
			return "", err
		}
		product.Mul(product, big.NewInt(duration))
	}
	return product.String(), nil
}
