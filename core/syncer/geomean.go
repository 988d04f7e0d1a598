package syncer

import (
	"fmt"
	"math/big"
)

var bigOne = big.NewInt(1)

// GeometricMean combines the run's partial products and takes the
// trackCount-th root, rounded to the nearest integer millisecond. All
// arithmetic is exact big-integer work — no floating point anywhere — so
// precision cannot degrade however many batches a run accumulates.
// A zero-track run yields 0 without attempting the root.
func GeometricMean(partials []string, trackCount int64) (int64, error) {
	if trackCount == 0 {
		return 0, nil
	}
	if trackCount < 0 {
		return 0, fmt.Errorf("negative track count %d", trackCount)
	}

	product := big.NewInt(1)
	for _, p := range partials {
		v, ok := new(big.Int).SetString(p, 10)
		if !ok {
			return 0, fmt.Errorf("invalid partial product %q", p)
		}
		product.Mul(product, v)
	}
	if product.Sign() <= 0 {
		// Durations are positive integers, so a non-positive product means
		// corrupted run-state.
		return 0, fmt.Errorf("non-positive duration product")
	}

	n := big.NewInt(trackCount)
	root := nthRoot(product, n)

	// Round half up: the mean rounds to root+1 when
	// product^(1/n) >= root + 1/2, i.e. (2*root+1)^n <= 2^n * product.
	half := new(big.Int).Lsh(root, 1)
	half.Add(half, bigOne)
	half.Exp(half, n, nil)
	scaled := new(big.Int).Lsh(product, uint(trackCount))
	if half.Cmp(scaled) <= 0 {
		root.Add(root, bigOne)
	}

	if !root.IsInt64() {
		return 0, fmt.Errorf("geometric mean overflows int64")
	}
	return root.Int64(), nil
}

// nthRoot returns floor(x^(1/n)) for x >= 1, n >= 1, by binary search over
// the answer's bit length.
func nthRoot(x, n *big.Int) *big.Int {
	if x.Cmp(bigOne) == 0 {
		return big.NewInt(1)
	}
	// Invariant: lo^n <= x < hi^n.
	lo := big.NewInt(1)
	hi := new(big.Int).Lsh(bigOne, uint(x.BitLen()/int(n.Int64()))+1)
	for {
		gap := new(big.Int).Sub(hi, lo)
		if gap.Cmp(bigOne) <= 0 {
			return lo
		}
		mid := new(big.Int).Add(lo, hi)
		mid.Rsh(mid, 1)
		if new(big.Int).Exp(mid, n, nil).Cmp(x) <= 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
}
