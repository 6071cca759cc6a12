// Package safeconv provides checked integer conversions between libgit2,
// tree-sitter and ledger types.
package safeconv

// MaxInt is the maximum value for int type (platform-dependent).
const MaxInt = int(^uint(0) >> 1)

// MustUintToInt converts uint to int, panics on overflow.
// Use only when overflow is logically impossible.
func MustUintToInt(v uint) int {
	if v > uint(MaxInt) {
		panic("safeconv: uint to int overflow")
	}

	return int(v)
}

// MustIntToUint converts int to uint, panics if negative.
// Use only when negative values are logically impossible.
func MustIntToUint(v int) uint {
	if v < 0 {
		panic("safeconv: negative int to uint conversion")
	}

	return uint(v)
}

// MustInt64ToUint64 converts a ledger offset to its big-endian key form,
// panics if negative.
func MustInt64ToUint64(v int64) uint64 {
	if v < 0 {
		panic("safeconv: negative int64 to uint64 conversion")
	}

	return uint64(v)
}
