package safeconv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMustUintToInt(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 42, MustUintToInt(42))
	assert.Equal(t, MaxInt, MustUintToInt(uint(MaxInt)))
	assert.PanicsWithValue(t, "safeconv: uint to int overflow", func() {
		MustUintToInt(uint(MaxInt) + 1)
	})
}

func TestMustIntToUint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint(7), MustIntToUint(7))
	assert.PanicsWithValue(t, "safeconv: negative int to uint conversion", func() {
		MustIntToUint(-1)
	})
}

func TestMustInt64ToUint64(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(9), MustInt64ToUint64(9))
	assert.Panics(t, func() { MustInt64ToUint64(-9) })
}
