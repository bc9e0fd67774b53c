// SPDX-License-Identifier: MIT

// Package bitint holds the power-of-two helpers used to size FFT buffers.
// Both functions are constant time and allocation free.
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of two >= size. Sizes below 1
// return 1. Subtracting one first keeps exact powers of two unchanged:
// bits.Len(7) is 3, so 8 maps to 1<<3.
func NextPowerOfTwo(size int) int {
	if size <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of two. A power of two
// has a single bit set, so n&(n-1) clears it to zero.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
