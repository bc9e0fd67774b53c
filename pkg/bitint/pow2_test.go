// SPDX-License-Identifier: MIT
package bitint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct {
		n, want int
	}{
		{-10, 1},
		{0, 1},
		{1, 1},
		{3, 4},
		{8, 8},
		{960, 1024},
		{1025, 2048},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d→%d", tt.n, tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, NextPowerOfTwo(tt.n))
		})
	}
}

func TestNextPowerOfTwoProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 1<<30).Draw(t, "n")
		p := NextPowerOfTwo(n)
		if !IsPowerOfTwo(p) {
			t.Fatalf("NextPowerOfTwo(%d) = %d is not a power of two", n, p)
		}
		if p < n || p/2 >= n {
			t.Fatalf("NextPowerOfTwo(%d) = %d is not the smallest bound", n, p)
		}
	})
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []int{1, 2, 4, 1024, 1 << 40} {
		assert.True(t, IsPowerOfTwo(n), n)
	}
	for _, n := range []int{-8, 0, 3, 6, 960, 1023} {
		assert.False(t, IsPowerOfTwo(n), n)
	}
}
