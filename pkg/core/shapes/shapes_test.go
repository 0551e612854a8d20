// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(dtypes.Float16, 2, 3, 4)
	assert.Equal(t, 3, s.Rank())
	assert.Equal(t, 24, s.Size())
	assert.Equal(t, uintptr(48), s.Memory())
	assert.Equal(t, 4, s.Dim(-1))
	assert.Equal(t, "(Float16)[2 3 4]", s.String())
	assert.True(t, s.Equal(Make(dtypes.Float16, 2, 3, 4)))
	assert.False(t, s.Equal(Make(dtypes.BFloat16, 2, 3, 4)))
	assert.True(t, s.EqualDimensions(Make(dtypes.BFloat16, 2, 3, 4)))
	assert.False(t, Invalid().Ok())
	assert.Panics(t, func() { _ = s.Dim(3) })

	workspace := Make(dtypes.Uint8, 0)
	assert.True(t, workspace.IsZeroSize())
	assert.Equal(t, 0, workspace.Size())

	require.NoError(t, s.Check(dtypes.Float16, 2, -1, 4))
	require.Error(t, s.Check(dtypes.Float32, 2, 3, 4))
	require.Error(t, s.CheckDims(2, 3))

	assert.Equal(t, []int{2, 4, 3}, s.Permute([]int{0, 2, 1}).Dimensions)
}

func TestIter(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.Equal(t, []int{3, 1}, s.Strides())
	var got [][]int
	for flat, indices := range s.Iter() {
		assert.Equal(t, flat, s.FlatIndex(indices))
		got = append(got, []int{indices[0], indices[1]})
	}
	require.Len(t, got, 6)
	assert.Equal(t, []int{1, 2}, got[5])

	count := 0
	for range Make(dtypes.Float32).Iter() {
		count++
	}
	assert.Equal(t, 1, count)
}
