// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"iter"

	"github.com/gomlx/exceptions"
)

// Strides returns the strides for each axis of the shape, assuming a "row-major" layout.
//
// Notice the strides are **not in bytes**, but in indices.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= s.Dimensions[axis]
	}
	return
}

// FlatIndex converts per-axis indices to the row-major flat index.
func (s Shape) FlatIndex(indices []int) int {
	if len(indices) != s.Rank() {
		exceptions.Panicf("Shape.FlatIndex given %d indices for shape %s", len(indices), s)
	}
	flat := 0
	for axis, idx := range indices {
		flat = flat*s.Dimensions[axis] + idx
	}
	return flat
}

// Iter iterates sequentially over all possible indices of the given shape.
//
// It yields the flat index (counter) and a slice of indices for each axis.
//
// To avoid allocating the slice of indices, the yielded indices is owned by the Iter() method:
// don't change it inside the loop.
func (s Shape) Iter() iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		if !s.Ok() || s.IsZeroSize() {
			return
		}
		rank := s.Rank()
		indices := make([]int, rank)
		if rank == 0 {
			_ = yield(0, indices)
			return
		}
		flatIdx := 0
	nextIndex:
		for {
			if !yield(flatIdx, indices) {
				return
			}
			flatIdx++
			// Row-major: the last axis changes fastest.
			for axis := rank - 1; axis >= 0; axis-- {
				indices[axis]++
				if indices[axis] < s.Dimensions[axis] {
					continue nextIndex
				}
				indices[axis] = 0
			}
			return
		}
	}
}
