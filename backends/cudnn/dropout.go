// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

// DropoutKeep returns whether the attention probability at the given position is kept by the dropout of a
// call with the given seed and rate.
//
// The decision is a pure function of its arguments, so a decomposed implementation can reproduce the
// emulated kernel exactly. It doesn't match the random sequence of the real kernel.
func DropoutKeep(seed int64, batch, head, row, col int, rate float64) bool {
	if rate <= 0 {
		return true
	}
	h := splitMix64(uint64(seed))
	for _, v := range [...]int{batch, head, row, col} {
		h = splitMix64(h ^ uint64(v))
	}
	u := float64(h>>11) / (1 << 53)
	return u >= rate
}

// DropoutMask returns the flat (row-major) keep mask for the (batch, numHeads, qSeqLen, kvSeqLen) attention matrix.
func DropoutMask(seed int64, rate float64, batch, numHeads, qSeqLen, kvSeqLen int) []bool {
	mask := make([]bool, batch*numHeads*qSeqLen*kvSeqLen)
	idx := 0
	for b := range batch {
		for h := range numHeads {
			for i := range qSeqLen {
				for j := range kvSeqLen {
					mask[idx] = DropoutKeep(seed, b, h, i, j, rate)
					idx++
				}
			}
		}
	}
	return mask
}

func splitMix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
