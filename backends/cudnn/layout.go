// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cudnn

import (
	"github.com/gomlx/fmha/backends"
)

// MatMulRole is one of the six batched matrix multiplications of the fused attention.
//
// With P = Q·Kᵀ the attention matrix and O = P·V the output:
//
//	BMM1:          Q, K   -> P
//	BMM2:          P, V   -> O
//	BMM1GradGemm1: dP, Q  -> dK
//	BMM1GradGemm2: dP, K  -> dQ
//	BMM2GradGemm1: P, dO  -> dV
//	BMM2GradGemm2: dO, V  -> dP
type MatMulRole int

const (
	RoleBMM1 MatMulRole = iota
	RoleBMM2
	RoleBMM1GradGemm1
	RoleBMM1GradGemm2
	RoleBMM2GradGemm1
	RoleBMM2GradGemm2
	NumRoles
)

// DotDims are the contracting and batch axes of one batched matrix multiplication.
type DotDims struct {
	LhsContracting, RhsContracting int
	LhsBatch, RhsBatch             [2]int
}

var (
	// BNTH: P is always BNTS.
	dotDimsBHSD = [NumRoles]DotDims{
		RoleBMM1:          {3, 3, [2]int{0, 1}, [2]int{0, 1}}, // BNTH,BNSH->BNTS
		RoleBMM2:          {3, 2, [2]int{0, 1}, [2]int{0, 1}}, // BNTS,BNSH->BNTH
		RoleBMM1GradGemm1: {2, 2, [2]int{0, 1}, [2]int{0, 1}}, // BNTS,BNTH->BNSH
		RoleBMM1GradGemm2: {3, 2, [2]int{0, 1}, [2]int{0, 1}}, // BNTS,BNSH->BNTH
		RoleBMM2GradGemm1: {2, 2, [2]int{0, 1}, [2]int{0, 1}}, // BNTS,BNTH->BNSH
		RoleBMM2GradGemm2: {3, 3, [2]int{0, 1}, [2]int{0, 1}}, // BNTH,BNSH->BNTS
	}

	// BTNH
	dotDimsBSHD = [NumRoles]DotDims{
		RoleBMM1:          {3, 3, [2]int{0, 2}, [2]int{0, 2}}, // BTNH,BSNH->BNTS
		RoleBMM2:          {3, 1, [2]int{0, 1}, [2]int{0, 2}}, // BNTS,BSNH->BTNH
		RoleBMM1GradGemm1: {2, 1, [2]int{0, 1}, [2]int{0, 2}}, // BNTS,BTNH->BSNH
		RoleBMM1GradGemm2: {3, 1, [2]int{0, 1}, [2]int{0, 2}}, // BNTS,BSNH->BTNH
		RoleBMM2GradGemm1: {2, 1, [2]int{0, 1}, [2]int{0, 2}}, // BNTS,BTNH->BSNH
		RoleBMM2GradGemm2: {3, 3, [2]int{0, 2}, [2]int{0, 2}}, // BTNH,BSNH->BNTS
	}
)

// DotDimensionTable returns the dot dimension numbers of the six matrix multiplications for the layout.
func DotDimensionTable(layout backends.AxesLayout) [NumRoles]DotDims {
	if layout == backends.AxesLayoutBSHD {
		return dotDimsBSHD
	}
	return dotDimsBHSD
}

// DefaultLayout returns the row-major minor-to-major layout for the rank: {rank-1, ..., 1, 0}.
func DefaultLayout(rank int) []int {
	layout := make([]int, rank)
	for i := range layout {
		layout[i] = rank - 1 - i
	}
	return layout
}

// NativeLayout returns the minor-to-major layout of the (B, N, T, H) results of the kernel such that, in memory,
// they are laid out as the user's layout.
func NativeLayout(layout backends.AxesLayout) []int {
	if layout == backends.AxesLayoutBSHD {
		return []int{3, 1, 2, 0}
	}
	return []int{3, 2, 1, 0}
}

// OutputTranspose returns the axes permutation that converts the (B, N, T, H) results of the kernel to the
// user's layout.
func OutputTranspose(layout backends.AxesLayout) []int {
	if layout == backends.AxesLayoutBSHD {
		return []int{0, 2, 1, 3}
	}
	return []int{0, 1, 2, 3}
}
