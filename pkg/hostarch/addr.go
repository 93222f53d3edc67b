// Copyright 2024 The Kestrel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hostarch

import "fmt"

// Addr is a virtual address, kernel or user. The zero Addr doubles as "no
// virtual address"; no valid mapping lives at page zero.
type Addr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary.
//
// Preconditions: the rounding must not overflow.
func (v Addr) RoundUp() Addr {
	if v+PageMask < v {
		panic(fmt.Sprintf("address %#x overflows when rounded up", uint64(v)))
	}
	return (v + PageMask) &^ PageMask
}

// PageOffset returns the offset of v into its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageMask)
}

// IsPageAligned returns true if v falls on a page boundary.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength returns v+n and whether the sum did not overflow.
func (v Addr) AddLength(n uint64) (Addr, bool) {
	end := v + Addr(n)
	return end, end >= v
}

// IsKernel returns true if v is at or above the kernel/user split.
func (v Addr) IsKernel() bool {
	return v >= KernelVAStart
}

// PagesSpanned returns the number of pages covered by [v, v+n), counting
// partial first and last pages.
func PagesSpanned(v Addr, n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return (uint64((v+Addr(n)-1).RoundDown()) - uint64(v.RoundDown()) + PageSize) >> PageShift
}
