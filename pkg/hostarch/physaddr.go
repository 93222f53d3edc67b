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

// PhysAddr is a machine physical address.
type PhysAddr uint64

// NoPhysAddr is the "physical address unknown or unmapped" sentinel. It is
// distinct from address zero, which is a valid physical address.
//
// MaxPhysAddr shares its numeric value: a caller placing no upper bound on a
// physical allocation passes the largest representable address.
const (
	NoPhysAddr  PhysAddr = ^PhysAddr(0)
	MaxPhysAddr PhysAddr = ^PhysAddr(0)
)

// Ok returns true if p holds a real physical address rather than the
// NoPhysAddr sentinel.
func (p PhysAddr) Ok() bool {
	return p != NoPhysAddr
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p &^ PageMask
}

// PageOffset returns the offset of p into its page.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p & PageMask)
}

// IsPageAligned returns true if p falls on a page boundary.
func (p PhysAddr) IsPageAligned() bool {
	return p.PageOffset() == 0
}
