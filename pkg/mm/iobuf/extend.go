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

package iobuf

import (
	"fmt"

	"kestrel.dev/kestrel/pkg/hostarch"
	"kestrel.dev/kestrel/pkg/mm/kerr"
)

// Extend grows an extendable buffer by size bytes of freshly allocated
// physical memory, appended to the last fragment where physically adjacent
// or in new fragments otherwise. The new pages are unmapped, so the buffer
// as a whole no longer is; they are owned, so the buffer now frees them on
// release.
//
// The contiguous path allocates the whole extension as one run. The
// non-contiguous path allocates page by page; if the allocator fails
// partway, pages appended so far stay in the buffer — marked owned and
// unmapped already, so the buffer remains safely releasable — and the
// extension reports kerr.ErrNoMemory.
//
// Arbitrary minimum and maximum physical addresses are not honored; callers
// pass 0 and hostarch.MaxPhysAddr.
func (m *Manager) Extend(b *Buffer, minPA, maxPA hostarch.PhysAddr, alignment, size uint64, physicallyContiguous bool) error {
	if b.flags&FlagExtendable == 0 {
		panic("extending a non-extendable buffer")
	}
	if minPA != 0 || maxPA != hostarch.MaxPhysAddr {
		panic("physical address constraints are not honored")
	}

	// Assume the worst case of one fragment per new page.
	pageCount := hostarch.AlignUp(size, hostarch.PageSize) >> hostarch.PageShift
	available := uint64(b.maxFragments - len(b.fragments))
	if pageCount > available {
		return fmt.Errorf("extension of %d pages with %d fragment slots left: %w",
			pageCount, available, kerr.ErrBufferTooSmall)
	}

	if physicallyContiguous {
		pa, err := m.Phys.AllocatePages(pageCount, alignment)
		if err != nil {
			return err
		}
		b.appendOwnedRun(pa, pageCount<<hostarch.PageShift)
		b.markExtended()
		return nil
	}

	for page := uint64(0); page < pageCount; page++ {
		pa, err := m.Phys.AllocatePages(1, alignment)
		if err != nil {
			if page != 0 {
				b.markExtended()
			}
			return err
		}
		b.appendOwnedRun(pa, hostarch.PageSize)
		b.markExtended()
	}
	return nil
}

// appendOwnedRun attaches a run of fresh unmapped pages to the last
// fragment when physically adjacent, or starts a new fragment.
func (b *Buffer) appendOwnedRun(pa hostarch.PhysAddr, size uint64) {
	if n := len(b.fragments); n != 0 {
		last := &b.fragments[n-1]
		if last.VirtualAddress == 0 && last.PhysicalAddress+hostarch.PhysAddr(last.Size) == pa {
			last.Size += size
			b.totalSize += size
			return
		}
	}
	if len(b.fragments) == b.maxFragments {
		panic("no fragment slot left for extension")
	}
	b.fragments = append(b.fragments, Fragment{
		PhysicalAddress: pa,
		Size:            size,
	})
	b.totalSize += size
}

// markExtended records that the buffer now holds unmapped pages of its own.
func (b *Buffer) markExtended() {
	b.flags &^= FlagMapped
	b.flags |= FlagMemoryOwned
}
