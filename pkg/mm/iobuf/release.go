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
	"kestrel.dev/kestrel/pkg/mm/pagecache"
)

// Free destroys an I/O buffer, releasing whatever the flag set says it
// holds: owned pages, cache references, pins, and subsystem-allocated VA
// ranges. The inline data area of a pageable buffer goes with it.
func (m *Manager) Free(b *Buffer) {
	flags := b.flags
	m.releaseResources(b)
	if flags&FlagStructureNotOwned == 0 && b.dataVA != 0 {
		m.PagedPool.Free(b.dataVA)
		b.dataVA = 0
	}
}

// Reset releases the buffer's resources and clears it for reuse: no
// fragments, no cache entries, zero size and offset. The descriptor and its
// fragment capacity survive.
//
// Preconditions: the buffer is not user-mode.
func (m *Manager) Reset(b *Buffer) {
	if b.flags&FlagUserMode != 0 {
		panic("resetting a user-mode buffer")
	}
	m.releaseResources(b)

	clear(b.fragments)
	b.fragments = b.fragments[:0]
	b.totalSize = 0
	b.currentOffset = 0
	b.flags &^= FlagUnmapOnFree | FlagMapped | FlagVirtuallyContiguous
	clear(b.cacheEntries)
}

// releaseResources returns everything the buffer holds except the
// descriptor itself. Every reference taken and page locked or owned is
// released exactly once; which path releases a page is decided by the
// presence of a cache entry first, ownership second.
func (m *Manager) releaseResources(b *Buffer) {
	flags := b.flags
	b.currentOffset = 0

	if flags&FlagUnmapOnFree != 0 {
		m.unmap(b)
	}

	switch {
	case flags&(FlagMemoryOwned|FlagPageCacheBacked) != 0:
		// Pages borrowed by the cache are released through their entry; the
		// entry's reference count decides the page's fate. Only pages the
		// buffer owns outright are freed here.
		pageIndex := uint64(0)
		for i := range b.fragments {
			f := &b.fragments[i]
			if !hostarch.IsAligned(f.Size, hostarch.PageSize) || !f.PhysicalAddress.IsPageAligned() {
				panic(fmt.Sprintf("unaligned fragment [%#x, +%#x) in owned or cache-backed buffer",
					uint64(f.PhysicalAddress), f.Size))
			}
			pa := f.PhysicalAddress
			for off := uint64(0); off < f.Size; off += hostarch.PageSize {
				entry := entryAt(b, pageIndex)
				pageIndex++
				switch {
				case entry != nil:
					if entry.PhysicalAddress() != pa {
						panic(fmt.Sprintf("cache entry at page %d holds %#x, buffer holds %#x",
							pageIndex-1, uint64(entry.PhysicalAddress()), uint64(pa)))
					}
					entry.DecRef()
				case flags&FlagMemoryOwned != 0:
					m.Phys.FreePage(pa)
				default:
					// A purely cache-backed buffer must not have holes.
					panic(fmt.Sprintf("cache-backed buffer page %d has no cache entry", pageIndex-1))
				}
				pa += hostarch.PageSize
			}
		}

	case flags&FlagMemoryLocked != 0:
		// Locking may have taken cache references on some pages and pins on
		// others; decide per page. The first fragment may start mid-page,
		// so round its base down and its length up.
		if b.pageCount == 0 || b.cacheEntries == nil {
			panic("locked buffer without page metadata")
		}
		pageIndex := uint64(0)
		for i := range b.fragments {
			f := &b.fragments[i]
			pageOffset := f.PhysicalAddress.PageOffset()
			pages := hostarch.AlignUp(f.Size+pageOffset, hostarch.PageSize) >> hostarch.PageShift
			pa := f.PhysicalAddress.RoundDown()
			for j := uint64(0); j < pages; j++ {
				if entry := b.cacheEntries[pageIndex]; entry != nil {
					entry.DecRef()
				} else {
					m.Phys.UnlockPages(pa, 1)
				}
				pageIndex++
				pa += hostarch.PageSize
			}
		}
	}
}

func entryAt(b *Buffer, pageIndex uint64) *pagecache.Entry {
	if b.cacheEntries == nil {
		return nil
	}
	return b.cacheEntries[pageIndex]
}
