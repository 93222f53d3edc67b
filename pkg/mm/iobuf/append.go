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

// AppendPage appends one page to the buffer, described either by a page
// cache entry or by an explicit physical address with an optional virtual
// address — not both. A cache entry contributes its own addresses and a
// reference.
//
// Preconditions: the buffer is extendable, its total size is page-aligned,
// and a fragment slot remains.
func (b *Buffer) AppendPage(entry *pagecache.Entry, va hostarch.Addr, pa hostarch.PhysAddr) {
	if b.flags&FlagExtendable == 0 {
		panic("appending to a non-extendable buffer")
	}
	if entry != nil && pa.Ok() {
		panic("both a cache entry and a physical address supplied")
	}
	if entry != nil && b.cacheEntries == nil {
		panic("appending a cache entry to a buffer without entry slots")
	}
	if len(b.fragments) >= b.maxFragments {
		panic("no fragment slot left to append into")
	}
	if !hostarch.IsAligned(b.totalSize, hostarch.PageSize) {
		panic(fmt.Sprintf("appending a page at unaligned size %d", b.totalSize))
	}

	if entry != nil {
		pa = entry.PhysicalAddress()
		va = 0
		if published, ok := entry.VirtualAddress(); ok {
			va = published
		}
	}

	// Merge into the last fragment only if the page follows it physically
	// and the virtual addresses agree: both absent, or both present and
	// contiguous.
	appended := false
	if n := len(b.fragments); n != 0 {
		last := &b.fragments[n-1]
		physAdjacent := last.PhysicalAddress+hostarch.PhysAddr(last.Size) == pa
		vaAgree := (va == 0 && last.VirtualAddress == 0) ||
			(va != 0 && last.VirtualAddress != 0 &&
				last.VirtualAddress+hostarch.Addr(last.Size) == va)
		if physAdjacent && vaAgree {
			last.Size += hostarch.PageSize
			appended = true
		}
	}
	if !appended {
		b.fragments = append(b.fragments, Fragment{
			VirtualAddress:  va,
			PhysicalAddress: pa,
			Size:            hostarch.PageSize,
		})
	}

	if entry != nil {
		pageIndex := b.totalSize >> hostarch.PageShift
		if pageIndex >= b.pageCount {
			panic(fmt.Sprintf("append at page %d beyond %d entry slots", pageIndex, b.pageCount))
		}
		if b.cacheEntries[pageIndex] != nil {
			panic(fmt.Sprintf("page %d already has a cache entry", pageIndex))
		}
		if b.flags&FlagPageCacheBacked == 0 {
			panic("appending a cache entry to a buffer not marked cache backed")
		}
		entry.IncRef()
		b.cacheEntries[pageIndex] = entry
	}

	b.totalSize += hostarch.PageSize
}

// SetCacheEntry associates a cache entry with the page at the given offset
// past the current offset of a fully built buffer, taking a reference.
//
// Preconditions: the offset is page-aligned; no entry is recorded there yet;
// the entry's physical address matches the buffer's at that offset.
func (b *Buffer) SetCacheEntry(offset uint64, entry *pagecache.Entry) {
	offset += b.currentOffset
	if !hostarch.IsAligned(offset, hostarch.PageSize) {
		panic(fmt.Sprintf("setting a cache entry at unaligned offset %#x", offset))
	}
	if b.flags&FlagUserMode != 0 {
		panic("setting a cache entry on a user buffer")
	}

	pageIndex := offset >> hostarch.PageShift
	if pageIndex >= b.pageCount {
		panic(fmt.Sprintf("cache entry at page %d beyond %d entry slots", pageIndex, b.pageCount))
	}
	if b.cacheEntries[pageIndex] != nil {
		panic(fmt.Sprintf("page %d already has a cache entry", pageIndex))
	}
	if pa := b.physicalAddressAt(offset); pa != entry.PhysicalAddress() {
		panic(fmt.Sprintf("cache entry holds %#x, buffer holds %#x at offset %#x",
			uint64(entry.PhysicalAddress()), uint64(pa), offset))
	}

	entry.IncRef()
	b.cacheEntries[pageIndex] = entry
	b.flags |= FlagPageCacheBacked
}
