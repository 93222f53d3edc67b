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

	"github.com/sirupsen/logrus"

	"kestrel.dev/kestrel/pkg/hostarch"
	"kestrel.dev/kestrel/pkg/mm/vspace"
)

// Map ensures the buffer is mapped into kernel memory. With
// virtuallyContiguous set, all fragments end up in one VA range and are
// updated with the contiguous addresses; otherwise each fragment is at least
// individually mapped. Idempotent at the requested level.
//
// Preconditions: the buffer is not user-mode; it has at least one fragment.
func (m *Manager) Map(b *Buffer, writeThrough, nonCached, virtuallyContiguous bool) error {
	if len(b.fragments) == 0 {
		panic("mapping a buffer with no fragments")
	}

	// The flag may lag reality: a page-cache-backed buffer can become fully
	// mapped without a contiguity request having been made. Recheck before
	// doing any work.
	if virtuallyContiguous {
		if b.flags&FlagVirtuallyContiguous != 0 {
			return nil
		}
		if b.isMapped(true) {
			b.flags |= FlagVirtuallyContiguous
			return nil
		}
	} else {
		if b.flags&FlagMapped != 0 {
			return nil
		}
		if b.isMapped(false) {
			b.flags |= FlagMapped
			return nil
		}
	}

	if b.flags&FlagUserMode != 0 {
		panic("mapping a user-mode buffer")
	}

	flags := vspace.MapPresent | vspace.MapGlobal
	if writeThrough {
		flags |= vspace.MapWriteThrough
	}
	if nonCached {
		flags |= vspace.MapCacheDisable
	}

	if virtuallyContiguous {
		// Throw away any piecemeal mappings and cover the whole buffer with
		// one fresh range.
		if b.flags&FlagMapped != 0 {
			m.unmap(b)
		}
		if err := m.mapFragments(b, 0, len(b.fragments), flags); err != nil {
			return err
		}
		b.flags |= FlagVirtuallyContiguous
	} else {
		// Map each maximal run of unmapped fragments with one range,
		// leaving fragments that already hold addresses alone.
		mapRequired := false
		runStart := 0
		for i := range b.fragments {
			if b.fragments[i].VirtualAddress != 0 {
				if !mapRequired {
					continue
				}
				if err := m.mapFragments(b, runStart, i-runStart, flags); err != nil {
					return err
				}
				mapRequired = false
				continue
			}
			if !mapRequired {
				runStart = i
				mapRequired = true
			}
		}
		if mapRequired {
			if err := m.mapFragments(b, runStart, len(b.fragments)-runStart, flags); err != nil {
				return err
			}
		}
	}

	b.flags |= FlagUnmapOnFree | FlagMapped
	return nil
}

// mapFragments maps fragments [start, start+count) into one freshly
// reserved VA range, page by page, rewriting their virtual addresses.
func (m *Manager) mapFragments(b *Buffer, start, count int, flags vspace.MapFlags) error {
	if count == 0 || start+count > len(b.fragments) {
		panic(fmt.Sprintf("bad fragment run [%d, +%d) of %d", start, count, len(b.fragments)))
	}

	var size uint64
	for i := start; i < start+count; i++ {
		size += b.fragments[i].Size
	}
	if size == 0 || !hostarch.IsAligned(size, hostarch.PageSize) {
		panic(fmt.Sprintf("unmappable fragment run of %#x bytes", size))
	}

	va, err := m.Kernel.ReserveRange(size, hostarch.PageSize)
	if err != nil {
		return err
	}

	// Entries are indexed by page; find the page index of the run's first
	// fragment when the buffer is cache backed.
	pageIndex := uint64(0)
	cacheBacked := b.flags&FlagPageCacheBacked != 0
	if cacheBacked {
		var offset uint64
		for i := 0; i < start; i++ {
			offset += b.fragments[i].Size
		}
		if !hostarch.IsAligned(offset, hostarch.PageSize) {
			panic(fmt.Sprintf("fragment run starts mid-page at %#x", offset))
		}
		pageIndex = offset >> hostarch.PageShift
	}

	current := va
	for i := start; i < start+count; i++ {
		f := &b.fragments[i]
		f.VirtualAddress = current
		pa := f.PhysicalAddress
		for remaining := f.Size; remaining != 0; remaining -= hostarch.PageSize {
			m.Kernel.MapPage(pa, current, flags)

			// A page appended from an unmapped cache entry is likely the
			// reason this mapping exists; publish the new VA so later users
			// of the entry share it. Losing the publication race is fine,
			// the winner's address reaches the same frame.
			if cacheBacked {
				if e := b.cacheEntries[pageIndex]; e != nil {
					e.TrySetVirtualAddress(current)
				}
				pageIndex++
			}

			pa += hostarch.PageSize
			current += hostarch.PageSize
		}
	}
	return nil
}

// unmap releases every VA range this subsystem allocated for the buffer.
// Pages whose mapping is the one published by their page cache entry belong
// to the cache and are preserved. Release failures are demoted to a logged
// leak; the buffer is on its way out and there is nobody to tell.
func (m *Manager) unmap(b *Buffer) {
	cacheBacked := b.flags&FlagPageCacheBacked != 0

	var runStart, runEnd hostarch.Addr
	flush := func() {
		if runStart == 0 {
			return
		}
		size := uint64(runEnd - runStart)
		if err := m.Kernel.ReleaseRange(runStart, size, vspace.ReleaseSendInvalidateIPI); err != nil {
			m.Log.WithError(err).WithFields(logrus.Fields{
				"va":   fmt.Sprintf("%#x", uint64(runStart)),
				"size": size,
			}).Warn("leaking virtual address range")
		}
		runStart, runEnd = 0, 0
	}

	pageIndex := uint64(0)
	for i := range b.fragments {
		f := &b.fragments[i]
		if f.VirtualAddress == 0 {
			if cacheBacked {
				pageIndex += f.Size >> hostarch.PageShift
			}
			continue
		}

		if cacheBacked {
			// Walk page by page: interleaved cache-owned pages split the
			// ranges to release.
			for off := uint64(0); off < f.Size; off += hostarch.PageSize {
				current := f.VirtualAddress + hostarch.Addr(off)
				e := b.cacheEntries[pageIndex]
				pageIndex++

				// The page belongs to the cache only if this exact address
				// is the one the entry published.
				cacheOwned := false
				if e != nil {
					if published, ok := e.VirtualAddress(); ok && published == current {
						cacheOwned = true
					}
				}
				if cacheOwned {
					flush()
					continue
				}
				if runStart != 0 && current == runEnd {
					runEnd += hostarch.PageSize
					continue
				}
				flush()
				runStart, runEnd = current, current+hostarch.PageSize
			}
		} else {
			if runStart != 0 && f.VirtualAddress != runEnd {
				flush()
			}
			if runStart == 0 {
				runStart, runEnd = f.VirtualAddress, f.VirtualAddress
			}
			runEnd += hostarch.Addr(f.Size)
		}
	}
	flush()

	b.flags &^= FlagMapped | FlagUnmapOnFree | FlagVirtuallyContiguous
}

// isMapped reports whether every fragment holds a virtual address, and, if
// virtuallyContiguous, whether they form one gapless run.
func (b *Buffer) isMapped(virtuallyContiguous bool) bool {
	expected := b.fragments[0].VirtualAddress
	for i := range b.fragments {
		f := &b.fragments[i]
		if f.VirtualAddress == 0 || (virtuallyContiguous && f.VirtualAddress != expected) {
			return false
		}
		expected += hostarch.Addr(f.Size)
	}
	return true
}
