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

// Package iobuf implements I/O buffers, the descriptors drivers and the
// cache subsystem use to describe a region of memory for DMA or block I/O.
//
// An I/O buffer is a logical byte range composed of fragments, each
// contiguous in both physical and virtual address space. The buffer may own
// its backing pages, borrow them from the page cache, pin them on behalf of
// a user process, or merely alias an existing mapping; the flag set records
// which, and the release path consults it to return every resource exactly
// once.
//
// Buffers are not internally synchronized. A buffer belongs to one I/O
// operation at a time and its owner serializes access.
package iobuf

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"kestrel.dev/kestrel/pkg/hostarch"
	"kestrel.dev/kestrel/pkg/mm/pagecache"
	"kestrel.dev/kestrel/pkg/mm/physmem"
	"kestrel.dev/kestrel/pkg/mm/pool"
	"kestrel.dev/kestrel/pkg/mm/usermm"
	"kestrel.dev/kestrel/pkg/mm/vspace"
)

// Flags describe the resources a buffer holds and how to release them.
type Flags uint32

const (
	// FlagMemoryOwned means the backing physical pages were allocated by
	// this buffer and are freed on release.
	FlagMemoryOwned Flags = 1 << iota

	// FlagStructureNotOwned means the descriptor was initialized in place in
	// storage the caller owns.
	FlagStructureNotOwned

	// FlagMemoryLocked means the buffer's physical pages are pinned against
	// reclaim and must be unpinned on release, except where a page cache
	// reference protects the page instead.
	FlagMemoryLocked

	// FlagNonPaged means the descriptor metadata itself is non-pageable.
	FlagNonPaged

	// FlagPageCacheBacked means at least one page is shared with a page
	// cache entry whose reference count protects it.
	FlagPageCacheBacked

	// FlagFragment means this descriptor is a logical sub-view of another
	// buffer and holds no resources of its own.
	FlagFragment

	// FlagUserMode means the fragment virtual addresses refer to the owning
	// process's address space.
	FlagUserMode

	// FlagMapped means every fragment has a valid virtual address. The
	// buffer need not be virtually contiguous.
	FlagMapped

	// FlagVirtuallyContiguous means a single VA range covers all fragments.
	FlagVirtuallyContiguous

	// FlagUnmapOnFree means the VA range was allocated by this subsystem
	// and is released on teardown.
	FlagUnmapOnFree

	// FlagExtendable means pages may be appended through the extension
	// path.
	FlagExtendable
)

// Has returns true if every flag in mask is set.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

// Fragment is a maximal run of bytes contiguous in both physical and virtual
// address space. A zero VirtualAddress means the run is unmapped;
// hostarch.NoPhysAddr means the physical address is not known.
type Fragment struct {
	VirtualAddress  hostarch.Addr
	PhysicalAddress hostarch.PhysAddr
	Size            uint64
}

// Buffer is one I/O buffer.
type Buffer struct {
	fragments     []Fragment
	maxFragments  int
	totalSize     uint64
	currentOffset uint64

	// pageCount and cacheEntries are populated for buffers that reserve
	// per-page metadata; cacheEntries[i] protects the page at byte offset
	// i*PageSize when set.
	pageCount    uint64
	cacheEntries []*pagecache.Entry

	flags Flags

	// proc is the owning process of a user-mode buffer.
	proc *usermm.Process

	// dataVA is the pageable inline data area of a buffer from
	// AllocatePaged, released with the descriptor.
	dataVA hostarch.Addr
}

// RunLevel is the processor dispatch level of the calling context.
type RunLevel int

// Run levels, lowest first. Operations that may page in require
// RunLevelLow.
const (
	RunLevelLow RunLevel = iota
	RunLevelDispatch
	RunLevelInterrupt
)

const ioAllocationTag pool.Tag = "IoBf"

// Manager implements the I/O buffer operations against its collaborators:
// the physical page allocator, the kernel address space, and the paged pool.
type Manager struct {
	Phys   *physmem.File
	Kernel *vspace.Space

	// PagedPool backs the inline data areas of pageable buffers. The
	// descriptors themselves are garbage collected.
	PagedPool *pool.Pool

	Log logrus.FieldLogger

	// L1CacheLineSize and ControllerCacheLineSize report data cache line
	// sizes for Alignment. Either may be nil.
	L1CacheLineSize         func() uint32
	ControllerCacheLineSize func() uint32

	// RunLevel reports the caller's dispatch level. A nil RunLevel means
	// always RunLevelLow.
	RunLevel func() RunLevel

	alignment atomic.Uint32
}

// NewManager returns a Manager over the given machine memory and kernel
// address space.
func NewManager(phys *physmem.File, kernel *vspace.Space, log logrus.FieldLogger) *Manager {
	return &Manager{
		Phys:      phys,
		Kernel:    kernel,
		PagedPool: pool.New(kernel, log),
		Log:       log,
	}
}

// Alignment returns the required alignment for flush operations: the largest
// data cache line size in the system. The value is computed once.
func (m *Manager) Alignment() uint32 {
	if a := m.alignment.Load(); a != 0 {
		return a
	}
	l1 := uint32(hostarch.L1CacheLineSize)
	if m.L1CacheLineSize != nil {
		l1 = m.L1CacheLineSize()
	}
	a := uint32(0)
	if m.ControllerCacheLineSize != nil {
		a = m.ControllerCacheLineSize()
	}
	if l1 > a {
		a = l1
	}
	m.alignment.Store(a)
	return a
}

func (m *Manager) assertLowRunLevel() {
	if m.RunLevel != nil && m.RunLevel() != RunLevelLow {
		panic("operation requires low run level")
	}
}

// Size returns the bytes remaining in the buffer past the current offset.
func (b *Buffer) Size() uint64 {
	return b.totalSize - b.currentOffset
}

// CurrentOffset returns the point at which all I/O on the buffer begins.
func (b *Buffer) CurrentOffset() uint64 {
	return b.currentOffset
}

// IncrementOffset moves the current offset forward by n bytes.
func (b *Buffer) IncrementOffset(n uint64) {
	b.currentOffset += n
	if b.currentOffset > b.totalSize {
		panic(fmt.Sprintf("offset %d beyond buffer size %d", b.currentOffset, b.totalSize))
	}
}

// DecrementOffset moves the current offset back by n bytes.
func (b *Buffer) DecrementOffset(n uint64) {
	if n > b.currentOffset {
		panic(fmt.Sprintf("offset decrement %d below zero (offset %d)", n, b.currentOffset))
	}
	b.currentOffset -= n
}

// Flags returns the buffer's flag set.
func (b *Buffer) Flags() Flags {
	return b.flags
}

// FragmentCount returns the number of active fragments.
func (b *Buffer) FragmentCount() int {
	return len(b.fragments)
}

// Fragments returns a copy of the active fragment list.
func (b *Buffer) Fragments() []Fragment {
	return append([]Fragment(nil), b.fragments...)
}

// MaxFragmentCount returns the buffer's fragment capacity.
func (b *Buffer) MaxFragmentCount() int {
	return b.maxFragments
}

// PageCount returns the number of page slots of per-page metadata the buffer
// carries.
func (b *Buffer) PageCount() uint64 {
	return b.pageCount
}

// CacheEntries returns a copy of the per-page cache entry array, or nil if
// the buffer carries none.
func (b *Buffer) CacheEntries() []*pagecache.Entry {
	if b.cacheEntries == nil {
		return nil
	}
	return append([]*pagecache.Entry(nil), b.cacheEntries...)
}

// PhysicalAddress returns the physical address at the given offset past the
// current offset, or hostarch.NoPhysAddr if it is not known.
func (b *Buffer) PhysicalAddress(offset uint64) hostarch.PhysAddr {
	return b.physicalAddressAt(offset + b.currentOffset)
}

func (b *Buffer) physicalAddressAt(offset uint64) hostarch.PhysAddr {
	var fragmentStart uint64
	for i := range b.fragments {
		f := &b.fragments[i]
		if offset >= fragmentStart && offset < fragmentStart+f.Size {
			if !f.PhysicalAddress.Ok() {
				return hostarch.NoPhysAddr
			}
			return f.PhysicalAddress + hostarch.PhysAddr(offset-fragmentStart)
		}
		fragmentStart += f.Size
	}
	return hostarch.NoPhysAddr
}

// CacheEntry returns the page cache entry backing the page at the given
// offset past the current offset, or nil.
func (b *Buffer) CacheEntry(offset uint64) *pagecache.Entry {
	if b.flags&FlagPageCacheBacked == 0 {
		return nil
	}
	offset += b.currentOffset
	if !hostarch.IsAligned(offset, hostarch.PageSize) {
		panic(fmt.Sprintf("unaligned cache entry lookup at %#x", offset))
	}
	if b.flags&FlagUserMode != 0 {
		panic("cache entry lookup on a user buffer")
	}
	pageIndex := offset >> hostarch.PageShift
	if pageIndex >= b.pageCount {
		panic(fmt.Sprintf("cache entry lookup at %#x beyond %d pages", offset, b.pageCount))
	}
	return b.cacheEntries[pageIndex]
}

// locateFragment returns the index of the fragment covering offset and the
// offset into it.
//
// Preconditions: offset < b.totalSize.
func (b *Buffer) locateFragment(offset uint64) (int, uint64) {
	var fragmentStart uint64
	for i := range b.fragments {
		if fragmentStart+b.fragments[i].Size > offset {
			return i, offset - fragmentStart
		}
		fragmentStart += b.fragments[i].Size
	}
	panic(fmt.Sprintf("offset %d outside buffer of size %d", offset, b.totalSize))
}
