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

// Package vspace implements virtual address spaces: reserved-range
// accounting, page tables, translation, and byte access through mapped
// virtual addresses.
package vspace

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"kestrel.dev/kestrel/pkg/hostarch"
	"kestrel.dev/kestrel/pkg/mm/extent"
	"kestrel.dev/kestrel/pkg/mm/kerr"
	"kestrel.dev/kestrel/pkg/mm/physmem"
)

// MapFlags control the page table attributes of a mapping.
type MapFlags uint32

const (
	// MapPresent marks the translation valid.
	MapPresent MapFlags = 1 << iota

	// MapGlobal marks the translation global, exempting it from address
	// space switches.
	MapGlobal

	// MapWriteThrough maps the page write-through rather than write-back.
	MapWriteThrough

	// MapCacheDisable maps the page uncached.
	MapCacheDisable
)

// ReleaseFlags control ReleaseRange behavior.
type ReleaseFlags uint32

const (
	// ReleaseFreePhysical frees the physical frame behind every mapped page
	// in the released range.
	ReleaseFreePhysical ReleaseFlags = 1 << iota

	// ReleaseSendInvalidateIPI broadcasts a TLB invalidation to all
	// processors after unmapping.
	ReleaseSendInvalidateIPI
)

type pte struct {
	pa    hostarch.PhysAddr
	flags MapFlags
}

// Space is one virtual address window [lo, hi) with page tables and
// reserved-range accounting. The kernel space starts at
// hostarch.KernelVAStart; user spaces end there. A Space is not internally
// synchronized.
type Space struct {
	lo, hi hostarch.Addr
	phys   *physmem.File
	ranges *extent.Allocator
	pt     map[hostarch.Addr]pte
	log    logrus.FieldLogger

	shootdowns uint64
}

// New returns a Space over [lo, hi).
func New(lo, hi hostarch.Addr, phys *physmem.File, log logrus.FieldLogger) *Space {
	if !lo.IsPageAligned() || !hi.IsPageAligned() || hi <= lo {
		panic(fmt.Sprintf("bad address space window [%#x, %#x)", uint64(lo), uint64(hi)))
	}
	return &Space{
		lo:     lo,
		hi:     hi,
		phys:   phys,
		ranges: extent.New(uint64(lo), uint64(hi-lo)),
		pt:     make(map[hostarch.Addr]pte),
		log:    log,
	}
}

// Contains returns true if [va, va+n) lies inside the space's window.
func (s *Space) Contains(va hostarch.Addr, n uint64) bool {
	end, ok := va.AddLength(n)
	return ok && va >= s.lo && end <= s.hi
}

// Shootdowns returns the number of TLB invalidation broadcasts issued so far.
func (s *Space) Shootdowns() uint64 {
	return s.shootdowns
}

// ReserveRange reserves a range of size bytes aligned to align from the
// space's accounting. The range is not mapped.
func (s *Space) ReserveRange(size, align uint64) (hostarch.Addr, error) {
	size = hostarch.AlignUp(size, hostarch.PageSize)
	if align == 0 {
		align = hostarch.PageSize
	}
	start, err := s.ranges.Alloc(size, align)
	if err != nil {
		return 0, fmt.Errorf("reserving %#x bytes: %w", size, kerr.ErrInsufficientResources)
	}
	return hostarch.Addr(start), nil
}

// ReserveRangeAt reserves exactly [va, va+size), failing if any part of it
// is already reserved.
func (s *Space) ReserveRangeAt(va hostarch.Addr, size uint64) error {
	size = hostarch.AlignUp(size, hostarch.PageSize)
	if !va.IsPageAligned() || !s.Contains(va, size) {
		panic(fmt.Sprintf("bad reservation [%#x, +%#x)", uint64(va), size))
	}
	if err := s.ranges.AllocAt(uint64(va), size); err != nil {
		return fmt.Errorf("reserving [%#x, +%#x): %w", uint64(va), size, kerr.ErrInsufficientResources)
	}
	return nil
}

// MapPage installs a translation from the page at va to the frame at pa.
//
// Preconditions: va and pa are page-aligned; va lies in the space; the page
// is not already mapped.
func (s *Space) MapPage(pa hostarch.PhysAddr, va hostarch.Addr, flags MapFlags) {
	if !va.IsPageAligned() || !pa.IsPageAligned() {
		panic(fmt.Sprintf("unaligned mapping %#x -> %#x", uint64(va), uint64(pa)))
	}
	if !s.Contains(va, hostarch.PageSize) {
		panic(fmt.Sprintf("mapping outside space: %#x", uint64(va)))
	}
	if _, ok := s.pt[va]; ok {
		panic(fmt.Sprintf("page %#x is already mapped", uint64(va)))
	}
	s.pt[va] = pte{pa: pa, flags: flags | MapPresent}
}

// MapRange backs the reserved range [va, va+size) with freshly allocated
// physical memory, one physically contiguous run of runSize bytes (aligned to
// runAlign) at a time.
//
// On failure, pages mapped so far remain mapped; the caller releases the
// whole range with ReleaseFreePhysical.
func (s *Space) MapRange(va hostarch.Addr, size, runAlign, runSize uint64, writeThrough, nonCached bool) error {
	if !va.IsPageAligned() || !hostarch.IsAligned(size, hostarch.PageSize) || !hostarch.IsAligned(size, runSize) {
		panic(fmt.Sprintf("bad map range va=%#x size=%#x runSize=%#x", uint64(va), size, runSize))
	}
	flags := MapPresent | MapGlobal
	if writeThrough {
		flags |= MapWriteThrough
	}
	if nonCached {
		flags |= MapCacheDisable
	}
	for off := uint64(0); off < size; off += runSize {
		pa, err := s.phys.AllocatePages(runSize>>hostarch.PageShift, runAlign)
		if err != nil {
			return err
		}
		for page := uint64(0); page < runSize; page += hostarch.PageSize {
			s.MapPage(pa+hostarch.PhysAddr(page), va+hostarch.Addr(off+page), flags)
		}
	}
	return nil
}

// VirtualToPhysical translates va. The boolean result is false if the page
// holding va has no translation.
func (s *Space) VirtualToPhysical(va hostarch.Addr) (hostarch.PhysAddr, bool) {
	e, ok := s.pt[va.RoundDown()]
	if !ok {
		return hostarch.NoPhysAddr, false
	}
	return e.pa + hostarch.PhysAddr(va.PageOffset()), true
}

// PageFlags returns the map flags of the page holding va.
func (s *Space) PageFlags(va hostarch.Addr) (MapFlags, bool) {
	e, ok := s.pt[va.RoundDown()]
	if !ok {
		return 0, false
	}
	return e.flags, true
}

// UnmapPage removes the translation for the page at va, if any, returning
// the frame it pointed at.
func (s *Space) UnmapPage(va hostarch.Addr) (hostarch.PhysAddr, bool) {
	e, ok := s.pt[va.RoundDown()]
	if !ok {
		return hostarch.NoPhysAddr, false
	}
	delete(s.pt, va.RoundDown())
	return e.pa, true
}

// ReleaseRange unmaps [va, va+size), optionally frees the frames behind it,
// optionally broadcasts a TLB invalidation, and returns the range to the
// accounting. It fails if the range was not reserved, which indicates a
// double release.
func (s *Space) ReleaseRange(va hostarch.Addr, size uint64, flags ReleaseFlags) error {
	size = hostarch.AlignUp(size, hostarch.PageSize)
	if !va.IsPageAligned() || !s.Contains(va, size) {
		panic(fmt.Sprintf("bad release range [%#x, +%#x)", uint64(va), size))
	}
	for off := uint64(0); off < size; off += hostarch.PageSize {
		page := va + hostarch.Addr(off)
		if e, ok := s.pt[page]; ok {
			delete(s.pt, page)
			if flags&ReleaseFreePhysical != 0 {
				s.phys.FreePage(e.pa)
			}
		}
	}
	if flags&ReleaseSendInvalidateIPI != 0 {
		s.shootdowns++
		s.log.WithFields(logrus.Fields{"va": fmt.Sprintf("%#x", uint64(va)), "size": size}).
			Debug("TLB invalidate broadcast")
	}
	if err := s.ranges.Free(uint64(va), size); err != nil {
		return fmt.Errorf("releasing range accounting: %w", err)
	}
	return nil
}

// CopyOut writes src through the mapped virtual range starting at va.
func (s *Space) CopyOut(va hostarch.Addr, src []byte) error {
	return s.walk(va, uint64(len(src)), func(b []byte, off uint64) {
		copy(b, src[off:])
	})
}

// CopyIn reads len(dst) bytes from the mapped virtual range starting at va.
func (s *Space) CopyIn(va hostarch.Addr, dst []byte) error {
	return s.walk(va, uint64(len(dst)), func(b []byte, off uint64) {
		copy(dst[off:], b)
	})
}

// ZeroRange zeroes n bytes starting at va.
func (s *Space) ZeroRange(va hostarch.Addr, n uint64) error {
	return s.walk(va, n, func(b []byte, off uint64) {
		clear(b)
	})
}

// walk applies f to each page-bounded chunk of [va, va+n); f receives the
// chunk's backing bytes and its offset from va.
func (s *Space) walk(va hostarch.Addr, n uint64, f func(b []byte, off uint64)) error {
	var off uint64
	for off < n {
		cur := va + hostarch.Addr(off)
		pa, ok := s.VirtualToPhysical(cur)
		if !ok {
			return fmt.Errorf("page %#x not mapped: %w", uint64(cur.RoundDown()), kerr.ErrInvalidParameter)
		}
		chunk := hostarch.PageSize - cur.PageOffset()
		if chunk > n-off {
			chunk = n - off
		}
		f(s.phys.Slice(pa, chunk), off)
		off += chunk
	}
	return nil
}
