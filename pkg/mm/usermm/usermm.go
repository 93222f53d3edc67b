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

// Package usermm implements user address spaces: processes, image sections,
// demand page-in, and the user-safe copy routines.
package usermm

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"kestrel.dev/kestrel/pkg/hostarch"
	"kestrel.dev/kestrel/pkg/mm/kerr"
	"kestrel.dev/kestrel/pkg/mm/pagecache"
	"kestrel.dev/kestrel/pkg/mm/physmem"
	"kestrel.dev/kestrel/pkg/mm/vspace"
)

// ErrNoSection is returned by LookupSection when no image section backs the
// address. The caller then treats the memory as non-paged.
var ErrNoSection = errors.New("no image section backs the address")

// PageFrame describes one materialized page returned by Section.PageIn. The
// caller takes over either the page cache reference (Entry != nil) or one
// pin on the frame (Entry == nil).
type PageFrame struct {
	VirtualAddress  hostarch.Addr
	PhysicalAddress hostarch.PhysAddr
	Entry           *pagecache.Entry
}

// Release drops whatever the frame holds: the cache reference, or the pin.
func (f *PageFrame) Release(phys *physmem.File) {
	if f.Entry != nil {
		f.Entry.DecRef()
		f.Entry = nil
		return
	}
	phys.UnlockPages(f.PhysicalAddress.RoundDown(), 1)
}

// Process is a user address space with its image sections. Like the rest of
// the subsystem it is externally serialized.
type Process struct {
	// Space covers [PageSize, KernelVAStart). Page zero stays unmapped so
	// that nil dereferences fault.
	Space *vspace.Space

	phys *physmem.File
	log  logrus.FieldLogger

	sections []*Section
	anon     map[hostarch.Addr]uint64
}

// NewProcess returns a process with an empty address space.
func NewProcess(phys *physmem.File, log logrus.FieldLogger) *Process {
	return &Process{
		Space: vspace.New(hostarch.PageSize, hostarch.KernelVAStart, phys, log),
		phys:  phys,
		log:   log,
		anon:  make(map[hostarch.Addr]uint64),
	}
}

// Section is a pageable image section: a VA range whose pages are
// materialized on demand, optionally backed by the page cache.
type Section struct {
	process *Process
	va      hostarch.Addr
	size    uint64
	refs    atomic.Int64

	cache     *pagecache.Cache
	cacheBase uint64

	resident []bool
	entries  []*pagecache.Entry
	evicting map[uint64]bool
}

// AddSection creates a section at [va, va+size). If cache is non-nil the
// section's pages come from cache entries at cacheBase onward; otherwise
// they are anonymous.
func (p *Process) AddSection(va hostarch.Addr, size uint64, cache *pagecache.Cache, cacheBase uint64) (*Section, error) {
	if !va.IsPageAligned() {
		panic(fmt.Sprintf("unaligned section base %#x", uint64(va)))
	}
	size = hostarch.AlignUp(size, hostarch.PageSize)
	if err := p.Space.ReserveRangeAt(va, size); err != nil {
		return nil, err
	}
	pages := size >> hostarch.PageShift
	s := &Section{
		process:   p,
		va:        va,
		size:      size,
		cache:     cache,
		cacheBase: cacheBase,
		resident:  make([]bool, pages),
		entries:   make([]*pagecache.Entry, pages),
		evicting:  make(map[uint64]bool),
	}
	s.refs.Store(1)
	p.sections = append(p.sections, s)
	return s, nil
}

// MapAnonymous maps size bytes of non-paged memory at va, outside any
// section. Buffers wrapping such ranges translate them directly.
func (p *Process) MapAnonymous(va hostarch.Addr, size uint64) error {
	if !va.IsPageAligned() {
		panic(fmt.Sprintf("unaligned anonymous base %#x", uint64(va)))
	}
	size = hostarch.AlignUp(size, hostarch.PageSize)
	if err := p.Space.ReserveRangeAt(va, size); err != nil {
		return err
	}
	if err := p.Space.MapRange(va, size, hostarch.PageSize, hostarch.PageSize, false, false); err != nil {
		if relErr := p.Space.ReleaseRange(va, size, vspace.ReleaseFreePhysical|vspace.ReleaseSendInvalidateIPI); relErr != nil {
			p.log.WithError(relErr).Warn("leaking anonymous range after backing failure")
		}
		return err
	}
	p.anon[va] = size
	return nil
}

// LookupSection finds the section containing va. The caller receives a
// section reference and the page offset of va within the section.
func (p *Process) LookupSection(va hostarch.Addr) (*Section, uint64, error) {
	for _, s := range p.sections {
		if va >= s.va && va < s.End() {
			s.IncRef()
			return s, uint64(va.RoundDown()-s.va) >> hostarch.PageShift, nil
		}
	}
	return nil, 0, ErrNoSection
}

// Destroy tears down every section and anonymous region. Buffers wrapping
// the process's memory must have been freed first.
func (p *Process) Destroy() {
	for _, s := range p.sections {
		s.removeAllPages()
		s.DecRef()
	}
	p.sections = nil
	for va, size := range p.anon {
		if err := p.Space.ReleaseRange(va, size, vspace.ReleaseFreePhysical|vspace.ReleaseSendInvalidateIPI); err != nil {
			p.log.WithError(err).Warn("leaking anonymous range at teardown")
		}
	}
	p.anon = make(map[hostarch.Addr]uint64)
}

// End returns the exclusive end of the section.
func (s *Section) End() hostarch.Addr {
	return s.va + hostarch.Addr(s.size)
}

// VirtualAddress returns the section's base address.
func (s *Section) VirtualAddress() hostarch.Addr {
	return s.va
}

// Size returns the section's size in bytes.
func (s *Section) Size() uint64 {
	return s.size
}

// IncRef takes a reference on the section.
func (s *Section) IncRef() {
	s.refs.Add(1)
}

// DecRef drops a reference taken by LookupSection or IncRef.
func (s *Section) DecRef() {
	if s.refs.Add(-1) < 0 {
		panic("section reference count underflow")
	}
}

// PageIn materializes the page at pageOffset, maps it into the process, and
// fills out with its addresses. For cache-backed sections the caller
// receives a cache entry reference; for anonymous sections, one pin on the
// frame. Returns kerr.ErrTryAgain if the page was concurrently being
// evicted; the caller retries.
func (s *Section) PageIn(pageOffset uint64, out *PageFrame) error {
	if pageOffset >= uint64(len(s.resident)) {
		panic(fmt.Sprintf("page offset %d outside section of %d pages", pageOffset, len(s.resident)))
	}
	if s.evicting[pageOffset] {
		delete(s.evicting, pageOffset)
		return kerr.ErrTryAgain
	}
	va := s.va + hostarch.Addr(pageOffset<<hostarch.PageShift)
	if s.cache != nil {
		e, err := s.cache.EntryFor(s.cacheBase + pageOffset<<hostarch.PageShift)
		if err != nil {
			return err
		}
		if !s.resident[pageOffset] {
			// The section holds its own reference for as long as the page
			// stays resident.
			e.IncRef()
			s.entries[pageOffset] = e
			s.process.Space.MapPage(e.PhysicalAddress(), va, vspace.MapPresent)
			s.resident[pageOffset] = true
		}
		*out = PageFrame{VirtualAddress: va, PhysicalAddress: e.PhysicalAddress(), Entry: e}
		return nil
	}
	if !s.resident[pageOffset] {
		pa, err := s.process.phys.AllocatePages(1, 0)
		if err != nil {
			return err
		}
		s.process.Space.MapPage(pa, va, vspace.MapPresent)
		s.resident[pageOffset] = true
	}
	pa, ok := s.process.Space.VirtualToPhysical(va)
	if !ok {
		panic("resident page has no translation")
	}
	s.process.phys.LockPages(pa, 1)
	*out = PageFrame{VirtualAddress: va, PhysicalAddress: pa}
	return nil
}

// Evict pushes the page at pageOffset out of the section, so that the next
// PageIn observes the transient state and retries. Pinned pages cannot be
// evicted.
func (s *Section) Evict(pageOffset uint64) {
	if s.resident[pageOffset] {
		s.removePage(pageOffset)
	}
	s.evicting[pageOffset] = true
}

func (s *Section) removePage(pageOffset uint64) {
	va := s.va + hostarch.Addr(pageOffset<<hostarch.PageShift)
	pa, ok := s.process.Space.UnmapPage(va)
	if !ok {
		panic("resident page is not mapped")
	}
	if e := s.entries[pageOffset]; e != nil {
		e.DecRef()
		s.entries[pageOffset] = nil
	} else {
		if s.process.phys.Pins(pa) != 0 {
			panic(fmt.Sprintf("evicting pinned page %#x", uint64(va)))
		}
		s.process.phys.FreePage(pa)
	}
	s.resident[pageOffset] = false
}

func (s *Section) removeAllPages() {
	for i := range s.resident {
		if s.resident[i] {
			s.removePage(uint64(i))
		}
	}
	if err := s.process.Space.ReleaseRange(s.va, s.size, vspace.ReleaseSendInvalidateIPI); err != nil {
		s.process.log.WithError(err).Warn("leaking section range at teardown")
	}
}
