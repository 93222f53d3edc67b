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
	"errors"
	"fmt"

	"kestrel.dev/kestrel/pkg/hostarch"
	"kestrel.dev/kestrel/pkg/mm/kerr"
	"kestrel.dev/kestrel/pkg/mm/pagecache"
	"kestrel.dev/kestrel/pkg/mm/usermm"
	"kestrel.dev/kestrel/pkg/mm/vspace"
)

// IOVector is one element of a scatter/gather vector.
type IOVector struct {
	Base   hostarch.Addr
	Length uint64
}

// MaxVectorCount is the largest vector CreateFromVector accepts.
const MaxVectorCount = 1024

// localVectorCount is the number of vector elements staged on the stack
// before falling back to an allocation.
const localVectorCount = 8

// AllocateNonPaged allocates memory for use as an I/O buffer. The memory
// remains mapped and resident until the buffer is freed.
//
// Alignment is rounded up to at least a page; size is rounded up to the
// alignment. Arbitrary minimum and maximum physical addresses are not
// honored; callers pass 0 and hostarch.MaxPhysAddr.
func (m *Manager) AllocateNonPaged(minPA, maxPA hostarch.PhysAddr, alignment, size uint64, physicallyContiguous, writeThrough, nonCached bool) (*Buffer, error) {
	if size == 0 {
		panic("zero-size buffer allocation")
	}
	if minPA != 0 || maxPA != hostarch.MaxPhysAddr {
		panic("physical address constraints are not honored")
	}
	if alignment == 0 {
		alignment = hostarch.PageSize
	} else {
		alignment = hostarch.AlignUp(alignment, hostarch.PageSize)
	}
	alignedSize := hostarch.AlignUp(size, alignment)
	pageCount := alignedSize >> hostarch.PageShift

	// A physically contiguous buffer needs only one fragment.
	fragmentCount := pageCount
	if physicallyContiguous {
		fragmentCount = 1
	}

	b := &Buffer{
		fragments:    make([]Fragment, 0, fragmentCount),
		maxFragments: int(fragmentCount),
		totalSize:    alignedSize,
		pageCount:    pageCount,
		// Always reserve cache entry slots; the pages may later be adopted
		// by the page cache.
		cacheEntries: make([]*pagecache.Entry, pageCount),
	}

	va, err := m.Kernel.ReserveRange(alignedSize, hostarch.PageSize)
	if err != nil {
		return nil, err
	}

	// Physically back and map the range. Contiguous buffers take one run
	// covering the whole size; otherwise one run per alignment unit.
	runSize := alignment
	if physicallyContiguous {
		runSize = alignedSize
	}
	if err := m.Kernel.MapRange(va, alignedSize, alignment, runSize, writeThrough, nonCached); err != nil {
		flags := vspace.ReleaseFreePhysical | vspace.ReleaseSendInvalidateIPI
		if relErr := m.Kernel.ReleaseRange(va, alignedSize, flags); relErr != nil {
			m.Log.WithError(relErr).WithField("va", fmt.Sprintf("%#x", uint64(va))).
				Warn("leaking address range after backing failure")
		}
		return nil, err
	}

	if physicallyContiguous {
		pa, ok := m.Kernel.VirtualToPhysical(va)
		if !ok {
			panic("freshly mapped range has no translation")
		}
		b.fragments = append(b.fragments, Fragment{
			VirtualAddress:  va,
			PhysicalAddress: pa,
			Size:            alignedSize,
		})
	} else {
		// Walk the new mapping, coalescing physically contiguous pages into
		// the same fragment.
		current := va
		for page := uint64(0); page < pageCount; page++ {
			pa, ok := m.Kernel.VirtualToPhysical(current)
			if !ok {
				panic("freshly mapped range has no translation")
			}
			if n := len(b.fragments); n != 0 &&
				b.fragments[n-1].PhysicalAddress+hostarch.PhysAddr(b.fragments[n-1].Size) == pa {
				b.fragments[n-1].Size += hostarch.PageSize
			} else {
				b.fragments = append(b.fragments, Fragment{
					VirtualAddress:  current,
					PhysicalAddress: pa,
					Size:            hostarch.PageSize,
				})
			}
			current += hostarch.PageSize
		}
	}

	b.flags = FlagNonPaged | FlagUnmapOnFree | FlagMemoryOwned |
		FlagMemoryLocked | FlagMapped | FlagVirtuallyContiguous
	return b, nil
}

// AllocatePaged allocates a pageable I/O buffer. Its data area is a separate
// paged-pool allocation owned by the descriptor and is released with it.
func (m *Manager) AllocatePaged(size uint64) (*Buffer, error) {
	if size == 0 {
		panic("zero-size buffer allocation")
	}
	dataVA, err := m.PagedPool.Allocate(size, ioAllocationTag)
	if err != nil {
		return nil, err
	}
	b := &Buffer{
		fragments:    make([]Fragment, 0, 1),
		maxFragments: 1,
		totalSize:    size,
		flags:        FlagVirtuallyContiguous | FlagMapped,
		dataVA:       dataVA,
	}
	b.fragments = append(b.fragments, Fragment{
		VirtualAddress:  dataVA,
		PhysicalAddress: hostarch.NoPhysAddr,
		Size:            size,
	})
	return b, nil
}

// AllocateUninitialized allocates an I/O buffer shell that the caller fills
// in with pages, one fragment slot per page. If cacheBacked, the buffer is
// prepared to take page cache entries.
func (m *Manager) AllocateUninitialized(size uint64, cacheBacked bool) (*Buffer, error) {
	size = hostarch.AlignUp(size, hostarch.PageSize)
	pageCount := size >> hostarch.PageShift
	b := &Buffer{
		fragments:    make([]Fragment, 0, pageCount),
		maxFragments: int(pageCount),
		pageCount:    pageCount,
		flags:        FlagNonPaged | FlagExtendable,
	}
	if cacheBacked {
		b.flags |= FlagPageCacheBacked | FlagMemoryLocked
		b.cacheEntries = make([]*pagecache.Entry, pageCount)
	}
	return b, nil
}

// CreateFromRange creates an I/O buffer over an existing memory range. Must
// be called at low run level.
//
// If kernelMode is false the range must lie entirely in user space and proc
// supplies the address space; otherwise it must lie entirely in kernel
// space. When lockMemory is set, every page is paged in as needed and held:
// pages backed by an image section transfer a page cache reference or a pin
// to the buffer, and pages outside any section must be resident.
func (m *Manager) CreateFromRange(proc *usermm.Process, buffer hostarch.Addr, size uint64, nonPagedMeta, lockMemory, kernelMode bool) (*Buffer, error) {
	m.assertLowRunLevel()

	end, ok := buffer.AddLength(size)
	b := &Buffer{}
	if nonPagedMeta {
		b.flags |= FlagNonPaged
	}

	var space *vspace.Space
	if kernelMode {
		if !buffer.IsKernel() || !ok {
			panic(fmt.Sprintf("kernel range [%#x, +%#x) below the kernel VA split", uint64(buffer), size))
		}
		space = m.Kernel
	} else {
		if proc == nil {
			panic("user range without a process")
		}
		if !ok || end > hostarch.KernelVAStart {
			return nil, fmt.Errorf("user range [%#x, +%#x): %w", uint64(buffer), size, kerr.ErrAccessViolation)
		}
		b.flags |= FlagUserMode
		b.proc = proc
		space = proc.Space
	}

	b.totalSize = size
	b.flags |= FlagMapped | FlagVirtuallyContiguous

	// Without locking, the buffer is a plain single-fragment alias of the
	// range with only the virtual address known.
	if !lockMemory {
		b.fragments = make([]Fragment, 0, 1)
		b.maxFragments = 1
		b.fragments = append(b.fragments, Fragment{
			VirtualAddress:  buffer,
			PhysicalAddress: hostarch.NoPhysAddr,
			Size:            size,
		})
		return b, nil
	}

	pageCount := hostarch.PagesSpanned(buffer, size)
	b.fragments = make([]Fragment, 0, pageCount)
	b.maxFragments = int(pageCount)
	b.pageCount = pageCount
	b.cacheEntries = make([]*pagecache.Entry, pageCount)

	var (
		section    *usermm.Section
		sectionEnd hostarch.Addr
		pageOffset uint64

		bytesLocked uint64
		pageIndex   uint64
	)
	fail := func(err error) (*Buffer, error) {
		if section != nil {
			section.DecRef()
		}
		// Mark what was locked so the free below releases exactly that.
		if bytesLocked != 0 {
			b.flags |= FlagMemoryLocked
		}
		m.Free(b)
		return nil, err
	}

	current := buffer
	for current < end {
		// Cross into the next section if the previous one ran out. Memory
		// outside any section is taken to be non-paged.
		if section == nil || sectionEnd <= current {
			if section != nil {
				section.DecRef()
				section = nil
			}
			if !kernelMode {
				if s, po, err := proc.LookupSection(current); err == nil {
					section = s
					pageOffset = po
					sectionEnd = s.End()
				}
			}
		}

		var pa hostarch.PhysAddr
		if section != nil {
			var frame usermm.PageFrame
			err := section.PageIn(pageOffset, &frame)
			if errors.Is(err, kerr.ErrTryAgain) {
				continue
			}
			if err != nil {
				return fail(err)
			}
			// The reference or pin returned by the page-in transfers to the
			// buffer.
			if frame.Entry != nil {
				b.cacheEntries[pageIndex] = frame.Entry
				b.flags |= FlagPageCacheBacked
			}
			pa = frame.PhysicalAddress + hostarch.PhysAddr(current.PageOffset())
		} else {
			resolved, resident := space.VirtualToPhysical(current)
			if !resident {
				return fail(fmt.Errorf("no translation for supposedly non-paged page %#x: %w",
					uint64(current), kerr.ErrInvalidParameter))
			}
			pa = resolved
			m.Phys.LockPages(pa.RoundDown(), 1)
		}

		// Fragments are page aligned except possibly the first and last.
		next := (current + 1).RoundUp()
		if next > end {
			next = end
		}
		fragmentSize := uint64(next - current)

		if n := len(b.fragments); n != 0 &&
			b.fragments[n-1].PhysicalAddress+hostarch.PhysAddr(b.fragments[n-1].Size) == pa {
			b.fragments[n-1].Size += fragmentSize
		} else {
			b.fragments = append(b.fragments, Fragment{
				VirtualAddress:  current,
				PhysicalAddress: pa,
				Size:            fragmentSize,
			})
		}

		bytesLocked += fragmentSize
		current = next
		pageOffset++
		pageIndex++
	}

	if section != nil {
		section.DecRef()
	}
	if bytesLocked != 0 {
		b.flags |= FlagMemoryLocked
	}
	return b, nil
}

// CreateFromVector creates a paged user-mode I/O buffer from a scatter/gather
// vector, coalescing adjacent elements and dropping empty ones. Must be
// called at low run level.
func (m *Manager) CreateFromVector(proc *usermm.Process, vector []IOVector, vectorInKernel bool) (*Buffer, error) {
	m.assertLowRunLevel()

	count := len(vector)
	if count == 0 || count > MaxVectorCount {
		return nil, fmt.Errorf("vector count %d: %w", count, kerr.ErrInvalidParameter)
	}

	// Vectors handed in from user mode are staged into kernel-owned storage
	// before validation, on the stack when small.
	vec := vector
	if !vectorInKernel {
		var local [localVectorCount]IOVector
		if count <= localVectorCount {
			vec = local[:count]
		} else {
			vec = make([]IOVector, count)
		}
		copy(vec, vector)
	}

	b := &Buffer{
		fragments:    make([]Fragment, 0, count),
		maxFragments: count,
		flags:        FlagUserMode | FlagMapped,
		proc:         proc,
	}

	var totalSize uint64
	for _, v := range vec {
		end, ok := v.Base.AddLength(v.Length)
		if v.Base >= hostarch.KernelVAStart || !ok || end > hostarch.KernelVAStart {
			return nil, fmt.Errorf("vector element [%#x, +%#x): %w",
				uint64(v.Base), v.Length, kerr.ErrAccessViolation)
		}
		if v.Length == 0 {
			continue
		}
		if n := len(b.fragments); n != 0 &&
			b.fragments[n-1].VirtualAddress+hostarch.Addr(b.fragments[n-1].Size) == v.Base {
			b.fragments[n-1].Size += v.Length
		} else {
			b.fragments = append(b.fragments, Fragment{
				VirtualAddress:  v.Base,
				PhysicalAddress: hostarch.NoPhysAddr,
				Size:            v.Length,
			})
		}
		totalSize += v.Length
	}
	b.totalSize = totalSize
	return b, nil
}

// InitializeBuffer fills in a caller-owned descriptor over a single page's
// worth of memory that is both virtually and physically contiguous. The
// descriptor is not freed when the buffer is.
//
// If pa is not known and va is, the physical address is resolved through the
// kernel page tables.
func (m *Manager) InitializeBuffer(b *Buffer, va hostarch.Addr, pa hostarch.PhysAddr, size uint64, cacheBacked, memoryLocked bool) {
	if uint64((va+hostarch.Addr(size)).RoundUp()-va.RoundDown()) > hostarch.PageSize {
		panic(fmt.Sprintf("range [%#x, +%#x) spans more than one page", uint64(va), size))
	}

	*b = Buffer{
		fragments:    make([]Fragment, 0, 1),
		maxFragments: 1,
		flags:        FlagStructureNotOwned,
	}
	if cacheBacked {
		b.flags |= FlagPageCacheBacked | FlagExtendable | FlagMemoryLocked
		b.cacheEntries = make([]*pagecache.Entry, 1)
		b.pageCount = 1
	}
	if memoryLocked {
		b.flags |= FlagMemoryLocked
	}

	if va != 0 {
		b.flags |= FlagMapped | FlagVirtuallyContiguous
		if !pa.Ok() {
			resolved, ok := m.Kernel.VirtualToPhysical(va)
			if !ok {
				panic(fmt.Sprintf("no translation for %#x", uint64(va)))
			}
			pa = resolved
		}
	}

	if pa.Ok() {
		if size == 0 {
			panic("physical address with zero size")
		}
		b.totalSize = size
		b.fragments = append(b.fragments, Fragment{
			VirtualAddress:  va,
			PhysicalAddress: pa,
			Size:            size,
		})
	}
}
