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

// Package physmem implements the physical page allocator.
//
// Machine memory is modeled as a single memfd-backed mapping; a
// hostarch.PhysAddr is a byte offset into it, so the contents of any frame
// are directly addressable. Frames carry pin counts; a pinned frame must not
// be reclaimed until every holder unpins it.
package physmem

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"kestrel.dev/kestrel/pkg/hostarch"
	"kestrel.dev/kestrel/pkg/memutil"
	"kestrel.dev/kestrel/pkg/mm/extent"
	"kestrel.dev/kestrel/pkg/mm/kerr"
)

type frameInfo struct {
	allocated bool
	pins      uint32
}

// File is the machine memory of the system: a fixed number of page frames
// with allocation and pin-count tracking. It is not internally synchronized;
// callers serialize access the way they serialize the rest of the memory
// management state.
type File struct {
	mem    []byte
	fd     int
	frames []frameInfo
	free   *extent.Allocator
	log    logrus.FieldLogger

	allocatedPages uint64
	pinnedPages    uint64
}

// NewFile creates machine memory of the given size, rounded up to a whole
// number of pages.
func NewFile(size uint64, log logrus.FieldLogger) (*File, error) {
	size = hostarch.AlignUp(size, hostarch.PageSize)
	fd, err := memutil.CreateMemFD("kestrel-physmem", size)
	if err != nil {
		return nil, err
	}
	mem, err := memutil.MapFile(fd, size)
	if err != nil {
		return nil, err
	}
	return &File{
		mem:    mem,
		fd:     fd,
		frames: make([]frameInfo, size>>hostarch.PageShift),
		free:   extent.New(0, size),
		log:    log,
	}, nil
}

// Close unmaps and releases the backing memory. All frames must have been
// freed.
func (f *File) Close() error {
	if f.allocatedPages != 0 {
		f.log.WithField("pages", f.allocatedPages).Warn("closing machine memory with allocated frames")
	}
	err := memutil.Unmap(f.mem)
	f.mem = nil
	if closeErr := unix.Close(f.fd); err == nil {
		err = closeErr
	}
	return err
}

// TotalPages returns the number of page frames in the file.
func (f *File) TotalPages() uint64 {
	return uint64(len(f.frames))
}

// AllocatedPages returns the number of currently allocated frames.
func (f *File) AllocatedPages() uint64 {
	return f.allocatedPages
}

// PinnedPages returns the number of frames with a nonzero pin count.
func (f *File) PinnedPages() uint64 {
	return f.pinnedPages
}

// AllocatePages allocates a physically contiguous run of n pages whose start
// is aligned to align bytes. An align of zero means page alignment; other
// values are rounded up to a page multiple. The frames are zeroed.
func (f *File) AllocatePages(n uint64, align uint64) (hostarch.PhysAddr, error) {
	if n == 0 {
		panic("zero-page physical allocation")
	}
	if align == 0 {
		align = hostarch.PageSize
	} else {
		align = hostarch.AlignUp(align, hostarch.PageSize)
	}
	start, err := f.free.Alloc(n<<hostarch.PageShift, align)
	if err != nil {
		return hostarch.NoPhysAddr, fmt.Errorf("allocating %d pages: %w", n, kerr.ErrNoMemory)
	}
	pa := hostarch.PhysAddr(start)
	for i := uint64(0); i < n; i++ {
		f.frames[f.frameIndex(pa)+i].allocated = true
	}
	f.allocatedPages += n
	clear(f.mem[start : start+(n<<hostarch.PageShift)])
	return pa, nil
}

// FreePage returns one frame to the allocator.
func (f *File) FreePage(pa hostarch.PhysAddr) {
	f.FreeRange(pa, 1)
}

// FreeRange returns n frames starting at pa to the allocator. Any remaining
// pins are discarded; the frames' owner is relinquishing them.
func (f *File) FreeRange(pa hostarch.PhysAddr, n uint64) {
	idx := f.frameIndex(pa)
	for i := uint64(0); i < n; i++ {
		fr := &f.frames[idx+i]
		if !fr.allocated {
			panic(fmt.Sprintf("freeing unallocated frame %#x", uint64(pa)+i<<hostarch.PageShift))
		}
		if fr.pins != 0 {
			f.pinnedPages--
		}
		fr.allocated = false
		fr.pins = 0
	}
	f.allocatedPages -= n
	if err := f.free.Free(uint64(pa), n<<hostarch.PageShift); err != nil {
		panic(fmt.Sprintf("freeing frames: %v", err))
	}
}

// LockPages pins n frames starting at pa against reclaim.
func (f *File) LockPages(pa hostarch.PhysAddr, n uint64) {
	idx := f.frameIndex(pa)
	for i := uint64(0); i < n; i++ {
		fr := &f.frames[idx+i]
		if !fr.allocated {
			panic(fmt.Sprintf("pinning unallocated frame %#x", uint64(pa)+i<<hostarch.PageShift))
		}
		if fr.pins == 0 {
			f.pinnedPages++
		}
		fr.pins++
	}
}

// UnlockPages releases one pin on each of n frames starting at pa.
func (f *File) UnlockPages(pa hostarch.PhysAddr, n uint64) {
	idx := f.frameIndex(pa)
	for i := uint64(0); i < n; i++ {
		fr := &f.frames[idx+i]
		if fr.pins == 0 {
			panic(fmt.Sprintf("unpinning frame %#x with no pins", uint64(pa)+i<<hostarch.PageShift))
		}
		fr.pins--
		if fr.pins == 0 {
			f.pinnedPages--
		}
	}
}

// Pins returns the pin count of the frame containing pa.
func (f *File) Pins(pa hostarch.PhysAddr) uint32 {
	return f.frames[f.frameIndex(pa)].pins
}

// Slice returns the bytes of the physically contiguous range [pa, pa+n).
func (f *File) Slice(pa hostarch.PhysAddr, n uint64) []byte {
	if uint64(pa)+n > uint64(len(f.mem)) {
		panic(fmt.Sprintf("physical range [%#x, %#x) outside machine memory", uint64(pa), uint64(pa)+n))
	}
	return f.mem[pa : uint64(pa)+n]
}

func (f *File) frameIndex(pa hostarch.PhysAddr) uint64 {
	if !pa.Ok() || !pa.IsPageAligned() || uint64(pa) >= uint64(len(f.mem)) {
		panic(fmt.Sprintf("bad frame address %#x", uint64(pa)))
	}
	return uint64(pa) >> hostarch.PageShift
}
