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

package iobuf_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"kestrel.dev/kestrel/pkg/hostarch"
	"kestrel.dev/kestrel/pkg/mm/iobuf"
	"kestrel.dev/kestrel/pkg/mm/kerr"
)

func TestAllocateNonPagedContiguous(t *testing.T) {
	e := newTestEnv(t)

	b, err := e.m.AllocateNonPaged(0, hostarch.MaxPhysAddr, 0, 16384, true, false, false)
	if err != nil {
		t.Fatalf("AllocateNonPaged: %v", err)
	}
	checkInvariants(t, b)

	if got := b.FragmentCount(); got != 1 {
		t.Errorf("fragment count = %d, want 1", got)
	}
	if got := b.Size(); got != 16384 {
		t.Errorf("size = %d, want 16384", got)
	}
	want := iobuf.FlagNonPaged | iobuf.FlagUnmapOnFree | iobuf.FlagMemoryOwned |
		iobuf.FlagMemoryLocked | iobuf.FlagMapped | iobuf.FlagVirtuallyContiguous
	if got := b.Flags(); got != want {
		t.Errorf("flags = %#x, want %#x", got, want)
	}

	f := b.Fragments()[0]
	if f.Size != 16384 || f.VirtualAddress == 0 || !f.PhysicalAddress.Ok() {
		t.Errorf("bad fragment %+v", f)
	}
	if !f.PhysicalAddress.IsPageAligned() {
		t.Errorf("contiguous run starts at unaligned %#x", uint64(f.PhysicalAddress))
	}

	if got := e.phys.AllocatedPages(); got != 4 {
		t.Errorf("allocated pages = %d, want 4", got)
	}
	e.m.Free(b)
	if got := e.phys.AllocatedPages(); got != 0 {
		t.Errorf("allocated pages after free = %d, want 0", got)
	}
}

func TestAllocateNonPagedRoundsUp(t *testing.T) {
	e := newTestEnv(t)

	// Alignment below a page rounds to a page; size rounds to the alignment.
	b, err := e.m.AllocateNonPaged(0, hostarch.MaxPhysAddr, 64, 5000, true, false, false)
	if err != nil {
		t.Fatalf("AllocateNonPaged: %v", err)
	}
	defer e.m.Free(b)
	checkInvariants(t, b)
	if got := b.Size(); got != 2*page {
		t.Errorf("size = %d, want %d", got, 2*page)
	}

	b2, err := e.m.AllocateNonPaged(0, hostarch.MaxPhysAddr, 2*page, page, false, false, false)
	if err != nil {
		t.Fatalf("AllocateNonPaged: %v", err)
	}
	defer e.m.Free(b2)
	checkInvariants(t, b2)
	if got := b2.Size(); got != 2*page {
		t.Errorf("size = %d, want %d", got, 2*page)
	}
	if pa := b2.PhysicalAddress(0); uint64(pa)%(2*page) != 0 {
		t.Errorf("run starts at %#x, want %d-byte alignment", uint64(pa), 2*page)
	}
}

func TestAllocateNonPagedScattered(t *testing.T) {
	e := newTestEnv(t)

	// Fragment machine memory so the page-by-page backing picks
	// non-adjacent frames: free frames 0 and 2, keep 1 busy.
	paA, err := e.phys.AllocatePages(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	paB, err := e.phys.AllocatePages(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	paC, err := e.phys.AllocatePages(1, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.phys.FreePage(paA)
	e.phys.FreePage(paC)

	b, err := e.m.AllocateNonPaged(0, hostarch.MaxPhysAddr, 0, 12288, false, false, false)
	if err != nil {
		t.Fatalf("AllocateNonPaged: %v", err)
	}
	checkInvariants(t, b)

	// Frames A, C, C+page: the last two coalesce, A stands alone, and one
	// virtually contiguous range of 12 KiB covers both fragments.
	fragments := b.Fragments()
	if len(fragments) != 2 {
		t.Fatalf("fragment count = %d, want 2; fragments %+v", len(fragments), fragments)
	}
	want := []iobuf.Fragment{
		{VirtualAddress: fragments[0].VirtualAddress, PhysicalAddress: paA, Size: page},
		{VirtualAddress: fragments[0].VirtualAddress + page, PhysicalAddress: paC, Size: 2 * page},
	}
	if diff := cmp.Diff(want, fragments); diff != "" {
		t.Errorf("fragment mismatch (-want +got):\n%s", diff)
	}
	if !b.Flags().Has(iobuf.FlagVirtuallyContiguous) {
		t.Error("scattered allocation is not virtually contiguous")
	}

	e.m.Free(b)
	e.phys.FreePage(paB)
	if got := e.phys.AllocatedPages(); got != 0 {
		t.Errorf("allocated pages after free = %d, want 0", got)
	}
}

func TestAllocatePaged(t *testing.T) {
	e := newTestEnv(t)

	b, err := e.m.AllocatePaged(6000)
	if err != nil {
		t.Fatalf("AllocatePaged: %v", err)
	}
	checkInvariants(t, b)

	if got := b.FragmentCount(); got != 1 {
		t.Errorf("fragment count = %d, want 1", got)
	}
	want := iobuf.FlagVirtuallyContiguous | iobuf.FlagMapped
	if got := b.Flags(); got != want {
		t.Errorf("flags = %#x, want %#x", got, want)
	}
	f := b.Fragments()[0]
	if f.PhysicalAddress.Ok() {
		t.Errorf("pageable fragment has physical address %#x", uint64(f.PhysicalAddress))
	}
	if f.Size != 6000 {
		t.Errorf("fragment size = %d, want 6000", f.Size)
	}

	// The data area is immediately usable.
	in := []byte("pageable payload")
	if err := e.m.CopyData(b, in, 100, true); err != nil {
		t.Fatalf("CopyData in: %v", err)
	}
	out := make([]byte, len(in))
	if err := e.m.CopyData(b, out, 100, false); err != nil {
		t.Fatalf("CopyData out: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("round trip = %q, want %q", out, in)
	}

	e.m.Free(b)
	if got := e.m.PagedPool.InUse(); got != 0 {
		t.Errorf("paged pool in use after free = %d, want 0", got)
	}
}

func TestAllocateUninitialized(t *testing.T) {
	e := newTestEnv(t)

	for _, cacheBacked := range []bool{false, true} {
		b, err := e.m.AllocateUninitialized(8192, cacheBacked)
		if err != nil {
			t.Fatalf("AllocateUninitialized(cacheBacked=%t): %v", cacheBacked, err)
		}
		checkInvariants(t, b)
		if got := b.Size(); got != 0 {
			t.Errorf("size = %d, want 0", got)
		}
		if got := b.MaxFragmentCount(); got != 2 {
			t.Errorf("fragment capacity = %d, want 2", got)
		}
		want := iobuf.FlagNonPaged | iobuf.FlagExtendable
		if cacheBacked {
			want |= iobuf.FlagPageCacheBacked | iobuf.FlagMemoryLocked
		}
		if got := b.Flags(); got != want {
			t.Errorf("flags = %#x, want %#x", got, want)
		}
		if hasEntries := b.CacheEntries() != nil; hasEntries != cacheBacked {
			t.Errorf("cache entry slots present = %t, want %t", hasEntries, cacheBacked)
		}
		e.m.Free(b)
	}
}

func TestCreateFromRangeUnlocked(t *testing.T) {
	e := newTestEnv(t)
	p := e.newProcess(t)

	b, err := e.m.CreateFromRange(p, 0x40_0123, 5000, false, false, false)
	if err != nil {
		t.Fatalf("CreateFromRange: %v", err)
	}
	checkInvariants(t, b)

	want := iobuf.FlagUserMode | iobuf.FlagMapped | iobuf.FlagVirtuallyContiguous
	if got := b.Flags(); got != want {
		t.Errorf("flags = %#x, want %#x", got, want)
	}
	fragments := b.Fragments()
	if len(fragments) != 1 || fragments[0].VirtualAddress != 0x40_0123 ||
		fragments[0].Size != 5000 || fragments[0].PhysicalAddress.Ok() {
		t.Errorf("bad fragments %+v", fragments)
	}
	e.m.Free(b)
}

func TestCreateFromRangeZeroSize(t *testing.T) {
	e := newTestEnv(t)
	p := e.newProcess(t)

	b, err := e.m.CreateFromRange(p, 0x40_0000, 0, false, false, false)
	if err != nil {
		t.Fatalf("CreateFromRange: %v", err)
	}
	checkInvariants(t, b)
	if got := b.FragmentCount(); got != 1 {
		t.Errorf("fragment count = %d, want 1", got)
	}
	if got := b.Size(); got != 0 {
		t.Errorf("size = %d, want 0", got)
	}
	e.m.Free(b)
}

func TestCreateFromRangeBoundaryViolation(t *testing.T) {
	e := newTestEnv(t)
	p := e.newProcess(t)

	_, err := e.m.CreateFromRange(p, hostarch.KernelVAStart-0x800, 0x1000, false, false, false)
	if !errors.Is(err, kerr.ErrAccessViolation) {
		t.Errorf("err = %v, want %v", err, kerr.ErrAccessViolation)
	}
}

func TestCreateFromRangeLockedUser(t *testing.T) {
	e := newTestEnv(t)
	p := e.newProcess(t)

	const base = hostarch.Addr(0x40_0000)
	if _, err := p.AddSection(base, 3*page, nil, 0); err != nil {
		t.Fatal(err)
	}

	// 5000 bytes starting 100 bytes into the section's first page.
	ptr := base + 100
	b, err := e.m.CreateFromRange(p, ptr, 5000, true, true, false)
	if err != nil {
		t.Fatalf("CreateFromRange: %v", err)
	}
	checkInvariants(t, b)

	if !b.Flags().Has(iobuf.FlagMemoryLocked | iobuf.FlagUserMode) {
		t.Errorf("flags = %#x, want memory-locked user buffer", b.Flags())
	}
	fragments := b.Fragments()
	if fragments[0].VirtualAddress != ptr {
		t.Errorf("first fragment starts at %#x, want %#x", uint64(fragments[0].VirtualAddress), uint64(ptr))
	}
	var sum uint64
	var endVA hostarch.Addr
	for _, f := range fragments {
		sum += f.Size
		endVA = f.VirtualAddress + hostarch.Addr(f.Size)
	}
	if sum != 5000 || endVA != ptr+5000 {
		t.Errorf("fragments cover %d bytes ending at %#x, want 5000 ending at %#x",
			sum, uint64(endVA), uint64(ptr+5000))
	}

	// Two pages were touched and pinned once each.
	if got := e.phys.PinnedPages(); got != 2 {
		t.Errorf("pinned pages = %d, want 2", got)
	}
	e.m.Free(b)
	if got := e.phys.PinnedPages(); got != 0 {
		t.Errorf("pinned pages after free = %d, want 0", got)
	}
}

func TestCreateFromRangeLockedRetries(t *testing.T) {
	e := newTestEnv(t)
	p := e.newProcess(t)

	const base = hostarch.Addr(0x40_0000)
	s, err := p.AddSection(base, 2*page, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	// The second page starts out mid-eviction; locking must retry through
	// the transient state without surfacing it.
	s.Evict(1)

	b, err := e.m.CreateFromRange(p, base, 2*page, true, true, false)
	if err != nil {
		t.Fatalf("CreateFromRange: %v", err)
	}
	checkInvariants(t, b)
	if got := b.Size(); got != 2*page {
		t.Errorf("size = %d, want %d", got, 2*page)
	}
	e.m.Free(b)
}

func TestCreateFromRangeLockedCacheSection(t *testing.T) {
	e := newTestEnv(t)
	p := e.newProcess(t)

	const base = hostarch.Addr(0x40_0000)
	if _, err := p.AddSection(base, 2*page, e.cache, 0); err != nil {
		t.Fatal(err)
	}

	b, err := e.m.CreateFromRange(p, base, 2*page, true, true, false)
	if err != nil {
		t.Fatalf("CreateFromRange: %v", err)
	}
	checkInvariants(t, b)

	if !b.Flags().Has(iobuf.FlagPageCacheBacked) {
		t.Errorf("flags = %#x, want page-cache backed", b.Flags())
	}
	entries := b.CacheEntries()
	for i, entry := range entries {
		if entry == nil {
			t.Fatalf("page %d has no cache entry", i)
		}
		// One reference held by the buffer, one by the section residency.
		if got := entry.ReadRefs(); got != 2 {
			t.Errorf("entry %d refs = %d, want 2", i, got)
		}
	}

	e.m.Free(b)
	for i, entry := range entries {
		if got := entry.ReadRefs(); got != 1 {
			t.Errorf("entry %d refs after free = %d, want 1", i, got)
		}
	}
	if got := e.cache.Len(); got != 2 {
		t.Errorf("cache entries = %d, want 2", got)
	}
}

func TestCreateFromRangeLockedNonPagedMemory(t *testing.T) {
	e := newTestEnv(t)
	p := e.newProcess(t)

	// Resident memory outside any section locks by pinning directly.
	if err := p.MapAnonymous(0x50_0000, 2*page); err != nil {
		t.Fatal(err)
	}
	b, err := e.m.CreateFromRange(p, 0x50_0000, 2*page, true, true, false)
	if err != nil {
		t.Fatalf("CreateFromRange: %v", err)
	}
	checkInvariants(t, b)
	if got := e.phys.PinnedPages(); got != 2 {
		t.Errorf("pinned pages = %d, want 2", got)
	}
	e.m.Free(b)
	if got := e.phys.PinnedPages(); got != 0 {
		t.Errorf("pinned pages after free = %d, want 0", got)
	}

	// Never-resident memory with no section cannot be locked.
	_, err = e.m.CreateFromRange(p, 0x60_0000, page, true, true, false)
	if !errors.Is(err, kerr.ErrInvalidParameter) {
		t.Errorf("err = %v, want %v", err, kerr.ErrInvalidParameter)
	}
}

func TestCreateFromVector(t *testing.T) {
	e := newTestEnv(t)
	p := e.newProcess(t)

	vector := []iobuf.IOVector{
		{Base: 0x1000, Length: 100},
		{Base: 0x1064, Length: 200},
		{Base: 0x2000, Length: 0},
		{Base: 0x3000, Length: 50},
	}
	b, err := e.m.CreateFromVector(p, vector, false)
	if err != nil {
		t.Fatalf("CreateFromVector: %v", err)
	}
	checkInvariants(t, b)

	want := []iobuf.Fragment{
		{VirtualAddress: 0x1000, PhysicalAddress: hostarch.NoPhysAddr, Size: 300},
		{VirtualAddress: 0x3000, PhysicalAddress: hostarch.NoPhysAddr, Size: 50},
	}
	if diff := cmp.Diff(want, b.Fragments()); diff != "" {
		t.Errorf("fragment mismatch (-want +got):\n%s", diff)
	}
	if got := b.Size(); got != 350 {
		t.Errorf("size = %d, want 350", got)
	}
	if got, want := b.Flags(), iobuf.FlagUserMode|iobuf.FlagMapped; got != want {
		t.Errorf("flags = %#x, want %#x", got, want)
	}
	e.m.Free(b)
}

func TestCreateFromVectorAllEmpty(t *testing.T) {
	e := newTestEnv(t)
	p := e.newProcess(t)

	b, err := e.m.CreateFromVector(p, []iobuf.IOVector{
		{Base: 0x1000, Length: 0},
		{Base: 0x2000, Length: 0},
	}, true)
	if err != nil {
		t.Fatalf("CreateFromVector: %v", err)
	}
	checkInvariants(t, b)
	if b.FragmentCount() != 0 || b.Size() != 0 {
		t.Errorf("got %d fragments, size %d; want an empty buffer", b.FragmentCount(), b.Size())
	}
	e.m.Free(b)
}

func TestCreateFromVectorErrors(t *testing.T) {
	e := newTestEnv(t)
	p := e.newProcess(t)

	for _, test := range []struct {
		name   string
		vector []iobuf.IOVector
		want   error
	}{
		{
			name:   "empty vector",
			vector: nil,
			want:   kerr.ErrInvalidParameter,
		},
		{
			name:   "too many elements",
			vector: make([]iobuf.IOVector, iobuf.MaxVectorCount+1),
			want:   kerr.ErrInvalidParameter,
		},
		{
			name:   "kernel address",
			vector: []iobuf.IOVector{{Base: hostarch.KernelVAStart, Length: 8}},
			want:   kerr.ErrAccessViolation,
		},
		{
			name:   "range crossing the split",
			vector: []iobuf.IOVector{{Base: hostarch.KernelVAStart - 4, Length: 8}},
			want:   kerr.ErrAccessViolation,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := e.m.CreateFromVector(p, test.vector, false); !errors.Is(err, test.want) {
				t.Errorf("err = %v, want %v", err, test.want)
			}
		})
	}
}

func TestInitializeBuffer(t *testing.T) {
	e := newTestEnv(t)

	backing, err := e.m.AllocateNonPaged(0, hostarch.MaxPhysAddr, 0, page, true, false, false)
	if err != nil {
		t.Fatal(err)
	}
	defer e.m.Free(backing)
	va := backing.Fragments()[0].VirtualAddress

	// The physical address is resolved through the page tables when not
	// supplied.
	var b iobuf.Buffer
	e.m.InitializeBuffer(&b, va, hostarch.NoPhysAddr, page, false, false)
	checkInvariants(t, &b)

	if !b.Flags().Has(iobuf.FlagStructureNotOwned | iobuf.FlagMapped | iobuf.FlagVirtuallyContiguous) {
		t.Errorf("flags = %#x", b.Flags())
	}
	if got, want := b.PhysicalAddress(0), backing.PhysicalAddress(0); got != want {
		t.Errorf("physical address = %#x, want %#x", uint64(got), uint64(want))
	}

	// Freeing releases nothing: the wrapped page belongs to the backing
	// buffer and the descriptor to the caller.
	before := e.phys.AllocatedPages()
	e.m.Free(&b)
	if got := e.phys.AllocatedPages(); got != before {
		t.Errorf("allocated pages changed from %d to %d across free", before, got)
	}
}

func TestRunLevelAssertion(t *testing.T) {
	e := newTestEnv(t)
	p := e.newProcess(t)

	e.m.RunLevel = func() iobuf.RunLevel { return iobuf.RunLevelDispatch }
	defer func() {
		if recover() == nil {
			t.Error("paging constructor at dispatch level did not panic")
		}
	}()
	e.m.CreateFromVector(p, []iobuf.IOVector{{Base: 0x1000, Length: 8}}, true)
}
