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
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"kestrel.dev/kestrel/pkg/hostarch"
	"kestrel.dev/kestrel/pkg/mm/iobuf"
	"kestrel.dev/kestrel/pkg/mm/pagecache"
	"kestrel.dev/kestrel/pkg/mm/physmem"
	"kestrel.dev/kestrel/pkg/mm/usermm"
	"kestrel.dev/kestrel/pkg/mm/vspace"
)

const (
	page = hostarch.PageSize

	// testPhysPages bounds machine memory in tests; small enough that
	// exhaustion tests stay fast.
	testPhysPages = 512
)

type testEnv struct {
	m     *iobuf.Manager
	phys  *physmem.File
	cache *pagecache.Cache
	log   *logrus.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	phys, err := physmem.NewFile(testPhysPages<<hostarch.PageShift, log)
	if err != nil {
		t.Fatalf("creating machine memory: %v", err)
	}
	t.Cleanup(func() { phys.Close() })
	kernel := vspace.New(hostarch.KernelVAStart,
		hostarch.KernelVAStart+hostarch.Addr(8*testPhysPages*page), phys, log)
	return &testEnv{
		m:     iobuf.NewManager(phys, kernel, log),
		phys:  phys,
		cache: pagecache.NewCache(phys, log),
		log:   log,
	}
}

func (e *testEnv) newProcess(t *testing.T) *usermm.Process {
	t.Helper()
	p := usermm.NewProcess(e.phys, e.log)
	t.Cleanup(p.Destroy)
	return p
}

// checkInvariants verifies the structural invariants every buffer must
// satisfy after every public operation.
func checkInvariants(t *testing.T, b *iobuf.Buffer) {
	t.Helper()

	totalSize := b.Size() + b.CurrentOffset()
	if b.CurrentOffset() > totalSize {
		t.Errorf("current offset %d exceeds total size %d", b.CurrentOffset(), totalSize)
	}

	fragments := b.Fragments()
	var sum uint64
	for _, f := range fragments {
		sum += f.Size
	}
	if sum != totalSize {
		t.Errorf("fragment sizes sum to %d, total size is %d", sum, totalSize)
	}

	if len(fragments) > b.MaxFragmentCount() {
		t.Errorf("%d fragments exceed capacity %d", len(fragments), b.MaxFragmentCount())
	}

	// No adjacent pair may be contiguous both physically and in VA state;
	// such pairs must have been coalesced.
	for i := 1; i < len(fragments); i++ {
		prev, cur := fragments[i-1], fragments[i]
		physAdjacent := prev.PhysicalAddress.Ok() && cur.PhysicalAddress.Ok() &&
			prev.PhysicalAddress+hostarch.PhysAddr(prev.Size) == cur.PhysicalAddress
		vaAdjacent := prev.VirtualAddress != 0 && cur.VirtualAddress != 0 &&
			prev.VirtualAddress+hostarch.Addr(prev.Size) == cur.VirtualAddress
		bothUnmapped := prev.VirtualAddress == 0 && cur.VirtualAddress == 0
		if physAdjacent && (vaAdjacent || bothUnmapped) {
			t.Errorf("fragments %d and %d should have been coalesced: %+v %+v", i-1, i, prev, cur)
		}
		if !prev.PhysicalAddress.Ok() && !cur.PhysicalAddress.Ok() && vaAdjacent {
			t.Errorf("fragments %d and %d are virtually adjacent with unknown physical addresses: %+v %+v",
				i-1, i, prev, cur)
		}
	}

	if b.Flags().Has(iobuf.FlagVirtuallyContiguous) && len(fragments) > 0 {
		expected := fragments[0].VirtualAddress
		for i, f := range fragments {
			if f.VirtualAddress != expected {
				t.Errorf("virtually contiguous buffer has a gap at fragment %d: got %#x, want %#x",
					i, uint64(f.VirtualAddress), uint64(expected))
			}
			expected += hostarch.Addr(f.Size)
		}
	}

	// Every populated cache slot must agree with the buffer's physical
	// layout at that page.
	if entries := b.CacheEntries(); entries != nil && b.Flags().Has(iobuf.FlagPageCacheBacked) {
		pageIndex := uint64(0)
		for _, f := range fragments {
			for off := uint64(0); off < f.Size; off += page {
				if pageIndex < uint64(len(entries)) {
					if e := entries[pageIndex]; e != nil {
						want := f.PhysicalAddress + hostarch.PhysAddr(off)
						if e.PhysicalAddress() != want {
							t.Errorf("cache entry at page %d holds %#x, buffer holds %#x",
								pageIndex, uint64(e.PhysicalAddress()), uint64(want))
						}
					}
				}
				pageIndex++
			}
		}
	}
}
