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

// Package pagecache implements reference-counted page cache entries.
//
// An Entry owns one physical frame and may carry a published kernel virtual
// address shared by every client mapping the page. Reference counts and the
// published address are atomic; everything else in an Entry is immutable
// after insertion.
package pagecache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"kestrel.dev/kestrel/pkg/hostarch"
	"kestrel.dev/kestrel/pkg/mm/physmem"
)

// Entry is one page of cached file data.
type Entry struct {
	cache  *Cache
	offset uint64
	pa     hostarch.PhysAddr

	refs atomic.Int64

	// va is the published kernel virtual address of the page, or zero if
	// none has been published yet.
	va atomic.Uint64
}

// Offset returns the file offset the entry caches.
func (e *Entry) Offset() uint64 {
	return e.offset
}

// PhysicalAddress returns the frame owned by the entry.
func (e *Entry) PhysicalAddress() hostarch.PhysAddr {
	return e.pa
}

// VirtualAddress returns the published kernel VA of the page, if any.
func (e *Entry) VirtualAddress() (hostarch.Addr, bool) {
	va := e.va.Load()
	return hostarch.Addr(va), va != 0
}

// TrySetVirtualAddress publishes va as the entry's mapping. Concurrent
// publishers race; the loser's mapping is simply not recorded, which is
// harmless since any published VA translates to the same frame.
func (e *Entry) TrySetVirtualAddress(va hostarch.Addr) bool {
	return e.va.CompareAndSwap(0, uint64(va))
}

// IncRef takes a reference on the entry.
func (e *Entry) IncRef() {
	if n := e.refs.Add(1); n <= 1 {
		panic(fmt.Sprintf("IncRef on dead page cache entry (refs %d)", n))
	}
}

// DecRef drops a reference. The last reference retires the entry and frees
// its frame.
func (e *Entry) DecRef() {
	n := e.refs.Add(-1)
	switch {
	case n < 0:
		panic("DecRef on dead page cache entry")
	case n == 0:
		e.cache.retire(e)
	}
}

// ReadRefs returns the current reference count, for tests and diagnostics.
func (e *Entry) ReadRefs() int64 {
	return e.refs.Load()
}

// Cache is a set of entries indexed by file offset.
type Cache struct {
	phys *physmem.File
	log  logrus.FieldLogger

	mu      sync.Mutex
	entries *btree.BTreeG[*Entry]
}

const btreeDegree = 16

// NewCache returns an empty cache backed by phys.
func NewCache(phys *physmem.File, log logrus.FieldLogger) *Cache {
	return &Cache{
		phys: phys,
		log:  log,
		entries: btree.NewG(btreeDegree, func(a, b *Entry) bool {
			return a.offset < b.offset
		}),
	}
}

// EntryFor returns the entry caching offset, creating it (and allocating its
// frame) if absent. The caller receives a reference either way.
func (c *Cache) EntryFor(offset uint64) (*Entry, error) {
	if !hostarch.IsAligned(offset, hostarch.PageSize) {
		panic(fmt.Sprintf("unaligned page cache offset %#x", offset))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Get(&Entry{offset: offset}); ok {
		e.refs.Add(1)
		return e, nil
	}
	pa, err := c.phys.AllocatePages(1, 0)
	if err != nil {
		return nil, err
	}
	e := &Entry{cache: c, offset: offset, pa: pa}
	e.refs.Store(1)
	c.entries.ReplaceOrInsert(e)
	return e, nil
}

// Adopt creates an entry around a frame the caller already owns; the cache
// takes over freeing it. The caller receives a reference.
func (c *Cache) Adopt(offset uint64, pa hostarch.PhysAddr) *Entry {
	if !hostarch.IsAligned(offset, hostarch.PageSize) || !pa.IsPageAligned() {
		panic(fmt.Sprintf("bad adoption offset=%#x pa=%#x", offset, uint64(pa)))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries.Get(&Entry{offset: offset}); ok {
		panic(fmt.Sprintf("offset %#x is already cached", offset))
	}
	e := &Entry{cache: c, offset: offset, pa: pa}
	e.refs.Store(1)
	c.entries.ReplaceOrInsert(e)
	return e
}

// Lookup returns the entry caching offset with a new reference, or false.
func (c *Cache) Lookup(offset uint64) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(&Entry{offset: offset})
	if !ok {
		return nil, false
	}
	e.refs.Add(1)
	return e, true
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *Cache) retire(e *Entry) {
	c.mu.Lock()
	// A Lookup may have resurrected the entry between the final DecRef and
	// this point; the lock makes the check stable.
	if e.refs.Load() != 0 {
		c.mu.Unlock()
		return
	}
	_, removed := c.entries.Delete(e)
	c.mu.Unlock()
	if removed {
		c.phys.FreePage(e.pa)
	}
}
