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

// Package extent implements a first-fit extent allocator over a flat 64-bit
// range. It backs both physical frame allocation and kernel virtual address
// accounting.
package extent

import (
	"errors"
	"fmt"

	"github.com/google/btree"
)

// ErrExhausted is returned by Alloc when no free extent can satisfy the
// request.
var ErrExhausted = errors.New("extent space exhausted")

// Extent is a half-open range [Start, Start+Size).
type Extent struct {
	Start uint64
	Size  uint64
}

// End returns the exclusive end of the extent.
func (e Extent) End() uint64 {
	return e.Start + e.Size
}

// Allocator hands out extents from a fixed range, coalescing freed neighbors.
// It is not internally synchronized.
type Allocator struct {
	free *btree.BTreeG[Extent]
}

const btreeDegree = 8

// New returns an Allocator over [start, start+size).
func New(start, size uint64) *Allocator {
	a := &Allocator{
		free: btree.NewG(btreeDegree, func(x, y Extent) bool { return x.Start < y.Start }),
	}
	if size != 0 {
		a.free.ReplaceOrInsert(Extent{Start: start, Size: size})
	}
	return a
}

// Alloc carves out the first free extent of the given size whose start can be
// aligned to align. An align of zero means no alignment requirement.
func (a *Allocator) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		panic("zero-sized extent allocation")
	}
	if align == 0 {
		align = 1
	}
	var (
		found  bool
		picked Extent
		start  uint64
	)
	a.free.Ascend(func(e Extent) bool {
		aligned := ((e.Start + align - 1) / align) * align
		if aligned < e.Start || aligned-e.Start >= e.Size {
			return true
		}
		if e.Size-(aligned-e.Start) < size {
			return true
		}
		found = true
		picked = e
		start = aligned
		return false
	})
	if !found {
		return 0, ErrExhausted
	}
	a.free.Delete(picked)
	if start > picked.Start {
		a.free.ReplaceOrInsert(Extent{Start: picked.Start, Size: start - picked.Start})
	}
	if end := start + size; end < picked.End() {
		a.free.ReplaceOrInsert(Extent{Start: end, Size: picked.End() - end})
	}
	return start, nil
}

// AllocAt carves out exactly [start, start+size), failing if any part of it
// is not free.
func (a *Allocator) AllocAt(start, size uint64) error {
	if size == 0 {
		panic("zero-sized extent allocation")
	}
	var container Extent
	var ok bool
	a.free.DescendLessOrEqual(Extent{Start: start}, func(e Extent) bool {
		container, ok = e, true
		return false
	})
	if !ok || container.End() < start+size {
		return ErrExhausted
	}
	a.free.Delete(container)
	if start > container.Start {
		a.free.ReplaceOrInsert(Extent{Start: container.Start, Size: start - container.Start})
	}
	if end := start + size; end < container.End() {
		a.free.ReplaceOrInsert(Extent{Start: end, Size: container.End() - end})
	}
	return nil
}

// Free returns [start, start+size) to the allocator, merging it with
// adjacent free extents. Freeing a range that overlaps a free extent is an
// error, since it indicates a double free.
func (a *Allocator) Free(start, size uint64) error {
	if size == 0 {
		panic("zero-sized extent free")
	}
	end := start + size

	var pred, succ Extent
	var hasPred, hasSucc bool
	a.free.DescendLessOrEqual(Extent{Start: start}, func(e Extent) bool {
		pred, hasPred = e, true
		return false
	})
	a.free.AscendGreaterOrEqual(Extent{Start: start + 1}, func(e Extent) bool {
		succ, hasSucc = e, true
		return false
	})
	if hasPred && pred.End() > start {
		return fmt.Errorf("free of [%#x, %#x) overlaps free extent [%#x, %#x)", start, end, pred.Start, pred.End())
	}
	if hasSucc && end > succ.Start {
		return fmt.Errorf("free of [%#x, %#x) overlaps free extent [%#x, %#x)", start, end, succ.Start, succ.End())
	}

	merged := Extent{Start: start, Size: size}
	if hasPred && pred.End() == start {
		a.free.Delete(pred)
		merged.Start = pred.Start
		merged.Size += pred.Size
	}
	if hasSucc && end == succ.Start {
		a.free.Delete(succ)
		merged.Size += succ.Size
	}
	a.free.ReplaceOrInsert(merged)
	return nil
}

// FreeBytes returns the total number of bytes currently free.
func (a *Allocator) FreeBytes() uint64 {
	var total uint64
	a.free.Ascend(func(e Extent) bool {
		total += e.Size
		return true
	})
	return total
}
