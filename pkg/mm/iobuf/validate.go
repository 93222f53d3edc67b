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

	"kestrel.dev/kestrel/pkg/hostarch"
	"kestrel.dev/kestrel/pkg/mm/kerr"
)

// ValidateForDMA checks that the buffer can be handed to a device with the
// given physical requirements, extending it in place where possible. When
// the buffer cannot be made to fit — user-mode memory, misaligned or
// out-of-range pages, or an impossible contiguous extension — a fresh
// non-paged buffer meeting the requirements is allocated and returned
// instead; it carries none of the original's data, and the caller owns
// both buffers.
func (m *Manager) ValidateForDMA(b *Buffer, minPA, maxPA hostarch.PhysAddr, alignment, size uint64, physicallyContiguous bool) (*Buffer, error) {
	if b == nil {
		return nil, fmt.Errorf("no buffer to validate: %w", kerr.ErrInvalidParameter)
	}

	// A buffer that cannot fit the transfer and cannot grow is not worth
	// replacing; the caller's accounting is wrong.
	if b.flags&FlagExtendable == 0 && b.currentOffset+size > b.totalSize {
		return b, fmt.Errorf("%d bytes at offset %d in a %d-byte buffer: %w",
			size, b.currentOffset, b.totalSize, kerr.ErrBufferTooSmall)
	}

	allocate := false

	// DMA cannot target user-mode memory.
	if b.flags&FlagUserMode != 0 {
		allocate = true
	}

	// Check the physical layout of the pages the transfer would touch.
	if !allocate && b.currentOffset != b.totalSize {
		checkAlignment := alignment
		if checkAlignment == 0 {
			checkAlignment = 1
		}
		bufferOffset := b.currentOffset
		endOffset := bufferOffset + size
		if endOffset > b.totalSize {
			endOffset = b.totalSize
		}
		var fragmentStart uint64
		fragmentIndex := 0
		physicalEnd := hostarch.NoPhysAddr
		for bufferOffset < endOffset {
			f := &b.fragments[fragmentIndex]
			if bufferOffset >= fragmentStart+f.Size {
				fragmentStart += f.Size
				fragmentIndex++
				continue
			}
			fragmentOffset := bufferOffset - fragmentStart
			if !f.PhysicalAddress.Ok() {
				allocate = true
				break
			}
			physicalStart := f.PhysicalAddress + hostarch.PhysAddr(fragmentOffset)
			if physicallyContiguous && physicalEnd != hostarch.NoPhysAddr && physicalStart != physicalEnd {
				allocate = true
				break
			}
			fragmentSize := f.Size - fragmentOffset
			if !hostarch.IsAligned(uint64(physicalStart), checkAlignment) ||
				!hostarch.IsAligned(fragmentSize, checkAlignment) {
				allocate = true
				break
			}
			physicalEnd = physicalStart + hostarch.PhysAddr(fragmentSize)
			if physicalStart < minPA || physicalEnd > maxPA {
				allocate = true
				break
			}
			bufferOffset += fragmentSize
			fragmentStart += f.Size
			fragmentIndex++
		}
	}

	// The existing pages pass; grow in place if more are needed and the
	// growth can work.
	if !allocate && b.flags&FlagExtendable != 0 && b.currentOffset+size > b.totalSize {
		// A contiguous extension can only continue from the very end of the
		// buffer; anywhere else there is no way to splice the new run in.
		if physicallyContiguous && b.currentOffset != b.totalSize {
			allocate = true
		} else {
			err := m.Extend(b, minPA, maxPA, alignment, b.currentOffset+size-b.totalSize, physicallyContiguous)
			return b, err
		}
	}

	if !allocate {
		return b, nil
	}
	replacement, err := m.AllocateNonPaged(minPA, maxPA, alignment, size, physicallyContiguous, false, false)
	if err != nil {
		return b, err
	}
	return replacement, nil
}

// ValidateForCachedIO checks that the buffer can take cached I/O directly:
// page-cache backed, extendable, current offset aligned and at the end,
// with enough fragment slots for the transfer. Otherwise — including when
// no buffer is supplied at all — a fresh cache-backed uninitialized buffer
// of the size rounded up to alignment is returned instead.
func (m *Manager) ValidateForCachedIO(b *Buffer, size, alignment uint64) (*Buffer, error) {
	allocate := false
	switch {
	case b == nil,
		b.flags&FlagPageCacheBacked == 0,
		b.flags&FlagExtendable == 0:
		allocate = true
	case !hostarch.IsAligned(b.currentOffset, alignment),
		b.currentOffset != b.totalSize:
		allocate = true
	default:
		pageCount := hostarch.AlignUp(size, hostarch.PageSize) >> hostarch.PageShift
		if pageCount > uint64(b.maxFragments-len(b.fragments)) {
			allocate = true
		}
	}
	if !allocate {
		return b, nil
	}
	replacement, err := m.AllocateUninitialized(hostarch.AlignUp(size, alignment), true)
	if err != nil {
		return b, err
	}
	return replacement, nil
}
