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

// Copy transfers byteCount bytes from src at srcOffset to dst at dstOffset.
// Offsets are relative to each buffer's current offset. An extendable
// destination grows to fit; both buffers are mapped as needed. At most one
// side may be a user-mode buffer; the copy then goes through the user-safe
// path in the appropriate direction.
func (m *Manager) Copy(dst *Buffer, dstOffset uint64, src *Buffer, srcOffset uint64, byteCount uint64) error {
	dstOffset += dst.currentOffset
	srcOffset += src.currentOffset

	if srcOffset+byteCount > src.totalSize {
		panic(fmt.Sprintf("copy source overrun: [%d, +%d) of %d", srcOffset, byteCount, src.totalSize))
	}
	if dst.flags&FlagExtendable == 0 && dstOffset+byteCount > dst.totalSize {
		panic(fmt.Sprintf("copy destination overrun: [%d, +%d) of %d", dstOffset, byteCount, dst.totalSize))
	}
	if dst.flags&FlagExtendable != 0 && dstOffset+byteCount > dst.totalSize {
		if err := m.Extend(dst, 0, hostarch.MaxPhysAddr, 0, dstOffset+byteCount-dst.totalSize, false); err != nil {
			return err
		}
	}

	if dst.flags&FlagUserMode != 0 && src.flags&FlagUserMode != 0 {
		panic("copy between two user-mode buffers")
	}

	if err := m.Map(dst, false, false, false); err != nil {
		return err
	}
	if err := m.Map(src, false, false, false); err != nil {
		return err
	}
	if byteCount == 0 {
		return nil
	}

	// The fragment lists need not line up; walk both sides together,
	// transferring up to a page at a time.
	di, dstFragOffset := dst.locateFragment(dstOffset)
	si, srcFragOffset := src.locateFragment(srcOffset)
	dstRemaining := dst.fragments[di].Size - dstFragOffset
	srcRemaining := src.fragments[si].Size - srcFragOffset

	var scratch [hostarch.PageSize]byte
	for byteCount != 0 {
		n := dstRemaining
		if srcRemaining < n {
			n = srcRemaining
		}
		if byteCount < n {
			n = byteCount
		}
		if n > hostarch.PageSize {
			n = hostarch.PageSize
		}
		chunk := scratch[:n]

		srcVA := src.fragments[si].VirtualAddress + hostarch.Addr(srcFragOffset)
		if src.flags&FlagUserMode != 0 {
			if err := src.proc.CopyIn(srcVA, chunk); err != nil {
				return err
			}
		} else if err := m.Kernel.CopyIn(srcVA, chunk); err != nil {
			return err
		}

		dstVA := dst.fragments[di].VirtualAddress + hostarch.Addr(dstFragOffset)
		if dst.flags&FlagUserMode != 0 {
			if err := dst.proc.CopyOut(dstVA, chunk); err != nil {
				return err
			}
		} else if err := m.Kernel.CopyOut(dstVA, chunk); err != nil {
			return err
		}

		byteCount -= n
		dstFragOffset += n
		dstRemaining -= n
		if dstRemaining == 0 && byteCount != 0 {
			di++
			if di >= len(dst.fragments) {
				return fmt.Errorf("copy destination walk: %w", kerr.ErrIncorrectBufferSize)
			}
			dstFragOffset = 0
			dstRemaining = dst.fragments[di].Size
		}
		srcFragOffset += n
		srcRemaining -= n
		if srcRemaining == 0 && byteCount != 0 {
			si++
			if si >= len(src.fragments) {
				return fmt.Errorf("copy source walk: %w", kerr.ErrIncorrectBufferSize)
			}
			srcFragOffset = 0
			srcRemaining = src.fragments[si].Size
		}
	}
	return nil
}

// Zero writes byteCount zero bytes at offset past the current offset,
// extending the buffer first when it is extendable and too small.
//
// Preconditions: the buffer is not user-mode.
func (m *Manager) Zero(b *Buffer, offset, byteCount uint64) error {
	offset += b.currentOffset
	if b.flags&FlagUserMode != 0 {
		panic("zeroing a user-mode buffer")
	}
	if b.flags&FlagExtendable == 0 && offset+byteCount > b.totalSize {
		panic(fmt.Sprintf("zero overrun: [%d, +%d) of %d", offset, byteCount, b.totalSize))
	}
	if b.flags&FlagExtendable != 0 && offset+byteCount > b.totalSize {
		if err := m.Extend(b, 0, hostarch.MaxPhysAddr, 0, offset+byteCount-b.totalSize, false); err != nil {
			return err
		}
	}
	if err := m.Map(b, false, false, false); err != nil {
		return err
	}

	var fragmentStart uint64
	for i := 0; byteCount != 0; i++ {
		if i >= len(b.fragments) {
			return fmt.Errorf("zero walk: %w", kerr.ErrIncorrectBufferSize)
		}
		f := &b.fragments[i]
		if fragmentStart+f.Size <= offset {
			fragmentStart += f.Size
			continue
		}
		var fragmentOffset uint64
		n := f.Size
		if offset > fragmentStart {
			fragmentOffset = offset - fragmentStart
			n -= fragmentOffset
		}
		if n > byteCount {
			n = byteCount
		}
		if err := m.Kernel.ZeroRange(f.VirtualAddress+hostarch.Addr(fragmentOffset), n); err != nil {
			return err
		}
		byteCount -= n
		fragmentStart += f.Size
	}
	return nil
}

// CopyData copies between the I/O buffer and a linear kernel buffer:
// into the I/O buffer at offset when toBuffer is set, out of it otherwise.
// Offsets are relative to the buffer's current offset. An extendable buffer
// grows to fit incoming data.
func (m *Manager) CopyData(b *Buffer, buf []byte, offset uint64, toBuffer bool) error {
	offset += b.currentOffset
	size := uint64(len(buf))

	if !toBuffer && offset+size > b.totalSize {
		panic(fmt.Sprintf("copy-out overrun: [%d, +%d) of %d", offset, size, b.totalSize))
	}
	if toBuffer && b.flags&FlagExtendable == 0 && offset+size > b.totalSize {
		panic(fmt.Sprintf("copy-in overrun: [%d, +%d) of %d", offset, size, b.totalSize))
	}
	if toBuffer && b.flags&FlagExtendable != 0 && offset+size > b.totalSize {
		if err := m.Extend(b, 0, hostarch.MaxPhysAddr, 0, offset+size-b.totalSize, false); err != nil {
			return err
		}
	}
	if err := m.Map(b, false, false, false); err != nil {
		return err
	}

	var pos, fragmentStart uint64
	for i := 0; pos < size; i++ {
		if i >= len(b.fragments) {
			return fmt.Errorf("linear copy walk: %w", kerr.ErrIncorrectBufferSize)
		}
		f := &b.fragments[i]
		if fragmentStart+f.Size <= offset {
			fragmentStart += f.Size
			continue
		}
		var fragmentOffset uint64
		n := f.Size
		if offset > fragmentStart {
			fragmentOffset = offset - fragmentStart
			n -= fragmentOffset
		}
		if n > size-pos {
			n = size - pos
		}

		va := f.VirtualAddress + hostarch.Addr(fragmentOffset)
		chunk := buf[pos : pos+n]
		var err error
		switch {
		case toBuffer && b.flags&FlagUserMode != 0:
			err = b.proc.CopyOut(va, chunk)
		case toBuffer:
			err = m.Kernel.CopyOut(va, chunk)
		case b.flags&FlagUserMode != 0:
			err = b.proc.CopyIn(va, chunk)
		default:
			err = m.Kernel.CopyIn(va, chunk)
		}
		if err != nil {
			return err
		}

		pos += n
		fragmentStart += f.Size
	}
	return nil
}
