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

// Package memutil provides utilities for creating and mapping shared memory
// files.
package memutil

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// CreateMemFD creates a memfd file of the given size and returns its fd.
// Names containing a '/' are rejected.
func CreateMemFD(name string, size uint64) (int, error) {
	if strings.Contains(name, "/") {
		return -1, fmt.Errorf("memfd_create(%q) failed: name contains a '/'", name)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		if err == unix.EINVAL {
			return -1, fmt.Errorf("memfd_create(%q) failed: EINVAL (is the name too long?)", name)
		}
		return -1, fmt.Errorf("memfd_create(%q) failed: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ftruncate on memfd %q failed: %w", name, err)
	}
	return fd, nil
}

// MapFile maps size bytes of the file fd read-write shared and returns the
// mapping as a slice.
func MapFile(fd int, size uint64) ([]byte, error) {
	m, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap of %d bytes failed: %w", size, err)
	}
	return m, nil
}

// Unmap unmaps a mapping returned by MapFile.
func Unmap(m []byte) error {
	return unix.Munmap(m)
}
