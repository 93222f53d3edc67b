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

// Package kerr defines the error values surfaced by the memory management
// packages. Callers compare with errors.Is; intermediate layers may wrap
// these with fmt.Errorf("...: %w", ...) for context.
package kerr

import "errors"

var (
	// ErrInsufficientResources indicates a descriptor, pool, or virtual
	// address range allocation was refused.
	ErrInsufficientResources = errors.New("insufficient resources")

	// ErrInvalidParameter indicates a malformed argument, such as a vector
	// count out of range or a translation failure on a supposedly resident
	// page.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrAccessViolation indicates an address range crossing the kernel/user
	// boundary in the wrong direction.
	ErrAccessViolation = errors.New("access violation")

	// ErrBufferTooSmall indicates a buffer that cannot hold the requested
	// bytes and cannot be extended to do so.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrIncorrectBufferSize indicates a copy or zero walk ran off the end
	// of a buffer's fragment list.
	ErrIncorrectBufferSize = errors.New("incorrect buffer size")

	// ErrNoMemory indicates the physical page allocator is exhausted.
	ErrNoMemory = errors.New("no memory")

	// ErrTryAgain indicates a transient condition; the operation should be
	// retried. usermm.Section.PageIn returns it; the page-in loops of the
	// I/O buffer constructors and the user copiers retry on it, so those
	// operations never return it.
	ErrTryAgain = errors.New("try again")
)
