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

// Package pool implements tagged kernel pool allocation over a virtual
// address space. Pool memory is mapped on allocation and stays mapped until
// freed; the paged/non-paged distinction is a property of the pool instance.
package pool

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"kestrel.dev/kestrel/pkg/hostarch"
	"kestrel.dev/kestrel/pkg/mm/vspace"
)

// Tag identifies the subsystem owning an allocation, for leak diagnostics.
type Tag string

type allocation struct {
	size uint64
	tag  Tag
}

// Pool allocates tagged, mapped ranges from a Space.
type Pool struct {
	space  *vspace.Space
	allocs map[hostarch.Addr]allocation
	log    logrus.FieldLogger
}

// New returns a Pool carving allocations out of space.
func New(space *vspace.Space, log logrus.FieldLogger) *Pool {
	return &Pool{
		space:  space,
		allocs: make(map[hostarch.Addr]allocation),
		log:    log,
	}
}

// Allocate reserves and maps size bytes (rounded up to whole pages).
func (p *Pool) Allocate(size uint64, tag Tag) (hostarch.Addr, error) {
	size = hostarch.AlignUp(size, hostarch.PageSize)
	va, err := p.space.ReserveRange(size, hostarch.PageSize)
	if err != nil {
		return 0, err
	}
	if err := p.space.MapRange(va, size, hostarch.PageSize, hostarch.PageSize, false, false); err != nil {
		if relErr := p.space.ReleaseRange(va, size, vspace.ReleaseFreePhysical|vspace.ReleaseSendInvalidateIPI); relErr != nil {
			p.log.WithError(relErr).WithField("va", fmt.Sprintf("%#x", uint64(va))).
				Warn("leaking pool range after backing failure")
		}
		return 0, err
	}
	p.allocs[va] = allocation{size: size, tag: tag}
	return va, nil
}

// Free releases an allocation made by Allocate.
func (p *Pool) Free(va hostarch.Addr) {
	a, ok := p.allocs[va]
	if !ok {
		panic(fmt.Sprintf("pool free of unknown address %#x", uint64(va)))
	}
	delete(p.allocs, va)
	if err := p.space.ReleaseRange(va, a.size, vspace.ReleaseFreePhysical|vspace.ReleaseSendInvalidateIPI); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"va":  fmt.Sprintf("%#x", uint64(va)),
			"tag": string(a.tag),
		}).Warn("leaking pool range")
	}
}

// InUse returns the number of live allocations.
func (p *Pool) InUse() int {
	return len(p.allocs)
}
