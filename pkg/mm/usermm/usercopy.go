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

package usermm

import (
	"errors"
	"fmt"

	"kestrel.dev/kestrel/pkg/hostarch"
	"kestrel.dev/kestrel/pkg/mm/kerr"
)

// CopyOut writes src into the process's memory at va, paging in as needed.
func (p *Process) CopyOut(va hostarch.Addr, src []byte) error {
	if err := p.faultInRange(va, uint64(len(src))); err != nil {
		return err
	}
	return p.Space.CopyOut(va, src)
}

// CopyIn reads len(dst) bytes from the process's memory at va, paging in as
// needed.
func (p *Process) CopyIn(va hostarch.Addr, dst []byte) error {
	if err := p.faultInRange(va, uint64(len(dst))); err != nil {
		return err
	}
	return p.Space.CopyIn(va, dst)
}

// faultInRange verifies [va, va+n) is a legal user range and materializes
// any non-resident section pages in it.
func (p *Process) faultInRange(va hostarch.Addr, n uint64) error {
	end, ok := va.AddLength(n)
	if !ok || end > hostarch.KernelVAStart {
		return fmt.Errorf("user range [%#x, +%#x): %w", uint64(va), n, kerr.ErrAccessViolation)
	}
	if n == 0 {
		return nil
	}
	for page := va.RoundDown(); page < end; page += hostarch.PageSize {
		if _, mapped := p.Space.VirtualToPhysical(page); mapped {
			continue
		}
		if err := p.faultIn(page); err != nil {
			return err
		}
	}
	return nil
}

func (p *Process) faultIn(page hostarch.Addr) error {
	section, pageOffset, err := p.LookupSection(page)
	if err != nil {
		return fmt.Errorf("fault at unmapped address %#x: %w", uint64(page), kerr.ErrAccessViolation)
	}
	defer section.DecRef()
	for {
		var frame PageFrame
		err := section.PageIn(pageOffset, &frame)
		if errors.Is(err, kerr.ErrTryAgain) {
			continue
		}
		if err != nil {
			return err
		}
		// Residency was all that was needed here; hand back the reference
		// or pin that PageIn transferred.
		frame.Release(p.phys)
		return nil
	}
}
