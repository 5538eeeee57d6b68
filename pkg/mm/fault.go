// Copyright 2026 The gVisor Authors.
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

package mm

import (
	"context"
	"fmt"

	"vmkernel.dev/vmkernel/pkg/errors/linuxerr"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/physmem"
)

// HandleFault resolves a page fault of type at on va: it backs the faulting
// page if needed, breaks copy-on-write sharing on writes to private
// mappings, and installs the translation. It returns EFAULT if no area
// permits the access, and ENOMEM if a page cannot be allocated; the trap
// layer turns either into a fatal signal for the faulting process.
func (as *AddressSpace) HandleFault(ctx context.Context, va hostarch.Addr, at hostarch.AccessType) error {
	as.faults.Add(1)

	as.mu.Lock()
	a := as.lookupLocked(va)
	if a == nil || !a.perms.SupersetOf(at) {
		as.mu.Unlock()
		as.segv.Add(1)
		if a == nil {
			segvLog.Warningf("Address space %d: %s fault at %v outside any area", as.ID(), at, va)
		} else {
			segvLog.Warningf("Address space %d: %s fault at %v in %v", as.ID(), at, va, a)
		}
		return linuxerr.EFAULT
	}
	a.mu.Lock()
	as.mu.Unlock()
	defer a.mu.Unlock()

	if a.unmapped {
		// Raced with MUnmap.
		return linuxerr.EFAULT
	}
	return as.resolveLocked(ctx, a, va, at)
}

// resolveLocked implements HandleFault once the area is locked.
//
// Preconditions: a.mu must be locked. a.perms.SupersetOf(at).
func (as *AddressSpace) resolveLocked(ctx context.Context, a *MemoryArea, va hostarch.Addr, at hostarch.AccessType) error {
	i := a.indexOf(va)
	s := &a.pages[i]

	if s.page == nil {
		if a.object != nil {
			index := a.offset/hostarch.PageSize + uint64(i)
			p, err := a.object.Page(ctx, index)
			if err != nil {
				return fmt.Errorf("fault at %v: page %d of %s: %w", va, index, a.name, err)
			}
			s.page, s.fromObject = p, true
		} else {
			p, err := as.mf.NewPage()
			if err != nil {
				return fmt.Errorf("fault at %v: %w", va, linuxerr.ENOMEM)
			}
			s.page = p
			as.anonPages.Add(1)
		}
	}

	var writable bool
	switch {
	case at.Write && a.Shared():
		s.page.SetFlags(physmem.Dirty)
		writable = true
	case at.Write && (s.fromObject || s.page.Users() > 1):
		p, err := as.mf.NewPage()
		if err != nil {
			return fmt.Errorf("copy-on-write fault at %v: %w", va, linuxerr.ENOMEM)
		}
		p.CopyFrom(s.page)
		s.page.DecRef()
		s.page, s.fromObject = p, false
		as.copyOnWrite.Add(1)
		writable = true
	case at.Write:
		// Already exclusively owned.
		writable = true
	case !a.perms.Write:
	case a.Shared():
		// The first mapping of an object's clean page is read-only so that
		// a later write marks it dirty.
		writable = !s.fromObject || s.page.Flags()&physmem.Dirty != 0
	default:
		writable = !s.fromObject && s.page.Users() == 1
	}

	perms := a.perms
	perms.Write = writable
	txn := as.pt.Begin("fault")
	if err := txn.AddMapping(va.RoundDown(), a.entryLocked(s, perms)); err != nil {
		txn.Abort()
		return err
	}
	return txn.Commit()
}
