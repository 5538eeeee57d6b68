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
	"vmkernel.dev/vmkernel/pkg/log"
	"vmkernel.dev/vmkernel/pkg/memmap"
)

// MMapOpts are the arguments to MMap.
type MMapOpts struct {
	// Name is shown in MapsText. If empty, the file's name is used.
	Name string

	// Addr is the requested address. If zero, the highest free range is
	// chosen. Otherwise Addr must be page-aligned; unless MapFixed is set,
	// a colliding hint is treated as the top of the search for a free
	// range.
	Addr hostarch.Addr

	// Length is the length in bytes. It is rounded up to a whole number of
	// pages.
	Length uint64

	// Perms is the protection of the mapping.
	Perms hostarch.AccessType

	// Flags must contain exactly one of MapPrivate and MapShared.
	Flags MMapFlags

	// File is the mapped file, or nil for anonymous memory. It must
	// implement memmap.Mappable.
	File memmap.File

	// Offset is the page-aligned file offset. It is ignored for anonymous
	// mappings.
	Offset uint64
}

// MMap establishes a memory mapping and returns its address. No page is
// resolved until it is faulted on, unless opts.Flags contains MapPopulate.
func (as *AddressSpace) MMap(ctx context.Context, opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 {
		return 0, linuxerr.EINVAL
	}
	length, ok := hostarch.PageRoundUp(opts.Length)
	if !ok {
		return 0, linuxerr.ENOMEM
	}
	if (opts.Flags&MapPrivate != 0) == (opts.Flags&MapShared != 0) {
		return 0, fmt.Errorf("mmap flags %v: exactly one of MAP_PRIVATE and MAP_SHARED required: %w", opts.Flags, linuxerr.EINVAL)
	}
	if !opts.Addr.IsPageAligned() {
		return 0, fmt.Errorf("mmap at unaligned address %v: %w", opts.Addr, linuxerr.EINVAL)
	}
	if opts.Addr == 0 && opts.Flags&MapFixed != 0 {
		return 0, fmt.Errorf("MAP_FIXED without an address: %w", linuxerr.EINVAL)
	}

	// Resolve the backing object before touching the address space, so
	// that a failure leaves nothing to undo.
	var obj memmap.VMObject
	if opts.File != nil {
		if opts.Offset%hostarch.PageSize != 0 {
			return 0, fmt.Errorf("mmap %s at unaligned offset %#x: %w", opts.File.Name(), opts.Offset, linuxerr.EINVAL)
		}
		if opts.Offset+length < opts.Offset {
			return 0, linuxerr.ENOMEM
		}
		m, ok := opts.File.(memmap.Mappable)
		if !ok {
			return 0, fmt.Errorf("mmap %s: file cannot be mapped: %w", opts.File.Name(), linuxerr.ENODEV)
		}
		var err error
		obj, err = m.MMap(ctx, memmap.MMapOpts{
			Pages:  length / hostarch.PageSize,
			Perms:  opts.Perms,
			Shared: opts.Flags&MapShared != 0,
			Offset: opts.Offset,
		})
		if err != nil {
			return 0, err
		}
		if obj == nil {
			return 0, fmt.Errorf("mmap %s: no backing object: %w", opts.File.Name(), linuxerr.ENODEV)
		}
	} else {
		opts.Offset = 0
	}

	name := opts.Name
	if name == "" && opts.File != nil {
		name = opts.File.Name()
	}

	as.mu.Lock()
	addr, err := as.placeLocked(opts.Addr, length, opts.Flags&MapFixed != 0)
	if err != nil {
		as.mu.Unlock()
		if obj != nil {
			obj.DecRef()
		}
		return 0, err
	}
	a := &MemoryArea{
		name:   name,
		base:   addr,
		length: length,
		perms:  opts.Perms,
		flags:  opts.Flags,
		offset: opts.Offset,
		file:   opts.File,
		object: obj,
		pages:  make([]pageSlot, length/hostarch.PageSize),
	}
	as.areas.ReplaceOrInsert(a)
	as.mu.Unlock()
	log.Debugf("Address space %d: mapped %v", as.ID(), a)

	if opts.Flags&MapPopulate != 0 && opts.Perms.Read {
		for va := a.base; va < a.End(); va += hostarch.PageSize {
			if err := as.HandleFault(ctx, va, hostarch.Read); err != nil {
				// Like Linux, population failures do not fail mmap.
				log.Debugf("Address space %d: populating %v: %v", as.ID(), va, err)
				break
			}
		}
	}
	return addr, nil
}

// placeLocked chooses the address of a new area of length bytes.
//
// Preconditions: as.mu must be locked. hint is page-aligned. length is a
// non-zero multiple of the page size.
func (as *AddressSpace) placeLocked(hint hostarch.Addr, length uint64, fixed bool) (hostarch.Addr, error) {
	if hint != 0 {
		ar, ok := hint.ToRange(length)
		inBounds := ok && ar.Start >= as.lo && ar.End <= as.hi
		switch {
		case inBounds && !as.overlapsLocked(ar):
			return hint, nil
		case fixed && !inBounds:
			return 0, fmt.Errorf("fixed mapping %v outside [%v, %v): %w", ar, as.lo, as.hi, linuxerr.ENOMEM)
		case fixed:
			return 0, fmt.Errorf("fixed mapping %v collides with an existing area: %w", ar, linuxerr.EEXIST)
		}
		// Search downward from the hint, then from the top.
		top := as.hi
		if ok && ar.End < top {
			top = ar.End
		}
		if addr, ok := as.findHoleLocked(length, top); ok {
			return addr, nil
		}
	}
	if addr, ok := as.findHoleLocked(length, as.hi); ok {
		return addr, nil
	}
	return 0, fmt.Errorf("no room for %#x bytes in [%v, %v): %w", length, as.lo, as.hi, linuxerr.ENOMEM)
}

// findHoleLocked returns the highest address at which length bytes fit
// below top without colliding with an existing area. The candidate window
// starts at top-length and moves below every area it collides with, scanning
// areas from the highest down.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) findHoleLocked(length uint64, top hostarch.Addr) (hostarch.Addr, bool) {
	end := top
	if end > as.hi {
		end = as.hi
	}
	if end < as.lo || uint64(end-as.lo) < length {
		return 0, false
	}
	found := true
	as.areas.Descend(func(a *MemoryArea) bool {
		if a.base >= end {
			// Entirely above the window.
			return true
		}
		if a.End() <= end-hostarch.Addr(length) {
			// This and every lower area are below the window.
			return false
		}
		end = a.base
		if end < as.lo || uint64(end-as.lo) < length {
			found = false
			return false
		}
		return true
	})
	if !found {
		return 0, false
	}
	return end - hostarch.Addr(length), true
}

// MUnmap removes the area that spans exactly [addr, addr+length). Both addr
// and length must be page-aligned.
func (as *AddressSpace) MUnmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	if length == 0 || !addr.IsPageAligned() || length%hostarch.PageSize != 0 {
		return linuxerr.EINVAL
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	a := as.lookupLocked(addr)
	if a == nil || a.base != addr || a.length != length {
		return fmt.Errorf("munmap [%v, +%#x) does not match an area: %w", addr, length, linuxerr.EINVAL)
	}
	as.areas.Delete(a)

	a.mu.Lock()
	defer a.mu.Unlock()
	txn := as.pt.Begin("munmap")
	if err := a.unmapLocked(txn); err != nil {
		txn.Abort()
		panic(fmt.Sprintf("munmap %v: %v", a, err))
	}
	err := txn.Commit()
	a.dropPagesLocked()
	log.Debugf("Address space %d: unmapped %v", as.ID(), a)
	return err
}
