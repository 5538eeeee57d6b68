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
	"fmt"

	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/memmap"
	"vmkernel.dev/vmkernel/pkg/pagetables"
	"vmkernel.dev/vmkernel/pkg/physmem"
	"vmkernel.dev/vmkernel/pkg/sync"
)

// MMapFlags are the mapping-kind flags accepted by MMap.
type MMapFlags uint32

const (
	// MapPrivate requests a private mapping: writes are never visible to
	// other mappings of the same memory.
	MapPrivate MMapFlags = 1 << iota

	// MapShared requests a shared mapping: writes go to the shared pages.
	MapShared

	// MapFixed requires the mapping to be placed exactly at the hint.
	MapFixed

	// MapPopulate resolves every readable page of the mapping up front.
	MapPopulate
)

// String implements fmt.Stringer.String.
func (f MMapFlags) String() string {
	s := ""
	for _, b := range []struct {
		flag MMapFlags
		name string
	}{
		{MapPrivate, "MAP_PRIVATE"},
		{MapShared, "MAP_SHARED"},
		{MapFixed, "MAP_FIXED"},
		{MapPopulate, "MAP_POPULATE"},
	} {
		if f&b.flag == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += b.name
		f &^= b.flag
	}
	if f != 0 {
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("%#x", uint32(f))
	}
	if s == "" {
		return "0"
	}
	return s
}

// pageSlot is one page index of a MemoryArea.
type pageSlot struct {
	// page is the area's reference on the backing page, or nil if the page
	// has not been resolved yet.
	page *physmem.PageRef

	// fromObject is true while page is the area's VMObject's own page
	// rather than a private copy.
	fromObject bool
}

// MemoryArea is a contiguous range of virtual addresses with uniform
// protection and backing.
type MemoryArea struct {
	// The following fields are immutable.
	name   string
	base   hostarch.Addr
	length uint64
	perms  hostarch.AccessType
	flags  MMapFlags
	offset uint64
	file   memmap.File

	// object supplies the pages of file-backed areas. The area holds a
	// reference on it.
	object memmap.VMObject

	// mu protects pages and unmapped.
	mu sync.IRQMutex

	// pages has one slot per page of the area.
	//
	// +checklocks:mu
	pages []pageSlot

	// unmapped is set once the area has been torn down.
	//
	// +checklocks:mu
	unmapped bool
}

// Name returns the name given at mmap time.
func (a *MemoryArea) Name() string {
	return a.name
}

// Base returns the first address of the area.
func (a *MemoryArea) Base() hostarch.Addr {
	return a.base
}

// Length returns the length of the area in bytes.
func (a *MemoryArea) Length() uint64 {
	return a.length
}

// End returns the address just past the area.
func (a *MemoryArea) End() hostarch.Addr {
	return a.base + hostarch.Addr(a.length)
}

// Range returns the addresses spanned by the area.
func (a *MemoryArea) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: a.base, End: a.End()}
}

// Perms returns the area's protection.
func (a *MemoryArea) Perms() hostarch.AccessType {
	return a.perms
}

// Flags returns the mapping flags.
func (a *MemoryArea) Flags() MMapFlags {
	return a.flags
}

// Shared returns true for shared mappings.
func (a *MemoryArea) Shared() bool {
	return a.flags&MapShared != 0
}

// Offset returns the file offset of the area's first page.
func (a *MemoryArea) Offset() uint64 {
	return a.offset
}

// File returns the mapped file, or nil for anonymous areas.
func (a *MemoryArea) File() memmap.File {
	return a.file
}

// NumPages returns the number of pages in the area.
func (a *MemoryArea) NumPages() uint64 {
	return a.length / hostarch.PageSize
}

// PageAt returns an observer of the page at page index i, and false if the
// page has not been resolved.
func (a *MemoryArea) PageAt(i uint64) (physmem.Observer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= uint64(len(a.pages)) || a.pages[i].page == nil {
		return physmem.Observer{}, false
	}
	return a.pages[i].page.Observe(), true
}

// Resident returns the number of resolved pages.
func (a *MemoryArea) Resident() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.residentLocked()
}

// Preconditions: a.mu must be locked.
func (a *MemoryArea) residentLocked() int {
	n := 0
	for _, s := range a.pages {
		if s.page != nil {
			n++
		}
	}
	return n
}

// addrOf returns the virtual address of page index i.
func (a *MemoryArea) addrOf(i int) hostarch.Addr {
	return a.base + hostarch.Addr(uint64(i)*hostarch.PageSize)
}

// indexOf returns the page index containing va.
//
// Preconditions: a.Range().Contains(va).
func (a *MemoryArea) indexOf(va hostarch.Addr) int {
	return int(uint64(va.RoundDown()-a.base) / hostarch.PageSize)
}

// entryLocked returns the page table entry mapping slot s with at most
// perms.
//
// Preconditions: a.mu must be locked. s.page != nil.
func (a *MemoryArea) entryLocked(s *pageSlot, perms hostarch.AccessType) pagetables.Entry {
	e := pagetables.EntryFor(s.page.Addr(), perms)
	if s.fromObject {
		return e.WithCachePolicy(a.object.Flags())
	}
	return e.WithCachePolicy(s.page.Flags())
}

// cloneLocked returns a copy of a sharing every resolved page, for fork.
//
// Preconditions: a.mu must be locked.
func (a *MemoryArea) cloneLocked() *MemoryArea {
	c := &MemoryArea{
		name:   a.name,
		base:   a.base,
		length: a.length,
		perms:  a.perms,
		flags:  a.flags,
		offset: a.offset,
		file:   a.file,
		object: a.object,
		pages:  make([]pageSlot, len(a.pages)),
	}
	if c.object != nil {
		c.object.IncRef()
	}
	for i, s := range a.pages {
		if s.page != nil {
			c.pages[i] = pageSlot{page: s.page.IncRef(), fromObject: s.fromObject}
		}
	}
	return c
}

// unmapLocked marks the area unmapped and stages the removal of every
// resolved page's translation in txn. The area keeps its page and object
// references until dropPagesLocked. The area cannot be faulted afterwards.
//
// Preconditions: a.mu must be locked. txn may be nil if the page tables are
// being discarded.
func (a *MemoryArea) unmapLocked(txn *pagetables.Txn) error {
	if a.unmapped {
		panic(fmt.Sprintf("area %s at %v unmapped twice", a.name, a.Range()))
	}
	a.unmapped = true
	if txn != nil {
		for i, s := range a.pages {
			if s.page == nil {
				continue
			}
			if err := txn.DelMapping(a.addrOf(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// dropPagesLocked releases the references held by a torn-down area.
//
// Preconditions: a.mu must be locked. a.unmapped.
func (a *MemoryArea) dropPagesLocked() {
	for i := range a.pages {
		if p := a.pages[i].page; p != nil {
			p.DecRef()
			a.pages[i] = pageSlot{}
		}
	}
	if a.object != nil {
		a.object.DecRef()
		a.object = nil
	}
}

// String implements fmt.Stringer.String.
func (a *MemoryArea) String() string {
	return fmt.Sprintf("%s %v %s %v", a.name, a.Range(), a.perms, a.flags)
}
