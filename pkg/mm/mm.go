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

// Package mm implements process address spaces.
//
// An AddressSpace owns an ordered set of non-overlapping MemoryAreas and the
// page tables through which they are mapped. Pages are resolved lazily by
// HandleFault; Fork shares resolved pages copy-on-write.
//
// Lock order:
//
//	AddressSpace.mu
//	  MemoryArea.mu
//	    memmap.PageCache.mu
//	      physmem page slot locks
//	      pagetables.PageTables.mu
//
// Every lock above is a sync.IRQMutex, so page faults taken with interrupts
// disabled may acquire them. A fault holds AddressSpace.mu only until it has
// locked the faulting MemoryArea, so faults on different areas of one space
// proceed in parallel.
package mm

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"vmkernel.dev/vmkernel/pkg/errors/linuxerr"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/log"
	"vmkernel.dev/vmkernel/pkg/pagetables"
	"vmkernel.dev/vmkernel/pkg/physmem"
	"vmkernel.dev/vmkernel/pkg/refs"
	"vmkernel.dev/vmkernel/pkg/sync"
)

// areaTreeDegree is the degree of the btree holding an address space's
// areas.
const areaTreeDegree = 8

// segvLog reports protection violations without flooding the log when a
// process faults in a loop.
var segvLog = log.BasicRateLimitedLogger(time.Second)

// Layout is the virtual address layout of the machine.
type Layout struct {
	// UserLo and UserHi bound the addresses of user address spaces.
	UserLo hostarch.Addr
	UserHi hostarch.Addr

	// KernelLo and KernelHi bound the addresses of the kernel space.
	KernelLo hostarch.Addr
	KernelHi hostarch.Addr
}

// DefaultLayout leaves page 0 unmapped and gives user and kernel spaces the
// lower and upper canonical halves.
var DefaultLayout = Layout{
	UserLo:   hostarch.PageSize,
	UserHi:   hostarch.UserTop,
	KernelLo: hostarch.KernelBase,
	KernelHi: ^hostarch.Addr(0) &^ hostarch.Addr(hostarch.PageMask),
}

// Check returns an error if l is unusable.
func (l Layout) Check() error {
	for _, a := range []hostarch.Addr{l.UserLo, l.UserHi, l.KernelLo, l.KernelHi} {
		if !a.IsPageAligned() {
			return fmt.Errorf("layout address %v is not page-aligned: %w", a, linuxerr.EINVAL)
		}
	}
	switch {
	case l.UserLo >= l.UserHi:
		return fmt.Errorf("empty user range [%v, %v): %w", l.UserLo, l.UserHi, linuxerr.EINVAL)
	case l.KernelLo >= l.KernelHi:
		return fmt.Errorf("empty kernel range [%v, %v): %w", l.KernelLo, l.KernelHi, linuxerr.EINVAL)
	case l.UserHi > hostarch.UserTop:
		return fmt.Errorf("user range ends at %v, above %v: %w", l.UserHi, hostarch.UserTop, linuxerr.EINVAL)
	case l.KernelLo < hostarch.KernelBase:
		return fmt.Errorf("kernel range starts at %v, below %v: %w", l.KernelLo, hostarch.KernelBase, linuxerr.EINVAL)
	}
	return nil
}

// Stats are an address space's counters.
type Stats struct {
	// Faults is the number of calls to HandleFault.
	Faults uint64

	// AnonPages is the number of anonymous pages allocated by faults.
	AnonPages uint64

	// CopyOnWrite is the number of pages copied by write faults.
	CopyOnWrite uint64

	// Segv is the number of faults rejected as protection violations.
	Segv uint64

	// Areas is the number of areas.
	Areas int

	// Resident is the number of resolved pages across all areas.
	Resident int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Faults += o.Faults
	s.AnonPages += o.AnonPages
	s.CopyOnWrite += o.CopyOnWrite
	s.Segv += o.Segv
	s.Areas += o.Areas
	s.Resident += o.Resident
}

// AddressSpace is a virtual address space.
type AddressSpace struct {
	refs.Refs

	mf *physmem.MemoryFile
	pt *pagetables.PageTables

	// kernel is the kernel space, or nil if this is the kernel space.
	kernel *AddressSpace

	// layout is shared with the kernel space. Immutable.
	layout Layout

	// lo and hi bound the addresses of areas. Immutable.
	lo hostarch.Addr
	hi hostarch.Addr

	// mu protects areas and released, and the set of areas' ranges.
	mu sync.IRQMutex

	// areas is ordered by base address.
	//
	// +checklocks:mu
	areas *btree.BTreeG[*MemoryArea]

	// +checklocks:mu
	released bool

	faults      atomic.Uint64
	anonPages   atomic.Uint64
	copyOnWrite atomic.Uint64
	segv        atomic.Uint64
}

func areaLess(a, b *MemoryArea) bool {
	return a.base < b.base
}

func newAddressSpace(mf *physmem.MemoryFile, pt *pagetables.PageTables, kernel *AddressSpace, layout Layout, lo, hi hostarch.Addr) *AddressSpace {
	as := &AddressSpace{
		mf:     mf,
		pt:     pt,
		kernel: kernel,
		layout: layout,
		lo:     lo,
		hi:     hi,
		areas:  btree.NewG(areaTreeDegree, areaLess),
	}
	as.InitRefs(fmt.Sprintf("mm.AddressSpace %d", pt.ID()))
	return as
}

// NewKernelSpace returns the kernel address space, spanning
// [layout.KernelLo, layout.KernelHi) and mapped through the kernel's page
// tables pt. It is constructed once at boot and passed to New for every
// other address space.
func NewKernelSpace(mf *physmem.MemoryFile, pt *pagetables.PageTables, layout Layout) (*AddressSpace, error) {
	if !pt.IsKernel() {
		return nil, fmt.Errorf("kernel space needs the kernel's page tables: %w", linuxerr.EINVAL)
	}
	if err := layout.Check(); err != nil {
		return nil, err
	}
	as := newAddressSpace(mf, pt, nil, layout, layout.KernelLo, layout.KernelHi)
	log.Infof("Kernel address space [%v, %v)", as.lo, as.hi)
	return as, nil
}

// New returns an empty user address space. Its page tables share every
// kernel mapping of kernel, including those made later.
func New(kernel *AddressSpace) (*AddressSpace, error) {
	if kernel == nil || !kernel.IsKernel() {
		panic("mm.New requires the kernel address space")
	}
	pt, err := pagetables.New(kernel.pt)
	if err != nil {
		return nil, err
	}
	as := newAddressSpace(kernel.mf, pt, kernel, kernel.layout, kernel.layout.UserLo, kernel.layout.UserHi)
	log.Debugf("Address space %d created", pt.ID())
	return as, nil
}

// ID returns a unique identifier for as.
func (as *AddressSpace) ID() uint64 {
	return as.pt.ID()
}

// IsKernel returns true for the kernel space.
func (as *AddressSpace) IsKernel() bool {
	return as.kernel == nil
}

// Kernel returns the kernel space as shares its kernel mappings with.
func (as *AddressSpace) Kernel() *AddressSpace {
	if as.kernel == nil {
		return as
	}
	return as.kernel
}

// Bounds returns the range areas may occupy.
func (as *AddressSpace) Bounds() hostarch.AddrRange {
	return hostarch.AddrRange{Start: as.lo, End: as.hi}
}

// PageTables returns the page tables of as.
func (as *AddressSpace) PageTables() *pagetables.PageTables {
	return as.pt
}

// Activate loads as's page tables on the CPU.
func (as *AddressSpace) Activate() {
	as.pt.SwitchTo()
}

// Lookup returns the area containing va, or nil.
func (as *AddressSpace) Lookup(va hostarch.Addr) *MemoryArea {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.lookupLocked(va)
}

// Preconditions: as.mu must be locked.
func (as *AddressSpace) lookupLocked(va hostarch.Addr) *MemoryArea {
	var found *MemoryArea
	as.areas.DescendLessOrEqual(&MemoryArea{base: va}, func(a *MemoryArea) bool {
		if va < a.End() {
			found = a
		}
		return false
	})
	return found
}

// overlapsLocked returns true if any area intersects ar.
//
// Preconditions: as.mu must be locked. ar.Length() != 0.
func (as *AddressSpace) overlapsLocked(ar hostarch.AddrRange) bool {
	overlaps := false
	as.areas.DescendLessOrEqual(&MemoryArea{base: ar.End - 1}, func(a *MemoryArea) bool {
		overlaps = a.End() > ar.Start
		return false
	})
	return overlaps
}

// Areas returns the areas of as in address order.
func (as *AddressSpace) Areas() []*MemoryArea {
	as.mu.Lock()
	defer as.mu.Unlock()
	areas := make([]*MemoryArea, 0, as.areas.Len())
	as.areas.Ascend(func(a *MemoryArea) bool {
		areas = append(areas, a)
		return true
	})
	return areas
}

// Stats returns a snapshot of as's counters.
func (as *AddressSpace) Stats() Stats {
	s := Stats{
		Faults:      as.faults.Load(),
		AnonPages:   as.anonPages.Load(),
		CopyOnWrite: as.copyOnWrite.Load(),
		Segv:        as.segv.Load(),
	}
	for _, a := range as.Areas() {
		s.Areas++
		s.Resident += a.Resident()
	}
	return s
}

// DecRef drops a reference on as. Dropping the last reference unmaps every
// area and releases the page tables.
func (as *AddressSpace) DecRef() {
	as.Refs.DecRef(as.release)
}

func (as *AddressSpace) release() {
	if as.IsKernel() {
		panic("kernel address space released")
	}
	as.mu.Lock()
	as.released = true
	var areas []*MemoryArea
	as.areas.Ascend(func(a *MemoryArea) bool {
		areas = append(areas, a)
		return true
	})
	as.areas.Clear(false)
	for _, a := range areas {
		a.mu.Lock()
		a.unmapLocked(nil)
	}
	// Discard the tables before dropping the pages they map.
	as.pt.Release()
	for _, a := range areas {
		a.dropPagesLocked()
		a.mu.Unlock()
	}
	as.mu.Unlock()
	log.Debugf("Address space %d released (%d areas)", as.ID(), len(areas))
}
