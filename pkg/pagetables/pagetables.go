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

package pagetables

import (
	"fmt"
	"sync/atomic"

	"vmkernel.dev/vmkernel/pkg/arch"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/log"
	"vmkernel.dev/vmkernel/pkg/physmem"
	"vmkernel.dev/vmkernel/pkg/sync"
)

var lastID atomic.Uint64

// PageTables owns the hardware paging structures of one address space.
//
// Lock order: a kernel PageTables' mu may be held while entries of
// subscribed user tables are written, never the reverse.
type PageTables struct {
	id  uint64
	mem physmem.Allocator
	cpu *arch.CPU

	// mu serializes transactions and lookups.
	mu sync.IRQMutex

	// root is the physical address of the top-level table. Immutable.
	root physmem.PhysAddr

	// kernel is the kernel's tables, or nil if these are the kernel's.
	kernel *PageTables

	// released is set by Release.
	//
	// +checklocks:mu
	released bool

	// The following fields are only used by kernel tables.

	// subMu protects subscribers and published.
	subMu sync.Mutex

	// subscribers are the user tables that receive kernel top-level
	// entries as they are populated.
	subscribers map[*PageTables]struct{}

	// published mirrors the kernel-half top-level entries last pushed to
	// subscribers.
	published [hostarch.EntriesPerTable]arch.PTE
}

// NewKernel wraps the boot-time root table at root as the kernel's tables.
// Already-populated kernel-half entries are considered published.
func NewKernel(mem physmem.Allocator, cpu *arch.CPU, root physmem.PhysAddr) *PageTables {
	pt := &PageTables{
		id:          lastID.Add(1),
		mem:         mem,
		cpu:         cpu,
		root:        root,
		subscribers: make(map[*PageTables]struct{}),
	}
	for i := arch.KernelFirstEntry; i < hostarch.EntriesPerTable; i++ {
		pt.published[i] = arch.TopEntry(mem, root, i)
	}
	log.Debugf("Kernel page tables %d rooted at %v", pt.id, root)
	return pt
}

// New returns tables for a user address space. Every populated kernel-half
// top-level entry of kernel is imported, and the new tables are subscribed
// to kernel top-level entries populated later.
func New(kernel *PageTables) (*PageTables, error) {
	if kernel == nil || kernel.kernel != nil {
		panic("pagetables.New requires the kernel's tables")
	}
	root, err := kernel.mem.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	pt := &PageTables{
		id:     lastID.Add(1),
		mem:    kernel.mem,
		cpu:    kernel.cpu,
		root:   root,
		kernel: kernel,
	}
	kernel.subMu.Lock()
	for i := arch.KernelFirstEntry; i < hostarch.EntriesPerTable; i++ {
		if v := kernel.published[i]; v.Valid() {
			arch.SetTopEntry(pt.mem, root, i, v)
		}
	}
	kernel.subscribers[pt] = struct{}{}
	kernel.subMu.Unlock()
	log.Debugf("Page tables %d rooted at %v", pt.id, root)
	return pt, nil
}

// ID returns a unique identifier for pt.
func (pt *PageTables) ID() uint64 {
	return pt.id
}

// Root returns the physical address of the top-level table.
func (pt *PageTables) Root() physmem.PhysAddr {
	return pt.root
}

// IsKernel returns true if pt is the kernel's tables.
func (pt *PageTables) IsKernel() bool {
	return pt.kernel == nil
}

// Active returns true if pt is loaded on the CPU.
func (pt *PageTables) Active() bool {
	return pt.cpu != nil && pt.cpu.ReadCR3() == pt.root
}

// SwitchTo loads pt into the CPU's table-base register.
func (pt *PageTables) SwitchTo() {
	pt.cpu.WriteCR3(pt.root)
}

// invalidate drops the CPU's cached translation for va if pt is loaded.
func (pt *PageTables) invalidate(va hostarch.Addr) {
	if pt.Active() {
		pt.cpu.Invalidate(va)
	}
}

// Lookup returns the current translation for va.
func (pt *PageTables) Lookup(va hostarch.Addr) (Entry, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.lookupLocked(va)
}

// Preconditions: pt.mu must be locked.
func (pt *PageTables) lookupLocked(va hostarch.Addr) (Entry, bool) {
	if pt.released {
		return Entry{}, false
	}
	v, ok := arch.Lookup(pt.mem, pt.root, va.RoundDown())
	if !ok {
		return Entry{}, false
	}
	return fromPTE(v), true
}

// Access performs an access to va as the hardware would if pt were loaded,
// going through the CPU's TLB when pt is active. It returns the physical
// address or an *arch.Fault.
func (pt *PageTables) Access(va hostarch.Addr, at hostarch.AccessType) (physmem.PhysAddr, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.released {
		return 0, &arch.Fault{Addr: va, Access: at, User: !va.IsKernel()}
	}
	user := !va.IsKernel()
	if pt.Active() {
		return pt.cpu.Access(va, at, user)
	}
	return arch.Translate(pt.mem, pt.root, va, at, user)
}

// Release frees the user half of pt's paging structures and its root.
// Kernel-half tables are shared and are left alone. If pt is loaded, the CPU
// is switched to the kernel's tables first.
func (pt *PageTables) Release() {
	if pt.kernel == nil {
		panic("the kernel's page tables are never released")
	}
	pt.kernel.subMu.Lock()
	delete(pt.kernel.subscribers, pt)
	pt.kernel.subMu.Unlock()

	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.released {
		return
	}
	pt.released = true
	if pt.Active() {
		pt.kernel.SwitchTo()
	}
	freed := arch.FreeTables(pt.mem, pt.root, 0, arch.KernelFirstEntry)
	pt.mem.Free(pt.root)
	log.Debugf("Page tables %d released (%d tables)", pt.id, freed+1)
}

// publishLocked pushes kernel-half top-level entries populated since the
// last call to every subscriber.
//
// Preconditions: pt is the kernel's tables. pt.mu must be locked.
func (pt *PageTables) publishLocked() {
	pt.subMu.Lock()
	defer pt.subMu.Unlock()
	for i := arch.KernelFirstEntry; i < hostarch.EntriesPerTable; i++ {
		v := arch.TopEntry(pt.mem, pt.root, i)
		if v == pt.published[i] {
			continue
		}
		pt.published[i] = v
		for sub := range pt.subscribers {
			arch.SetTopEntry(sub.mem, sub.root, i, v)
		}
		log.Debugf("Kernel top-level entry %d published to %d address spaces", i, len(pt.subscribers))
	}
}

// fromPTE converts a hardware leaf entry into an Entry.
func fromPTE(v arch.PTE) Entry {
	return Entry{
		Perms:        v.AccessType(),
		PPN:          v.Address().FrameNumber(),
		NoCache:      v.Has(arch.CacheDisable),
		WriteThrough: v.Has(arch.WriteThrough),
	}
}

// toPTE translates e into hardware option bits for a translation of va.
func toPTE(va hostarch.Addr, e Entry) arch.PTE {
	opts := arch.Present
	if !va.IsKernel() {
		opts |= arch.User
	}
	if e.Perms.Write {
		opts |= arch.Writable
	}
	if !e.Perms.Execute {
		opts |= arch.ExecuteDisable
	}
	if e.NoCache {
		opts |= arch.CacheDisable
	}
	if e.WriteThrough {
		opts |= arch.WriteThrough
	}
	return opts
}
