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

// Package arch is the architecture layer of the virtual memory subsystem: the
// x86-64 page table format, the page walker that installs and removes
// translations, and the per-CPU state (table-base register, TLB, interrupt
// flag) that the rest of the subsystem manipulates only through this package.
package arch

import (
	"fmt"
	"sync/atomic"

	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/physmem"
)

// Bits in page table entries.
const (
	Present        PTE = 0x001
	Writable       PTE = 0x002
	User           PTE = 0x004
	WriteThrough   PTE = 0x008
	CacheDisable   PTE = 0x010
	Accessed       PTE = 0x020
	Dirty          PTE = 0x040
	Super          PTE = 0x080
	Global         PTE = 0x100
	ExecuteDisable PTE = 1 << 63

	addressMask PTE = 0x000ffffffffff000
	optionMask      = ExecuteDisable | 0xfff
)

// Paging structure geometry for 4-level paging.
const (
	Levels = 4

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	entryMask = hostarch.EntriesPerTable - 1

	// KernelFirstEntry is the first top-level entry covering the kernel half.
	KernelFirstEntry = hostarch.EntriesPerTable / 2
)

var levelShifts = [Levels]uint{pgdShift, pudShift, pmdShift, pteShift}

// PTE is a page table entry.
type PTE uint64

// PTEs is a single paging structure: one frame of entries.
type PTEs [hostarch.EntriesPerTable]PTE

// MakePTE returns a leaf or table entry for pa with the given option bits.
func MakePTE(pa physmem.PhysAddr, opts PTE) PTE {
	return (PTE(pa) & addressMask) | (opts & optionMask)
}

// Valid returns true iff this entry is present.
func (p PTE) Valid() bool {
	return p&Present != 0
}

// Address extracts the physical address.
func (p PTE) Address() physmem.PhysAddr {
	return physmem.PhysAddr(p & addressMask)
}

// Flags extracts the entry's option bits.
func (p PTE) Flags() PTE {
	return p & optionMask
}

// Has returns true if all of flags are set in p.
func (p PTE) Has(flags PTE) bool {
	return p&flags == flags
}

// AccessType returns the access permitted by a leaf entry.
func (p PTE) AccessType() hostarch.AccessType {
	if !p.Valid() {
		return hostarch.NoAccess
	}
	return hostarch.AccessType{
		Read:    true,
		Write:   p&Writable != 0,
		Execute: p&ExecuteDisable == 0,
	}
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if !p.Valid() {
		return "pte(none)"
	}
	u := "s"
	if p&User != 0 {
		u = "u"
	}
	return fmt.Sprintf("pte(%v %s%s wt=%t cd=%t)", p.Address(), p.AccessType(), u, p&WriteThrough != 0, p&CacheDisable != 0)
}

// load atomically reads the entry at p.
func load(p *PTE) PTE {
	return PTE(atomic.LoadUint64((*uint64)(p)))
}

// store atomically writes the entry at p.
func store(p *PTE, v PTE) {
	atomic.StoreUint64((*uint64)(p), uint64(v))
}

// index returns the index of va in a table at the given level.
func index(va hostarch.Addr, level int) int {
	return int((uint64(va) >> levelShifts[level]) & entryMask)
}
