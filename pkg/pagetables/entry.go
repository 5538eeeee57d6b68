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

// Package pagetables serializes every hardware page table update for an
// address space behind a lock and a transaction.
//
// An idle PageTables exposes no way to change a translation. Begin locks the
// tables and returns a *Txn; only a Txn can stage additions and removals,
// and Commit applies them in order and releases the lock. Staged entries are
// architecture-neutral Entry values, translated into hardware bits only at
// commit time.
package pagetables

import (
	"fmt"

	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/physmem"
)

// Entry is an architecture-neutral page table entry.
type Entry struct {
	// Perms is the access permitted through the translation.
	Perms hostarch.AccessType

	// PPN is the physical page number.
	PPN uint64

	// NoCache disables caching of the page.
	NoCache bool

	// WriteThrough selects a write-through cache policy.
	WriteThrough bool
}

// EntryFor returns an Entry mapping the page at pa with perms.
func EntryFor(pa physmem.PhysAddr, perms hostarch.AccessType) Entry {
	return Entry{Perms: perms, PPN: pa.FrameNumber()}
}

// Addr returns the physical address of the mapped page.
func (e Entry) Addr() physmem.PhysAddr {
	return physmem.PhysAddr(e.PPN << hostarch.PageShift)
}

// WithCachePolicy returns e with the cache policy selected by flags.
func (e Entry) WithCachePolicy(flags physmem.Flags) Entry {
	e.NoCache = flags&physmem.NoCache != 0
	e.WriteThrough = flags&physmem.WriteThrough != 0
	return e
}

// ReadOnly returns e with write permission removed.
func (e Entry) ReadOnly() Entry {
	e.Perms.Write = false
	return e
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	return fmt.Sprintf("%v %s %s", e.Addr(), e.Perms, hostarch.MemoryTypeOf(e.NoCache, e.WriteThrough).ShortString())
}
