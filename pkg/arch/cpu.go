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

package arch

import (
	"sync/atomic"

	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/physmem"
	"vmkernel.dev/vmkernel/pkg/sync"
)

// CPU is the per-processor state visible to the virtual memory subsystem.
// It implements sync.InterruptController.
type CPU struct {
	id int

	// mem is the physical memory the CPU walks tables in.
	mem physmem.Allocator

	cr3 atomic.Uint64

	// masked counts the DisableInterrupts calls not yet restored. The
	// interrupt flag is set iff masked is zero. Goroutines stand in for
	// contexts trapping concurrently on this CPU, so a nesting count is
	// kept instead of a single saved bit.
	masked atomic.Int64

	// mu protects tlb. It is a plain mutex: it is taken from within
	// IRQMutex critical sections, with interrupts already masked.
	mu  sync.Mutex
	tlb map[hostarch.Addr]PTE

	invalidations atomic.Uint64
	flushes       atomic.Uint64
}

// NewCPU returns a CPU with interrupts enabled and an empty TLB.
func NewCPU(id int, mem physmem.Allocator) *CPU {
	c := &CPU{
		id:  id,
		mem: mem,
		tlb: make(map[hostarch.Addr]PTE),
	}
	return c
}

// ID returns the CPU number.
func (c *CPU) ID() int {
	return c.id
}

// DisableInterrupts implements sync.InterruptController.DisableInterrupts.
func (c *CPU) DisableInterrupts() bool {
	return c.masked.Add(1) == 1
}

// RestoreInterrupts implements sync.InterruptController.RestoreInterrupts.
// It undoes the matching DisableInterrupts; if another context masked
// interrupts meanwhile, they stay masked until that context restores them.
func (c *CPU) RestoreInterrupts(bool) {
	if c.masked.Add(-1) < 0 {
		panic("RestoreInterrupts without DisableInterrupts")
	}
}

// InterruptsEnabled returns the interrupt flag.
func (c *CPU) InterruptsEnabled() bool {
	return c.masked.Load() == 0
}

// ReadCR3 returns the root of the active page tables.
func (c *CPU) ReadCR3() physmem.PhysAddr {
	return physmem.PhysAddr(c.cr3.Load())
}

// WriteCR3 activates the tables rooted at root. As on hardware without
// PCIDs, this flushes the TLB.
func (c *CPU) WriteCR3(root physmem.PhysAddr) {
	c.mu.Lock()
	c.cr3.Store(uint64(root))
	clear(c.tlb)
	c.mu.Unlock()
	c.flushes.Add(1)
}

// Invalidate drops any cached translation for the page containing va.
func (c *CPU) Invalidate(va hostarch.Addr) {
	c.mu.Lock()
	delete(c.tlb, va.RoundDown())
	c.mu.Unlock()
	c.invalidations.Add(1)
}

// FlushTLB drops every cached translation.
func (c *CPU) FlushTLB() {
	c.mu.Lock()
	clear(c.tlb)
	c.mu.Unlock()
	c.flushes.Add(1)
}

// Access performs an access through the TLB and the active tables, returning
// the physical address or a *Fault. A cached translation that does not permit
// the access is discarded and the tables are walked again.
func (c *CPU) Access(va hostarch.Addr, at hostarch.AccessType, user bool) (physmem.PhysAddr, error) {
	page := va.RoundDown()
	off := physmem.PhysAddr(va.PageOffset())

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.tlb[page]; ok {
		if permits(v, at, user) {
			return v.Address() + off, nil
		}
		delete(c.tlb, page)
	}
	root := c.ReadCR3()
	if root == 0 {
		return 0, &Fault{Addr: va, Access: at, User: user}
	}
	v, err := translate(c.mem, root, va, at, user)
	if err != nil {
		return 0, err
	}
	c.tlb[page] = v
	return v.Address() + off, nil
}

// Cached returns the TLB entry for the page containing va, if any.
func (c *CPU) Cached(va hostarch.Addr) (PTE, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.tlb[va.RoundDown()]
	return v, ok
}

// TLBStats returns the number of single-page invalidations and full flushes
// performed so far.
func (c *CPU) TLBStats() (invalidations, flushes uint64) {
	return c.invalidations.Load(), c.flushes.Load()
}
