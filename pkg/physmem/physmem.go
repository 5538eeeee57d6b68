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

// Package physmem provides the physical frame allocator and reference counted
// physical pages.
//
// Physical memory is simulated by a single host mapping, the MemoryFile. Each
// frame of the mapping has a slot in an arena indexed by frame number; the
// slot carries the frame's users count and flags. Callers never hold raw
// pointers into the arena: they hold a *PageRef, which owns one unit of the
// users count, or an Observer, which owns nothing.
package physmem

import (
	"fmt"

	"vmkernel.dev/vmkernel/pkg/hostarch"
)

// PhysAddr is a physical address.
type PhysAddr uint64

// String implements fmt.Stringer.String.
func (pa PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(pa))
}

// FrameNumber returns the physical frame number containing pa.
func (pa PhysAddr) FrameNumber() uint64 {
	return uint64(pa) >> hostarch.PageShift
}

// IsPageAligned returns true if pa is a multiple of the page size.
func (pa PhysAddr) IsPageAligned() bool {
	return uint64(pa)&hostarch.PageMask == 0
}

// Flags are per-page state bits.
type Flags uint32

const (
	// Dirty indicates that the page has been written through a shared
	// mapping.
	Dirty Flags = 1 << iota

	// NoCache indicates that mappings of the page must bypass the cache.
	NoCache

	// WriteThrough indicates that mappings of the page must use a
	// write-through cache policy.
	WriteThrough

	// BufferCache indicates that the page is owned by a buffer or page
	// cache rather than by an address space.
	BufferCache
)

// CachePolicy returns only the cache policy bits of f.
func (f Flags) CachePolicy() Flags {
	return f & (NoCache | WriteThrough)
}

// MemoryType returns the hostarch.MemoryType selected by f.
func (f Flags) MemoryType() hostarch.MemoryType {
	return hostarch.MemoryTypeOf(f&NoCache != 0, f&WriteThrough != 0)
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	b := []byte("----")
	if f&Dirty != 0 {
		b[0] = 'd'
	}
	if f&NoCache != 0 {
		b[1] = 'n'
	}
	if f&WriteThrough != 0 {
		b[2] = 'w'
	}
	if f&BufferCache != 0 {
		b[3] = 'b'
	}
	return string(b)
}

// Allocator is the frame allocator contract used by page tables and address
// spaces.
type Allocator interface {
	// Alloc returns a zeroed, page-aligned frame. It returns ENOMEM if no
	// frame is available.
	Alloc() (PhysAddr, error)

	// Free returns a frame obtained from Alloc.
	Free(pa PhysAddr)

	// Bytes returns the contents of the frame at pa through the kernel's
	// direct map.
	Bytes(pa PhysAddr) []byte
}
