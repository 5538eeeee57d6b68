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

package physmem

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"vmkernel.dev/vmkernel/pkg/errors/linuxerr"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/log"
	"vmkernel.dev/vmkernel/pkg/sync"
)

// DefaultBase is the physical address of the first frame. Frame 0 is never
// handed out so that a zero PhysAddr always means "no frame".
const DefaultBase PhysAddr = 0x100000

// MemoryFileOpts configures a MemoryFile.
type MemoryFileOpts struct {
	// Frames is the number of frames of physical memory.
	Frames uint64

	// Base is the physical address of the first frame. If zero,
	// DefaultBase is used.
	Base PhysAddr
}

// slot is the arena entry for one frame.
type slot struct {
	// mu protects the fields below. It is the innermost lock but for page
	// table locks, and is held only while mutating users or flags.
	mu sync.IRQMutex

	// allocated is true while the frame is owned by a caller of Alloc.
	allocated bool

	// users is the number of PageRefs on the frame.
	users int64

	flags Flags
}

// MemoryFile is a simulated bank of physical memory backed by an anonymous
// host mapping. It implements Allocator.
type MemoryFile struct {
	base    PhysAddr
	frames  uint64
	mapping []byte
	slots   []slot

	// mu protects free.
	mu sync.IRQMutex

	// free is a stack of free frame numbers, relative to base.
	free []uint64

	framesInUse atomic.Int64
	pagesInUse  atomic.Int64
}

// NewMemoryFile maps opts.Frames frames of host memory.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Frames == 0 {
		return nil, fmt.Errorf("memory file needs at least one frame: %w", linuxerr.EINVAL)
	}
	if opts.Base == 0 {
		opts.Base = DefaultBase
	}
	if !opts.Base.IsPageAligned() {
		return nil, fmt.Errorf("unaligned physical base %v: %w", opts.Base, linuxerr.EINVAL)
	}
	size := opts.Frames << hostarch.PageShift
	if size>>hostarch.PageShift != opts.Frames || int64(size) < 0 {
		return nil, fmt.Errorf("%d frames overflow the host address space: %w", opts.Frames, linuxerr.EINVAL)
	}
	m, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of physical memory: %w", size, err)
	}
	f := &MemoryFile{
		base:    opts.Base,
		frames:  opts.Frames,
		mapping: m,
		slots:   make([]slot, opts.Frames),
		free:    make([]uint64, opts.Frames),
	}
	// Hand out low frames first.
	for i := range f.free {
		f.free[i] = opts.Frames - 1 - uint64(i)
	}
	log.Infof("Physical memory: %d frames at [%v, %v)", opts.Frames, opts.Base, opts.Base+PhysAddr(size))
	return f, nil
}

// Destroy releases the host mapping. No frame may be used afterwards.
func (f *MemoryFile) Destroy() error {
	if f.mapping == nil {
		return nil
	}
	if n := f.framesInUse.Load(); n != 0 {
		log.Warningf("Destroying physical memory with %d frames in use", n)
	}
	err := unix.Munmap(f.mapping)
	f.mapping = nil
	return err
}

// Range returns the physical address range covered by f.
func (f *MemoryFile) Range() (start, end PhysAddr) {
	return f.base, f.base + PhysAddr(f.frames<<hostarch.PageShift)
}

// TotalFrames returns the number of frames in f.
func (f *MemoryFile) TotalFrames() uint64 {
	return f.frames
}

// FramesInUse returns the number of allocated frames, including page table
// frames.
func (f *MemoryFile) FramesInUse() int64 {
	return f.framesInUse.Load()
}

// PagesInUse returns the number of frames currently held through PageRefs.
func (f *MemoryFile) PagesInUse() int64 {
	return f.pagesInUse.Load()
}

func (f *MemoryFile) index(pa PhysAddr) uint64 {
	if !pa.IsPageAligned() {
		panic(fmt.Sprintf("unaligned physical address %v", pa))
	}
	if pa < f.base {
		panic(fmt.Sprintf("physical address %v below memory base %v", pa, f.base))
	}
	i := uint64(pa-f.base) >> hostarch.PageShift
	if i >= f.frames {
		panic(fmt.Sprintf("physical address %v beyond end of memory", pa))
	}
	return i
}

func (f *MemoryFile) slot(pa PhysAddr) *slot {
	return &f.slots[f.index(pa)]
}

// Alloc implements Allocator.Alloc.
func (f *MemoryFile) Alloc() (PhysAddr, error) {
	f.mu.Lock()
	n := len(f.free)
	if n == 0 {
		f.mu.Unlock()
		return 0, linuxerr.ENOMEM
	}
	i := f.free[n-1]
	f.free = f.free[:n-1]
	f.mu.Unlock()

	pa := f.base + PhysAddr(i<<hostarch.PageShift)
	s := &f.slots[i]
	s.mu.Lock()
	if s.allocated {
		s.mu.Unlock()
		panic(fmt.Sprintf("frame %v on the free list is allocated", pa))
	}
	s.allocated = true
	s.users = 0
	s.flags = 0
	s.mu.Unlock()

	clear(f.Bytes(pa))
	f.framesInUse.Add(1)
	return pa, nil
}

// Free implements Allocator.Free.
func (f *MemoryFile) Free(pa PhysAddr) {
	i := f.index(pa)
	s := &f.slots[i]
	s.mu.Lock()
	if !s.allocated {
		s.mu.Unlock()
		panic(fmt.Sprintf("double free of frame %v", pa))
	}
	if s.users != 0 {
		s.mu.Unlock()
		panic(fmt.Sprintf("freeing frame %v with %d users", pa, s.users))
	}
	s.allocated = false
	s.flags = 0
	s.mu.Unlock()

	f.mu.Lock()
	f.free = append(f.free, i)
	f.mu.Unlock()
	f.framesInUse.Add(-1)
}

// Bytes implements Allocator.Bytes.
func (f *MemoryFile) Bytes(pa PhysAddr) []byte {
	off := f.index(pa) << hostarch.PageShift
	return f.mapping[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// NewPage allocates a zeroed frame and returns the only reference on it.
func (f *MemoryFile) NewPage() (*PageRef, error) {
	pa, err := f.Alloc()
	if err != nil {
		return nil, err
	}
	s := f.slot(pa)
	s.mu.Lock()
	s.users = 1
	s.mu.Unlock()
	f.pagesInUse.Add(1)
	return &PageRef{f: f, pa: pa}, nil
}

// Observe returns an Observer for the frame at pa.
func (f *MemoryFile) Observe(pa PhysAddr) Observer {
	f.index(pa)
	return Observer{f: f, pa: pa}
}
