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

package memmap

import (
	"context"
	"fmt"

	"vmkernel.dev/vmkernel/pkg/errors/linuxerr"
	"vmkernel.dev/vmkernel/pkg/hostarch"
	"vmkernel.dev/vmkernel/pkg/log"
	"vmkernel.dev/vmkernel/pkg/physmem"
	"vmkernel.dev/vmkernel/pkg/refs"
	"vmkernel.dev/vmkernel/pkg/sync"
)

// PageCache is a VMObject holding the cached pages of one file. Pages are
// allocated on first use and filled from the file's initial contents.
//
// Lock order: PageCache.mu is taken after MemoryArea locks and before page
// slot locks.
type PageCache struct {
	refs.Refs

	mf    *physmem.MemoryFile
	name  string
	flags physmem.Flags

	// mu protects pages.
	mu sync.Mutex

	// pages maps page indices to the cache's own reference on each page.
	//
	// +checklocks:mu
	pages map[uint64]*physmem.PageRef

	// data is the file's initial contents. Immutable.
	data []byte

	// size is the size of the file in pages. Immutable.
	size uint64
}

// NewPageCache returns a page cache over a file whose initial contents are
// data, allocating pages from mf. flags selects the cache policy of every
// mapping of the file. The caller owns one reference on the cache.
func NewPageCache(mf *physmem.MemoryFile, name string, data []byte, flags physmem.Flags) *PageCache {
	size := hostarch.PagesIn(uint64(len(data)))
	if size == 0 {
		size = 1
	}
	c := &PageCache{
		mf:    mf,
		name:  name,
		flags: flags.CachePolicy(),
		pages: make(map[uint64]*physmem.PageRef),
		data:  data,
		size:  size,
	}
	c.InitRefs("memmap.PageCache " + name)
	return c
}

// Size returns the size of the cached file in pages.
func (c *PageCache) Size() uint64 {
	return c.size
}

// Cached returns the number of resident pages.
func (c *PageCache) Cached() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}

// Page implements VMObject.Page.
func (c *PageCache) Page(ctx context.Context, index uint64) (*physmem.PageRef, error) {
	if index >= c.size {
		return nil, fmt.Errorf("page %d beyond end of %s (%d pages): %w", index, c.name, c.size, linuxerr.EFAULT)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pages[index]; ok {
		return p.IncRef(), nil
	}
	p, err := c.mf.NewPage()
	if err != nil {
		return nil, err
	}
	if off := index * hostarch.PageSize; off < uint64(len(c.data)) {
		copy(p.Bytes(), c.data[off:])
	}
	p.SetFlags(physmem.BufferCache | c.flags)
	c.pages[index] = p
	log.Debugf("%s: page %d cached at %v", c.name, index, p.Addr())
	return p.IncRef(), nil
}

// Flags implements VMObject.Flags.
func (c *PageCache) Flags() physmem.Flags {
	return c.flags
}

// DecRef implements VMObject.DecRef. The cached pages are dropped with the
// last reference.
func (c *PageCache) DecRef() {
	c.Refs.DecRef(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, p := range c.pages {
			p.DecRef()
			delete(c.pages, i)
		}
		log.Debugf("%s: page cache released", c.name)
	})
}

// Contents returns a copy of the file's current contents, reading cached
// pages where present.
func (c *PageCache) Contents() []byte {
	buf := make([]byte, c.size*hostarch.PageSize)
	copy(buf, c.data)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pages {
		copy(buf[i*hostarch.PageSize:], p.Bytes())
	}
	return buf[:len(c.data)]
}
