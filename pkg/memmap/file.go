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
	"vmkernel.dev/vmkernel/pkg/physmem"
)

// CachedFile is a regular file whose mappings share one PageCache.
type CachedFile struct {
	cache *PageCache
}

var _ Mappable = (*CachedFile)(nil)

// NewCachedFile returns a file named name with contents data.
func NewCachedFile(mf *physmem.MemoryFile, name string, data []byte, flags physmem.Flags) *CachedFile {
	return &CachedFile{cache: NewPageCache(mf, name, data, flags)}
}

// Name implements File.Name.
func (f *CachedFile) Name() string {
	return f.cache.name
}

// Cache returns the file's page cache.
func (f *CachedFile) Cache() *PageCache {
	return f.cache
}

// MMap implements Mappable.MMap.
func (f *CachedFile) MMap(ctx context.Context, opts MMapOpts) (VMObject, error) {
	if opts.Offset%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("mmap %s: unaligned offset %#x: %w", f.Name(), opts.Offset, linuxerr.EINVAL)
	}
	first := opts.Offset / hostarch.PageSize
	if first >= f.cache.size {
		return nil, fmt.Errorf("mmap %s: offset %#x beyond end of file: %w", f.Name(), opts.Offset, linuxerr.ENODEV)
	}
	f.cache.IncRef()
	return f.cache, nil
}

// Close drops the file's reference on its page cache. Existing mappings
// keep the cache alive.
func (f *CachedFile) Close() {
	f.cache.DecRef()
}

// UnmappableFile is a File without an mmap hook, such as a pipe.
type UnmappableFile string

// Name implements File.Name.
func (f UnmappableFile) Name() string {
	return string(f)
}
